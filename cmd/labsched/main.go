package main

import (
	"os"

	"labsched/internal/common"
)

func main() {
	err := rootCmd.Execute()
	common.Sync()
	if err != nil {
		os.Exit(1)
	}
}
