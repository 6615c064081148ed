package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"labsched/internal/common"
	"labsched/internal/labscheduler"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile  string
	development bool
)

var rootCmd = &cobra.Command{
	Use:   "labsched",
	Short: "Schedule lab samples across robots, stores and instruments",
	Example: `  $ labsched batch s1 s2 s3
  $ labsched serve --config configs/labsched.yaml`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/labsched.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&development, "dev", false, "Enable development mode")

	batchCmd.Flags().Int("count", 0, "Number of generated samples (s0, s1, ...) when no sample ids are given")
	serveCmd.Flags().Int("port", 0, "Override the HTTP server port")
	serveCmd.Flags().Bool("no-server", false, "Disable the HTTP/WebSocket server")

	rootCmd.AddCommand(batchCmd, serveCmd)
}

var batchCmd = &cobra.Command{
	Use:   "batch [sample...]",
	Short: "Process a fixed batch of samples and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := setup()
		if err != nil {
			return err
		}
		config.Server.Enabled = false

		count, _ := cmd.Flags().GetInt("count")
		if count > 0 {
			config.Batch.Count = count
			config.Batch.Samples = nil
		}
		if len(args) > 0 {
			config.Batch.Samples = args
		}

		logger := common.ComponentLogger("labsched")
		l, err := labscheduler.New(config,
			labscheduler.WithLogger(logger),
			labscheduler.WithConsole(cmd.OutOrStdout()))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		results, err := l.RunBatch(ctx, nil)
		if shutdownErr := l.Shutdown(context.Background()); shutdownErr != nil {
			logger.Warn("Shutdown incomplete", zap.Error(shutdownErr))
		}
		for _, r := range results {
			logger.Info("Workflow result",
				zap.String("sample_id", r.Sample.ID),
				zap.String("state", string(r.State)),
				zap.String("instrument", r.Instrument),
				zap.String("error", r.Error))
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", r.Sample.ID, r.State, r.Instrument)
		}
		return err
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept sample arrivals and stream progress until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config, err := setup()
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			config.Server.Port = port
		}
		if noServer, _ := cmd.Flags().GetBool("no-server"); noServer {
			config.Server.Enabled = false
		}

		logger := common.ComponentLogger("labsched")
		l, err := labscheduler.New(config,
			labscheduler.WithLogger(logger),
			labscheduler.WithConsole(cmd.OutOrStdout()))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("Starting lab scheduler",
			zap.Bool("server", config.Server.Enabled),
			zap.String("addr", config.Server.Addr()),
			zap.Bool("barcode", config.Barcode.Enabled),
			zap.Bool("kafka", config.Kafka.Enabled),
			zap.Bool("watch", config.Watch.Enabled))

		if err := l.Serve(ctx); err != nil {
			return err
		}
		logger.Info("Lab scheduler exited gracefully")
		return nil
	},
}

// setup 加载配置并初始化日志
func setup() (*common.Config, error) {
	config, err := common.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if development {
		config.Log.Development = true
	}
	if err := common.InitLoggerFromConfig(config.Log); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if _, err := os.Stat(configFile); err == nil {
		common.ComponentLogger("labsched").Info("Configuration loaded", zap.String("config_file", configFile))
	}
	return config, nil
}
