package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// ConsoleSubscriber 把消息逐行写到 writer
type ConsoleSubscriber struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSubscriber 创建控制台订阅者
func NewConsoleSubscriber(w io.Writer) *ConsoleSubscriber {
	return &ConsoleSubscriber{w: w}
}

func (c *ConsoleSubscriber) ID() string { return "console" }

func (c *ConsoleSubscriber) Closed() bool { return false }

func (c *ConsoleSubscriber) Send(_ context.Context, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, msg)
	return err
}
