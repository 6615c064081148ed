package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"labsched/internal/common"

	"go.uber.org/zap"
)

// Subscriber 通知订阅者
type Subscriber interface {
	ID() string
	Send(ctx context.Context, msg string) error
	// Closed 订阅者是否已断开
	Closed() bool
}

// Sink 把进度消息扇出给当前全部订阅者
type Sink struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	sendTimeout time.Duration
	logger      *zap.Logger
	metrics     *common.Metrics
}

// NewSink 创建通知扇出器；sendTimeout 限制单个订阅者的发送时间，0 表示不限制
func NewSink(sendTimeout time.Duration, logger *zap.Logger, metrics *common.Metrics) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		subscribers: make(map[string]Subscriber),
		sendTimeout: sendTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// Subscribe 添加订阅者
func (s *Sink) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.subscribers[sub.ID()] = sub
	n := len(s.subscribers)
	s.mu.Unlock()

	s.logger.Info("Subscriber connected",
		zap.String("subscriber", sub.ID()),
		zap.Int("subscribers", n))
}

// Unsubscribe 移除订阅者
func (s *Sink) Unsubscribe(id string) {
	s.mu.Lock()
	_, ok := s.subscribers[id]
	delete(s.subscribers, id)
	n := len(s.subscribers)
	s.mu.Unlock()

	if ok {
		s.logger.Info("Subscriber disconnected",
			zap.String("subscriber", id),
			zap.Int("subscribers", n))
	}
}

// Len 当前订阅者数量
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Publish 发送消息给所有订阅者。单个订阅者失败不影响其他订阅者，也不会返回给调用方。
func (s *Sink) Publish(ctx context.Context, msg string) {
	for _, sub := range s.snapshot() {
		if sub.Closed() {
			continue
		}
		if err := s.send(ctx, sub, msg); err != nil {
			s.metrics.NotifyFailed()
			s.logger.Warn("Failed to notify subscriber",
				zap.String("subscriber", sub.ID()),
				zap.Error(err))
		}
	}
}

func (s *Sink) snapshot() []Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID() < subs[j].ID() })
	return subs
}

func (s *Sink) send(ctx context.Context, sub Subscriber, msg string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	// 发布方被取消不应关闭订阅者连接，只受发送超时约束
	ctx = context.WithoutCancel(ctx)
	if s.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()
	}
	return sub.Send(ctx, msg)
}
