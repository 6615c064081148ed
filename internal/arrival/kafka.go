package arrival

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"labsched/internal/common"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader 消费者接口，*kafka.Reader 实现该接口
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// defaultRetryDelay 读取失败后的重试间隔
const defaultRetryDelay = time.Second

// KafkaSource 从 Kafka topic 消费样品到达消息
type KafkaSource struct {
	reader     MessageReader
	topic      string
	retryDelay time.Duration
	logger     *zap.Logger
	metrics    *common.Metrics
}

// NewKafkaSource 按配置创建消费者组读取器
func NewKafkaSource(cfg common.KafkaConfig, logger *zap.Logger, metrics *common.Metrics) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka brokers and topic are required", common.ErrInvalidConfiguration)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return NewKafkaSourceWithReader(reader, cfg.Topic, logger, metrics), nil
}

// NewKafkaSourceWithReader 使用已有读取器创建
func NewKafkaSourceWithReader(reader MessageReader, topic string, logger *zap.Logger, metrics *common.Metrics) *KafkaSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSource{
		reader:     reader,
		topic:      topic,
		retryDelay: defaultRetryDelay,
		logger:     logger.With(zap.String("topic", topic)),
		metrics:    metrics,
	}
}

func (k *KafkaSource) Name() string { return "kafka" }

// Run 持续消费直到 ctx 结束或读取器关闭，读取错误记录后重试；返回前关闭读取器
func (k *KafkaSource) Run(ctx context.Context, handle Handler) error {
	defer func() {
		if err := k.reader.Close(); err != nil {
			k.logger.Warn("Failed to close kafka reader", zap.Error(err))
		}
	}()

	k.logger.Info("Consuming sample arrivals")
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			k.logger.Warn("Failed to read kafka message, retrying",
				zap.Duration("retry_in", k.retryDelay),
				zap.Error(err))
			timer := time.NewTimer(k.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		k.handleMessage(ctx, msg, handle)
	}
}

func (k *KafkaSource) handleMessage(ctx context.Context, msg kafka.Message, handle Handler) {
	sample, err := Parse(msg.Value)
	if err != nil {
		k.metrics.ArrivalReceived(k.Name(), "malformed")
		k.logger.Warn("Discarding malformed arrival message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return
	}
	k.metrics.ArrivalReceived(k.Name(), "accepted")
	handle(ctx, sample)
}
