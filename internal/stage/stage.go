package stage

import (
	"context"
	"fmt"
	"math"
	"time"

	"labsched/internal/common"

	"github.com/coder/quartz"
	"go.uber.org/zap"
)

// 工序名称，同时用作时钟标签与指标标签
const (
	NameTransferIn  = "store_to_instrument"
	NameMeasure     = "measure_sample"
	NameTransferOut = "instrument_to_store"
)

// Publisher 进度消息的接收方
type Publisher interface {
	Publish(ctx context.Context, msg string)
}

// Config 工序时长
type Config struct {
	Transfer time.Duration
	Measure  time.Duration
}

// ConfigFromCommon 从全局配置构造
func ConfigFromCommon(c common.StageConfig) Config {
	return Config{
		Transfer: c.TransferDuration(),
		Measure:  c.MeasureDuration(),
	}
}

// Runner 执行三个物理工序，每个工序发布开始消息、等待固定时长、发布完成消息
type Runner struct {
	clock     quartz.Clock
	start     time.Time
	timeUnit  time.Duration
	config    Config
	publisher Publisher
	logger    *zap.Logger
	metrics   *common.Metrics
}

// NewRunner 创建工序执行器；timeUnit 用于把经过时间换算成消息中的时间单位
func NewRunner(clock quartz.Clock, config Config, timeUnit time.Duration, publisher Publisher, logger *zap.Logger, metrics *common.Metrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeUnit <= 0 {
		timeUnit = time.Second
	}
	return &Runner{
		clock:     clock,
		start:     clock.Now("stage", "start"),
		timeUnit:  timeUnit,
		config:    config,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// Elapsed 自启动以来的时间，按时间单位保留一位小数
func (r *Runner) Elapsed() float64 {
	units := float64(r.clock.Since(r.start, "stage", "elapsed")) / float64(r.timeUnit)
	return math.Round(units*10) / 10
}

// StoreToInstrument 机器人把样品从存储位移到仪器
func (r *Runner) StoreToInstrument(ctx context.Context, sample common.Sample, robot, store, instr string) error {
	return r.run(ctx, NameTransferIn, r.config.Transfer,
		fmt.Sprintf("%s started moving %s from %s to %s.", robot, sample.ID, storeLocation(store, sample), instr),
		fmt.Sprintf("%s finished moving %s from %s to %s.", robot, sample.ID, storeLocation(store, sample), instr))
}

// Measure 仪器测量样品
func (r *Runner) Measure(ctx context.Context, sample common.Sample, instr string) error {
	return r.run(ctx, NameMeasure, r.config.Measure,
		fmt.Sprintf("%s started measuring %s.", instr, sample.ID),
		fmt.Sprintf("%s finished measuring %s.", instr, sample.ID))
}

// InstrumentToStore 机器人把样品从仪器移回存储位
func (r *Runner) InstrumentToStore(ctx context.Context, sample common.Sample, robot, store, instr string) error {
	return r.run(ctx, NameTransferOut, r.config.Transfer,
		fmt.Sprintf("%s started moving %s from %s to %s.", robot, sample.ID, instr, storeLocation(store, sample)),
		fmt.Sprintf("%s finished moving %s from %s to %s.", robot, sample.ID, instr, storeLocation(store, sample)))
}

func (r *Runner) run(ctx context.Context, name string, d time.Duration, started, finished string) error {
	begin := r.clock.Now("stage", name, "begin")
	r.publish(ctx, started)

	timer := r.clock.NewTimer(d, "stage", name)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.logger.Warn("Stage interrupted",
			zap.String("stage", name),
			zap.Error(ctx.Err()))
		return fmt.Errorf("%s: %w", name, ctx.Err())
	case <-timer.C:
	}

	r.publish(ctx, finished)
	r.metrics.ObserveStage(name, r.clock.Since(begin, "stage", name, "end"))
	return nil
}

func (r *Runner) publish(ctx context.Context, msg string) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(ctx, fmt.Sprintf("(%.1f): %s", r.Elapsed(), msg))
}

func storeLocation(store string, sample common.Sample) string {
	if sample.Location == "" {
		return store
	}
	return fmt.Sprintf("%s location %s", store, sample.Location)
}
