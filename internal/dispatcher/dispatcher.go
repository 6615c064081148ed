package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"labsched/internal/common"
	"labsched/internal/workflow"

	"go.uber.org/zap"
)

// Config 调度器配置
type Config struct {
	// HistorySize 保留的已结束工作流数量
	HistorySize int
	// OnTransition 工作流状态变化回调，可为空
	OnTransition workflow.Transition
}

// Dispatcher 为每个样品启动一个工作流并持有其句柄直到结束
type Dispatcher struct {
	pool    workflow.Pool
	stages  workflow.Stages
	config  Config
	logger  *zap.Logger
	metrics *common.Metrics

	// 流式模式下提交的工作流使用的上下文
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	active  map[string]*workflow.Workflow
	history []workflow.Info
	wg      sync.WaitGroup
}

// New 创建调度器
func New(pool workflow.Pool, stages workflow.Stages, config Config, logger *zap.Logger, metrics *common.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		pool:    pool,
		stages:  stages,
		config:  config,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]*workflow.Workflow),
	}
}

// Submit 为样品启动工作流，不阻塞调用方
func (d *Dispatcher) Submit(sample common.Sample) (*workflow.Workflow, error) {
	return d.launch(d.ctx, sample)
}

// RunBatch 批处理模式：同时启动全部样品的工作流并等待它们结束
func (d *Dispatcher) RunBatch(ctx context.Context, samples []common.Sample) ([]workflow.Info, error) {
	for _, s := range samples {
		if err := common.ValidateSample(s); err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrInvalidParameter, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	workflows := make([]*workflow.Workflow, 0, len(samples))
	done := make([]<-chan struct{}, 0, len(samples))
	for _, s := range samples {
		w, finished, err := d.start(ctx, s)
		if err != nil {
			cancel()
			for _, ch := range done {
				<-ch
			}
			return nil, err
		}
		workflows = append(workflows, w)
		done = append(done, finished)
	}

	d.logger.Info("Batch started", zap.Int("samples", len(samples)))
	for _, ch := range done {
		<-ch
	}

	results := make([]workflow.Info, 0, len(workflows))
	var failed int
	for _, w := range workflows {
		info := w.Info()
		if info.State != workflow.StateDone {
			failed++
		}
		results = append(results, info)
	}
	d.logger.Info("Batch finished",
		zap.Int("samples", len(samples)),
		zap.Int("failed", failed))
	if failed > 0 {
		return results, fmt.Errorf("%d of %d workflows failed", failed, len(samples))
	}
	return results, nil
}

func (d *Dispatcher) launch(ctx context.Context, sample common.Sample) (*workflow.Workflow, error) {
	w, _, err := d.start(ctx, sample)
	return w, err
}

// start 注册并启动工作流，返回其结束信号
func (d *Dispatcher) start(ctx context.Context, sample common.Sample) (*workflow.Workflow, <-chan struct{}, error) {
	if err := common.ValidateSample(sample); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", common.ErrMalformedArrival, err)
	}

	logger := d.logger.With(zap.String("sample_id", sample.ID))
	w := workflow.New(sample, d.pool, d.stages, logger, d.config.OnTransition)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, nil, common.ErrDispatcherClosed
	}
	d.active[w.ID()] = w
	d.wg.Add(1)
	d.mu.Unlock()

	d.metrics.WorkflowStarted()
	logger.Info("Workflow scheduled", zap.String("workflow_id", w.ID()))

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer d.wg.Done()
		defer d.reap(w)
		defer func() {
			// Run 自身会恢复 panic，这里兜住回调等外围代码
			if r := recover(); r != nil {
				logger.Error("Workflow goroutine panicked",
					zap.String("workflow_id", w.ID()),
					zap.Any("panic", r))
			}
		}()
		_ = w.Run(ctx)
	}()
	return w, finished, nil
}

// reap 把结束的工作流移出活动集合
func (d *Dispatcher) reap(w *workflow.Workflow) {
	info := w.Info()
	result := "done"
	if info.State != workflow.StateDone {
		result = "failed"
	}
	d.metrics.WorkflowFinished(result)

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, w.ID())
	if d.config.HistorySize <= 0 {
		return
	}
	d.history = append(d.history, info)
	if over := len(d.history) - d.config.HistorySize; over > 0 {
		d.history = append(d.history[:0:0], d.history[over:]...)
	}
}

// Active 活动中的工作流
func (d *Dispatcher) Active() []workflow.Info {
	d.mu.Lock()
	workflows := make([]*workflow.Workflow, 0, len(d.active))
	for _, w := range d.active {
		workflows = append(workflows, w)
	}
	d.mu.Unlock()

	infos := make([]workflow.Info, 0, len(workflows))
	for _, w := range workflows {
		infos = append(infos, w.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// History 最近结束的工作流，按结束顺序
func (d *Dispatcher) History() []workflow.Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]workflow.Info(nil), d.history...)
}

// Len 活动工作流数量
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Wait 等待所有已启动的工作流结束
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown 停止接收新样品并等待在途工作流；ctx 到期时取消剩余工作流，它们会释放所持资源
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	n := len(d.active)
	d.mu.Unlock()

	d.logger.Info("Dispatcher shutting down", zap.Int("in_flight", n))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn("Cancelling in-flight workflows", zap.Int("in_flight", d.Len()))
		d.cancel()
		<-done
		return ctx.Err()
	}
}
