package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"labsched/internal/common"
	"labsched/internal/resourcepool"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State 工作流状态
type State string

const (
	StateInit             State = "INIT"
	StateAwaitTransferIn  State = "AWAIT_TRANSFER_IN_RESOURCES"
	StateTransferIn       State = "TRANSFER_IN"
	StateAwaitMeasure     State = "AWAIT_MEASURE_RESOURCE"
	StateMeasuring        State = "MEASURING"
	StateAwaitTransferOut State = "AWAIT_TRANSFER_OUT_RESOURCES"
	StateTransferOut      State = "TRANSFER_OUT"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

// Terminal 是否终止状态
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Pool 工作流所需的资源池操作
type Pool interface {
	Acquire(ctx context.Context, cats ...common.Category) (resourcepool.Grant, error)
	Release(g resourcepool.Grant) error
}

// Stages 工作流所需的三个工序
type Stages interface {
	StoreToInstrument(ctx context.Context, sample common.Sample, robot, store, instr string) error
	Measure(ctx context.Context, sample common.Sample, instr string) error
	InstrumentToStore(ctx context.Context, sample common.Sample, robot, store, instr string) error
}

// Transition 状态转换回调
type Transition func(w *Workflow, from, to State)

// Info 工作流对外展示信息
type Info struct {
	ID         string        `json:"id"`
	Sample     common.Sample `json:"sample"`
	State      State         `json:"state"`
	Instrument string        `json:"instrument,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Workflow 一个样品经过 存储 -> 仪器 -> 存储 的完整过程
type Workflow struct {
	id     string
	sample common.Sample
	pool   Pool
	stages Stages
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	instrument string
	createdAt  time.Time
	finishedAt time.Time
	err        error
	onChange   Transition

	// 当前持有的资源，按类别记录各自所属的租约
	held map[common.Category]resourcepool.Grant
}

// New 创建工作流
func New(sample common.Sample, pool Pool, stages Stages, logger *zap.Logger, onChange Transition) *Workflow {
	id := uuid.NewString()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		id:        id,
		sample:    sample,
		pool:      pool,
		stages:    stages,
		logger:    logger.With(zap.String("workflow_id", id), zap.String("sample_id", sample.ID)),
		state:     StateInit,
		createdAt: time.Now(),
		onChange:  onChange,
		held:      make(map[common.Category]resourcepool.Grant),
	}
}

// ID 工作流标识
func (w *Workflow) ID() string { return w.id }

// Sample 样品
func (w *Workflow) Sample() common.Sample { return w.sample }

// State 当前状态
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err 终止错误
func (w *Workflow) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Info 状态快照
func (w *Workflow) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := Info{
		ID:         w.id,
		Sample:     w.sample,
		State:      w.state,
		Instrument: w.instrument,
		CreatedAt:  w.createdAt,
	}
	if !w.finishedAt.IsZero() {
		t := w.finishedAt
		info.FinishedAt = &t
	}
	if w.err != nil {
		info.Error = w.err.Error()
	}
	return info
}

// Run 执行工作流直到 DONE 或失败；任何退出路径都恰好释放一次所持资源
func (w *Workflow) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
		if relErr := w.releaseHeld(); relErr != nil {
			err = errors.Join(err, relErr)
		}
		w.finish(err)
	}()

	robot, store, instr := common.CategoryRobot, common.CategoryStore, common.CategoryInstrument

	// 1. 同时获取 robot、store、instrument
	w.setState(StateAwaitTransferIn)
	g, err := w.pool.Acquire(ctx, robot, store, instr)
	if err != nil {
		return fmt.Errorf("acquire transfer-in resources: %w", err)
	}
	w.hold(g)
	w.mu.Lock()
	w.instrument = g.Get(instr)
	w.mu.Unlock()

	// 2. 移入仪器
	w.setState(StateTransferIn)
	if err := w.stages.StoreToInstrument(ctx, w.sample, g.Get(robot), g.Get(store), g.Get(instr)); err != nil {
		return err
	}

	// 3. 只释放 robot 和 store，样品仍在仪器上
	if err := w.release(g.Only(robot, store)); err != nil {
		return err
	}
	w.setState(StateAwaitMeasure)

	// 4. 在保留的仪器上测量
	w.setState(StateMeasuring)
	if err := w.stages.Measure(ctx, w.sample, w.instrument); err != nil {
		return err
	}

	// 5. 重新获取 robot 和 store
	w.setState(StateAwaitTransferOut)
	out, err := w.pool.Acquire(ctx, robot, store)
	if err != nil {
		return fmt.Errorf("acquire transfer-out resources: %w", err)
	}
	w.hold(out)

	// 6. 移回存储位
	w.setState(StateTransferOut)
	if err := w.stages.InstrumentToStore(ctx, w.sample, out.Get(robot), out.Get(store), w.instrument); err != nil {
		return err
	}

	// 7. 全部释放
	return w.releaseHeld()
}

// hold 记录新获取的资源
func (w *Workflow) hold(g resourcepool.Grant) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for c := range g.Instances {
		w.held[c] = g.Only(c)
	}
}

// release 释放部分资源并从持有表中移除
func (w *Workflow) release(g resourcepool.Grant) error {
	w.mu.Lock()
	for c := range g.Instances {
		delete(w.held, c)
	}
	w.mu.Unlock()
	if err := w.pool.Release(g); err != nil {
		return fmt.Errorf("release %s: %w", g, err)
	}
	return nil
}

// releaseHeld 释放仍持有的全部资源
func (w *Workflow) releaseHeld() error {
	w.mu.Lock()
	remaining := make([]resourcepool.Grant, 0, len(w.held))
	for _, c := range common.Categories() {
		if g, ok := w.held[c]; ok {
			remaining = append(remaining, g)
		}
	}
	w.held = make(map[common.Category]resourcepool.Grant)
	w.mu.Unlock()

	var errs []error
	for _, g := range remaining {
		if err := w.pool.Release(g); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", g, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Workflow) setState(to State) {
	w.mu.Lock()
	from := w.state
	w.state = to
	onChange := w.onChange
	w.mu.Unlock()

	w.logger.Debug("Workflow state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if onChange != nil {
		onChange(w, from, to)
	}
}

func (w *Workflow) finish(err error) {
	to := StateDone
	if err != nil {
		to = StateFailed
	}
	w.mu.Lock()
	w.err = err
	w.finishedAt = time.Now()
	w.mu.Unlock()
	w.setState(to)

	if err != nil {
		w.logger.Error("Workflow failed", zap.String("instrument", w.instrument), zap.Error(err))
		return
	}
	w.logger.Info("Workflow completed", zap.String("instrument", w.instrument))
}
