package dispatcher

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"labsched/internal/common"
	"labsched/internal/notify"
	"labsched/internal/resourcepool"
	"labsched/internal/stage"
	"labsched/internal/workflow"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const unit = 10 * time.Millisecond

// cycle 单个样品 转入 + 测量 + 转出 的时长
const cycle = unit + 4*unit + unit

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) ID() string   { return "recorder" }
func (r *recorder) Closed() bool { return false }

func (r *recorder) Send(_ context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

// index 第一条包含 substr 的消息下标
func (r *recorder) index(t *testing.T, substr string) int {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.msgs {
		if strings.Contains(m, substr) {
			return i
		}
	}
	t.Fatalf("no message contains %q", substr)
	return -1
}

// holderTracker 通过资源池观察者检查互斥
type holderTracker struct {
	mu      sync.Mutex
	holders map[string]uint64
	held    map[common.Category]int
	maxHeld map[common.Category]int
	faults  []string
}

func newHolderTracker() *holderTracker {
	return &holderTracker{
		holders: make(map[string]uint64),
		held:    make(map[common.Category]int),
		maxHeld: make(map[common.Category]int),
	}
}

func (h *holderTracker) observe(ev resourcepool.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, id := range ev.Grant.Instances {
		switch ev.Type {
		case resourcepool.EventAcquired:
			if _, ok := h.holders[id]; ok {
				h.faults = append(h.faults, id+" granted twice")
			}
			h.holders[id] = ev.Grant.Lease
			h.held[c]++
			if h.held[c] > h.maxHeld[c] {
				h.maxHeld[c] = h.held[c]
			}
		case resourcepool.EventReleased:
			delete(h.holders, id)
			h.held[c]--
		}
	}
}

type harness struct {
	pool       *resourcepool.Pool
	recorder   *recorder
	tracker    *holderTracker
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, inv common.Inventory, wrap func(workflow.Stages) workflow.Stages) *harness {
	t.Helper()
	tracker := newHolderTracker()
	pool, err := resourcepool.New(inv, resourcepool.WithObserver(tracker.observe))
	require.NoError(t, err)

	rec := &recorder{}
	sink := notify.NewSink(time.Second, nil, nil)
	sink.Subscribe(rec)

	var stages workflow.Stages = stage.NewRunner(quartz.NewReal(),
		stage.Config{Transfer: unit, Measure: 4 * unit}, unit, sink, nil, nil)
	if wrap != nil {
		stages = wrap(stages)
	}
	d := New(pool, stages, Config{HistorySize: 100}, nil, common.NewMetrics(nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return &harness{pool: pool, recorder: rec, tracker: tracker, dispatcher: d}
}

// watchConservation 在运行期间反复校验守恒
func watchConservation(t *testing.T, pool *resourcepool.Pool) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
				assert.NoError(t, pool.Check())
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func TestScenarioThreeInstruments(t *testing.T) {
	h := newHarness(t, common.Inventory{
		common.CategoryRobot:      {"R1"},
		common.CategoryStore:      {"S1"},
		common.CategoryInstrument: {"I1", "I2", "I3"},
	}, nil)
	stop := watchConservation(t, h.pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	results, err := h.dispatcher.RunBatch(ctx, common.NewSamples("s1", "s2", "s3"))
	elapsed := time.Since(start)
	stop()

	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, workflow.StateDone, r.State, r.Sample.ID)
	}
	assert.Empty(t, h.tracker.faults)
	assert.LessOrEqual(t, h.tracker.maxHeld[common.CategoryInstrument], 3)
	assert.Equal(t, 1, h.tracker.maxHeld[common.CategoryRobot])
	assert.Equal(t, 1, h.tracker.maxHeld[common.CategoryStore])
	// 测量并行进行，总时长远小于串行的 3 个周期
	assert.Less(t, elapsed, 3*cycle-2*unit)
	require.NoError(t, h.pool.Check())
	assert.Equal(t, 3, h.pool.Available(common.CategoryInstrument))
}

func TestScenarioSingleInstrument(t *testing.T) {
	h := newHarness(t, common.Inventory{
		common.CategoryRobot:      {"R1"},
		common.CategoryStore:      {"S1"},
		common.CategoryInstrument: {"I1"},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	results, err := h.dispatcher.RunBatch(ctx, common.NewSamples("s1", "s2"))
	elapsed := time.Since(start)
	require.NoError(t, err)

	// 不假定哪个样品先开始
	first, second := results[0].Sample.ID, results[1].Sample.ID
	if h.recorder.index(t, "moving "+second+" from S1") < h.recorder.index(t, "moving "+first+" from S1") {
		first, second = second, first
	}

	firstInDone := h.recorder.index(t, "R1 finished moving "+first+" from S1 to I1")
	firstOutDone := h.recorder.index(t, "R1 finished moving "+first+" from I1 to S1")
	secondInStart := h.recorder.index(t, "R1 started moving "+second+" from S1 to I1")
	assert.Greater(t, secondInStart, firstInDone)
	assert.Greater(t, secondInStart, firstOutDone, "second sample needs the only instrument")
	assert.GreaterOrEqual(t, elapsed, 2*cycle)
	assert.Empty(t, h.tracker.faults)
	assert.Equal(t, 1, h.tracker.maxHeld[common.CategoryInstrument])
	require.NoError(t, h.pool.Check())
}

func TestNoDeadlockWithMinimalResources(t *testing.T) {
	h := newHarness(t, common.Inventory{
		common.CategoryRobot:      {"R1"},
		common.CategoryStore:      {"S1"},
		common.CategoryInstrument: {"I1", "I2"},
	}, nil)
	stop := watchConservation(t, h.pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := h.dispatcher.RunBatch(ctx, common.GenerateSamples(8))
	stop()

	require.NoError(t, err)
	require.Len(t, results, 8)
	for _, r := range results {
		assert.Equal(t, workflow.StateDone, r.State)
	}
	assert.Empty(t, h.tracker.faults)
	require.NoError(t, h.pool.Check())
}

func TestSubmitTracksWorkflowsUntilDone(t *testing.T) {
	h := newHarness(t, common.Inventory{
		common.CategoryRobot:      {"R1"},
		common.CategoryStore:      {"S1"},
		common.CategoryInstrument: {"I1", "I2", "I3"},
	}, nil)

	for _, s := range common.GenerateSamples(5) {
		w, err := h.dispatcher.Submit(s)
		require.NoError(t, err)
		assert.Equal(t, s, w.Sample())
	}
	assert.NotEmpty(t, h.dispatcher.Active())

	h.dispatcher.Wait()
	assert.Empty(t, h.dispatcher.Active())
	history := h.dispatcher.History()
	require.Len(t, history, 5)
	for _, info := range history {
		assert.Equal(t, workflow.StateDone, info.State)
		assert.NotNil(t, info.FinishedAt)
	}
	require.NoError(t, h.pool.Check())
}

func TestSubmitRejectsMalformedSample(t *testing.T) {
	h := newHarness(t, common.Inventory{
		common.CategoryRobot:      {"R1"},
		common.CategoryStore:      {"S1"},
		common.CategoryInstrument: {"I1"},
	}, nil)

	for _, s := range []common.Sample{{ID: ""}, {ID: "two words"}, {ID: strings.Repeat("x", 200)}} {
		w, err := h.dispatcher.Submit(s)
		assert.ErrorIs(t, err, common.ErrMalformedArrival)
		assert.Nil(t, w)
	}
	assert.Equal(t, 0, h.dispatcher.Len())
}

// flakyStages 对指定样品的测量工序 panic
type flakyStages struct {
	workflow.Stages
	bad string
}

func (f flakyStages) Measure(ctx context.Context, sample common.Sample, instr string) error {
	if sample.ID == f.bad {
		panic("instrument driver crashed")
	}
	return f.Stages.Measure(ctx, sample, instr)
}

func TestFailingWorkflowDoesNotAffectSiblings(t *testing.T) {
	h := newHarness(t, common.Inventory{
		common.CategoryRobot:      {"R1"},
		common.CategoryStore:      {"S1"},
		common.CategoryInstrument: {"I1", "I2"},
	}, func(s workflow.Stages) workflow.Stages { return flakyStages{Stages: s, bad: "s1"} })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := h.dispatcher.RunBatch(ctx, common.NewSamples("s0", "s1", "s2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3")

	states := make(map[string]workflow.State)
	for _, r := range results {
		states[r.Sample.ID] = r.State
	}
	assert.Equal(t, map[string]workflow.State{
		"s0": workflow.StateDone,
		"s1": workflow.StateFailed,
		"s2": workflow.StateDone,
	}, states)
	require.NoError(t, h.pool.Check())

	// 调度器仍然可用
	w, err := h.dispatcher.Submit(common.Sample{ID: "s3"})
	require.NoError(t, err)
	h.dispatcher.Wait()
	assert.Equal(t, workflow.StateDone, w.State())
}

func TestShutdownCancelsStuckWorkflows(t *testing.T) {
	h := newHarness(t, common.Inventory{
		common.CategoryRobot:      {"R1"},
		common.CategoryStore:      {"S1"},
		common.CategoryInstrument: {"I1"},
	}, nil)

	// robot 被外部占用，工作流会一直等待
	held, err := h.pool.Acquire(context.Background(), common.CategoryRobot)
	require.NoError(t, err)

	w, err := h.dispatcher.Submit(common.Sample{ID: "stuck"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.pool.Waiting() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = h.dispatcher.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, workflow.StateFailed, w.State())
	assert.Equal(t, 0, h.pool.Waiting())

	_, err = h.dispatcher.Submit(common.Sample{ID: "late"})
	assert.ErrorIs(t, err, common.ErrDispatcherClosed)

	require.NoError(t, h.pool.Release(held))
	require.NoError(t, h.pool.Check())
	assert.Equal(t, 1, h.pool.Available(common.CategoryStore))
}
