package resourcepool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"labsched/internal/common"

	"go.uber.org/zap"
)

// Grant 一次获取得到的资源集合，在显式释放前由请求方独占
type Grant struct {
	Lease     uint64                     `json:"lease"`
	Instances map[common.Category]string `json:"instances"`
}

// Get 返回类别对应的实例
func (g Grant) Get(c common.Category) string {
	return g.Instances[c]
}

// Empty 是否不含任何实例
func (g Grant) Empty() bool {
	return len(g.Instances) == 0
}

// Only 返回只包含指定类别的子集，租约不变
func (g Grant) Only(cats ...common.Category) Grant {
	out := Grant{Lease: g.Lease, Instances: make(map[common.Category]string, len(cats))}
	for _, c := range cats {
		if id, ok := g.Instances[c]; ok {
			out.Instances[c] = id
		}
	}
	return out
}

// Without 返回去掉指定类别后的子集，租约不变
func (g Grant) Without(cats ...common.Category) Grant {
	out := Grant{Lease: g.Lease, Instances: make(map[common.Category]string, len(g.Instances))}
	for c, id := range g.Instances {
		out.Instances[c] = id
	}
	for _, c := range cats {
		delete(out.Instances, c)
	}
	return out
}

func (g Grant) String() string {
	parts := make([]string, 0, len(g.Instances))
	for c, id := range g.Instances {
		parts = append(parts, fmt.Sprintf("%s=%s", c, id))
	}
	sort.Strings(parts)
	return fmt.Sprintf("lease#%d{%s}", g.Lease, strings.Join(parts, ","))
}

// EventType 资源池事件类型
type EventType string

const (
	EventAcquired EventType = "acquired"
	EventReleased EventType = "released"
)

// Event 资源池状态变化，在持有池锁时按发生顺序投递
type Event struct {
	Type  EventType
	Grant Grant
}

// Observer 观察者，不得回调资源池
type Observer func(Event)

// Option 资源池选项
type Option func(*Pool)

// WithLogger 设置日志记录器
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics 设置指标
func WithMetrics(m *common.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithObserver 设置观察者
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

type waiter struct {
	cats     []common.Category
	ready    chan Grant
	enqueued time.Time
}

// Pool 资源池
//
// 可用列表、持有表和等待队列由同一把锁保护；检查与取走在一次加锁内完成，
// 等待只发生在锁外。释放时按到达顺序唤醒所有可以满足的等待者。
type Pool struct {
	mu        sync.Mutex
	available map[common.Category][]string
	held      map[common.Category]map[string]uint64
	initial   map[common.Category]int
	waiters   []*waiter
	nextLease uint64

	logger   *zap.Logger
	metrics  *common.Metrics
	observer Observer
}

// New 根据初始内容创建资源池
func New(inventory common.Inventory, opts ...Option) (*Pool, error) {
	p := &Pool{
		available: make(map[common.Category][]string, len(inventory)),
		held:      make(map[common.Category]map[string]uint64, len(inventory)),
		initial:   make(map[common.Category]int, len(inventory)),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	seen := make(map[string]common.Category)
	for _, c := range inventory.SortedCategories() {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %q", common.ErrUnknownCategory, c)
		}
		for _, id := range inventory[c] {
			if id == "" {
				return nil, fmt.Errorf("%w: empty instance id in %s", common.ErrInvalidConfiguration, c)
			}
			if prev, ok := seen[id]; ok {
				return nil, fmt.Errorf("%w: instance %q listed under both %s and %s",
					common.ErrInvalidConfiguration, id, prev, c)
			}
			seen[id] = c
		}
		p.available[c] = append([]string(nil), inventory[c]...)
		p.held[c] = make(map[string]uint64)
		p.initial[c] = len(inventory[c])
	}

	p.mu.Lock()
	p.publishLevelsLocked()
	p.mu.Unlock()
	return p, nil
}

// Acquire 阻塞直到每个请求类别都至少有一个可用实例，然后原子地各取一个。
// ctx 取消时返回 ctx.Err()，不会留下部分获取的资源。
func (p *Pool) Acquire(ctx context.Context, cats ...common.Category) (Grant, error) {
	start := time.Now()
	label := requestLabel(cats)

	p.mu.Lock()
	if err := p.validateLocked(cats); err != nil {
		p.mu.Unlock()
		return Grant{}, err
	}
	if p.satisfiableLocked(cats) {
		g := p.takeLocked(cats)
		p.mu.Unlock()
		p.metrics.ObserveAcquireWait(label, time.Since(start))
		return g, nil
	}
	w := &waiter{cats: cats, ready: make(chan Grant, 1), enqueued: start}
	p.waiters = append(p.waiters, w)
	depth := len(p.waiters)
	p.mu.Unlock()

	p.logger.Debug("Waiting for resources",
		zap.String("request", label),
		zap.Int("queue_depth", depth))

	select {
	case g := <-w.ready:
		p.metrics.ObserveAcquireWait(label, time.Since(start))
		return g, nil
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(w)
		p.mu.Unlock()
		if !removed {
			// 已在取消的同时被授予，归还
			if err := p.Release(<-w.ready); err != nil {
				p.logger.Error("Failed to return grant of cancelled waiter", zap.Error(err))
			}
		}
		return Grant{}, ctx.Err()
	}
}

// TryAcquire 不等待的获取，资源不足时返回 false
func (p *Pool) TryAcquire(cats ...common.Category) (Grant, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.validateLocked(cats); err != nil {
		return Grant{}, false, err
	}
	if !p.satisfiableLocked(cats) {
		return Grant{}, false, nil
	}
	return p.takeLocked(cats), true, nil
}

// Release 归还授予的实例。实例已不属于该租约时返回 ErrDoubleRelease，且不做任何修改。
func (p *Pool) Release(g Grant) error {
	if g.Empty() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for c, id := range g.Instances {
		holders, ok := p.held[c]
		if !ok {
			return fmt.Errorf("%w: %q", common.ErrUnknownCategory, c)
		}
		if lease, ok := holders[id]; !ok || lease != g.Lease {
			return fmt.Errorf("%w: %s %s not held by lease %d", common.ErrDoubleRelease, c, id, g.Lease)
		}
	}

	for _, c := range sortedGrantCategories(g) {
		id := g.Instances[c]
		delete(p.held[c], id)
		p.available[c] = append(p.available[c], id)
	}
	p.notifyLocked(Event{Type: EventReleased, Grant: g})
	p.dispatchLocked()
	p.publishLevelsLocked()
	return nil
}

// validateLocked 请求中的类别必须已知且非空
func (p *Pool) validateLocked(cats []common.Category) error {
	if len(cats) == 0 {
		return fmt.Errorf("%w: empty resource request", common.ErrInvalidParameter)
	}
	seen := make(map[common.Category]bool, len(cats))
	for _, c := range cats {
		n, ok := p.initial[c]
		if !ok {
			return fmt.Errorf("%w: %q", common.ErrUnknownCategory, c)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", common.ErrEmptyCategory, c)
		}
		if seen[c] {
			return fmt.Errorf("%w: category %s requested twice", common.ErrInvalidParameter, c)
		}
		seen[c] = true
	}
	return nil
}

func (p *Pool) satisfiableLocked(cats []common.Category) bool {
	for _, c := range cats {
		if len(p.available[c]) == 0 {
			return false
		}
	}
	return true
}

func (p *Pool) takeLocked(cats []common.Category) Grant {
	p.nextLease++
	g := Grant{Lease: p.nextLease, Instances: make(map[common.Category]string, len(cats))}
	for _, c := range cats {
		id := p.available[c][0]
		p.available[c] = p.available[c][1:]
		p.held[c][id] = g.Lease
		g.Instances[c] = id
	}
	p.notifyLocked(Event{Type: EventAcquired, Grant: g})
	p.publishLevelsLocked()
	return g
}

// dispatchLocked 按到达顺序把资源授予所有可以满足的等待者
func (p *Pool) dispatchLocked() {
	remaining := p.waiters[:0]
	for _, w := range p.waiters {
		if p.satisfiableLocked(w.cats) {
			w.ready <- p.takeLocked(w.cats)
			continue
		}
		remaining = append(remaining, w)
	}
	for i := len(remaining); i < len(p.waiters); i++ {
		p.waiters[i] = nil
	}
	p.waiters = remaining
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) notifyLocked(ev Event) {
	if p.observer != nil {
		p.observer(ev)
	}
}

func (p *Pool) publishLevelsLocked() {
	if p.metrics == nil {
		return
	}
	for c := range p.initial {
		p.metrics.SetPoolLevels(c, len(p.available[c]), len(p.held[c]))
	}
}

func requestLabel(cats []common.Category) string {
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return strings.Join(names, "+")
}

func sortedGrantCategories(g Grant) []common.Category {
	cats := make([]common.Category, 0, len(g.Instances))
	for c := range g.Instances {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}
