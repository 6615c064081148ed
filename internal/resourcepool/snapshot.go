package resourcepool

import (
	"fmt"

	"labsched/internal/common"
)

// CategoryState 单个类别的状态
type CategoryState struct {
	Category  common.Category   `json:"category"`
	Capacity  int               `json:"capacity"`
	Available []string          `json:"available"`
	Held      map[string]uint64 `json:"held"`
}

// Snapshot 资源池快照
type Snapshot struct {
	Categories []CategoryState `json:"categories"`
	Waiting    int             `json:"waiting"`
}

// Snapshot 返回当前状态的拷贝
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{Waiting: len(p.waiters)}
	for _, c := range common.Categories() {
		if _, ok := p.initial[c]; !ok {
			continue
		}
		held := make(map[string]uint64, len(p.held[c]))
		for id, lease := range p.held[c] {
			held[id] = lease
		}
		snap.Categories = append(snap.Categories, CategoryState{
			Category:  c,
			Capacity:  p.initial[c],
			Available: append([]string(nil), p.available[c]...),
			Held:      held,
		})
	}
	return snap
}

// Available 类别当前可用实例数
func (p *Pool) Available(c common.Category) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available[c])
}

// Waiting 等待中的请求数
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Check 校验守恒与互斥：available + held == initial，且同一实例不出现在两处
func (p *Pool) Check() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for c, n := range p.initial {
		if got := len(p.available[c]) + len(p.held[c]); got != n {
			return fmt.Errorf("category %s: available %d + held %d != initial %d",
				c, len(p.available[c]), len(p.held[c]), n)
		}
		seen := make(map[string]bool, n)
		for _, id := range p.available[c] {
			if seen[id] {
				return fmt.Errorf("category %s: instance %s available twice", c, id)
			}
			if _, held := p.held[c][id]; held {
				return fmt.Errorf("category %s: instance %s both available and held", c, id)
			}
			seen[id] = true
		}
	}
	return nil
}
