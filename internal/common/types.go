package common

import (
	"fmt"
	"sort"
	"strings"
)

// Category 资源类别
type Category string

const (
	CategoryRobot      Category = "robot"
	CategoryStore      Category = "store"
	CategoryInstrument Category = "instrument"
)

// Categories 返回全部已知资源类别，顺序固定
func Categories() []Category {
	return []Category{CategoryRobot, CategoryStore, CategoryInstrument}
}

// Valid 检查类别是否属于已知枚举
func (c Category) Valid() bool {
	switch c {
	case CategoryRobot, CategoryStore, CategoryInstrument:
		return true
	}
	return false
}

// ParseCategory 解析类别名称
func ParseCategory(name string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(name)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, name)
	}
	return c, nil
}

// Inventory 资源池初始内容：类别 -> 有序实例列表
type Inventory map[Category][]string

// Clone 深拷贝
func (inv Inventory) Clone() Inventory {
	out := make(Inventory, len(inv))
	for c, ids := range inv {
		out[c] = append([]string(nil), ids...)
	}
	return out
}

// SortedCategories 按名称排序的类别列表
func (inv Inventory) SortedCategories() []Category {
	cats := make([]Category, 0, len(inv))
	for c := range inv {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// Sample 样品，创建后不可变
type Sample struct {
	ID       string `json:"sample_id"`
	Location string `json:"sample_location,omitempty"`
}

func (s Sample) String() string {
	if s.Location == "" {
		return s.ID
	}
	return fmt.Sprintf("%s@%s", s.ID, s.Location)
}

// NewSamples 由标识符列表构造样品
func NewSamples(ids ...string) []Sample {
	samples := make([]Sample, 0, len(ids))
	for _, id := range ids {
		samples = append(samples, Sample{ID: id})
	}
	return samples
}

// GenerateSamples 生成 s0..s(n-1)
func GenerateSamples(n int) []Sample {
	samples := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		samples = append(samples, Sample{ID: fmt.Sprintf("s%d", i)})
	}
	return samples
}
