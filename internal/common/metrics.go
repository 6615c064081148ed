package common

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 调度器指标，所有方法对 nil 接收者安全
type Metrics struct {
	registry *prometheus.Registry

	poolAvailable    *prometheus.GaugeVec
	poolHeld         *prometheus.GaugeVec
	acquireWait      *prometheus.HistogramVec
	workflowsActive  prometheus.Gauge
	workflowsDone    *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	notifyFailures   prometheus.Counter
	arrivalsReceived *prometheus.CounterVec
}

// NewMetrics 创建指标并注册到 reg；reg 为 nil 时使用新的注册表
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{registry: reg}

	m.poolAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "labsched",
		Subsystem: "pool",
		Name:      "available",
		Help:      "Number of resource instances currently available, by category.",
	}, []string{"category"})
	reg.MustRegister(m.poolAvailable)
	m.poolHeld = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "labsched",
		Subsystem: "pool",
		Name:      "held",
		Help:      "Number of resource instances currently held by workflows, by category.",
	}, []string{"category"})
	reg.MustRegister(m.poolHeld)
	m.acquireWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "labsched",
		Subsystem: "pool",
		Name:      "acquire_wait_seconds",
		Help:      "Time spent waiting for an acquisition to be granted.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"request"})
	reg.MustRegister(m.acquireWait)
	m.workflowsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "labsched",
		Subsystem: "dispatcher",
		Name:      "workflows_active",
		Help:      "Number of sample workflows in flight.",
	})
	reg.MustRegister(m.workflowsActive)
	m.workflowsDone = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labsched",
		Subsystem: "dispatcher",
		Name:      "workflows_finished_total",
		Help:      "Number of sample workflows that reached a terminal state, by result.",
	}, []string{"result"})
	reg.MustRegister(m.workflowsDone)
	m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "labsched",
		Subsystem: "stage",
		Name:      "duration_seconds",
		Help:      "Wall time of each stage.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"stage"})
	reg.MustRegister(m.stageDuration)
	m.notifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "labsched",
		Subsystem: "notify",
		Name:      "send_failures_total",
		Help:      "Number of notification sends that failed for a single subscriber.",
	})
	reg.MustRegister(m.notifyFailures)
	m.arrivalsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labsched",
		Subsystem: "arrival",
		Name:      "received_total",
		Help:      "Number of sample arrivals received, by source and result.",
	}, []string{"source", "result"})
	reg.MustRegister(m.arrivalsReceived)

	return m
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetPoolLevels 更新资源池水位
func (m *Metrics) SetPoolLevels(category Category, available, held int) {
	if m == nil {
		return
	}
	m.poolAvailable.WithLabelValues(string(category)).Set(float64(available))
	m.poolHeld.WithLabelValues(string(category)).Set(float64(held))
}

// ObserveAcquireWait 记录获取等待时间
func (m *Metrics) ObserveAcquireWait(request string, d time.Duration) {
	if m == nil {
		return
	}
	m.acquireWait.WithLabelValues(request).Observe(d.Seconds())
}

// WorkflowStarted 工作流开始
func (m *Metrics) WorkflowStarted() {
	if m == nil {
		return
	}
	m.workflowsActive.Inc()
}

// WorkflowFinished 工作流结束
func (m *Metrics) WorkflowFinished(result string) {
	if m == nil {
		return
	}
	m.workflowsActive.Dec()
	m.workflowsDone.WithLabelValues(result).Inc()
}

// ObserveStage 记录工序耗时
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// NotifyFailed 记录一次通知发送失败
func (m *Metrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

// ArrivalReceived 记录一次样品到达
func (m *Metrics) ArrivalReceived(source, result string) {
	if m == nil {
		return
	}
	m.arrivalsReceived.WithLabelValues(source, result).Inc()
}
