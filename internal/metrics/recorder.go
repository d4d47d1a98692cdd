// Package metrics 报警引擎指标与异步失败上报
//
// 调度失败和分发失败不会返回给命令调用方，而是通过 Recorder 计数并写入 Failures() 通道。
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wisefido_alert"

// FailureKind 异步失败类型
type FailureKind string

const (
	FailureScheduling FailureKind = "scheduling"
	FailureDispatch   FailureKind = "dispatch"
)

// FailureReport 异步失败记录
type FailureReport struct {
	Kind       FailureKind
	AlertID    string
	Subscriber string // 仅 dispatch
	Err        error
	At         time.Time
}

// Recorder 指标记录器；nil Recorder 的所有方法均为空操作
type Recorder struct {
	transitions      *prometheus.CounterVec
	escalations      *prometheus.CounterVec
	commandLatency   *prometheus.HistogramVec
	schedulingErrors prometheus.Counter
	dispatchErrors   *prometheus.CounterVec
	dispatched       *prometheus.CounterVec
	pendingDeadlines prometheus.Gauge
	subscribers      prometheus.Gauge
	degraded         prometheus.Gauge

	failures chan FailureReport
}

// NewRecorder 在 reg 上注册指标；reg 为 nil 时使用默认注册表
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Recorder{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed alert state transitions by event type",
		}, []string{"event"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations by target tier and trigger",
		}, []string{"tier", "trigger"}),
		commandLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent applying lifecycle commands",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command", "result"}),
		schedulingErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduling_failures_total",
			Help:      "Escalation deadlines that could not be fired and were retried",
		}),
		dispatchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Events that could not be delivered to a subscriber",
		}, []string{"subscriber"}),
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Events delivered to subscribers by event type",
		}, []string{"event"}),
		pendingDeadlines: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_deadlines",
			Help:      "Escalation deadlines currently held by the scheduler",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Registered event subscribers",
		}),
		degraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers_degraded",
			Help:      "Subscribers currently marked degraded",
		}),
		failures: make(chan FailureReport, 256),
	}
}

// Failures 异步失败通道（满时丢弃最新记录，计数不受影响）
func (r *Recorder) Failures() <-chan FailureReport {
	if r == nil {
		return nil
	}
	return r.failures
}

func (r *Recorder) report(fr FailureReport) {
	select {
	case r.failures <- fr:
	default:
	}
}

// ObserveTransition 记录一次已提交的变更
func (r *Recorder) ObserveTransition(event string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(event).Inc()
}

// ObserveEscalation 记录升级
func (r *Recorder) ObserveEscalation(tier int, trigger string) {
	if r == nil {
		return
	}
	r.escalations.WithLabelValues(strconv.Itoa(tier), trigger).Inc()
}

// ObserveCommand 记录命令耗时
func (r *Recorder) ObserveCommand(command, result string, d time.Duration) {
	if r == nil {
		return
	}
	r.commandLatency.WithLabelValues(command, result).Observe(d.Seconds())
}

// ReportSchedulingFailure 上报调度失败
func (r *Recorder) ReportSchedulingFailure(alertID string, err error) {
	if r == nil {
		return
	}
	r.schedulingErrors.Inc()
	r.report(FailureReport{Kind: FailureScheduling, AlertID: alertID, Err: err, At: time.Now()})
}

// ReportDispatchFailure 上报分发失败
func (r *Recorder) ReportDispatchFailure(subscriber, alertID string, err error) {
	if r == nil {
		return
	}
	r.dispatchErrors.WithLabelValues(subscriber).Inc()
	r.report(FailureReport{Kind: FailureDispatch, AlertID: alertID, Subscriber: subscriber, Err: err, At: time.Now()})
}

// ObserveDispatched 记录成功投递
func (r *Recorder) ObserveDispatched(event string) {
	if r == nil {
		return
	}
	r.dispatched.WithLabelValues(event).Inc()
}

// SetPendingDeadlines 调度器当前持有的期限数
func (r *Recorder) SetPendingDeadlines(n int) {
	if r == nil {
		return
	}
	r.pendingDeadlines.Set(float64(n))
}

// SetSubscribers 订阅者数量与降级数量
func (r *Recorder) SetSubscribers(total, degraded int) {
	if r == nil {
		return
	}
	r.subscribers.Set(float64(total))
	r.degraded.Set(float64(degraded))
}
