// Package dispatcher 报警事件分发
//
// 每个订阅方有独立的有界队列和一个投递协程：
// Publish 只做入队，从不阻塞状态机；同一订阅方内事件按入队顺序投递。
// 投递失败重试 MaxAttempts 次后计为分发失败，连续失败达到 DegradeAfter 时标记降级。
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-alert/internal/metrics"
	"wisefido-alert/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed 分发器已关闭
var ErrClosed = errors.New("dispatcher closed")

// Config 分发参数
type Config struct {
	QueueSize        int           // 每个订阅方的队列长度
	MaxAttempts      int           // 单个事件最多投递次数
	RetryDelay       time.Duration // 重试间隔（按次数线性增长）
	DegradeAfter     int           // 连续失败多少个事件后标记降级
	DropWhenDegraded bool          // 降级后自动取消订阅
	DedupCapacity    int           // 每个订阅方去重表容量
}

// DefaultConfig 默认分发参数
func DefaultConfig() Config {
	return Config{
		QueueSize:     256,
		MaxAttempts:   3,
		RetryDelay:    200 * time.Millisecond,
		DegradeAfter:  3,
		DedupCapacity: 10000,
	}
}

// SubscriberInfo 订阅方状态
type SubscriberInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Degraded  bool   `json:"degraded"`
	Failures  int    `json:"consecutive_failures"`
	Queued    int    `json:"queued"`
	Delivered int64  `json:"delivered"`
}

type subscriber struct {
	id     string
	sink   Sink
	filter Filter
	queue  chan models.AlertEvent
	dedup  *Deduper

	mu        sync.Mutex
	failures  int
	degraded  bool
	delivered int64
	closed    bool
}

// Dispatcher 事件分发器
type Dispatcher struct {
	cfg      Config
	recorder *metrics.Recorder
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

// NewDispatcher 创建分发器
func NewDispatcher(cfg Config, recorder *metrics.Recorder, logger *zap.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.DegradeAfter <= 0 {
		cfg.DegradeAfter = def.DegradeAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		subs:     map[string]*subscriber{},
	}
}

// Subscribe 注册订阅方，返回订阅 ID
func (d *Dispatcher) Subscribe(filter Filter, sink Sink) (string, error) {
	if sink == nil {
		return "", fmt.Errorf("sink is required")
	}
	s := &subscriber{
		id:     uuid.NewString(),
		sink:   sink,
		filter: filter,
		queue:  make(chan models.AlertEvent, d.cfg.QueueSize),
		dedup:  NewDeduper(d.cfg.DedupCapacity),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrClosed
	}
	d.subs[s.id] = s
	d.wg.Add(1)
	d.mu.Unlock()

	go d.deliverLoop(s)

	d.updateGauges()
	d.logger.Info("Subscriber registered",
		zap.String("subscriber_id", s.id),
		zap.String("sink", sink.Name()),
		zap.String("hospital_id", filter.HospitalID),
	)
	return s.id, nil
}

// AddRoleNotifier 注册角色通知端：仅接收 tier>=2 的升级事件
func (d *Dispatcher) AddRoleNotifier(n RoleNotifier) (string, error) {
	return d.Subscribe(Filter{
		EventTypes: []models.EventType{models.EventAlertEscalated},
		MinTier:    2,
	}, roleSink{notifier: n})
}

// Unsubscribe 取消订阅；队列中剩余事件仍会投递
func (d *Dispatcher) Unsubscribe(id string) bool {
	d.mu.Lock()
	s, ok := d.subs[id]
	if ok {
		delete(d.subs, id)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	d.updateGauges()
	d.logger.Info("Subscriber removed",
		zap.String("subscriber_id", id),
		zap.String("sink", s.sink.Name()),
	)
	return true
}

// Publish 分发已提交的事件（非阻塞）
func (d *Dispatcher) Publish(ev models.AlertEvent) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		if s.filter.Match(ev) {
			targets = append(targets, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range targets {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		select {
		case s.queue <- ev:
			s.mu.Unlock()
		default:
			s.mu.Unlock()
			d.fail(s, ev, fmt.Errorf("%w: subscriber %s queue full", models.ErrDispatchFailure, s.id))
		}
	}
}

func (d *Dispatcher) deliverLoop(s *subscriber) {
	defer d.wg.Done()
	defer func() {
		if c, ok := s.sink.(Closer); ok {
			if err := c.Close(); err != nil {
				d.logger.Debug("Failed to close sink", zap.String("subscriber_id", s.id), zap.Error(err))
			}
		}
	}()

	for ev := range s.queue {
		if s.dedup.Seen(ev) {
			continue
		}
		if err := d.deliver(s, ev); err != nil {
			d.fail(s, ev, fmt.Errorf("%w: subscriber %s: %v", models.ErrDispatchFailure, s.id, err))
			continue
		}

		s.mu.Lock()
		s.failures = 0
		recovered := s.degraded
		s.degraded = false
		s.delivered++
		s.mu.Unlock()

		d.recorder.ObserveDispatched(string(ev.Type))
		if recovered {
			d.updateGauges()
			d.logger.Info("Subscriber recovered", zap.String("subscriber_id", s.id))
		}
	}
}

func (d *Dispatcher) deliver(s *subscriber, ev models.AlertEvent) error {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err = s.sink.Deliver(d.ctx, ev); err == nil {
			return nil
		}
		if d.ctx.Err() != nil || attempt == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(d.cfg.RetryDelay * time.Duration(attempt)):
		case <-d.ctx.Done():
			return fmt.Errorf("%v (dispatcher closing)", err)
		}
	}
	return err
}

// fail 记录分发失败并按需降级；不回滚状态变更
func (d *Dispatcher) fail(s *subscriber, ev models.AlertEvent, err error) {
	s.mu.Lock()
	s.failures++
	becameDegraded := !s.degraded && s.failures >= d.cfg.DegradeAfter
	if becameDegraded {
		s.degraded = true
	}
	s.mu.Unlock()

	d.recorder.ReportDispatchFailure(s.sink.Name(), ev.AlertID, err)
	d.logger.Warn("Event dispatch failed",
		zap.String("subscriber_id", s.id),
		zap.String("sink", s.sink.Name()),
		zap.String("alert_id", ev.AlertID),
		zap.Int64("seq", ev.TransitionSeq),
		zap.String("event", string(ev.Type)),
		zap.Error(err),
	)

	if !becameDegraded {
		return
	}
	d.updateGauges()
	d.logger.Warn("Subscriber marked degraded",
		zap.String("subscriber_id", s.id),
		zap.String("sink", s.sink.Name()),
	)
	if d.cfg.DropWhenDegraded {
		// 可能在投递协程内调用，异步移除
		go d.Unsubscribe(s.id)
	}
}

// Subscribers 订阅方状态（按名称排序）
func (d *Dispatcher) Subscribers() []SubscriberInfo {
	d.mu.RLock()
	out := make([]SubscriberInfo, 0, len(d.subs))
	for _, s := range d.subs {
		s.mu.Lock()
		out = append(out, SubscriberInfo{
			ID:        s.id,
			Name:      s.sink.Name(),
			Degraded:  s.degraded,
			Failures:  s.failures,
			Queued:    len(s.queue),
			Delivered: s.delivered,
		})
		s.mu.Unlock()
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (d *Dispatcher) updateGauges() {
	d.mu.RLock()
	total, degraded := len(d.subs), 0
	for _, s := range d.subs {
		s.mu.Lock()
		if s.degraded {
			degraded++
		}
		s.mu.Unlock()
	}
	d.mu.RUnlock()
	d.recorder.SetSubscribers(total, degraded)
}

// Close 停止接收新事件，等待队列排空（ctx 到期后中断投递）
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	subs := make([]*subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.subs = map[string]*subscriber{}
	d.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.queue)
		}
		s.mu.Unlock()
	}

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
		d.cancel()
		<-done
		return ctx.Err()
	}
}
