// Package scheduler 升级期限调度
//
// 所有 active 报警的 nextEscalationAt 保存在一个最小堆中，由单个循环等待最早的期限。
// 新的更早期限或 ctx 取消会打断等待。进程重启后通过 Rebuild 从存储恢复。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-alert/internal/metrics"
	"wisefido-alert/internal/models"
	"wisefido-alert/internal/repository"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Escalator 到期时调用的升级入口（由 service 实现）
type Escalator interface {
	EscalateAlert(ctx context.Context, alertID string, trigger models.EscalationTrigger, actor models.Actor) (*models.Alert, error)
}

// DeadlineSource 重建时读取期限
type DeadlineSource interface {
	ListActiveDeadlines(ctx context.Context) ([]repository.Deadline, error)
}

// Config 调度参数
type Config struct {
	RetryInitial time.Duration // 调度失败首次重试间隔
	RetryMax     time.Duration // 重试间隔上限
}

// DefaultConfig 默认参数：1s 起，翻倍，上限 30s
func DefaultConfig() Config {
	return Config{RetryInitial: time.Second, RetryMax: 30 * time.Second}
}

// Scheduler 升级调度器
type Scheduler struct {
	cfg      Config
	clock    clock.Clock
	source   DeadlineSource
	recorder *metrics.Recorder
	logger   *zap.Logger

	mu      sync.Mutex
	heap    *deadlineHeap
	backoff map[string]time.Duration // alertID -> 下次重试间隔

	wake chan struct{}
}

// NewScheduler 创建调度器；clk 为 nil 时使用系统时钟
func NewScheduler(cfg Config, clk clock.Clock, source DeadlineSource, recorder *metrics.Recorder, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultConfig().RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	return &Scheduler{
		cfg:      cfg,
		clock:    clk,
		source:   source,
		recorder: recorder,
		logger:   logger,
		heap:     newDeadlineHeap(),
		backoff:  map[string]time.Duration{},
		wake:     make(chan struct{}, 1),
	}
}

// Schedule 设置（或替换）报警的升级期限
func (s *Scheduler) Schedule(alertID string, at time.Time) {
	s.mu.Lock()
	s.heap.upsert(alertID, at)
	n := s.heap.Len()
	s.mu.Unlock()

	s.recorder.SetPendingDeadlines(n)
	s.notify()
}

// Cancel 取消报警的升级期限
func (s *Scheduler) Cancel(alertID string) {
	s.mu.Lock()
	removed := s.heap.remove(alertID)
	delete(s.backoff, alertID)
	n := s.heap.Len()
	s.mu.Unlock()

	if removed {
		s.recorder.SetPendingDeadlines(n)
		s.notify()
	}
}

// Rebuild 从存储加载所有 active 报警的期限
func (s *Scheduler) Rebuild(ctx context.Context) (int, error) {
	deadlines, err := s.source.ListActiveDeadlines(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to load deadlines: %v", models.ErrSchedulingFailure, err)
	}

	s.mu.Lock()
	for _, d := range deadlines {
		s.heap.upsert(d.AlertID, d.At)
	}
	n := s.heap.Len()
	s.mu.Unlock()

	s.recorder.SetPendingDeadlines(n)
	s.notify()
	s.logger.Info("Escalation schedule rebuilt",
		zap.Int("loaded", len(deadlines)),
		zap.Int("pending", n),
	)
	return len(deadlines), nil
}

// Pending 当前持有的期限数
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Deadline 报警当前的期限
func (s *Scheduler) Deadline(alertID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.heap.byID[alertID]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run 调度循环（阻塞直到 ctx 取消）
// 到期的报警按期限升序依次升级
func (s *Scheduler) Run(ctx context.Context, esc Escalator) error {
	s.logger.Info("Escalation scheduler started")
	defer s.logger.Info("Escalation scheduler stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.mu.Lock()
		next, ok := s.heap.peek()
		var at time.Time
		if ok {
			at = next.at
		}
		s.mu.Unlock()

		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
				continue
			}
		}

		if delay := at.Sub(s.clock.Now()); delay > 0 {
			timer := s.clock.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-s.wake:
				timer.Stop()
				continue
			case <-timer.C():
			}
		}

		now := s.clock.Now()
		s.mu.Lock()
		due := s.heap.popDue(now)
		n := s.heap.Len()
		s.mu.Unlock()
		s.recorder.SetPendingDeadlines(n)

		for _, e := range due {
			if ctx.Err() != nil {
				// 未处理的期限放回，下次启动由 Rebuild 恢复
				s.requeue(e.alertID, e.at)
				continue
			}
			s.fire(ctx, esc, e)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, esc Escalator, e entry) {
	alert, err := esc.EscalateAlert(ctx, e.alertID, models.TriggerDeadline, models.SystemActor)
	if err == nil {
		s.mu.Lock()
		delete(s.backoff, e.alertID)
		s.mu.Unlock()
		if alert != nil {
			s.logger.Debug("Escalation deadline fired",
				zap.String("alert_id", e.alertID),
				zap.Int("tier", alert.CurrentEscalationTier),
				zap.Int64("seq", alert.TransitionSeq),
			)
		}
		return
	}

	// 过期期限（已确认 / 已解决 / 已删除）：丢弃
	if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
		s.mu.Lock()
		delete(s.backoff, e.alertID)
		s.mu.Unlock()
		s.logger.Debug("Stale escalation deadline dropped",
			zap.String("alert_id", e.alertID),
			zap.Error(err),
		)
		return
	}

	if ctx.Err() != nil {
		s.requeue(e.alertID, e.at)
		return
	}

	s.mu.Lock()
	wait, ok := s.backoff[e.alertID]
	if !ok {
		wait = s.cfg.RetryInitial
	}
	nextWait := wait * 2
	if nextWait > s.cfg.RetryMax {
		nextWait = s.cfg.RetryMax
	}
	s.backoff[e.alertID] = nextWait
	s.mu.Unlock()

	failure := fmt.Errorf("%w: alert %s: %v", models.ErrSchedulingFailure, e.alertID, err)
	s.recorder.ReportSchedulingFailure(e.alertID, failure)
	s.logger.Warn("Escalation failed, will retry",
		zap.String("alert_id", e.alertID),
		zap.Duration("retry_in", wait),
		zap.Error(err),
	)
	s.requeue(e.alertID, s.clock.Now().Add(wait))
}

// requeue 仅在该报警没有更新的期限时放回
func (s *Scheduler) requeue(alertID string, at time.Time) {
	s.mu.Lock()
	if !s.heap.has(alertID) {
		s.heap.upsert(alertID, at)
	}
	n := s.heap.Len()
	s.mu.Unlock()
	s.recorder.SetPendingDeadlines(n)
}
