package dispatcher

import (
	"context"
	"fmt"
	"time"

	"wisefido-alert/internal/models"
)

// Sink 订阅方投递端
// Deliver 返回错误时由分发器重试；实现方不需要自己重试
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev models.AlertEvent) error
}

// Closer 可选：取消订阅时释放资源
type Closer interface {
	Close() error
}

// Filter 订阅过滤条件（零值匹配所有事件）
type Filter struct {
	HospitalID string
	EventTypes []models.EventType
	MaxUrgency int // >0 时只接收 urgency_level <= MaxUrgency 的事件
	MinTier    int // >0 时只接收 tier >= MinTier 的事件
}

// Match 事件是否满足过滤条件
func (f Filter) Match(ev models.AlertEvent) bool {
	if f.HospitalID != "" && f.HospitalID != ev.HospitalID {
		return false
	}
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MaxUrgency > 0 && ev.UrgencyLevel > f.MaxUrgency {
		return false
	}
	if f.MinTier > 0 && ev.Tier < f.MinTier {
		return false
	}
	return true
}

// ChannelSink 进程内订阅（事件写入 channel）
type ChannelSink struct {
	name    string
	ch      chan models.AlertEvent
	timeout time.Duration
}

// NewChannelSink 创建 channel 订阅；接收方处理过慢时 Deliver 在 timeout 后失败
func NewChannelSink(name string, buffer int, timeout time.Duration) *ChannelSink {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ChannelSink{name: name, ch: make(chan models.AlertEvent, buffer), timeout: timeout}
}

func (s *ChannelSink) Name() string { return s.name }

// Events 事件通道
func (s *ChannelSink) Events() <-chan models.AlertEvent { return s.ch }

func (s *ChannelSink) Deliver(ctx context.Context, ev models.AlertEvent) error {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return nil
	case <-timer.C:
		return fmt.Errorf("channel sink %s: receiver too slow", s.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SinkFunc 函数适配为 Sink
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, ev models.AlertEvent) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Deliver(ctx context.Context, ev models.AlertEvent) error { return s.Fn(ctx, ev) }
