package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wisefido-alert/internal/metrics"
	"wisefido-alert/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *metrics.Recorder) {
	t.Helper()
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	d := NewDispatcher(cfg, rec, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d, rec
}

func event(alertID string, seq int64, t models.EventType) models.AlertEvent {
	return models.AlertEvent{
		Type:          t,
		AlertID:       alertID,
		HospitalID:    "h-1",
		TransitionSeq: seq,
		Timestamp:     time.Now(),
		Tier:          1,
		Status:        models.StatusActive,
		UrgencyLevel:  2,
		AlertType:     "code_blue",
		RoomNumber:    "ICU-1",
	}
}

func receive(t *testing.T, sink *ChannelSink) models.AlertEvent {
	t.Helper()
	select {
	case ev := <-sink.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return models.AlertEvent{}
	}
}

func TestDispatcher_PerAlertOrderPreserved(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig())
	sink := NewChannelSink("test", 200, time.Second)
	_, err := d.Subscribe(Filter{}, sink)
	require.NoError(t, err)

	for seq := int64(1); seq <= 100; seq++ {
		d.Publish(event("a-1", seq, models.EventAlertEscalated))
	}
	for seq := int64(1); seq <= 100; seq++ {
		ev := receive(t, sink)
		require.Equal(t, seq, ev.TransitionSeq)
	}
}

func TestDispatcher_FilterByHospitalAndUrgency(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig())
	sink := NewChannelSink("critical-h1", 10, time.Second)
	_, err := d.Subscribe(Filter{HospitalID: "h-1", MaxUrgency: 2}, sink)
	require.NoError(t, err)

	other := event("a-1", 1, models.EventAlertCreated)
	other.HospitalID = "h-2"
	low := event("a-2", 1, models.EventAlertCreated)
	low.UrgencyLevel = 5
	wanted := event("a-3", 1, models.EventAlertCreated)

	d.Publish(other)
	d.Publish(low)
	d.Publish(wanted)

	assert.Equal(t, "a-3", receive(t, sink).AlertID)
	select {
	case ev := <-sink.Events():
		t.Fatalf("unexpected event %s", ev.AlertID)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDispatcher_DuplicateEventDeliveredOnce(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig())
	sink := NewChannelSink("dedup", 10, time.Second)
	_, err := d.Subscribe(Filter{}, sink)
	require.NoError(t, err)

	ev := event("a-1", 2, models.EventAlertAcknowledged)
	d.Publish(ev)
	d.Publish(ev)
	d.Publish(event("a-1", 3, models.EventAlertResolved))

	assert.Equal(t, int64(2), receive(t, sink).TransitionSeq)
	assert.Equal(t, int64(3), receive(t, sink).TransitionSeq)
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	d, rec := newTestDispatcher(t, testConfig())
	var attempts int32
	done := make(chan struct{})
	_, err := d.Subscribe(Filter{}, SinkFunc{SinkName: "flaky", Fn: func(context.Context, models.AlertEvent) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("temporary")
		}
		close(done)
		return nil
	}})
	require.NoError(t, err)

	d.Publish(event("a-1", 1, models.EventAlertCreated))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Len(t, rec.Failures(), 0)
}

func TestDispatcher_FailingSubscriberIsDegraded(t *testing.T) {
	d, rec := newTestDispatcher(t, testConfig())
	_, err := d.Subscribe(Filter{}, SinkFunc{SinkName: "down", Fn: func(context.Context, models.AlertEvent) error {
		return errors.New("connection refused")
	}})
	require.NoError(t, err)
	healthy := NewChannelSink("healthy", 10, time.Second)
	_, err = d.Subscribe(Filter{}, healthy)
	require.NoError(t, err)

	for seq := int64(1); seq <= 3; seq++ {
		d.Publish(event("a-1", seq, models.EventAlertEscalated))
	}

	// 其他订阅方不受影响
	for seq := int64(1); seq <= 3; seq++ {
		assert.Equal(t, seq, receive(t, healthy).TransitionSeq)
	}

	require.Eventually(t, func() bool {
		for _, s := range d.Subscribers() {
			if s.Name == "down" {
				return s.Degraded && s.Failures == 3
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	report := <-rec.Failures()
	assert.Equal(t, metrics.FailureDispatch, report.Kind)
	assert.Equal(t, "down", report.Subscriber)
	assert.True(t, errors.Is(report.Err, models.ErrDispatchFailure))
}

func TestDispatcher_DropWhenDegraded(t *testing.T) {
	cfg := testConfig()
	cfg.DegradeAfter = 1
	cfg.DropWhenDegraded = true
	d, _ := newTestDispatcher(t, cfg)
	_, err := d.Subscribe(Filter{}, SinkFunc{SinkName: "gone", Fn: func(context.Context, models.AlertEvent) error {
		return errors.New("broken pipe")
	}})
	require.NoError(t, err)

	d.Publish(event("a-1", 1, models.EventAlertCreated))
	require.Eventually(t, func() bool { return len(d.Subscribers()) == 0 }, time.Second, 5*time.Millisecond)
}

// 慢订阅方：队列满时 Publish 立即返回并记为分发失败
func TestDispatcher_PublishNeverBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	d, rec := newTestDispatcher(t, cfg)

	release := make(chan struct{})
	_, err := d.Subscribe(Filter{}, SinkFunc{SinkName: "stuck", Fn: func(ctx context.Context, _ models.AlertEvent) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}})
	require.NoError(t, err)
	defer close(release)

	start := time.Now()
	for seq := int64(1); seq <= 20; seq++ {
		d.Publish(event("a-1", seq, models.EventAlertEscalated))
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	require.Eventually(t, func() bool { return len(rec.Failures()) > 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_UnsubscribeAndClose(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig())
	sink := NewChannelSink("temp", 10, time.Second)
	id, err := d.Subscribe(Filter{}, sink)
	require.NoError(t, err)

	assert.True(t, d.Unsubscribe(id))
	assert.False(t, d.Unsubscribe(id))
	assert.Empty(t, d.Subscribers())

	require.NoError(t, d.Close(context.Background()))
	_, err = d.Subscribe(Filter{}, sink)
	assert.ErrorIs(t, err, ErrClosed)
	d.Publish(event("a-1", 1, models.EventAlertCreated))
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *fakePublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func TestDispatcher_RoleNotifierOnlyForHigherTiers(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig())
	pub := &fakePublisher{}
	_, err := d.AddRoleNotifier(NewMQTTNotifier(pub, "", 1, zap.NewNop()))
	require.NoError(t, err)

	created := event("a-1", 1, models.EventAlertCreated)
	created.NotifyRoles = []models.Role{models.RoleNurse}
	d.Publish(created)

	tier2 := event("a-1", 2, models.EventAlertEscalated)
	tier2.Tier = 2
	tier2.NotifyRoles = []models.Role{models.RoleHeadDoctor}
	d.Publish(tier2)

	tier3 := event("a-1", 3, models.EventAlertEscalated)
	tier3.Tier = 3
	tier3.NotifyRoles = []models.Role{models.RoleAdmin, models.RoleHeadDoctor}
	d.Publish(tier3)

	require.Eventually(t, func() bool { return len(pub.Topics()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		"alerts/h-1/roles/head_doctor",
		"alerts/h-1/roles/admin",
		"alerts/h-1/roles/head_doctor",
	}, pub.Topics())
	assert.Contains(t, string(pub.payloads[0]), fmt.Sprintf(`"title":"[Tier 2] code blue in room %s"`, tier2.RoomNumber))
}

func TestDeduper_EvictsResolvedFirst(t *testing.T) {
	dd := NewDeduper(2)
	assert.False(t, dd.Seen(event("a-1", 1, models.EventAlertCreated)))
	assert.False(t, dd.Seen(event("a-1", 3, models.EventAlertResolved)))
	assert.False(t, dd.Seen(event("a-2", 1, models.EventAlertCreated)))
	assert.True(t, dd.Seen(event("a-2", 1, models.EventAlertCreated)))
	assert.False(t, dd.Seen(event("a-3", 1, models.EventAlertCreated)))

	// a-1 已解决且超出容量，被淘汰
	assert.Equal(t, 2, dd.Len())
	assert.True(t, dd.Seen(event("a-3", 1, models.EventAlertCreated)))
}
