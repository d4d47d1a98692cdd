package dispatcher

import (
	"sync"

	"wisefido-alert/internal/models"
)

// Deduper 按 (alertId, transitionSeq) 去重
// 同一报警的事件按 seq 递增到达，因此只需记录每个报警已接收的最大 seq。
// 已解决的报警在超过容量时优先淘汰。
type Deduper struct {
	mu       sync.Mutex
	last     map[string]int64
	resolved []string // 已解决报警，按解决顺序
	capacity int
}

// NewDeduper capacity<=0 时不淘汰
func NewDeduper(capacity int) *Deduper {
	return &Deduper{last: map[string]int64{}, capacity: capacity}
}

// Seen 事件已接收过返回 true；否则记录并返回 false
func (d *Deduper) Seen(ev models.AlertEvent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seq, ok := d.last[ev.AlertID]; ok && ev.TransitionSeq <= seq {
		return true
	}
	d.last[ev.AlertID] = ev.TransitionSeq
	if ev.Type == models.EventAlertResolved {
		d.resolved = append(d.resolved, ev.AlertID)
	}
	d.evict()
	return false
}

func (d *Deduper) evict() {
	if d.capacity <= 0 {
		return
	}
	for len(d.last) > d.capacity && len(d.resolved) > 0 {
		id := d.resolved[0]
		d.resolved = d.resolved[1:]
		delete(d.last, id)
	}
}

// Len 当前记录的报警数
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}
