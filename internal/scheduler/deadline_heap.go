package scheduler

import (
	"container/heap"
	"time"
)

// entry 堆元素
type entry struct {
	alertID string
	at      time.Time
	index   int
}

// deadlineHeap 按期限升序的最小堆，带 alertID 索引（每个报警最多一个期限）
type deadlineHeap struct {
	items []*entry
	byID  map[string]*entry
}

func newDeadlineHeap() *deadlineHeap {
	return &deadlineHeap{byID: map[string]*entry{}}
}

// heap.Interface

func (h *deadlineHeap) Len() int { return len(h.items) }

func (h *deadlineHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.at.Equal(b.at) {
		return a.alertID < b.alertID
	}
	return a.at.Before(b.at)
}

func (h *deadlineHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.items)
	h.items = append(h.items, e)
}

func (h *deadlineHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.items = old[:n-1]
	return e
}

// upsert 新增或更新期限
func (h *deadlineHeap) upsert(alertID string, at time.Time) {
	if e, ok := h.byID[alertID]; ok {
		e.at = at
		heap.Fix(h, e.index)
		return
	}
	e := &entry{alertID: alertID, at: at}
	heap.Push(h, e)
	h.byID[alertID] = e
}

// remove 删除期限（不存在时返回 false）
func (h *deadlineHeap) remove(alertID string) bool {
	e, ok := h.byID[alertID]
	if !ok {
		return false
	}
	heap.Remove(h, e.index)
	delete(h.byID, alertID)
	return true
}

// peek 最早的期限
func (h *deadlineHeap) peek() (*entry, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// popDue 弹出所有 at <= now 的元素（升序）
func (h *deadlineHeap) popDue(now time.Time) []entry {
	var due []entry
	for len(h.items) > 0 && !h.items[0].at.After(now) {
		e := heap.Pop(h).(*entry)
		delete(h.byID, e.alertID)
		due = append(due, *e)
	}
	return due
}

func (h *deadlineHeap) has(alertID string) bool {
	_, ok := h.byID[alertID]
	return ok
}
