package models

import (
	"fmt"
	"time"
)

// EventType 状态变更事件类型
type EventType string

const (
	EventAlertCreated      EventType = "AlertCreated"
	EventAlertAcknowledged EventType = "AlertAcknowledged"
	EventAlertEscalated    EventType = "AlertEscalated"
	EventAlertResolved     EventType = "AlertResolved"
)

// EscalationTrigger 升级触发来源
type EscalationTrigger string

const (
	TriggerDeadline EscalationTrigger = "deadline"
	TriggerManual   EscalationTrigger = "manual"
)

// AlertEvent 已提交状态变更的通知
// (AlertID, TransitionSeq) 唯一标识一次变更，订阅方据此去重
type AlertEvent struct {
	Type          EventType   `json:"type"`
	AlertID       string      `json:"alert_id"`
	HospitalID    string      `json:"hospital_id"`
	TransitionSeq int64       `json:"transition_seq"`
	Timestamp     time.Time   `json:"timestamp"`
	Tier          int         `json:"tier"`
	Status        AlertStatus `json:"status"`
	UrgencyLevel  int         `json:"urgency_level"`
	AlertType     string      `json:"alert_type"`
	RoomNumber    string      `json:"room_number"`
	ActorID       string      `json:"actor_id,omitempty"`

	// 仅升级事件：目标层级需要通知的角色
	NotifyRoles []Role `json:"notify_roles,omitempty"`
}

// DedupKey 去重键
func (e AlertEvent) DedupKey() string {
	return fmt.Sprintf("%s:%d", e.AlertID, e.TransitionSeq)
}

// NewAlertEvent 根据变更后的报警构建事件
func NewAlertEvent(t EventType, a *Alert, actorID string, at time.Time) AlertEvent {
	return AlertEvent{
		Type:          t,
		AlertID:       a.AlertID,
		HospitalID:    a.HospitalID,
		TransitionSeq: a.TransitionSeq,
		Timestamp:     at,
		Tier:          a.CurrentEscalationTier,
		Status:        a.Status,
		UrgencyLevel:  a.UrgencyLevel,
		AlertType:     a.AlertType,
		RoomNumber:    a.RoomNumber,
		ActorID:       actorID,
	}
}
