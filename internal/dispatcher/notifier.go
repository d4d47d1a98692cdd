package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"wisefido-alert/internal/models"

	"go.uber.org/zap"
)

// RoleNotifier 按角色推送升级通知（推送网关的边界）
type RoleNotifier interface {
	Name() string
	NotifyRoles(ctx context.Context, ev models.AlertEvent, roles []models.Role) error
}

// roleSink 将 RoleNotifier 适配为 Sink（角色取自事件的 NotifyRoles）
type roleSink struct {
	notifier RoleNotifier
}

func (s roleSink) Name() string { return s.notifier.Name() }

func (s roleSink) Deliver(ctx context.Context, ev models.AlertEvent) error {
	if len(ev.NotifyRoles) == 0 {
		return nil
	}
	return s.notifier.NotifyRoles(ctx, ev, ev.NotifyRoles)
}

// RoleNotification 推送给角色的消息
type RoleNotification struct {
	Event models.AlertEvent `json:"event"`
	Role  models.Role       `json:"role"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
}

// NewRoleNotification 构建推送消息
func NewRoleNotification(ev models.AlertEvent, role models.Role) RoleNotification {
	return RoleNotification{
		Event: ev,
		Role:  role,
		Title: fmt.Sprintf("[Tier %d] %s in room %s", ev.Tier, humanizeType(ev.AlertType), ev.RoomNumber),
		Body: fmt.Sprintf("Alert %s (urgency %d) is still unacknowledged and has been escalated to tier %d.",
			ev.AlertID, ev.UrgencyLevel, ev.Tier),
	}
}

func humanizeType(t string) string {
	return strings.ReplaceAll(t, "_", " ")
}

// Publisher MQTT 发布接口（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTNotifier 通过 MQTT 推送到 alerts/<hospitalId>/roles/<role>
type MQTTNotifier struct {
	publisher   Publisher
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// NewMQTTNotifier topicPrefix 为空时使用 "alerts"
func NewMQTTNotifier(publisher Publisher, topicPrefix string, qos byte, logger *zap.Logger) *MQTTNotifier {
	if topicPrefix == "" {
		topicPrefix = "alerts"
	}
	return &MQTTNotifier{
		publisher:   publisher,
		topicPrefix: strings.TrimSuffix(topicPrefix, "/"),
		qos:         qos,
		logger:      logger,
	}
}

func (n *MQTTNotifier) Name() string { return "mqtt-roles" }

// Topic 角色通知主题
func (n *MQTTNotifier) Topic(hospitalID string, role models.Role) string {
	return fmt.Sprintf("%s/%s/roles/%s", n.topicPrefix, hospitalID, role)
}

func (n *MQTTNotifier) NotifyRoles(_ context.Context, ev models.AlertEvent, roles []models.Role) error {
	for _, role := range roles {
		payload, err := json.Marshal(NewRoleNotification(ev, role))
		if err != nil {
			return fmt.Errorf("failed to marshal role notification: %w", err)
		}
		topic := n.Topic(ev.HospitalID, role)
		if err := n.publisher.Publish(topic, n.qos, false, payload); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
		n.logger.Debug("Role notification published",
			zap.String("topic", topic),
			zap.String("alert_id", ev.AlertID),
			zap.Int("tier", ev.Tier),
		)
	}
	return nil
}
