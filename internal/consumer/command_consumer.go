package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wisefido-alert/internal/models"
	"wisefido-alert/internal/service"

	rediscommon "wisefido-alert/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 命令类型
const (
	CommandCreate      = "create"
	CommandAcknowledge = "acknowledge"
	CommandResolve     = "resolve"
	CommandEscalate    = "escalate"
)

// CommandMessage 命令流消息（data 字段的 JSON）
type CommandMessage struct {
	Command      string `json:"command"`
	AlertID      string `json:"alert_id,omitempty"`
	HospitalID   string `json:"hospital_id,omitempty"`
	RoomNumber   string `json:"room_number,omitempty"`
	AlertType    string `json:"alert_type,omitempty"`
	UrgencyLevel int    `json:"urgency_level,omitempty"`
	Description  string `json:"description,omitempty"`
	Notes        string `json:"notes,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
	ActorID      string `json:"actor_id"`
	ActorRole    string `json:"actor_role"`
}

// Config 命令消费者配置
type Config struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration

	// 重放失败后的退避（默认 1s 起，翻倍到 30s）
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// CommandConsumer 从 Redis Streams 读取其他服务发来的报警命令
type CommandConsumer struct {
	cfg         Config
	redisClient *redis.Client
	alerts      service.AlertService
	logger      *zap.Logger

	pending bool // 待处理列表中有未确认消息
}

// NewCommandConsumer 创建命令消费者
func NewCommandConsumer(cfg Config, redisClient *redis.Client, alerts service.AlertService, logger *zap.Logger) *CommandConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	return &CommandConsumer{cfg: cfg, redisClient: redisClient, alerts: alerts, logger: logger}
}

// Start 启动消费者（阻塞直到 ctx 取消）
// 有待重放消息时先按顺序重放，排空前不读取新消息
func (c *CommandConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.cfg.Stream, c.cfg.Group); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", c.cfg.Stream, err)
	}

	c.logger.Info("Command consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("consumer_group", c.cfg.Group),
		zap.String("consumer_name", c.cfg.Consumer),
	)

	// 上次未确认的消息先处理
	c.pending = true
	backoffDuration := c.cfg.RetryInitial
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var err error
		if c.pending {
			err = c.consumePending(ctx)
		} else {
			err = c.consume(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume command stream",
				zap.Error(err),
				zap.Bool("pending", c.pending),
				zap.Duration("backoff", backoffDuration),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > c.cfg.RetryMax {
					backoffDuration = c.cfg.RetryMax
				}
			}
			continue
		}
		backoffDuration = c.cfg.RetryInitial
	}
}

// consume 读取并处理一批新消息；遇到可重试错误时停在该消息，其余消息留在待处理列表
func (c *CommandConsumer) consume(ctx context.Context) error {
	messages, err := rediscommon.ReadFromStream(ctx, c.redisClient, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.BatchSize, c.cfg.Block)
	if err != nil {
		return fmt.Errorf("failed to read from stream %s: %w", c.cfg.Stream, err)
	}
	for _, msg := range messages {
		if err := c.handle(ctx, msg); err != nil {
			c.pending = true
			return err
		}
	}
	return nil
}

// consumePending 按顺序重放本消费者已读取但未确认的消息
func (c *CommandConsumer) consumePending(ctx context.Context) error {
	streams, err := c.redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, "0"},
		Count:    c.cfg.BatchSize,
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read pending commands from %s: %w", c.cfg.Stream, err)
	}
	n := 0
	for _, s := range streams {
		for _, m := range s.Messages {
			if err := c.handle(ctx, rediscommon.StreamMessage{Stream: s.Stream, ID: m.ID, Values: m.Values}); err != nil {
				return err
			}
			n++
		}
	}
	if n > 0 {
		c.logger.Info("Replayed pending commands", zap.Int("count", n))
	}
	// 不足一批说明已排空
	if int64(n) < c.cfg.BatchSize {
		c.pending = false
	}
	return nil
}

// handle 处理单条消息；业务错误确认丢弃，基础设施错误保留待重放并返回
func (c *CommandConsumer) handle(ctx context.Context, msg rediscommon.StreamMessage) error {
	err := c.processMessage(ctx, msg)
	if err != nil && retriable(err) {
		c.logger.Error("Failed to process command, leaving pending",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return fmt.Errorf("command %s left pending: %w", msg.ID, err)
	}
	if err != nil {
		c.logger.Warn("Command rejected",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
	if err := rediscommon.AckMessage(ctx, c.redisClient, c.cfg.Stream, c.cfg.Group, msg.ID); err != nil {
		c.logger.Error("Failed to ack command", zap.String("message_id", msg.ID), zap.Error(err))
		return fmt.Errorf("failed to ack command %s: %w", msg.ID, err)
	}
	return nil
}

var errMalformed = errors.New("malformed command")

func retriable(err error) bool {
	switch {
	case errors.Is(err, errMalformed),
		errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrNotFound):
		return false
	}
	return true
}

// processMessage 解析并执行命令
func (c *CommandConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	data, ok := msg.Data()
	if !ok {
		return fmt.Errorf("%w: missing data field", errMalformed)
	}
	var cmd CommandMessage
	if err := json.Unmarshal([]byte(data), &cmd); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	role, ok := models.ParseRole(cmd.ActorRole)
	if !ok || cmd.ActorID == "" {
		return fmt.Errorf("%w: invalid actor %q/%q", errMalformed, cmd.ActorID, cmd.ActorRole)
	}
	actor := models.Actor{ID: cmd.ActorID, Role: role}

	var (
		alert *models.Alert
		err   error
	)
	switch strings.ToLower(cmd.Command) {
	case CommandCreate:
		alert, err = c.alerts.CreateAlert(ctx, service.CreateAlertRequest{
			HospitalID:   cmd.HospitalID,
			RoomNumber:   cmd.RoomNumber,
			AlertType:    cmd.AlertType,
			UrgencyLevel: cmd.UrgencyLevel,
			Description:  cmd.Description,
			Actor:        actor,
		})
	case CommandAcknowledge:
		alert, err = c.alerts.AcknowledgeAlert(ctx, service.AcknowledgeAlertRequest{AlertID: cmd.AlertID, Actor: actor, Notes: cmd.Notes})
	case CommandResolve:
		alert, err = c.alerts.ResolveAlert(ctx, service.ResolveAlertRequest{AlertID: cmd.AlertID, Actor: actor, Resolution: cmd.Resolution})
	case CommandEscalate:
		alert, err = c.alerts.EscalateAlert(ctx, cmd.AlertID, models.TriggerManual, actor)
	default:
		return fmt.Errorf("%w: unknown command %q", errMalformed, cmd.Command)
	}
	if err != nil {
		return err
	}

	c.logger.Info("Command applied",
		zap.String("message_id", msg.ID),
		zap.String("command", cmd.Command),
		zap.String("alert_id", alert.AlertID),
		zap.String("status", string(alert.Status)),
		zap.Int64("seq", alert.TransitionSeq),
	)
	return nil
}
