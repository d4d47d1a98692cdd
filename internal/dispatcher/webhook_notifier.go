package dispatcher

import (
	"context"
	"fmt"
	"time"

	"wisefido-alert/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WebhookConfig 推送网关参数
type WebhookConfig struct {
	URL              string
	Token            string
	Timeout          time.Duration
	RatePerSecond    float64 // <=0 不限速
	Burst            int
	BreakerFailures  uint32        // 连续失败多少次后熔断
	BreakerOpenDelay time.Duration // 熔断后多久进入半开
}

// WebhookNotifier 调用外部推送网关（HTTP POST），带熔断与限速
type WebhookNotifier struct {
	cfg     WebhookConfig
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// webhookPayload 推送网关请求体
type webhookPayload struct {
	Notifications []RoleNotification `json:"notifications"`
}

// NewWebhookNotifier 创建推送网关客户端
func NewWebhookNotifier(cfg WebhookConfig, logger *zap.Logger) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenDelay <= 0 {
		cfg.BreakerOpenDelay = 30 * time.Second
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	n := &WebhookNotifier{cfg: cfg, client: client, logger: logger}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "push-gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Push gateway circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return n
}

func (n *WebhookNotifier) Name() string { return "webhook-roles" }

// State 熔断器状态
func (n *WebhookNotifier) State() gobreaker.State {
	return n.breaker.State()
}

func (n *WebhookNotifier) NotifyRoles(ctx context.Context, ev models.AlertEvent, roles []models.Role) error {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("push gateway rate limit: %w", err)
		}
	}

	payload := webhookPayload{Notifications: make([]RoleNotification, 0, len(roles))}
	for _, role := range roles {
		payload.Notifications = append(payload.Notifications, NewRoleNotification(ev, role))
	}

	_, err := n.breaker.Execute(func() (interface{}, error) {
		resp, err := n.client.R().
			SetContext(ctx).
			SetHeader("Idempotency-Key", ev.DedupKey()).
			SetBody(payload).
			Post(n.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to call push gateway: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("push gateway returned status %d", resp.StatusCode())
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	n.logger.Debug("Push gateway notified",
		zap.String("alert_id", ev.AlertID),
		zap.Int("tier", ev.Tier),
		zap.Int("roles", len(roles)),
	)
	return nil
}
