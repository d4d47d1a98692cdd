package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"wisefido-alert/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()

	cfg := Load()
	require.NotNil(t, cfg)

	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.True(t, cfg.DBEnabled)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "owlrd", cfg.Database.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	assert.Equal(t, "alert:commands", cfg.Streams.Commands)
	assert.Equal(t, "alert:events", cfg.Streams.Events)
	assert.Equal(t, "wisefido-alert", cfg.Streams.ConsumerGroup)
	assert.Equal(t, int64(10), cfg.Streams.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Streams.Block)

	assert.Equal(t, time.Second, cfg.Scheduler.RetryInitial)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.RetryMax)
	assert.Equal(t, 256, cfg.Dispatch.QueueSize)
	assert.Equal(t, 200*time.Millisecond, cfg.Dispatch.RetryDelay)

	assert.False(t, cfg.Notify.MQTTEnabled)
	assert.Equal(t, "alerts", cfg.Notify.TopicPrefix)
	assert.Equal(t, byte(1), cfg.Notify.MQTT.QoS)
	assert.Empty(t, cfg.Notify.WebhookURL)

	assert.Empty(t, cfg.PolicyFile)
	assert.Empty(t, cfg.Hospitals)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_FromEnv(t *testing.T) {
	os.Clearenv()
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("DB_ENABLED", "false")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("DISPATCH_RETRY_DELAY", "1s")
	t.Setenv("SCHEDULER_RETRY_MAX", "bogus")
	t.Setenv("MQTT_ENABLED", "true")
	t.Setenv("MQTT_BROKER", "tcp://mq:1883")
	t.Setenv("HOSPITAL_IDS", "h-1, h-2,,")

	cfg := Load()
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.False(t, cfg.DBEnabled)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, time.Second, cfg.Dispatch.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.RetryMax)
	assert.True(t, cfg.Notify.MQTTEnabled)
	assert.Equal(t, "tcp://mq:1883", cfg.Notify.MQTT.Broker)
	assert.Equal(t, []string{"h-1", "h-2"}, cfg.Hospitals)
}

const policyYAML = `
default:
  tiers:
    - {tier: 1, timeout_seconds: 30, notify_roles: [nurse]}
    - {tier: 2, timeout_seconds: 90, notify_roles: [head_doctor]}
policies:
  - name: icu-cardiac
    hospital_id: h-1
    alert_type: cardiac_arrest
    tiers:
      - {tier: 1, timeout_seconds: 15, notify_roles: [doctor]}
      - {tier: 2, timeout_seconds: 45, notify_roles: [head_doctor, admin]}
alert_types: [fall_detected]
`

func TestPolicyRepository_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o600))

	cfg := &Config{PolicyFile: path}
	repo, err := cfg.PolicyRepository()
	require.NoError(t, err)

	p := repo.PolicyFor("h-1", "cardiac_arrest")
	assert.Equal(t, "icu-cardiac", p.Name)
	assert.Equal(t, 15, p.Tiers[0].TimeoutSeconds)
	assert.Equal(t, []models.Role{models.RoleHeadDoctor, models.RoleAdmin}, p.Tiers[1].NotifyRoles)

	def := repo.PolicyFor("h-2", "fire")
	assert.Equal(t, "default", def.Name)
	assert.Equal(t, 2, def.MaxTier())

	assert.True(t, repo.KnownAlertType("fall_detected"))
	assert.True(t, repo.KnownAlertType("code_blue"))
	assert.False(t, repo.KnownAlertType("flood"))
}

func TestParsePolicies_Invalid(t *testing.T) {
	_, err := ParsePolicies([]byte(`
policies:
  - name: broken
    tiers:
      - {tier: 2, timeout_seconds: 10}
`))
	assert.Error(t, err)

	_, err = ParsePolicies([]byte(`
default:
  tiers:
    - {tier: 1, timeout_seconds: 10, notify_roles: [janitor]}
`))
	assert.Error(t, err)

	_, err = ParsePolicies([]byte("policies: [::"))
	assert.Error(t, err)
}

func TestPolicyRepository_DefaultWithoutFile(t *testing.T) {
	repo, err := (&Config{}).PolicyRepository()
	require.NoError(t, err)
	assert.Equal(t, models.DefaultPolicy(), repo.PolicyFor("h-1", "fire"))
}
