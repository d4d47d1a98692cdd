package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("ALERT_TEST_INT", "42")
	t.Setenv("ALERT_TEST_BAD_INT", "x")
	t.Setenv("ALERT_TEST_BOOL", "1")
	t.Setenv("ALERT_TEST_DURATION", "-5s")
	t.Setenv("ALERT_TEST_LIST", " a, b ,,c")

	assert.Equal(t, 42, EnvInt("ALERT_TEST_INT", 7))
	assert.Equal(t, 7, EnvInt("ALERT_TEST_BAD_INT", 7))
	assert.True(t, EnvBool("ALERT_TEST_BOOL", false))
	assert.Equal(t, time.Second, EnvDuration("ALERT_TEST_DURATION", time.Second))
	assert.Equal(t, []string{"a", "b", "c"}, EnvList("ALERT_TEST_LIST"))
	assert.Nil(t, EnvList("ALERT_TEST_UNSET"))
	assert.Equal(t, "def", Env("ALERT_TEST_UNSET", "def"))
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DefaultDatabaseConfig()
	c.Password = "it's secret"
	assert.Equal(t, `host=localhost port=5432 user=postgres password='it\'s secret' dbname=owlrd sslmode=disable`, c.GetDSN())
	assert.NotContains(t, c.String(), "secret")

	t.Setenv("DB_NAME", "alerts")
	t.Setenv("DB_MAX_CONNS", "8")
	c.LoadFromEnv("DB")
	assert.Equal(t, "alerts", c.Database)
	assert.Equal(t, 8, c.MaxConns)
}

func TestMQTTConfig_QoSRange(t *testing.T) {
	c := DefaultMQTTConfig("wisefido-alert")
	t.Setenv("MQTT_QOS", "3")
	c.LoadFromEnv("MQTT")
	assert.Equal(t, byte(1), c.QoS)

	t.Setenv("MQTT_QOS", "2")
	c.LoadFromEnv("MQTT")
	assert.Equal(t, byte(2), c.QoS)
}
