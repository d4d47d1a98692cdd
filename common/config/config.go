// Package config 基础设施连接配置与环境变量读取
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ============================================
// 环境变量
// ============================================

// Env 读取字符串，未设置或为空时返回 def
func Env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// EnvInt 读取整数，无法解析时返回 def
func EnvInt(key string, def int) int {
	if i, err := strconv.Atoi(Env(key, "")); err == nil {
		return i
	}
	return def
}

// EnvInt64 读取 int64
func EnvInt64(key string, def int64) int64 {
	if i, err := strconv.ParseInt(Env(key, ""), 10, 64); err == nil {
		return i
	}
	return def
}

// EnvFloat 读取浮点数
func EnvFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(Env(key, ""), 64); err == nil {
		return f
	}
	return def
}

// EnvBool 读取布尔值（true/false/1/0）
func EnvBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(Env(key, "")); err == nil {
		return b
	}
	return def
}

// EnvDuration 读取时长（如 "2s"），负数或无法解析时返回 def
func EnvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(Env(key, ""))
	if err != nil || d < 0 {
		return def
	}
	return d
}

// EnvList 读取逗号分隔列表，忽略空项
func EnvList(key string) []string {
	var out []string
	for _, p := range strings.Split(Env(key, ""), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ============================================
// PostgreSQL
// ============================================

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// DefaultDatabaseConfig 报警库默认连接（与其他 wisefido 服务共用 owlrd 库）
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "owlrd",
		SSLMode:  "disable",
		MaxConns: 20,
		MaxIdle:  5,
	}
}

// GetDSN 获取 lib/pq 连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dsnValue(c.Host), c.Port, dsnValue(c.User), dsnValue(c.Password), dsnValue(c.Database), dsnValue(c.SSLMode))
}

// String 日志用，不含密码
func (c *DatabaseConfig) String() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.User, c.Host, c.Port, c.Database)
}

// dsnValue 含空格或引号的值按 lib/pq 规则加单引号
func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// LoadFromEnv 从环境变量加载（prefix 如 "DB" → DB_HOST / DB_PORT / DB_NAME ...）
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	c.Host = Env(prefix+"_HOST", c.Host)
	c.Port = EnvInt(prefix+"_PORT", c.Port)
	c.User = Env(prefix+"_USER", c.User)
	c.Password = Env(prefix+"_PASSWORD", c.Password)
	c.Database = Env(prefix+"_NAME", c.Database)
	c.SSLMode = Env(prefix+"_SSLMODE", c.SSLMode)
	c.MaxConns = EnvInt(prefix+"_MAX_CONNS", c.MaxConns)
	c.MaxIdle = EnvInt(prefix+"_MAX_IDLE", c.MaxIdle)
}

// ============================================
// Redis（事件流 + 命令流）
// ============================================

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DefaultRedisConfig 本地 Redis
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Addr: "localhost:6379"}
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	c.Addr = Env(prefix+"_ADDR", c.Addr)
	c.Password = Env(prefix+"_PASSWORD", c.Password)
	c.DB = EnvInt(prefix+"_DB", c.DB)
}

// ============================================
// MQTT（角色通知）
// ============================================

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// DefaultMQTTConfig 通知默认 QoS 1（至少一次）
func DefaultMQTTConfig(clientID string) MQTTConfig {
	return MQTTConfig{Broker: "tcp://localhost:1883", ClientID: clientID, QoS: 1}
}

// LoadFromEnv 从环境变量加载MQTT配置；QoS 超出 0..2 时保留原值
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	c.Broker = Env(prefix+"_BROKER", c.Broker)
	c.ClientID = Env(prefix+"_CLIENT_ID", c.ClientID)
	c.Username = Env(prefix+"_USERNAME", c.Username)
	c.Password = Env(prefix+"_PASSWORD", c.Password)
	if v := EnvInt(prefix+"_QOS", int(c.QoS)); v >= 0 && v <= 2 {
		c.QoS = byte(v)
	}
}
