package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"wisefido-alert/internal/models"

	"github.com/gorilla/websocket"
)

// WSMessage WebSocket 消息（每个事件一条 JSON 文本消息）
type WSMessage struct {
	Type      string             `json:"type"` // welcome | event | pong
	ClientID  string             `json:"client_id,omitempty"`
	Event     *models.AlertEvent `json:"event,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// WebSocketSink 单个 WebSocket 连接
// gorilla/websocket 不支持并发写，所有写操作经过 writeMu
type WebSocketSink struct {
	clientID     string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	once    sync.Once
}

// NewWebSocketSink 创建连接投递端
func NewWebSocketSink(clientID string, conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WebSocketSink{clientID: clientID, conn: conn, writeTimeout: writeTimeout}
}

func (s *WebSocketSink) Name() string { return "websocket:" + s.clientID }

// ClientID 客户端 ID
func (s *WebSocketSink) ClientID() string { return s.clientID }

func (s *WebSocketSink) Deliver(_ context.Context, ev models.AlertEvent) error {
	return s.WriteJSON(WSMessage{Type: "event", Event: &ev, Timestamp: time.Now()})
}

// WriteJSON 写入一条 JSON 消息
func (s *WebSocketSink) WriteJSON(msg WSMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal websocket message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// Ping 发送 ping 控制帧
func (s *WebSocketSink) Ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// Close 关闭连接（可重复调用）
func (s *WebSocketSink) Close() error {
	var err error
	s.once.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
