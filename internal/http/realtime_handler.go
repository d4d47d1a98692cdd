package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"wisefido-alert/internal/dispatcher"
	"wisefido-alert/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsPongWait     = 60 * time.Second
	wsWriteTimeout = 5 * time.Second
	wsMaxMessage   = 4096
)

// pingPeriod ping 间隔须小于 pongWait
func pingPeriod(pongWait time.Duration) time.Duration {
	return pongWait * 9 / 10
}

// RealtimeHandler WebSocket 报警事件订阅
type RealtimeHandler struct {
	dispatcher *dispatcher.Dispatcher
	upgrader   websocket.Upgrader
	pongWait   time.Duration
	clients    atomic.Int64
	logger     *zap.Logger
}

// NewRealtimeHandler 创建订阅 Handler
func NewRealtimeHandler(d *dispatcher.Dispatcher, logger *zap.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pongWait: wsPongWait,
		logger:   logger,
	}
}

// SetPongWait 设置心跳超时（ping 间隔随之调整）
func (h *RealtimeHandler) SetPongWait(d time.Duration) {
	if d > 0 {
		h.pongWait = d
	}
}

// Clients 当前连接数
func (h *RealtimeHandler) Clients() int64 {
	return h.clients.Load()
}

// clientMessage 客户端消息（仅 ping）
type clientMessage struct {
	Type string `json:"type"`
}

// ServeWS GET /alert/api/v1/ws?hospital_id=&event_types=&max_urgency=
func (h *RealtimeHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	viewer, err := actorFromReq(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	q := r.URL.Query()
	hospitalID := strings.TrimSpace(q.Get("hospital_id"))
	if hospitalID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("hospital_id is required"))
		return
	}
	filter := dispatcher.Filter{
		HospitalID: hospitalID,
		MaxUrgency: parseInt(q.Get("max_urgency"), 0),
	}
	for _, t := range splitCSV(q.Get("event_types")) {
		filter.EventTypes = append(filter.EventTypes, models.EventType(t))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	sink := dispatcher.NewWebSocketSink(clientID, conn, wsWriteTimeout)
	if err := sink.WriteJSON(dispatcher.WSMessage{Type: "welcome", ClientID: clientID, Timestamp: time.Now()}); err != nil {
		_ = sink.Close()
		return
	}

	var target dispatcher.Sink = sink
	if viewer.Role == models.RoleOperator {
		target = operatorSink{WebSocketSink: sink}
	}
	subID, err := h.dispatcher.Subscribe(filter, target)
	if err != nil {
		h.logger.Warn("Failed to subscribe websocket client", zap.String("client_id", clientID), zap.Error(err))
		_ = sink.Close()
		return
	}

	h.clients.Add(1)
	h.logger.Info("WebSocket client connected",
		zap.String("client_id", clientID),
		zap.String("hospital_id", hospitalID),
		zap.String("viewer_id", viewer.ID),
		zap.String("viewer_role", string(viewer.Role)),
	)

	done := make(chan struct{})
	go h.pingLoop(sink, done)
	h.readLoop(conn, sink)
	close(done)

	// Unsubscribe 后投递协程排空队列并关闭连接
	h.dispatcher.Unsubscribe(subID)
	h.clients.Add(-1)
	h.logger.Info("WebSocket client disconnected", zap.String("client_id", clientID))
}

// pingLoop 定期发送 ping，只收不发的客户端靠 pong 续期读超时
func (h *RealtimeHandler) pingLoop(sink *dispatcher.WebSocketSink, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod(h.pongWait))
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sink.Ping(); err != nil {
				h.logger.Debug("WebSocket ping failed", zap.String("client_id", sink.ClientID()), zap.Error(err))
				return
			}
		}
	}
}

func (h *RealtimeHandler) readLoop(conn *websocket.Conn, sink *dispatcher.WebSocketSink) {
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.String("client_id", sink.ClientID()), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := sink.WriteJSON(dispatcher.WSMessage{Type: "pong", Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

// operatorSink operator 看不到操作人
type operatorSink struct {
	*dispatcher.WebSocketSink
}

func (s operatorSink) Deliver(ctx context.Context, ev models.AlertEvent) error {
	if ev.Type != models.EventAlertCreated {
		ev.ActorID = ""
	}
	return s.WebSocketSink.Deliver(ctx, ev)
}
