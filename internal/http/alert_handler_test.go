package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"wisefido-alert/internal/dispatcher"
	"wisefido-alert/internal/metrics"
	"wisefido-alert/internal/models"
	"wisefido-alert/internal/repository"
	"wisefido-alert/internal/service"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiResult struct {
	Code    int             `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func newTestAPI(t *testing.T) (*Router, *service.Engine) {
	t.Helper()
	return newTestAPIWith(t, nil)
}

func newTestAPIWith(t *testing.T, configure func(*RealtimeHandler)) (*Router, *service.Engine) {
	t.Helper()
	policies, err := repository.NewStaticPolicyRepo(nil, nil, nil)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	e := service.NewEngine(service.DefaultEngineConfig(), service.Stores{
		Alerts:    repository.NewMemoryAlertsRepo(),
		Hospitals: repository.NewMemoryHospitalsRepo("h-1"),
		Policies:  policies,
	}, nil, metrics.NewRecorder(reg), zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})

	router := NewRouter(zap.NewNop())
	router.RegisterAlertRoutes(NewAlertHandler(e.Alerts, e.Queries, zap.NewNop()))
	rt := NewRealtimeHandler(e.Dispatcher, zap.NewNop())
	if configure != nil {
		configure(rt)
	}
	router.RegisterRealtimeRoutes(rt)
	router.RegisterHealthRoutes(rt, e.Scheduler, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return router, e
}

func do(t *testing.T, h http.Handler, method, path, userID, role, body string) (*httptest.ResponseRecorder, apiResult) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var res apiResult
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec, res
}

func createAlert(t *testing.T, h http.Handler) models.Alert {
	t.Helper()
	rec, res := do(t, h, http.MethodPost, "/alert/api/v1/alerts", "op-1", "operator",
		`{"hospital_id":"h-1","room_number":"ICU-2","alert_type":"cardiac_arrest","urgency_level":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, ResultSuccess, res.Code)
	var a models.Alert
	require.NoError(t, json.Unmarshal(res.Result, &a))
	return a
}

// ============================================
// 命令
// ============================================

func TestAlertHandler_Lifecycle(t *testing.T) {
	router, _ := newTestAPI(t)
	a := createAlert(t, router)
	assert.Equal(t, models.StatusActive, a.Status)
	base := "/alert/api/v1/alerts/" + a.AlertID

	rec, res := do(t, router, http.MethodPut, base+"/acknowledge", "nurse-1", "nurse", `{"notes":"coming"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ResultSuccess, res.Code)

	rec, res = do(t, router, http.MethodPut, base+"/acknowledge", "nurse-2", "nurse", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ResultError, res.Code)

	rec, _ = do(t, router, http.MethodPut, base+"/resolve", "nurse-1", "nurse", `{"resolution":"ok"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, router, http.MethodPut, base+"/resolve", "doc-1", "doctor", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, res = do(t, router, http.MethodPut, base+"/resolve", "doc-1", "doctor", `{"resolution":"rosc achieved"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved models.Alert
	require.NoError(t, json.Unmarshal(res.Result, &resolved))
	assert.Equal(t, models.StatusResolved, resolved.Status)
	assert.Equal(t, int64(3), resolved.TransitionSeq)

	rec, res = do(t, router, http.MethodGet, base+"/transitions", "doc-1", "doctor", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &page))
	assert.Equal(t, 3, page.Total)
}

func TestAlertHandler_Errors(t *testing.T) {
	router, _ := newTestAPI(t)
	a := createAlert(t, router)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		role   string
		body   string
		want   int
	}{
		{"missing user", http.MethodPut, "/alert/api/v1/alerts/" + a.AlertID + "/acknowledge", "", "nurse", "", http.StatusBadRequest},
		{"unknown role", http.MethodPut, "/alert/api/v1/alerts/" + a.AlertID + "/acknowledge", "x", "janitor", "", http.StatusForbidden},
		{"unknown alert", http.MethodPut, "/alert/api/v1/alerts/nope/acknowledge", "nurse-1", "nurse", "", http.StatusNotFound},
		{"manual escalate by doctor", http.MethodPut, "/alert/api/v1/alerts/" + a.AlertID + "/escalate", "doc-1", "doctor", "", http.StatusForbidden},
		{"nurse creates", http.MethodPost, "/alert/api/v1/alerts", "nurse-1", "nurse", `{"hospital_id":"h-1","room_number":"1","alert_type":"fire","urgency_level":2}`, http.StatusForbidden},
		{"bad body", http.MethodPost, "/alert/api/v1/alerts", "op-1", "operator", `{`, http.StatusBadRequest},
		{"unknown hospital", http.MethodPost, "/alert/api/v1/alerts", "op-1", "operator", `{"hospital_id":"h-2","room_number":"1","alert_type":"fire","urgency_level":2}`, http.StatusNotFound},
		{"wrong method", http.MethodGet, "/alert/api/v1/alerts/" + a.AlertID + "/resolve", "doc-1", "doctor", "", http.StatusMethodNotAllowed},
		{"unknown action", http.MethodPut, "/alert/api/v1/alerts/" + a.AlertID + "/snooze", "doc-1", "doctor", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, router, tt.method, tt.path, tt.user, tt.role, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAlertHandler_ManualEscalate(t *testing.T) {
	router, _ := newTestAPI(t)
	a := createAlert(t, router)

	rec, res := do(t, router, http.MethodPut, "/alert/api/v1/alerts/"+a.AlertID+"/escalate", "admin-1", "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out models.Alert
	require.NoError(t, json.Unmarshal(res.Result, &out))
	assert.Equal(t, 2, out.CurrentEscalationTier)
}

// ============================================
// 查询
// ============================================

func TestAlertHandler_ActiveSummaryAndExport(t *testing.T) {
	router, _ := newTestAPI(t)
	a := createAlert(t, router)
	createAlert(t, router)
	_, _ = do(t, router, http.MethodPut, "/alert/api/v1/alerts/"+a.AlertID+"/acknowledge", "nurse-1", "nurse", "")

	rec, res := do(t, router, http.MethodGet, "/alert/api/v1/alerts/active?hospital_id=h-1&limit=10", "op-1", "operator", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []models.Alert `json:"items"`
		Total int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &page))
	assert.Equal(t, 2, page.Total)
	for _, item := range page.Items {
		assert.Nil(t, item.AcknowledgedBy)
	}

	rec, res = do(t, router, http.MethodGet, "/alert/api/v1/alerts/summary?hospital_id=h-1", "doc-1", "doctor", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary models.AlertSummary
	require.NoError(t, json.Unmarshal(res.Result, &summary))
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.ByStatus[models.StatusActive])

	rec, _ = do(t, router, http.MethodGet, "/alert/api/v1/alerts/active", "doc-1", "doctor", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/alert/api/v1/alerts/history?hospital_id=h-1&since=yesterday", "doc-1", "doctor", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/alert/api/v1/alerts/history/export?hospital_id=h-1", "doc-1", "doctor", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "alert-history-h-1.xlsx")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestAPI(t)
	createAlert(t, router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["clients"])
	assert.EqualValues(t, 1, body["pending_deadlines"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wisefido_alert_transitions_total")
}

// ============================================
// WebSocket
// ============================================

func TestRealtime_StreamsEventsForHospital(t *testing.T) {
	router, e := newTestAPI(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/alert/api/v1/ws?hospital_id=h-1&user_id=op-9&user_role=operator"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var welcome dispatcher.WSMessage
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "welcome", welcome.Type)
	assert.NotEmpty(t, welcome.ClientID)
	require.Eventually(t, func() bool { return len(e.Dispatcher.Subscribers()) == 1 }, time.Second, 5*time.Millisecond)

	a, err := e.Alerts.CreateAlert(context.Background(), service.CreateAlertRequest{
		HospitalID: "h-1", RoomNumber: "ER-1", AlertType: "fire", UrgencyLevel: 2,
		Actor: models.Actor{ID: "op-1", Role: models.RoleOperator},
	})
	require.NoError(t, err)
	_, err = e.Alerts.AcknowledgeAlert(context.Background(), service.AcknowledgeAlertRequest{
		AlertID: a.AlertID, Actor: models.Actor{ID: "nurse-1", Role: models.RoleNurse},
	})
	require.NoError(t, err)

	var created, acked dispatcher.WSMessage
	require.NoError(t, conn.ReadJSON(&created))
	require.NotNil(t, created.Event)
	assert.Equal(t, models.EventAlertCreated, created.Event.Type)
	assert.Equal(t, a.AlertID, created.Event.AlertID)

	require.NoError(t, conn.ReadJSON(&acked))
	require.NotNil(t, acked.Event)
	assert.Equal(t, models.EventAlertAcknowledged, acked.Event.Type)
	assert.Equal(t, int64(2), acked.Event.TransitionSeq)
	assert.Empty(t, acked.Event.ActorID)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var pong dispatcher.WSMessage
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
}

// 只收不发的客户端：服务端 ping 保活，空闲超过 pongWait 后仍能收到事件
func TestRealtime_IdleListenerKeptAlive(t *testing.T) {
	const pongWait = 500 * time.Millisecond
	router, e := newTestAPIWith(t, func(rt *RealtimeHandler) { rt.SetPongWait(pongWait) })
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/alert/api/v1/ws?hospital_id=h-1&user_id=doc-1&user_role=doctor"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var pings atomic.Int32
	conn.SetPingHandler(func(data string) error {
		pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	msgs := make(chan dispatcher.WSMessage, 8)
	go func() {
		defer close(msgs)
		for {
			var msg dispatcher.WSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			msgs <- msg
		}
	}()

	welcome := <-msgs
	assert.Equal(t, "welcome", welcome.Type)
	require.Eventually(t, func() bool { return len(e.Dispatcher.Subscribers()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(3 * pongWait)
	assert.GreaterOrEqual(t, pings.Load(), int32(2))
	require.Len(t, e.Dispatcher.Subscribers(), 1)

	a, err := e.Alerts.CreateAlert(context.Background(), service.CreateAlertRequest{
		HospitalID: "h-1", RoomNumber: "ER-2", AlertType: "fire", UrgencyLevel: 2,
		Actor: models.Actor{ID: "op-1", Role: models.RoleOperator},
	})
	require.NoError(t, err)

	select {
	case msg, ok := <-msgs:
		require.True(t, ok, "connection closed while idle")
		require.NotNil(t, msg.Event)
		assert.Equal(t, a.AlertID, msg.Event.AlertID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRealtime_RequiresHospital(t *testing.T) {
	router, _ := newTestAPI(t)
	rec, _ := do(t, router, http.MethodGet, "/alert/api/v1/ws", "doc-1", "doctor", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
