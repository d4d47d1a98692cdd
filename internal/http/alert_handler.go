package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"wisefido-alert/internal/models"
	"wisefido-alert/internal/query"
	"wisefido-alert/internal/service"

	"go.uber.org/zap"
)

const alertsPrefix = "/alert/api/v1/alerts"

// AlertHandler 报警命令与查询 Handler
type AlertHandler struct {
	alerts  service.AlertService
	queries *query.Service
	logger  *zap.Logger
}

// NewAlertHandler 创建报警 Handler
func NewAlertHandler(alerts service.AlertService, queries *query.Service, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, queries: queries, logger: logger}
}

// ServeHTTP 实现 http.Handler 接口
func (h *AlertHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == alertsPrefix && r.Method == http.MethodPost:
		h.CreateAlert(w, r)
	case path == alertsPrefix+"/active" && r.Method == http.MethodGet:
		h.GetActiveAlerts(w, r)
	case path == alertsPrefix+"/summary" && r.Method == http.MethodGet:
		h.GetAlertSummary(w, r)
	case path == alertsPrefix+"/history" && r.Method == http.MethodGet:
		h.ListAlertHistory(w, r)
	case path == alertsPrefix+"/history/export" && r.Method == http.MethodGet:
		h.ExportAlertHistory(w, r)
	case strings.HasPrefix(path, alertsPrefix+"/"):
		rest := strings.TrimPrefix(path, alertsPrefix+"/")
		alertID, action, _ := strings.Cut(rest, "/")
		if alertID == "" || strings.Contains(action, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.serveAlert(w, r, alertID, action)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *AlertHandler) serveAlert(w http.ResponseWriter, r *http.Request, alertID, action string) {
	switch {
	case action == "" && r.Method == http.MethodGet:
		h.GetAlert(w, r, alertID)
	case action == "transitions" && r.Method == http.MethodGet:
		h.GetTransitions(w, r, alertID)
	case action == "acknowledge" && r.Method == http.MethodPut:
		h.AcknowledgeAlert(w, r, alertID)
	case action == "resolve" && r.Method == http.MethodPut:
		h.ResolveAlert(w, r, alertID)
	case action == "escalate" && r.Method == http.MethodPut:
		h.EscalateAlert(w, r, alertID)
	case action == "acknowledge" || action == "resolve" || action == "escalate" || action == "transitions" || action == "":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ============================================
// 命令
// ============================================

// CreateAlert 创建报警
func (h *AlertHandler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromReq(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req service.CreateAlertRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	req.Actor = actor

	alert, err := h.alerts.CreateAlert(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(alert))
}

// AcknowledgeAlert 确认报警
func (h *AlertHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	actor, err := actorFromReq(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	alert, err := h.alerts.AcknowledgeAlert(r.Context(), service.AcknowledgeAlertRequest{
		AlertID: alertID,
		Actor:   actor,
		Notes:   body.Notes,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(alert))
}

// ResolveAlert 解决报警
func (h *AlertHandler) ResolveAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	actor, err := actorFromReq(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var body struct {
		Resolution string `json:"resolution"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	alert, err := h.alerts.ResolveAlert(r.Context(), service.ResolveAlertRequest{
		AlertID:    alertID,
		Actor:      actor,
		Resolution: body.Resolution,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(alert))
}

// EscalateAlert 手动升级（admin）
func (h *AlertHandler) EscalateAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	actor, err := actorFromReq(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	alert, err := h.alerts.EscalateAlert(r.Context(), alertID, models.TriggerManual, actor)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(alert))
}

// ============================================
// 查询
// ============================================

// GetAlert 单个报警
func (h *AlertHandler) GetAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	viewer, err := actorFromReq(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	alert, err := h.queries.GetAlert(r.Context(), viewer, alertID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(alert))
}

// GetTransitions 报警变更记录
func (h *AlertHandler) GetTransitions(w http.ResponseWriter, r *http.Request, alertID string) {
	viewer, err := actorFromReq(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	recs, err := h.queries.GetTransitions(r.Context(), viewer, alertID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": recs, "total": len(recs)}))
}

// GetActiveAlerts 看板：未解决的报警
func (h *AlertHandler) GetActiveAlerts(w http.ResponseWriter, r *http.Request) {
	viewer, err := actorFromReq(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	q := r.URL.Query()
	alerts, err := h.queries.GetActiveAlerts(r.Context(), viewer,
		strings.TrimSpace(q.Get("hospital_id")),
		parseInt(q.Get("limit"), query.DefaultActiveLimit))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": alerts, "total": len(alerts)}))
}

// GetAlertSummary 汇总
func (h *AlertHandler) GetAlertSummary(w http.ResponseWriter, r *http.Request) {
	viewer, err := actorFromReq(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	summary, err := h.queries.GetAlertSummary(r.Context(), viewer, strings.TrimSpace(r.URL.Query().Get("hospital_id")))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(summary))
}

// ListAlertHistory 历史报警
func (h *AlertHandler) ListAlertHistory(w http.ResponseWriter, r *http.Request) {
	viewer, err := actorFromReq(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	f, err := historyFilters(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	alerts, err := h.queries.ListAlertHistory(r.Context(), viewer, f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": alerts, "total": len(alerts)}))
}

// ExportAlertHistory 历史报警导出（xlsx）
func (h *AlertHandler) ExportAlertHistory(w http.ResponseWriter, r *http.Request) {
	viewer, err := actorFromReq(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	f, err := historyFilters(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	// 先写入缓冲区，失败时仍可返回 JSON 错误
	var buf bytes.Buffer
	if _, err := h.queries.ExportHistoryXLSX(r.Context(), viewer, f, &buf); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="alert-history-%s.xlsx"`, f.HospitalID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func historyFilters(r *http.Request) (query.HistoryFilters, error) {
	q := r.URL.Query()
	f := query.HistoryFilters{
		HospitalID: strings.TrimSpace(q.Get("hospital_id")),
		AlertType:  strings.TrimSpace(q.Get("alert_type")),
		Limit:      parseInt(q.Get("limit"), 0),
	}
	for _, s := range splitCSV(q.Get("status")) {
		f.Statuses = append(f.Statuses, models.AlertStatus(strings.ToLower(s)))
	}
	var err error
	if f.Since, err = parseTimeParam(q.Get("since")); err != nil {
		return f, err
	}
	if f.Until, err = parseTimeParam(q.Get("until")); err != nil {
		return f, err
	}
	return f, nil
}
