package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wisefido-alert/internal/models"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// statusFor 错误类型 → HTTP 状态码
// ErrForbiddenRole 同时匹配 ErrInvalidTransition，需先判断
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrForbiddenRole):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError 写入失败响应；未分类错误不向客户端暴露细节
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("Request failed", zap.Error(err))
		writeJSON(w, status, Fail("internal error"))
		return
	}
	writeJSON(w, status, Fail(err.Error()))
}

// actorFromReq 从 X-User-Id / X-User-Role 读取操作人
func actorFromReq(r *http.Request) (models.Actor, error) {
	id := strings.TrimSpace(r.Header.Get("X-User-Id"))
	rawRole := strings.TrimSpace(r.Header.Get("X-User-Role"))
	// 浏览器 WebSocket 无法设置请求头，允许 query 参数
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if rawRole == "" {
		rawRole = strings.TrimSpace(r.URL.Query().Get("user_role"))
	}
	if id == "" {
		return models.Actor{}, fmt.Errorf("%w: user ID is required", models.ErrValidation)
	}
	if rawRole == "" {
		return models.Actor{}, fmt.Errorf("%w: user role is required", models.ErrValidation)
	}
	role, ok := models.ParseRole(rawRole)
	if !ok {
		return models.Actor{}, models.NewForbiddenRoleError(fmt.Sprintf("unknown role %q", rawRole))
	}
	return models.Actor{ID: id, Role: role}, nil
}

// parseTimeParam 支持 RFC3339 或 Unix 秒
func parseTimeParam(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.Unix(sec, 0).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid time %q", models.ErrValidation, s)
	}
	return &t, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
