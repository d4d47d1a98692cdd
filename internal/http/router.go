package httpapi

import (
	"net/http"
	"time"

	"wisefido-alert/internal/scheduler"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics 等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterAlertRoutes 报警命令 / 查询
func (r *Router) RegisterAlertRoutes(h *AlertHandler) {
	r.HandleHandler(alertsPrefix, h)
	r.HandleHandler(alertsPrefix+"/", h)
}

// RegisterRealtimeRoutes WebSocket 订阅
func (r *Router) RegisterRealtimeRoutes(h *RealtimeHandler) {
	r.Handle("/alert/api/v1/ws", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ServeWS(w, req)
	})
}

// RegisterHealthRoutes /healthz 与 /metrics
func (r *Router) RegisterHealthRoutes(rt *RealtimeHandler, sched *scheduler.Scheduler, metrics http.Handler) {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		}
		if rt != nil {
			body["clients"] = rt.Clients()
		}
		if sched != nil {
			body["pending_deadlines"] = sched.Pending()
		}
		writeJSON(w, http.StatusOK, body)
	})
	if metrics != nil {
		r.HandleHandler("/metrics", metrics)
	}
}
