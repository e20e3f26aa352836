package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
)

// Handler HTTP 請求處理器
type Handler struct {
	registry *Registry
	hub      *WebSocketHub
	wsPath   string
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(registry *Registry, hub *WebSocketHub, wsPath string, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		hub:      hub,
		wsPath:   wsPath,
		logger:   logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(h.recoverer, h.accessLog)

	// WebSocket 端點（單一房間）
	r.Methods(http.MethodGet).Path(h.wsPath).HandlerFunc(h.hub.ServeWS)

	// 查詢 API
	r.Methods(http.MethodGet).Path("/api/v1/participants").HandlerFunc(h.listParticipants)

	// 健康檢查
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(h.health)
	r.Methods(http.MethodGet).Path("/stats").HandlerFunc(h.stats)

	return r
}

// listParticipants 目前房間的快照（依 ID 排序）
func (h *Handler) listParticipants(w http.ResponseWriter, r *http.Request) {
	participants := h.registry.Snapshot()

	h.jsonResponse(w, map[string]any{
		"participants": participants,
		"total":        len(participants),
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.hub.Stats(), http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// accessLog 日誌中間件
//
// 被劫持的 WebSocket 請求不經過 WriteHeader，status 會是預設的 200。
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration)
	})
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
