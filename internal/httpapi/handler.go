// Package httpapi exposes the agent core over HTTP. It is a thin
// translation layer: decode, call the orchestrator, encode. All state
// lives behind the orchestrator and its services.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/canopyworks/agentd/internal/metrics"
	"github.com/canopyworks/agentd/internal/orchestrator"
	"github.com/canopyworks/agentd/internal/taskstore"
	"github.com/canopyworks/agentd/internal/tools"
)

// Handler serves the agent API.
type Handler struct {
	orch      *orchestrator.Orchestrator
	authority *tools.Authority
	store     *taskstore.Store
	logger    *zap.Logger
	authToken string
	limiter   *clientLimiter
}

// NewHandler creates a new API handler. An empty authToken disables
// bearer auth.
func NewHandler(
	orch *orchestrator.Orchestrator,
	authority *tools.Authority,
	store *taskstore.Store,
	logger *zap.Logger,
	authToken string,
	rps float64,
	burst int,
) *Handler {
	return &Handler{
		orch:      orch,
		authority: authority,
		store:     store,
		logger:    logger,
		authToken: authToken,
		limiter:   newClientLimiter(rps, burst),
	}
}

// RegisterRoutes registers agent routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /agent/process", h.wrap(h.handleProcess))
	mux.HandleFunc("POST /agent/approve", h.wrap(h.handleApprove))
	mux.HandleFunc("GET /agent/tasks", h.wrap(h.handleListTasks))
	mux.HandleFunc("GET /agent/tasks/{id}", h.wrap(h.handleTaskStatus))
	mux.HandleFunc("POST /agent/tasks/{id}/cancel", h.wrap(h.handleCancelTask))
	mux.HandleFunc("GET /agent/context/{userID}/summary", h.wrap(h.handleContextSummary))
	mux.HandleFunc("GET /agent/context/{userID}/history", h.wrap(h.handleHistory))
	mux.HandleFunc("GET /agent/tools", h.wrap(h.handleListTools))
	mux.HandleFunc("POST /agent/tools/approve", h.wrap(h.handleGrantTool))
	mux.HandleFunc("POST /agent/tools/revoke", h.wrap(h.handleRevokeTool))
	mux.HandleFunc("GET /agent/stats", h.wrap(h.handleStats))
}

// wrap applies auth and rate limiting, and records request metrics.
func (h *Handler) wrap(next func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.authToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				metrics.HTTPRequests.WithLabelValues(r.URL.Path, "401").Inc()
				return
			}
		}
		if !h.limiter.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			metrics.HTTPRateLimited.Inc()
			metrics.HTTPRequests.WithLabelValues(r.URL.Path, "429").Inc()
			return
		}
		status := next(w, r)
		metrics.HTTPRequests.WithLabelValues(r.URL.Path, strconv.Itoa(status)).Inc()
	}
}

type processRequest struct {
	Input       string `json:"input"`
	UserID      string `json:"user_id,omitempty"`
	AutoExecute bool   `json:"auto_execute,omitempty"`
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) int {
	var req processRequest
	if status := decodeJSON(w, r, &req); status != 0 {
		return status
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return http.StatusBadRequest
	}
	if req.UserID == "" {
		req.UserID = "default"
	}

	result := h.orch.ProcessInput(r.Context(), req.Input, req.UserID, req.AutoExecute)
	status := http.StatusOK
	if !result.Success && result.Error == "busy" {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
	return status
}

type approveRequest struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id,omitempty"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) int {
	var req approveRequest
	if status := decodeJSON(w, r, &req); status != 0 {
		return status
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return http.StatusBadRequest
	}
	if req.UserID == "" {
		req.UserID = "default"
	}

	result := h.orch.ApproveAndExecute(r.Context(), req.TaskID, req.UserID)
	status := http.StatusOK
	if !result.Success {
		switch result.Error {
		case "not_found":
			status = http.StatusNotFound
		case "invalid_state", "no_plan":
			status = http.StatusConflict
		case "busy":
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, result)
	return status
}

func (h *Handler) handleTaskStatus(w http.ResponseWriter, r *http.Request) int {
	task, err := h.orch.GetTaskStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return http.StatusNotFound
	}
	writeJSON(w, http.StatusOK, task)
	return http.StatusOK
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) int {
	var tasks []*taskstore.Task
	if state := r.URL.Query().Get("state"); state != "" {
		tasks = h.store.ByState(taskstore.State(state))
	} else {
		tasks = h.store.All()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
	return http.StatusOK
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleCancelTask(w http.ResponseWriter, r *http.Request) int {
	var req cancelRequest
	if r.ContentLength > 0 {
		if status := decodeJSON(w, r, &req); status != 0 {
			return status
		}
	}
	taskID := r.PathValue("id")
	if err := h.orch.CancelTask(taskID, req.Reason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return http.StatusConflict
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": "cancelled"})
	return http.StatusOK
}

func (h *Handler) handleContextSummary(w http.ResponseWriter, r *http.Request) int {
	userID := r.PathValue("userID")
	summary := h.orch.GetUserContextSummary(r.Context(), userID)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "summary": summary})
	return http.StatusOK
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) int {
	userID := r.PathValue("userID")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return http.StatusBadRequest
		}
		limit = n
	}
	history := h.orch.GetHistory(r.Context(), userID, limit)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "history": history, "count": len(history)})
	return http.StatusOK
}

func (h *Handler) handleListTools(w http.ResponseWriter, _ *http.Request) int {
	writeJSON(w, http.StatusOK, map[string]any{"tools": h.authority.AvailableTools()})
	return http.StatusOK
}

type toolApprovalRequest struct {
	Tool string `json:"tool"`
}

func (h *Handler) handleGrantTool(w http.ResponseWriter, r *http.Request) int {
	var req toolApprovalRequest
	if status := decodeJSON(w, r, &req); status != 0 {
		return status
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return http.StatusBadRequest
	}
	if err := h.authority.GrantApproval(req.Tool); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return http.StatusNotFound
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": req.Tool, "approved": true})
	return http.StatusOK
}

func (h *Handler) handleRevokeTool(w http.ResponseWriter, r *http.Request) int {
	var req toolApprovalRequest
	if status := decodeJSON(w, r, &req); status != 0 {
		return status
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return http.StatusBadRequest
	}
	h.authority.RevokeApproval(req.Tool)
	writeJSON(w, http.StatusOK, map[string]any{"tool": req.Tool, "approved": false})
	return http.StatusOK
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) int {
	stats, err := h.orch.GetStats(r.Context())
	if err != nil {
		h.logger.Error("Stats query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return http.StatusInternalServerError
	}
	writeJSON(w, http.StatusOK, stats)
	return http.StatusOK
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) int {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return http.StatusBadRequest
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

// StartServer runs the agent API on its own HTTP server.
func StartServer(addr string, h *Handler, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Starting agent API server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Agent API server failed", zap.Error(err))
		}
	}()
	return srv
}
