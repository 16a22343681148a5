package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
	"ChainFlow-Eval/internal/gateway"
	"ChainFlow-Eval/internal/observability/metrics"
	"ChainFlow-Eval/internal/session"
	"ChainFlow-Eval/pkg/logger"
)

// Config 描述 HTTP 服务参数。
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server 暴露评估入口与会话查询的 REST 接口。
type Server struct {
	httpServer *http.Server
	gateway    *gateway.Gateway
	store      session.Store
}

// NewServer 创建 HTTP 服务。
func NewServer(cfg Config, gw *gateway.Gateway, store session.Store) *Server {
	s := &Server{gateway: gw, store: store}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/flows", s.handleExecuteFlow)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/consolidated", s.handleGetConsolidated)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Default().Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start 开始监听。正常关停返回 nil。
func (s *Server) Start() error {
	logger.L().Info("HTTP 服务启动", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "HTTP 服务异常退出")
	}
	return nil
}

// Shutdown 优雅关停。
func (s *Server) Shutdown(ctx context.Context) error {
	logger.L().Info("HTTP 服务关停")
	return s.httpServer.Shutdown(ctx)
}

// Handler 返回底层路由，供测试挂载。
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleExecuteFlow(w http.ResponseWriter, r *http.Request) {
	var req gateway.FlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	result, err := s.gateway.ExecuteFlow(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := session.ListOptions{
		Status: flow.ExecutionStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			opts.Limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			opts.Offset = v
		}
	}
	sessions, err := s.store.ListSessions(r.Context(), opts)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetConsolidated(w http.ResponseWriter, r *http.Request) {
	consolidated, err := s.store.GetConsolidated(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, consolidated)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, flow.CodePlanningFailed, flow.CodeGroundTruthConfig:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: string(xerrors.CodeOf(err)), Message: err.Error()},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Error("响应编码失败", "error", err)
	}
}
