// Package api 協調器的 HTTP API：作業註冊、狀態檢視、任務軌跡、agent 列表
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/logging"
	"github.com/ChuLiYu/beaver-cloud/internal/server"
	"github.com/ChuLiYu/beaver-cloud/internal/tracing"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// ============================================================================
// 協作者
// ============================================================================

// JobStore 作業配置儲存
type JobStore interface {
	Add(cfg types.JobConfig) error
	Update(cfg types.JobConfig) error
	Load(jobName string) (types.JobConfig, bool, error)
	LoadAll() ([]types.JobConfig, error)
	Remove(jobName string) error
}

// JobScheduler 作業觸發器（本地 cron 引擎）
type JobScheduler interface {
	Register(cfg types.JobConfig) error
	Deregister(jobName string)
}

// ReadyView ready 佇列
type ReadyView interface {
	GetAllReadyJobNames() ([]string, error)
	Remove(jobNames []string) error
}

// MisfiredView misfired 佇列
type MisfiredView interface {
	GetAllMisfiredJobNames() ([]string, error)
	Remove(jobNames []string) error
}

// RunningView 執行中任務
type RunningView interface {
	GetAllRunningTasks() (map[string][]types.TaskContext, error)
}

// FailoverView 失效轉移任務
type FailoverView interface {
	GetAllFailoverTasks() (map[string][]types.TaskContext, error)
}

// AgentLister 遠端 agent 列表
type AgentLister interface {
	Agents() []server.AgentInfo
}

// Deps API 的全部協作者；Scheduler 為 nil 時只寫入配置
type Deps struct {
	Jobs      JobStore
	Scheduler JobScheduler
	Ready     ReadyView
	Misfired  MisfiredView
	Running   RunningView
	Failover  FailoverView
	Tracer    tracing.Recorder
	Agents    AgentLister
	Metrics   http.Handler // nil 時不掛載 /metrics
	Leading   func() bool // nil 視為 leader；standby 拒絕變更作業
	Logger    *zap.Logger
}

// Server HTTP API
type Server struct {
	router    chi.Router
	deps      Deps
	logger    *zap.Logger
	startTime time.Time
}

// New 建立 API 並註冊路由
func New(deps Deps) *Server {
	if deps.Tracer == nil {
		deps.Tracer = tracing.NopRecorder{}
	}
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		logger:    logging.OrNop(deps.Logger).Named("api"),
		startTime: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.With(s.leaderOnly).Post("/", s.handleRegisterJob)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.With(s.leaderOnly).Put("/", s.handleUpdateJob)
				r.With(s.leaderOnly).Delete("/", s.handleRemoveJob)
				r.Get("/trace", s.handleJobTrace)
			})
		})
		r.Get("/state", s.handleState)
		r.Get("/agents", s.handleAgents)
	})
}

// ============================================================================
// 回應格式
// ============================================================================

// Response 統一的回應信封
type Response struct {
	Status    string      `json:"status"`
	RequestID string      `json:"request_id"`
	Data      interface{} `json:"data,omitempty"`
	Error     *Error      `json:"error,omitempty"`
}

// Error 錯誤內容
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// 錯誤代碼
const (
	CodeValidation = "VALIDATION"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeInternal   = "INTERNAL"
	CodeNotLeader  = "NOT_LEADER"
)

func respondOK(w http.ResponseWriter, r *http.Request, data interface{}) {
	respondJSON(w, r, http.StatusOK, data, nil)
}

func respondCreated(w http.ResponseWriter, r *http.Request, data interface{}) {
	respondJSON(w, r, http.StatusCreated, data, nil)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, r, status, nil, &Error{Code: code, Message: message})
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}, apiErr *Error) {
	resp := Response{
		Status:    "ok",
		RequestID: RequestIDFromContext(r.Context()),
		Data:      data,
		Error:     apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// ============================================================================
// Middleware
// ============================================================================

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// RequestIDFromContext 取得請求識別碼
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := "req_" + uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", RequestIDFromContext(r.Context())),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

// leaderOnly standby 協調器不接受作業變更
func (s *Server) leaderOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Leading != nil && !s.deps.Leading() {
			respondError(w, r, http.StatusServiceUnavailable, CodeNotLeader, "coordinator is standby, retry against the leader")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
