package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"Aegis-Assist/internal/auth"
	xerrors "Aegis-Assist/internal/errors"
	"Aegis-Assist/internal/executor"
	"Aegis-Assist/internal/observability/metrics"
	"Aegis-Assist/internal/operation"
	"Aegis-Assist/internal/resolver"
	"Aegis-Assist/pkg/logger"
)

// Server 负责暴露 REST 接口,供外部提交指令并查询操作状态。
type Server struct {
	addr     string
	auth     *auth.Service
	resolver *resolver.Resolver
	ops      *operation.Service
	exec     *executor.Executor

	waitTimeout  time.Duration
	pollInterval time.Duration
}

// ServerOption 调整服务器行为。
type ServerOption func(*Server)

// WithWaitTimeout 设定同步指令等待执行结果的最长时间。
func WithWaitTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

// WithPollInterval 设定同步等待时轮询存储的间隔。
func WithPollInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, authSvc *auth.Service, res *resolver.Resolver, ops *operation.Service, exec *executor.Executor, opts ...ServerOption) *Server {
	s := &Server{
		addr:         addr,
		auth:         authSvc,
		resolver:     res,
		ops:          ops,
		exec:         exec,
		waitTimeout:  60 * time.Second,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 组装路由。令牌签发端点不经过认证中间件,其余端点都要求
// 携带有效的访问令牌。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/api/v1/auth/token", instrument("auth_token", http.HandlerFunc(s.handleToken)))

	guard := s.guard()
	mux.Handle("/api/v1/commands", guard(instrument("commands", http.HandlerFunc(s.handleCommands))))
	mux.Handle("/api/v1/operations", guard(instrument("operations", http.HandlerFunc(s.handleOperations))))
	mux.Handle("/api/v1/operations/", guard(instrument("operation_detail", http.HandlerFunc(s.handleOperationDetail))))
	mux.Handle("/api/v1/system/state", guard(instrument("system_state", http.HandlerFunc(s.handleSystemState))))
	return mux
}

func (s *Server) guard() func(http.Handler) http.Handler {
	if s.auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.auth.Middleware(auth.MiddlewareConfig{AuditEvent: "api_request"})
}

// Start 启动 HTTP 服务,直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.L().Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// tokenResponse 是令牌签发端点的响应体。
type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 POST")
		return
	}
	if s.auth == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "鉴权服务未初始化")
		return
	}
	var creds auth.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}
	session, err := s.auth.Authenticate(r.Context(), creds)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrDisabled) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, xerrors.CodeUnauthorized, "认证失败")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: session.Token,
		SessionID:   session.ID,
		ExpiresAt:   session.ExpiresAt,
	})
}

// commandRequest 是自然语言指令端点的请求体。
type commandRequest struct {
	Text     string             `json:"text"`
	Priority operation.Priority `json:"priority,omitempty"`
	Source   string             `json:"source,omitempty"`
	// Wait 为 false 时立即返回排队中的操作,默认同步等待终态。
	Wait *bool `json:"wait,omitempty"`
}

// commandResponse 同时携带解析结果与(若已执行)操作状态。
type commandResponse struct {
	Resolution *resolver.Resolution `json:"resolution"`
	Operation  *operation.Operation `json:"operation,omitempty"`
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 POST")
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeValidationError, "指令文本不能为空")
		return
	}

	ctx := r.Context()
	principalID := "anonymous"
	if principal := auth.PrincipalFromContext(ctx); principal != nil {
		principalID = principal.ID
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	resolution, err := s.resolver.Resolve(resolver.Request{
		Text:        req.Text,
		PrincipalID: principalID,
		SessionID:   auth.SessionIDFromContext(ctx),
		TraceID:     uuid.NewString(),
		Source:      source,
		Priority:    req.Priority,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeOf(err), err.Error())
		return
	}
	metrics.ObserveResolution(string(resolution.Kind))

	// 歧义或无法解析时直接返回,由调用方补充信息后重试。
	if resolution.Kind != resolver.KindUnambiguous {
		writeJSON(w, http.StatusOK, commandResponse{Resolution: resolution})
		return
	}

	op := resolution.Operation
	if s.auth != nil && !s.auth.Authorize(ctx, op, op.Context.PrincipalID) {
		metrics.ObserveAuthorizationDenied()
		writeError(w, http.StatusForbidden, xerrors.CodeUnauthorized, "缺少执行该操作所需的能力")
		return
	}

	stored, err := s.ops.Submit(ctx, operation.Draft{
		ID:          op.ID,
		Type:        op.Type,
		Params:      op.Params,
		Priority:    op.Priority,
		PrincipalID: op.Context.PrincipalID,
		SessionID:   op.Context.SessionID,
		TraceID:     op.Context.TraceID,
		Source:      op.Context.Source,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.CodeOf(err), "操作入队失败")
		return
	}

	if req.Wait != nil && !*req.Wait {
		writeJSON(w, http.StatusAccepted, commandResponse{Resolution: resolution, Operation: stored})
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	final, err := s.ops.WaitUntilCompleted(waitCtx, stored.ID, s.pollInterval)
	if err != nil {
		// 超时不是失败,返回当前状态供调用方继续轮询。
		if current, getErr := s.ops.Get(r.Context(), stored.ID); getErr == nil {
			writeJSON(w, http.StatusAccepted, commandResponse{Resolution: resolution, Operation: current})
			return
		}
		writeError(w, http.StatusInternalServerError, xerrors.CodeOf(err), "等待操作完成失败")
		return
	}
	metrics.ObserveOperation(string(final.Type), string(final.Status))
	writeJSON(w, http.StatusOK, commandResponse{Resolution: resolution, Operation: final})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateOperation(w, r)
	case http.MethodGet:
		s.handleListOperations(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET/POST")
	}
}

// handleCreateOperation 接收结构化操作草稿并异步入队。
func (s *Server) handleCreateOperation(w http.ResponseWriter, r *http.Request) {
	var draft operation.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}
	ctx := r.Context()
	if principal := auth.PrincipalFromContext(ctx); principal != nil {
		draft.PrincipalID = principal.ID
		draft.SessionID = auth.SessionIDFromContext(ctx)
	}
	if draft.Source == "" {
		draft.Source = "api"
	}

	if s.auth != nil {
		probe, err := operation.NewOperation(draft, 1)
		if err != nil {
			writeError(w, http.StatusBadRequest, xerrors.CodeOf(err), err.Error())
			return
		}
		if !s.auth.Authorize(ctx, probe, draft.PrincipalID) {
			metrics.ObserveAuthorizationDenied()
			writeError(w, http.StatusForbidden, xerrors.CodeUnauthorized, "缺少执行该操作所需的能力")
			return
		}
	}

	op, err := s.ops.Submit(ctx, draft)
	if err != nil {
		status := http.StatusInternalServerError
		switch xerrors.CodeOf(err) {
		case xerrors.CodeValidationError, xerrors.CodeInvalidArgument:
			status = http.StatusBadRequest
		case xerrors.CodeConflict:
			status = http.StatusConflict
		}
		writeError(w, status, xerrors.CodeOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if id := query.Get("id"); id != "" {
		s.writeOperationByID(w, r, id)
		return
	}

	opts := make([]operation.ListOption, 0, 4)
	if raw := query.Get("status"); raw != "" {
		statuses := make([]operation.Status, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, operation.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, operation.WithStatuses(statuses...))
	}
	if raw := query.Get("type"); raw != "" {
		types := make([]operation.Type, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			types = append(types, operation.Type(strings.TrimSpace(part)))
		}
		opts = append(opts, operation.WithTypes(types...))
	}
	if principal := query.Get("principal_id"); principal != "" {
		opts = append(opts, operation.WithPrincipal(principal))
	}
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			opts = append(opts, operation.WithLimit(limit))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil && offset > 0 {
			opts = append(opts, operation.WithOffset(offset))
		}
	}

	ops, err := s.ops.List(r.Context(), opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.CodeOf(err), "查询操作列表失败")
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

// handleOperationDetail 处理 /api/v1/operations/{id} 与 /api/v1/operations/stats。
func (s *Server) handleOperationDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/operations/")
	if id == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "缺少操作标识")
		return
	}
	if id == "stats" {
		s.handleStats(w, r)
		return
	}
	s.writeOperationByID(w, r, id)
}

func (s *Server) writeOperationByID(w http.ResponseWriter, r *http.Request, id string) {
	op, err := s.ops.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, operation.ErrOperationNotFound) {
			writeError(w, http.StatusNotFound, xerrors.CodeNotFound, "操作不存在")
			return
		}
		writeError(w, http.StatusInternalServerError, xerrors.CodeOf(err), "查询操作失败")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ops.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, xerrors.CodeOf(err), "统计操作失败")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSystemState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if s.exec == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "执行器未初始化")
		return
	}
	writeJSON(w, http.StatusOK, s.exec.SystemState())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiError 是所有错误响应的统一格式。
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSONStatus(w, status, apiError{Code: string(code), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSONStatus(w, status, payload)
}

func writeJSONStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// instrument 记录每个端点的请求指标。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		mw := &metricsWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(mw, r)
		metrics.ObserveHTTPRequest(name, r.Method, mw.status, time.Since(start))
	})
}

type metricsWriter struct {
	http.ResponseWriter
	status int
}

func (w *metricsWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
