// Package http provides the REST API server for admin configuration and
// governed tool execution.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"toolgate/internal/config"
	"toolgate/internal/domain"
	"toolgate/internal/gateway"
	"toolgate/internal/telemetry"
)

// Server is the HTTP API server
type Server struct {
	config  *config.Config
	admin   *gateway.AdminService
	tools   *gateway.ToolGatewayService
	metrics *telemetry.Metrics
	mux     *http.ServeMux
	ready   func(ctx context.Context) error
}

// NewServer creates the HTTP server. The ready probe is optional; nil
// means /ready always succeeds.
func NewServer(
	cfg *config.Config,
	admin *gateway.AdminService,
	tools *gateway.ToolGatewayService,
	metrics *telemetry.Metrics,
	ready func(ctx context.Context) error,
) *Server {
	s := &Server{
		config:  cfg,
		admin:   admin,
		tools:   tools,
		metrics: metrics,
		mux:     http.NewServeMux(),
		ready:   ready,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Admin surface: AI provider configs
	s.mux.HandleFunc("GET /v1/admin/ai/configs", s.withTenant(s.handleListAIConfigs))
	s.mux.HandleFunc("POST /v1/admin/ai/configs", s.withTenant(s.handleCreateAIConfig))
	s.mux.HandleFunc("GET /v1/admin/ai/configs/{id}", s.withTenant(s.handleGetAIConfig))
	s.mux.HandleFunc("PATCH /v1/admin/ai/configs/{id}", s.withTenant(s.handleUpdateAIConfig))
	s.mux.HandleFunc("DELETE /v1/admin/ai/configs/{id}", s.withTenant(s.handleDeleteAIConfig))
	s.mux.HandleFunc("POST /v1/admin/ai/configs/{id}/test", s.withTenant(s.handleTestAIConfig))

	// Admin surface: integration configs
	s.mux.HandleFunc("GET /v1/admin/integrations/configs", s.withTenant(s.handleListIntegrationConfigs))
	s.mux.HandleFunc("POST /v1/admin/integrations/configs", s.withTenant(s.handleCreateIntegrationConfig))
	s.mux.HandleFunc("GET /v1/admin/integrations/configs/{id}", s.withTenant(s.handleGetIntegrationConfig))
	s.mux.HandleFunc("PATCH /v1/admin/integrations/configs/{id}", s.withTenant(s.handleUpdateIntegrationConfig))
	s.mux.HandleFunc("DELETE /v1/admin/integrations/configs/{id}", s.withTenant(s.handleDeleteIntegrationConfig))
	s.mux.HandleFunc("POST /v1/admin/integrations/configs/{id}/test", s.withTenant(s.handleTestIntegrationConfig))

	// Admin surface: tool policy and audit trail
	s.mux.HandleFunc("GET /v1/admin/tools/policy", s.withTenant(s.handleGetToolPolicy))
	s.mux.HandleFunc("PUT /v1/admin/tools/policy", s.withTenant(s.handleUpsertToolPolicy))
	s.mux.HandleFunc("GET /v1/admin/audit/events", s.withTenant(s.handleListAuditEvents))

	// Tool execution surface
	s.mux.HandleFunc("GET /v1/tools", s.withTenant(s.handleListTools))
	s.mux.HandleFunc("POST /v1/tools/run", s.withTenant(s.handleRunTool))
	s.mux.HandleFunc("POST /v1/tools/run/batch", s.withTenant(s.handleRunToolBatch))

	// Infrastructure
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	if s.config.Telemetry.PrometheusEnabled {
		s.mux.Handle("GET /metrics", telemetry.Handler())
	}
}

// Handler returns the full middleware-wrapped handler
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Tenant-ID", "X-User-ID"},
		AllowCredentials: true,
	})
	return c.Handler(s.instrument(s.mux))
}

// Start runs the server until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", addr)
	return server.ListenAndServe()
}

// =============================================================================
// Middleware
// =============================================================================

// identity is the caller identity extracted from trusted headers. The
// platform's auth layer verifies the session upstream and forwards the
// resolved tenant and user.
type identity struct {
	TenantID string
	UserID   string
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, id identity)

// withTenant rejects requests lacking the tenant header
func (s *Server) withTenant(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "X-Tenant-ID header required")
			return
		}
		next(w, r, identity{TenantID: tenantID, UserID: r.Header.Get("X-User-ID")})
	}
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			// r.Pattern keeps label cardinality bounded; raw paths carry ids
			path := r.Pattern
			if path == "" {
				path = "unmatched"
			}
			s.metrics.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			s.metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(started).Seconds())
		}
	})
}

// =============================================================================
// AI provider config handlers
// =============================================================================

func (s *Server) handleListAIConfigs(w http.ResponseWriter, r *http.Request, id identity) {
	views, err := s.admin.ListAIConfigs(r.Context(), id.TenantID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"configs": views})
}

func (s *Server) handleCreateAIConfig(w http.ResponseWriter, r *http.Request, id identity) {
	var req gateway.CreateAIConfigRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	view, err := s.admin.CreateAIConfig(r.Context(), id.TenantID, id.UserID, req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetAIConfig(w http.ResponseWriter, r *http.Request, id identity) {
	view, err := s.admin.GetAIConfig(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdateAIConfig(w http.ResponseWriter, r *http.Request, id identity) {
	var req gateway.UpdateAIConfigRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	view, err := s.admin.UpdateAIConfig(r.Context(), id.TenantID, id.UserID, r.PathValue("id"), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteAIConfig(w http.ResponseWriter, r *http.Request, id identity) {
	if err := s.admin.DeleteAIConfig(r.Context(), id.TenantID, id.UserID, r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestAIConfig(w http.ResponseWriter, r *http.Request, id identity) {
	result, err := s.tools.TestAIConnection(r.Context(), id.TenantID, id.UserID, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// Integration config handlers
// =============================================================================

func (s *Server) handleListIntegrationConfigs(w http.ResponseWriter, r *http.Request, id identity) {
	views, err := s.admin.ListIntegrationConfigs(r.Context(), id.TenantID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"configs": views})
}

func (s *Server) handleCreateIntegrationConfig(w http.ResponseWriter, r *http.Request, id identity) {
	var req gateway.CreateIntegrationConfigRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	view, err := s.admin.CreateIntegrationConfig(r.Context(), id.TenantID, id.UserID, req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetIntegrationConfig(w http.ResponseWriter, r *http.Request, id identity) {
	view, err := s.admin.GetIntegrationConfig(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdateIntegrationConfig(w http.ResponseWriter, r *http.Request, id identity) {
	var req gateway.UpdateIntegrationConfigRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	view, err := s.admin.UpdateIntegrationConfig(r.Context(), id.TenantID, id.UserID, r.PathValue("id"), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteIntegrationConfig(w http.ResponseWriter, r *http.Request, id identity) {
	if err := s.admin.DeleteIntegrationConfig(r.Context(), id.TenantID, id.UserID, r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestIntegrationConfig(w http.ResponseWriter, r *http.Request, id identity) {
	result, err := s.tools.TestToolConnection(r.Context(), id.TenantID, id.UserID, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// Policy and audit handlers
// =============================================================================

func (s *Server) handleGetToolPolicy(w http.ResponseWriter, r *http.Request, id identity) {
	pol, err := s.admin.GetToolPolicy(r.Context(), id.TenantID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pol)
}

func (s *Server) handleUpsertToolPolicy(w http.ResponseWriter, r *http.Request, id identity) {
	var req gateway.UpsertToolPolicyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	pol, err := s.admin.UpsertToolPolicy(r.Context(), id.TenantID, id.UserID, req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pol)
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request, id identity) {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		Action: domain.AuditAction(q.Get("action")),
		Status: domain.AuditStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	events, err := s.admin.ListAuditEvents(r.Context(), id.TenantID, filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// =============================================================================
// Tool execution handlers
// =============================================================================

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request, id identity) {
	tools, err := s.tools.ListTools(r.Context(), id.TenantID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request, id identity) {
	var req gateway.ToolCall
	if !s.decodeBody(w, r, &req) {
		return
	}
	result, err := s.tools.RunTool(r.Context(), id.TenantID, id.UserID, domain.ToolKey(req.ToolKey), req.Input)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunToolBatch(w http.ResponseWriter, r *http.Request, id identity) {
	var req struct {
		Calls []gateway.ToolCall `json:"calls"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	results, err := s.tools.RunToolBatch(r.Context(), id.TenantID, id.UserID, req.Calls)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// =============================================================================
// Infrastructure handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": s.config.Telemetry.ServiceName})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// =============================================================================
// Response helpers
// =============================================================================

// ErrorResponse is the JSON error envelope
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.config.Server.MaxRequestSize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return false
	}
	return true
}

// writeDomainError maps domain errors to HTTP statuses: validation 400,
// policy and egress denials 403, not-found 404, everything else 500.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		s.writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrPolicyDenied):
		s.writeError(w, http.StatusForbidden, "policy_denied", err.Error())
	case errors.Is(err, domain.ErrEgressDenied):
		s.writeError(w, http.StatusForbidden, "egress_denied", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "resource not found")
	default:
		slog.Error("Internal error handling request", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Type: errType, Message: message}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
