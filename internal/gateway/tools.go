package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/xeipuuv/gojsonschema"

	"toolgate/internal/audit"
	"toolgate/internal/crypto"
	"toolgate/internal/domain"
	"toolgate/internal/egress"
	"toolgate/internal/policy"
	"toolgate/internal/servicenow"
	"toolgate/internal/telemetry"
)

// ToolGatewayService runs governed tool executions. Every run walks the
// same pipeline in order: policy gate, active config lookup, input schema
// validation, egress revalidation, execution, audit, metrics. No step is
// skipped on the failure paths; denials and failures are audited too.
type ToolGatewayService struct {
	store      domain.Store
	cipher     *crypto.EncryptionService
	guard      *egress.Guard
	gate       *policy.Gate
	servicenow *servicenow.Provider
	recorder   *audit.Recorder
	metrics    *telemetry.Metrics
	httpClient *http.Client
}

// NewToolGatewayService creates the tool gateway
func NewToolGatewayService(
	store domain.Store,
	cipher *crypto.EncryptionService,
	guard *egress.Guard,
	gate *policy.Gate,
	sn *servicenow.Provider,
	recorder *audit.Recorder,
	metrics *telemetry.Metrics,
) *ToolGatewayService {
	return &ToolGatewayService{
		store:      store,
		cipher:     cipher,
		guard:      guard,
		gate:       gate,
		servicenow: sn,
		recorder:   recorder,
		metrics:    metrics,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// ToolCall is one entry in a batch run
type ToolCall struct {
	ToolKey string         `json:"tool_key"`
	Input   map[string]any `json:"input"`
}

// ToolStatus pairs a catalog entry with its allow state for one tenant
type ToolStatus struct {
	domain.ToolDefinition
	Allowed bool `json:"allowed"`
}

// ListTools returns the catalog annotated with the tenant's allowlist.
// A tenant without a policy sees everything as disallowed.
func (s *ToolGatewayService) ListTools(ctx context.Context, tenantID string) ([]ToolStatus, error) {
	pol, err := s.store.GetToolPolicy(ctx, tenantID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	catalog := domain.ToolCatalog()
	out := make([]ToolStatus, 0, len(catalog))
	for _, def := range catalog {
		allowed := pol != nil && pol.Enabled && pol.Allows(def.Key)
		out = append(out, ToolStatus{ToolDefinition: def, Allowed: allowed})
	}
	return out, nil
}

// RunTool executes one tool call for a tenant. Policy denials, validation
// failures, missing configs, and egress rejections come back as errors;
// failures inside the external call come back as a failed ToolRunResult
// with a nil error.
func (s *ToolGatewayService) RunTool(ctx context.Context, tenantID, userID string, toolKey domain.ToolKey, input map[string]any) (*domain.ToolRunResult, error) {
	started := time.Now()

	if !domain.ValidToolKey(string(toolKey)) {
		reason := unknownToolReason(string(toolKey))
		s.auditRunFail(ctx, tenantID, userID, toolKey, started, reason)
		s.metrics.RecordPolicyDenial(tenantID, "unknown_tool")
		return nil, policy.Deny("%s", reason)
	}

	if _, err := s.gate.Authorize(ctx, tenantID, toolKey); err != nil {
		if errors.Is(err, domain.ErrPolicyDenied) {
			s.auditRunFail(ctx, tenantID, userID, toolKey, started, policy.DenialReason(err))
			s.metrics.RecordPolicyDenial(tenantID, denialLabel(err))
		}
		return nil, err
	}

	cfg, err := s.store.GetActiveIntegrationConfig(ctx, tenantID, domain.IntegrationProviderServiceNow)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.auditRunFail(ctx, tenantID, userID, toolKey, started, "no active ServiceNow integration configured")
		}
		return nil, err
	}

	if err := s.validateInput(toolKey, input); err != nil {
		s.auditRunFail(ctx, tenantID, userID, toolKey, started, err.Error())
		return nil, err
	}

	// Revalidate at use time; the stored URL may have been fine when
	// written and resolve somewhere internal now.
	if err := s.guard.ValidateURL(cfg.BaseURL); err != nil {
		s.auditRunFail(ctx, tenantID, userID, toolKey, started, err.Error())
		s.metrics.RecordEgressRejection(tenantID)
		return nil, fmt.Errorf("%w: %v", domain.ErrEgressDenied, err)
	}

	result := s.servicenow.Execute(ctx, toolKey, input, cfg)
	elapsed := time.Since(started)

	status := domain.AuditStatusSuccess
	if !result.Success {
		status = domain.AuditStatusFail
		s.metrics.RecordToolError(string(toolKey), "execution")
	}
	s.recorder.Record(ctx, &domain.AuditEvent{
		TenantID:     tenantID,
		UserID:       userID,
		ToolKey:      toolKey,
		Provider:     string(domain.IntegrationProviderServiceNow),
		Action:       domain.AuditActionToolRun,
		Status:       status,
		LatencyMs:    elapsed.Milliseconds(),
		RequestHash:  audit.HashContent(input),
		ResponseHash: audit.HashContent(result.Data),
		Details:      result.Error,
		Metadata: map[string]any{
			"table":        result.Meta.Table,
			"record_count": result.Meta.RecordCount,
		},
	})
	s.metrics.RecordToolRun(string(toolKey), tenantID, strings.ToLower(string(status)), elapsed)

	return result, nil
}

// RunToolBatch executes multiple calls sequentially, capped by the
// tenant's MaxCallsPerRun. Individual failures are embedded results;
// a policy denial or validation error on one call aborts the batch.
func (s *ToolGatewayService) RunToolBatch(ctx context.Context, tenantID, userID string, calls []ToolCall) ([]*domain.ToolRunResult, error) {
	if len(calls) == 0 {
		return nil, validationError("batch must contain at least one call")
	}

	pol, err := s.store.GetToolPolicy(ctx, tenantID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if pol != nil && pol.MaxCallsPerRun > 0 && len(calls) > pol.MaxCallsPerRun {
		return nil, validationError("batch of %d calls exceeds the per-run ceiling of %d", len(calls), pol.MaxCallsPerRun)
	}

	results := make([]*domain.ToolRunResult, 0, len(calls))
	for _, call := range calls {
		result, err := s.RunTool(ctx, tenantID, userID, domain.ToolKey(call.ToolKey), call.Input)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// TestToolConnection probes a ServiceNow integration with a one-record
// read. When configID is empty the tenant's active config is probed.
// Always audited, success or not.
func (s *ToolGatewayService) TestToolConnection(ctx context.Context, tenantID, userID, configID string) (*domain.TestConnectionResult, error) {
	var cfg *domain.IntegrationConfig
	var err error
	if configID == "" {
		cfg, err = s.store.GetActiveIntegrationConfig(ctx, tenantID, domain.IntegrationProviderServiceNow)
	} else {
		cfg, err = s.store.GetIntegrationConfig(ctx, tenantID, configID)
	}
	if err != nil {
		return nil, err
	}

	if err := s.guard.ValidateURL(cfg.BaseURL); err != nil {
		s.metrics.RecordEgressRejection(tenantID)
		s.recorder.Fail(ctx, &domain.AuditEvent{
			TenantID: tenantID,
			UserID:   userID,
			Provider: string(cfg.Provider),
			Action:   domain.AuditActionToolTestConnection,
		}, err.Error())
		return nil, fmt.Errorf("%w: %v", domain.ErrEgressDenied, err)
	}

	result := s.servicenow.TestConnection(ctx, cfg)

	status := domain.AuditStatusSuccess
	if !result.Success {
		status = domain.AuditStatusFail
	}
	s.recorder.Record(ctx, &domain.AuditEvent{
		TenantID:  tenantID,
		UserID:    userID,
		Provider:  string(cfg.Provider),
		Action:    domain.AuditActionToolTestConnection,
		Status:    status,
		LatencyMs: result.LatencyMs,
		Details:   result.Message,
	})
	return result, nil
}

// TestAIConnection probes an AI provider config's base URL with its stored
// key. When configID is empty the tenant's active config is probed.
func (s *ToolGatewayService) TestAIConnection(ctx context.Context, tenantID, userID, configID string) (*domain.TestConnectionResult, error) {
	var cfg *domain.AIProviderConfig
	var err error
	if configID == "" {
		cfg, err = s.store.GetActiveAIConfig(ctx, tenantID)
	} else {
		cfg, err = s.store.GetAIConfig(ctx, tenantID, configID)
	}
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		return nil, validationError("config has no base URL to probe")
	}

	if err := s.guard.ValidateURL(cfg.BaseURL); err != nil {
		s.metrics.RecordEgressRejection(tenantID)
		s.recorder.Fail(ctx, &domain.AuditEvent{
			TenantID: tenantID,
			UserID:   userID,
			Provider: string(cfg.Provider),
			Action:   domain.AuditActionTestConnection,
		}, err.Error())
		return nil, fmt.Errorf("%w: %v", domain.ErrEgressDenied, err)
	}

	result := s.probeAIEndpoint(ctx, cfg)

	status := domain.AuditStatusSuccess
	if !result.Success {
		status = domain.AuditStatusFail
	}
	s.recorder.Record(ctx, &domain.AuditEvent{
		TenantID:  tenantID,
		UserID:    userID,
		Provider:  string(cfg.Provider),
		Action:    domain.AuditActionTestConnection,
		Status:    status,
		LatencyMs: result.LatencyMs,
		Details:   result.Message,
	})
	return result, nil
}

func (s *ToolGatewayService) probeAIEndpoint(ctx context.Context, cfg *domain.AIProviderConfig) *domain.TestConnectionResult {
	started := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL, nil)
	if err != nil {
		return &domain.TestConnectionResult{Success: false, Message: fmt.Sprintf("invalid base URL: %v", err)}
	}
	if cfg.APIKeyCiphertext != "" {
		key, err := s.cipher.Decrypt(cfg.APIKeyCiphertext)
		if err != nil {
			return &domain.TestConnectionResult{
				Success: false,
				Message: "stored API key is unusable (decryption failed); re-enter the secret",
			}
		}
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := s.httpClient.Do(req)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		return &domain.TestConnectionResult{Success: false, LatencyMs: latency, Message: fmt.Sprintf("connection failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &domain.TestConnectionResult{Success: false, LatencyMs: latency, Message: fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode)}
	}
	return &domain.TestConnectionResult{Success: true, LatencyMs: latency, Message: fmt.Sprintf("endpoint reachable (HTTP %d)", resp.StatusCode)}
}

// validateInput checks a tool's input against its catalog schema
func (s *ToolGatewayService) validateInput(toolKey domain.ToolKey, input map[string]any) error {
	def, ok := domain.ToolDefinitionFor(toolKey)
	if !ok {
		return validationError("unknown tool key %q", toolKey)
	}
	if input == nil {
		input = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(def.InputSchema),
		gojsonschema.NewGoLoader(input),
	)
	if err != nil {
		return validationError("input did not parse: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return validationError("invalid input: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// unknownToolReason builds the denial reason for an unrecognized key,
// suggesting the closest catalog entry when one is plausibly near
func unknownToolReason(key string) string {
	best := ""
	bestDist := -1
	for _, k := range domain.AllToolKeys() {
		d := levenshtein.ComputeDistance(strings.ToUpper(key), string(k))
		if bestDist < 0 || d < bestDist {
			best, bestDist = string(k), d
		}
	}
	if bestDist >= 0 && bestDist <= 8 {
		return fmt.Sprintf("unknown tool key %q (did you mean %s?)", key, best)
	}
	return fmt.Sprintf("unknown tool key %q", key)
}

// denialLabel maps a denial reason to a low-cardinality metric label
func denialLabel(err error) string {
	reason := policy.DenialReason(err)
	switch {
	case strings.Contains(reason, "rate limit"):
		return "rate_limited"
	case strings.Contains(reason, "disabled"):
		return "disabled"
	case strings.Contains(reason, "not allowed"):
		return "not_allowed"
	default:
		return "denied"
	}
}

func (s *ToolGatewayService) auditRunFail(ctx context.Context, tenantID, userID string, toolKey domain.ToolKey, started time.Time, reason string) {
	s.recorder.Fail(ctx, &domain.AuditEvent{
		TenantID:  tenantID,
		UserID:    userID,
		ToolKey:   toolKey,
		Provider:  string(domain.IntegrationProviderServiceNow),
		Action:    domain.AuditActionToolRun,
		LatencyMs: time.Since(started).Milliseconds(),
	}, reason)
}
