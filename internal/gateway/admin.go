// Package gateway orchestrates config administration and tool execution on
// top of the store, cipher, egress guard, policy gate, and audit trail.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"toolgate/internal/audit"
	"toolgate/internal/crypto"
	"toolgate/internal/domain"
	"toolgate/internal/egress"
)

// AdminService implements the configuration surface: provider configs,
// tool policies, and audit event listing. Every read path goes through the
// domain Redact transforms, so raw entities with ciphertext never leave
// this package.
type AdminService struct {
	store    domain.Store
	cipher   *crypto.EncryptionService
	guard    *egress.Guard
	recorder *audit.Recorder
}

// NewAdminService creates the admin service
func NewAdminService(store domain.Store, cipher *crypto.EncryptionService, guard *egress.Guard, recorder *audit.Recorder) *AdminService {
	return &AdminService{
		store:    store,
		cipher:   cipher,
		guard:    guard,
		recorder: recorder,
	}
}

// =============================================================================
// Request DTOs
// =============================================================================

// CreateAIConfigRequest carries a new AI provider configuration. Secret
// fields arrive as plaintext here and are encrypted before anything is
// stored; they are never echoed back.
type CreateAIConfigRequest struct {
	Provider       string            `json:"provider"`
	Name           string            `json:"name"`
	Enabled        *bool             `json:"enabled,omitempty"`
	BaseURL        string            `json:"base_url,omitempty"`
	Model          string            `json:"model,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
	APIKey         string            `json:"api_key,omitempty"`
	CustomHeaders  map[string]string `json:"custom_headers,omitempty"`
}

// UpdateAIConfigRequest carries a partial update. Nil pointers mean "keep
// the stored value". For secrets the three states are: nil keeps the stored
// ciphertext, pointer to "" clears it, pointer to a value re-encrypts.
type UpdateAIConfigRequest struct {
	Name           *string            `json:"name,omitempty"`
	Enabled        *bool              `json:"enabled,omitempty"`
	BaseURL        *string            `json:"base_url,omitempty"`
	Model          *string            `json:"model,omitempty"`
	TimeoutSeconds *int               `json:"timeout_seconds,omitempty"`
	MaxTokens      *int               `json:"max_tokens,omitempty"`
	Temperature    *float64           `json:"temperature,omitempty"`
	APIKey         *string            `json:"api_key,omitempty"`
	CustomHeaders  *map[string]string `json:"custom_headers,omitempty"`
}

// CreateIntegrationConfigRequest carries a new integration configuration
type CreateIntegrationConfigRequest struct {
	Provider      string            `json:"provider"`
	Name          string            `json:"name"`
	Enabled       *bool             `json:"enabled,omitempty"`
	BaseURL       string            `json:"base_url"`
	AuthType      string            `json:"auth_type"`
	Username      string            `json:"username,omitempty"`
	Password      string            `json:"password,omitempty"`
	Token         string            `json:"token,omitempty"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
}

// UpdateIntegrationConfigRequest carries a partial update with the same
// tri-state secret semantics as UpdateAIConfigRequest
type UpdateIntegrationConfigRequest struct {
	Name          *string            `json:"name,omitempty"`
	Enabled       *bool              `json:"enabled,omitempty"`
	BaseURL       *string            `json:"base_url,omitempty"`
	AuthType      *string            `json:"auth_type,omitempty"`
	Username      *string            `json:"username,omitempty"`
	Password      *string            `json:"password,omitempty"`
	Token         *string            `json:"token,omitempty"`
	CustomHeaders *map[string]string `json:"custom_headers,omitempty"`
}

// UpsertToolPolicyRequest replaces a tenant's tool policy
type UpsertToolPolicyRequest struct {
	Enabled            bool     `json:"enabled"`
	AllowedTools       []string `json:"allowed_tools"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	MaxCallsPerRun     int      `json:"max_calls_per_run"`
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}

// =============================================================================
// AI Provider Configs
// =============================================================================

// CreateAIConfig validates, encrypts secrets, stores, audits, and returns
// the redacted view.
func (s *AdminService) CreateAIConfig(ctx context.Context, tenantID, userID string, req CreateAIConfigRequest) (*domain.AIProviderConfigView, error) {
	provider, ok := domain.ParseAIProvider(req.Provider)
	if !ok {
		return nil, validationError("unknown AI provider %q", req.Provider)
	}
	if req.Name == "" {
		return nil, validationError("name is required")
	}
	if req.BaseURL != "" {
		if err := s.guard.ValidateURL(req.BaseURL); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEgressDenied, err)
		}
	}

	now := time.Now().UTC()
	cfg := &domain.AIProviderConfig{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Provider:       provider,
		Name:           req.Name,
		Enabled:        true,
		BaseURL:        req.BaseURL,
		Model:          req.Model,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}

	if req.APIKey != "" {
		token, err := s.cipher.Encrypt(req.APIKey)
		if err != nil {
			return nil, fmt.Errorf("encrypting api key: %w", err)
		}
		cfg.APIKeyCiphertext = token
	}
	if len(req.CustomHeaders) > 0 {
		token, err := s.encryptHeaders(req.CustomHeaders)
		if err != nil {
			return nil, err
		}
		cfg.CustomHeadersCiphertext = token
	}

	if err := s.store.CreateAIConfig(ctx, cfg); err != nil {
		return nil, err
	}

	s.auditConfigChange(ctx, tenantID, userID, string(provider),
		fmt.Sprintf("created AI provider config %s", cfg.ID), cfg.ID)
	return cfg.Redact(), nil
}

// GetAIConfig returns the redacted view of one config
func (s *AdminService) GetAIConfig(ctx context.Context, tenantID, id string) (*domain.AIProviderConfigView, error) {
	cfg, err := s.store.GetAIConfig(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return cfg.Redact(), nil
}

// ListAIConfigs returns redacted views of the tenant's configs, including
// the global default when one exists
func (s *AdminService) ListAIConfigs(ctx context.Context, tenantID string) ([]*domain.AIProviderConfigView, error) {
	cfgs, err := s.store.ListAIConfigs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	views := make([]*domain.AIProviderConfigView, 0, len(cfgs))
	for _, cfg := range cfgs {
		views = append(views, cfg.Redact())
	}
	return views, nil
}

// UpdateAIConfig applies a partial update. The base URL is re-validated
// through the egress guard when it changes; an SSRF rejection leaves the
// stored row untouched.
func (s *AdminService) UpdateAIConfig(ctx context.Context, tenantID, userID, id string, req UpdateAIConfigRequest) (*domain.AIProviderConfigView, error) {
	cfg, err := s.store.GetAIConfig(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if req.BaseURL != nil && *req.BaseURL != "" && *req.BaseURL != cfg.BaseURL {
		if err := s.guard.ValidateURL(*req.BaseURL); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEgressDenied, err)
		}
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, validationError("name cannot be empty")
		}
		cfg.Name = *req.Name
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.BaseURL != nil {
		cfg.BaseURL = *req.BaseURL
	}
	if req.Model != nil {
		cfg.Model = *req.Model
	}
	if req.TimeoutSeconds != nil {
		cfg.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxTokens != nil {
		cfg.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}

	cfg.APIKeyCiphertext, err = s.applySecret(cfg.APIKeyCiphertext, req.APIKey)
	if err != nil {
		return nil, err
	}
	cfg.CustomHeadersCiphertext, err = s.applyHeaders(cfg.CustomHeadersCiphertext, req.CustomHeaders)
	if err != nil {
		return nil, err
	}

	cfg.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateAIConfig(ctx, cfg); err != nil {
		return nil, err
	}

	s.auditConfigChange(ctx, tenantID, userID, string(cfg.Provider),
		fmt.Sprintf("updated AI provider config %s", cfg.ID), cfg.ID)
	return cfg.Redact(), nil
}

// DeleteAIConfig soft-deletes a config. The row stays for the audit trail
// but disappears from every read path.
func (s *AdminService) DeleteAIConfig(ctx context.Context, tenantID, userID, id string) error {
	if err := s.store.SoftDeleteAIConfig(ctx, tenantID, id); err != nil {
		return err
	}
	s.auditConfigChange(ctx, tenantID, userID, "",
		fmt.Sprintf("deleted AI provider config %s", id), id)
	return nil
}

// =============================================================================
// Integration Configs
// =============================================================================

// CreateIntegrationConfig validates, encrypts credentials, stores, audits,
// and returns the redacted view
func (s *AdminService) CreateIntegrationConfig(ctx context.Context, tenantID, userID string, req CreateIntegrationConfigRequest) (*domain.IntegrationConfigView, error) {
	provider, ok := domain.ParseIntegrationProvider(req.Provider)
	if !ok {
		return nil, validationError("unknown integration provider %q", req.Provider)
	}
	authType, ok := domain.ParseAuthType(req.AuthType)
	if !ok {
		return nil, validationError("unknown auth type %q", req.AuthType)
	}
	if req.Name == "" {
		return nil, validationError("name is required")
	}
	if req.BaseURL == "" {
		return nil, validationError("base_url is required")
	}
	if err := s.guard.ValidateURL(req.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEgressDenied, err)
	}
	switch authType {
	case domain.AuthTypeBasic:
		if req.Username == "" || req.Password == "" {
			return nil, validationError("basic auth requires username and password")
		}
	case domain.AuthTypeAPIToken:
		if req.Token == "" {
			return nil, validationError("token auth requires a token")
		}
	}

	now := time.Now().UTC()
	cfg := &domain.IntegrationConfig{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Provider:  provider,
		Name:      req.Name,
		Enabled:   true,
		BaseURL:   req.BaseURL,
		AuthType:  authType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}

	var err error
	if cfg.UsernameCiphertext, err = s.encryptIfSet(req.Username); err != nil {
		return nil, err
	}
	if cfg.PasswordCiphertext, err = s.encryptIfSet(req.Password); err != nil {
		return nil, err
	}
	if cfg.TokenCiphertext, err = s.encryptIfSet(req.Token); err != nil {
		return nil, err
	}
	if len(req.CustomHeaders) > 0 {
		if cfg.CustomHeadersCiphertext, err = s.encryptHeaders(req.CustomHeaders); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreateIntegrationConfig(ctx, cfg); err != nil {
		return nil, err
	}

	s.auditConfigChange(ctx, tenantID, userID, string(provider),
		fmt.Sprintf("created integration config %s", cfg.ID), cfg.ID)
	return cfg.Redact(), nil
}

// GetIntegrationConfig returns the redacted view of one config
func (s *AdminService) GetIntegrationConfig(ctx context.Context, tenantID, id string) (*domain.IntegrationConfigView, error) {
	cfg, err := s.store.GetIntegrationConfig(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return cfg.Redact(), nil
}

// ListIntegrationConfigs returns redacted views of the tenant's configs
func (s *AdminService) ListIntegrationConfigs(ctx context.Context, tenantID string) ([]*domain.IntegrationConfigView, error) {
	cfgs, err := s.store.ListIntegrationConfigs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	views := make([]*domain.IntegrationConfigView, 0, len(cfgs))
	for _, cfg := range cfgs {
		views = append(views, cfg.Redact())
	}
	return views, nil
}

// UpdateIntegrationConfig applies a partial update with tri-state secret
// handling and egress revalidation on base URL changes
func (s *AdminService) UpdateIntegrationConfig(ctx context.Context, tenantID, userID, id string, req UpdateIntegrationConfigRequest) (*domain.IntegrationConfigView, error) {
	cfg, err := s.store.GetIntegrationConfig(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if req.BaseURL != nil && *req.BaseURL != cfg.BaseURL {
		if *req.BaseURL == "" {
			return nil, validationError("base_url cannot be empty")
		}
		if err := s.guard.ValidateURL(*req.BaseURL); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEgressDenied, err)
		}
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, validationError("name cannot be empty")
		}
		cfg.Name = *req.Name
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.BaseURL != nil {
		cfg.BaseURL = *req.BaseURL
	}
	if req.AuthType != nil {
		authType, ok := domain.ParseAuthType(*req.AuthType)
		if !ok {
			return nil, validationError("unknown auth type %q", *req.AuthType)
		}
		cfg.AuthType = authType
	}

	if cfg.UsernameCiphertext, err = s.applySecret(cfg.UsernameCiphertext, req.Username); err != nil {
		return nil, err
	}
	if cfg.PasswordCiphertext, err = s.applySecret(cfg.PasswordCiphertext, req.Password); err != nil {
		return nil, err
	}
	if cfg.TokenCiphertext, err = s.applySecret(cfg.TokenCiphertext, req.Token); err != nil {
		return nil, err
	}
	if cfg.CustomHeadersCiphertext, err = s.applyHeaders(cfg.CustomHeadersCiphertext, req.CustomHeaders); err != nil {
		return nil, err
	}

	// The updated row must still hold the secrets its auth type needs;
	// otherwise every later run would fail with unusable credentials
	switch cfg.AuthType {
	case domain.AuthTypeBasic:
		if cfg.UsernameCiphertext == "" || cfg.PasswordCiphertext == "" {
			return nil, validationError("basic auth requires username and password")
		}
	case domain.AuthTypeAPIToken:
		if cfg.TokenCiphertext == "" {
			return nil, validationError("token auth requires a token")
		}
	}

	cfg.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateIntegrationConfig(ctx, cfg); err != nil {
		return nil, err
	}

	s.auditConfigChange(ctx, tenantID, userID, string(cfg.Provider),
		fmt.Sprintf("updated integration config %s", cfg.ID), cfg.ID)
	return cfg.Redact(), nil
}

// DeleteIntegrationConfig soft-deletes a config
func (s *AdminService) DeleteIntegrationConfig(ctx context.Context, tenantID, userID, id string) error {
	if err := s.store.SoftDeleteIntegrationConfig(ctx, tenantID, id); err != nil {
		return err
	}
	s.auditConfigChange(ctx, tenantID, userID, "",
		fmt.Sprintf("deleted integration config %s", id), id)
	return nil
}

// =============================================================================
// Tool Policies
// =============================================================================

// GetToolPolicy returns the tenant's stored policy. ErrNotFound means no
// policy has been configured yet, which the gate treats as tools-disabled.
func (s *AdminService) GetToolPolicy(ctx context.Context, tenantID string) (*domain.ToolPolicy, error) {
	return s.store.GetToolPolicy(ctx, tenantID)
}

// UpsertToolPolicy replaces the tenant's policy after validating every
// allowlisted key against the catalog
func (s *AdminService) UpsertToolPolicy(ctx context.Context, tenantID, userID string, req UpsertToolPolicyRequest) (*domain.ToolPolicy, error) {
	keys := make([]domain.ToolKey, 0, len(req.AllowedTools))
	for _, k := range req.AllowedTools {
		if !domain.ValidToolKey(k) {
			return nil, validationError("unknown tool key %q", k)
		}
		keys = append(keys, domain.ToolKey(k))
	}
	if req.RateLimitPerMinute < 0 {
		return nil, validationError("rate_limit_per_minute cannot be negative")
	}
	if req.MaxCallsPerRun < 0 {
		return nil, validationError("max_calls_per_run cannot be negative")
	}

	now := time.Now().UTC()
	pol := &domain.ToolPolicy{
		TenantID:           tenantID,
		Enabled:            req.Enabled,
		AllowedTools:       keys,
		RateLimitPerMinute: req.RateLimitPerMinute,
		MaxCallsPerRun:     req.MaxCallsPerRun,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.UpsertToolPolicy(ctx, pol); err != nil {
		return nil, err
	}

	s.recorder.Success(ctx, &domain.AuditEvent{
		TenantID: tenantID,
		UserID:   userID,
		Action:   domain.AuditActionPolicyChange,
		Details:  fmt.Sprintf("tool policy updated: enabled=%t allowed=%d", pol.Enabled, len(pol.AllowedTools)),
		Metadata: map[string]any{
			"rate_limit_per_minute": pol.RateLimitPerMinute,
			"max_calls_per_run":     pol.MaxCallsPerRun,
		},
	})
	return pol, nil
}

// =============================================================================
// Audit Listing
// =============================================================================

// ListAuditEvents returns the tenant's audit trail, newest first
func (s *AdminService) ListAuditEvents(ctx context.Context, tenantID string, filter domain.AuditFilter) ([]*domain.AuditEvent, error) {
	return s.store.ListAuditEvents(ctx, tenantID, filter)
}

// =============================================================================
// Helpers
// =============================================================================

// applySecret implements the tri-state update: nil keeps the stored
// ciphertext, empty string clears it, anything else re-encrypts
func (s *AdminService) applySecret(current string, update *string) (string, error) {
	if update == nil {
		return current, nil
	}
	if *update == "" {
		return "", nil
	}
	token, err := s.cipher.Encrypt(*update)
	if err != nil {
		return "", fmt.Errorf("encrypting secret: %w", err)
	}
	return token, nil
}

func (s *AdminService) applyHeaders(current string, update *map[string]string) (string, error) {
	if update == nil {
		return current, nil
	}
	if len(*update) == 0 {
		return "", nil
	}
	return s.encryptHeaders(*update)
}

func (s *AdminService) encryptHeaders(headers map[string]string) (string, error) {
	data, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("encoding custom headers: %w", err)
	}
	token, err := s.cipher.Encrypt(string(data))
	if err != nil {
		return "", fmt.Errorf("encrypting custom headers: %w", err)
	}
	return token, nil
}

func (s *AdminService) encryptIfSet(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	token, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypting secret: %w", err)
	}
	return token, nil
}

func (s *AdminService) auditConfigChange(ctx context.Context, tenantID, userID, provider, details, configID string) {
	s.recorder.Success(ctx, &domain.AuditEvent{
		TenantID: tenantID,
		UserID:   userID,
		Provider: provider,
		Action:   domain.AuditActionConfigChange,
		Details:  details,
		Metadata: map[string]any{"config_id": configID},
	})
}
