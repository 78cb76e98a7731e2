// Package domain defines core domain types for the ToolGate governance core.
package domain

import (
	"time"
)

// =============================================================================
// Provider Types
// =============================================================================

// AIProvider identifies an AI model provider
type AIProvider string

const (
	AIProviderLocal       AIProvider = "LOCAL"
	AIProviderOpenAI      AIProvider = "OPENAI"
	AIProviderAzureOpenAI AIProvider = "AZURE_OPENAI"
	AIProviderAnthropic   AIProvider = "ANTHROPIC"
	AIProviderOther       AIProvider = "OTHER"
)

// AllAIProviders returns all supported AI providers
func AllAIProviders() []AIProvider {
	return []AIProvider{
		AIProviderLocal,
		AIProviderOpenAI,
		AIProviderAzureOpenAI,
		AIProviderAnthropic,
		AIProviderOther,
	}
}

// ParseAIProvider parses an AI provider string
func ParseAIProvider(s string) (AIProvider, bool) {
	switch s {
	case "LOCAL", "local":
		return AIProviderLocal, true
	case "OPENAI", "openai":
		return AIProviderOpenAI, true
	case "AZURE_OPENAI", "azure_openai", "azure":
		return AIProviderAzureOpenAI, true
	case "ANTHROPIC", "anthropic":
		return AIProviderAnthropic, true
	case "OTHER", "other":
		return AIProviderOther, true
	default:
		return "", false
	}
}

// IntegrationProvider identifies an external integration provider
type IntegrationProvider string

const (
	IntegrationProviderServiceNow IntegrationProvider = "SERVICENOW"
)

// ParseIntegrationProvider parses an integration provider string
func ParseIntegrationProvider(s string) (IntegrationProvider, bool) {
	switch s {
	case "SERVICENOW", "servicenow":
		return IntegrationProviderServiceNow, true
	default:
		return "", false
	}
}

// AuthType identifies how an integration authenticates to the external system
type AuthType string

const (
	AuthTypeBasic    AuthType = "BASIC"
	AuthTypeAPIToken AuthType = "API_TOKEN"
)

// ParseAuthType parses an auth type string
func ParseAuthType(s string) (AuthType, bool) {
	switch s {
	case "BASIC", "basic":
		return AuthTypeBasic, true
	case "API_TOKEN", "api_token", "token":
		return AuthTypeAPIToken, true
	default:
		return "", false
	}
}

// =============================================================================
// Provider Configurations
// =============================================================================

// AIProviderConfig is a stored AI provider configuration.
// Secret fields hold ciphertext tokens only; plaintext never persists.
// An empty TenantID marks the global default configuration.
type AIProviderConfig struct {
	ID       string     `json:"id"`
	TenantID string     `json:"tenant_id,omitempty"`
	Provider AIProvider `json:"provider"`
	Name     string     `json:"name"`
	Enabled  bool       `json:"enabled"`

	BaseURL        string  `json:"base_url,omitempty"`
	Model          string  `json:"model,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`

	APIKeyCiphertext        string `json:"-"`
	CustomHeadersCiphertext string `json:"-"`

	IsDeleted bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AIProviderConfigView is the redacted shape returned across the service
// boundary. Ciphertext fields are replaced by presence flags.
type AIProviderConfigView struct {
	ID       string     `json:"id"`
	TenantID string     `json:"tenant_id,omitempty"`
	Provider AIProvider `json:"provider"`
	Name     string     `json:"name"`
	Enabled  bool       `json:"enabled"`

	BaseURL        string  `json:"base_url,omitempty"`
	Model          string  `json:"model,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`

	HasAPIKey        bool `json:"has_api_key"`
	HasCustomHeaders bool `json:"has_custom_headers"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Redact converts a stored config to its boundary-safe view.
// This is the single transform through which AI config data leaves the system.
func (c *AIProviderConfig) Redact() *AIProviderConfigView {
	return &AIProviderConfigView{
		ID:               c.ID,
		TenantID:         c.TenantID,
		Provider:         c.Provider,
		Name:             c.Name,
		Enabled:          c.Enabled,
		BaseURL:          c.BaseURL,
		Model:            c.Model,
		TimeoutSeconds:   c.TimeoutSeconds,
		MaxTokens:        c.MaxTokens,
		Temperature:      c.Temperature,
		HasAPIKey:        c.APIKeyCiphertext != "",
		HasCustomHeaders: c.CustomHeadersCiphertext != "",
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

// IntegrationConfig is a stored integration provider configuration.
// Secret fields hold ciphertext tokens only.
type IntegrationConfig struct {
	ID       string              `json:"id"`
	TenantID string              `json:"tenant_id"`
	Provider IntegrationProvider `json:"provider"`
	Name     string              `json:"name"`
	Enabled  bool                `json:"enabled"`

	BaseURL  string   `json:"base_url"`
	AuthType AuthType `json:"auth_type"`

	UsernameCiphertext      string `json:"-"`
	PasswordCiphertext      string `json:"-"`
	TokenCiphertext         string `json:"-"`
	CustomHeadersCiphertext string `json:"-"`

	IsDeleted bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IntegrationConfigView is the redacted shape returned across the service
// boundary.
type IntegrationConfigView struct {
	ID       string              `json:"id"`
	TenantID string              `json:"tenant_id"`
	Provider IntegrationProvider `json:"provider"`
	Name     string              `json:"name"`
	Enabled  bool                `json:"enabled"`

	BaseURL  string   `json:"base_url"`
	AuthType AuthType `json:"auth_type"`

	HasUsername      bool `json:"has_username"`
	HasPassword      bool `json:"has_password"`
	HasToken         bool `json:"has_token"`
	HasCustomHeaders bool `json:"has_custom_headers"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Redact converts a stored config to its boundary-safe view.
func (c *IntegrationConfig) Redact() *IntegrationConfigView {
	return &IntegrationConfigView{
		ID:               c.ID,
		TenantID:         c.TenantID,
		Provider:         c.Provider,
		Name:             c.Name,
		Enabled:          c.Enabled,
		BaseURL:          c.BaseURL,
		AuthType:         c.AuthType,
		HasUsername:      c.UsernameCiphertext != "",
		HasPassword:      c.PasswordCiphertext != "",
		HasToken:         c.TokenCiphertext != "",
		HasCustomHeaders: c.CustomHeadersCiphertext != "",
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}
