package domain

import "context"

// Store is the persistence contract the governance core requires: row-level
// create/read/update plus tenant-scoped queries. No cross-row transactions.
type Store interface {
	AIConfigStore
	IntegrationConfigStore
	PolicyStore
	AuditStore
}

// AIConfigStore persists AI provider configurations.
// Reads exclude soft-deleted rows and are tenant scoped; the get-active
// lookup admits the global (empty-tenant) row when the tenant has none.
type AIConfigStore interface {
	CreateAIConfig(ctx context.Context, cfg *AIProviderConfig) error
	GetAIConfig(ctx context.Context, tenantID, id string) (*AIProviderConfig, error)
	ListAIConfigs(ctx context.Context, tenantID string) ([]*AIProviderConfig, error)
	UpdateAIConfig(ctx context.Context, cfg *AIProviderConfig) error
	SoftDeleteAIConfig(ctx context.Context, tenantID, id string) error
	GetActiveAIConfig(ctx context.Context, tenantID string) (*AIProviderConfig, error)
}

// IntegrationConfigStore persists integration provider configurations
type IntegrationConfigStore interface {
	CreateIntegrationConfig(ctx context.Context, cfg *IntegrationConfig) error
	GetIntegrationConfig(ctx context.Context, tenantID, id string) (*IntegrationConfig, error)
	ListIntegrationConfigs(ctx context.Context, tenantID string) ([]*IntegrationConfig, error)
	UpdateIntegrationConfig(ctx context.Context, cfg *IntegrationConfig) error
	SoftDeleteIntegrationConfig(ctx context.Context, tenantID, id string) error
	GetActiveIntegrationConfig(ctx context.Context, tenantID string, provider IntegrationProvider) (*IntegrationConfig, error)
}

// PolicyStore persists per-tenant tool policies
type PolicyStore interface {
	GetToolPolicy(ctx context.Context, tenantID string) (*ToolPolicy, error)
	UpsertToolPolicy(ctx context.Context, policy *ToolPolicy) error
}

// AuditStore persists append-only audit events
type AuditStore interface {
	CreateAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, tenantID string, filter AuditFilter) ([]*AuditEvent, error)
}
