// Package storage provides data storage implementations.
package storage

import (
	"context"
	"sort"
	"sync"

	"toolgate/internal/domain"
)

// MemoryStore provides in-memory storage for development and testing.
// It implements domain.Store with the same visibility rules as the
// PostgreSQL store: soft-deleted rows are invisible and cross-tenant reads
// resolve to not-found.
type MemoryStore struct {
	mu           sync.RWMutex
	aiConfigs    map[string]*domain.AIProviderConfig
	integrations map[string]*domain.IntegrationConfig
	policies     map[string]*domain.ToolPolicy
	auditEvents  []*domain.AuditEvent
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		aiConfigs:    make(map[string]*domain.AIProviderConfig),
		integrations: make(map[string]*domain.IntegrationConfig),
		policies:     make(map[string]*domain.ToolPolicy),
	}
}

// =============================================================================
// AIConfigStore
// =============================================================================

func (s *MemoryStore) CreateAIConfig(ctx context.Context, cfg *domain.AIProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *cfg
	s.aiConfigs[cfg.ID] = &clone
	return nil
}

func (s *MemoryStore) GetAIConfig(ctx context.Context, tenantID, id string) (*domain.AIProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.aiConfigs[id]
	if !ok || cfg.IsDeleted || !aiVisibleTo(cfg, tenantID) {
		return nil, domain.ErrNotFound
	}
	clone := *cfg
	return &clone, nil
}

func (s *MemoryStore) ListAIConfigs(ctx context.Context, tenantID string) ([]*domain.AIProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AIProviderConfig
	for _, cfg := range s.aiConfigs {
		if cfg.IsDeleted || !aiVisibleTo(cfg, tenantID) {
			continue
		}
		clone := *cfg
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateAIConfig(ctx context.Context, cfg *domain.AIProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.aiConfigs[cfg.ID]
	if !ok || existing.IsDeleted {
		return domain.ErrNotFound
	}
	clone := *cfg
	s.aiConfigs[cfg.ID] = &clone
	return nil
}

func (s *MemoryStore) SoftDeleteAIConfig(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.aiConfigs[id]
	if !ok || cfg.IsDeleted || !aiVisibleTo(cfg, tenantID) {
		return domain.ErrNotFound
	}
	cfg.IsDeleted = true
	cfg.Enabled = false
	return nil
}

func (s *MemoryStore) GetActiveAIConfig(ctx context.Context, tenantID string) (*domain.AIProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Tenant-owned config wins over the global default
	var global *domain.AIProviderConfig
	for _, cfg := range s.aiConfigs {
		if cfg.IsDeleted || !cfg.Enabled {
			continue
		}
		if cfg.TenantID == tenantID && tenantID != "" {
			clone := *cfg
			return &clone, nil
		}
		if cfg.TenantID == "" {
			global = cfg
		}
	}
	if global != nil {
		clone := *global
		return &clone, nil
	}
	return nil, domain.ErrNotFound
}

// aiVisibleTo applies tenant scoping: a tenant sees its own rows plus the
// global (empty-tenant) default
func aiVisibleTo(cfg *domain.AIProviderConfig, tenantID string) bool {
	return cfg.TenantID == tenantID || cfg.TenantID == ""
}

// =============================================================================
// IntegrationConfigStore
// =============================================================================

func (s *MemoryStore) CreateIntegrationConfig(ctx context.Context, cfg *domain.IntegrationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *cfg
	s.integrations[cfg.ID] = &clone
	return nil
}

func (s *MemoryStore) GetIntegrationConfig(ctx context.Context, tenantID, id string) (*domain.IntegrationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.integrations[id]
	if !ok || cfg.IsDeleted || cfg.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	clone := *cfg
	return &clone, nil
}

func (s *MemoryStore) ListIntegrationConfigs(ctx context.Context, tenantID string) ([]*domain.IntegrationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.IntegrationConfig
	for _, cfg := range s.integrations {
		if cfg.IsDeleted || cfg.TenantID != tenantID {
			continue
		}
		clone := *cfg
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateIntegrationConfig(ctx context.Context, cfg *domain.IntegrationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.integrations[cfg.ID]
	if !ok || existing.IsDeleted {
		return domain.ErrNotFound
	}
	clone := *cfg
	s.integrations[cfg.ID] = &clone
	return nil
}

func (s *MemoryStore) SoftDeleteIntegrationConfig(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.integrations[id]
	if !ok || cfg.IsDeleted || cfg.TenantID != tenantID {
		return domain.ErrNotFound
	}
	cfg.IsDeleted = true
	cfg.Enabled = false
	return nil
}

func (s *MemoryStore) GetActiveIntegrationConfig(ctx context.Context, tenantID string, provider domain.IntegrationProvider) (*domain.IntegrationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cfg := range s.integrations {
		if cfg.IsDeleted || !cfg.Enabled {
			continue
		}
		if cfg.TenantID == tenantID && cfg.Provider == provider {
			clone := *cfg
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

// =============================================================================
// PolicyStore
// =============================================================================

func (s *MemoryStore) GetToolPolicy(ctx context.Context, tenantID string) (*domain.ToolPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pol, ok := s.policies[tenantID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *pol
	clone.AllowedTools = append([]domain.ToolKey(nil), pol.AllowedTools...)
	return &clone, nil
}

func (s *MemoryStore) UpsertToolPolicy(ctx context.Context, policy *domain.ToolPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *policy
	clone.AllowedTools = append([]domain.ToolKey(nil), policy.AllowedTools...)
	s.policies[policy.TenantID] = &clone
	return nil
}

// =============================================================================
// AuditStore
// =============================================================================

func (s *MemoryStore) CreateAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *event
	s.auditEvents = append(s.auditEvents, &clone)
	return nil
}

func (s *MemoryStore) ListAuditEvents(ctx context.Context, tenantID string, filter domain.AuditFilter) ([]*domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.AuditEvent
	for _, e := range s.auditEvents {
		if e.TenantID != tenantID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		matched = append(matched, e)
	}

	// Newest first, like the SQL store
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	offset := filter.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]

	limit := filter.Limit
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}

	out := make([]*domain.AuditEvent, limit)
	for i := 0; i < limit; i++ {
		clone := *matched[i]
		out[i] = &clone
	}
	return out, nil
}
