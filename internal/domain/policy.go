package domain

import "time"

// ToolPolicy is the per-tenant governance record controlling which tools may
// be invoked and how often. One row per tenant.
type ToolPolicy struct {
	TenantID           string    `json:"tenant_id"`
	Enabled            bool      `json:"enabled"`
	AllowedTools       []ToolKey `json:"allowed_tools"`
	RateLimitPerMinute int       `json:"rate_limit_per_minute"`
	MaxCallsPerRun     int       `json:"max_calls_per_run"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Allows reports whether the policy lists the given tool key.
// Membership is set semantics; order is not significant.
func (p *ToolPolicy) Allows(key ToolKey) bool {
	for _, k := range p.AllowedTools {
		if k == key {
			return true
		}
	}
	return false
}

// DefaultToolPolicy returns the policy applied when a tenant first enables
// tools: everything off until an admin allowlists keys explicitly.
func DefaultToolPolicy(tenantID string) *ToolPolicy {
	return &ToolPolicy{
		TenantID:           tenantID,
		Enabled:            false,
		AllowedTools:       []ToolKey{},
		RateLimitPerMinute: 60,
		MaxCallsPerRun:     10,
	}
}
