package domain

import "time"

// =============================================================================
// Audit Types
// =============================================================================

// AuditAction classifies a security-relevant action
type AuditAction string

const (
	AuditActionTestConnection     AuditAction = "TEST_CONNECTION"
	AuditActionAnalyze            AuditAction = "ANALYZE"
	AuditActionDraftCreate        AuditAction = "DRAFT_CREATE"
	AuditActionConfigChange       AuditAction = "CONFIG_CHANGE"
	AuditActionPolicyChange       AuditAction = "POLICY_CHANGE"
	AuditActionToolRun            AuditAction = "TOOL_RUN"
	AuditActionToolTestConnection AuditAction = "TOOL_TEST_CONNECTION"
	AuditActionOther              AuditAction = "OTHER"
)

// AuditStatus is the outcome recorded for an audited action
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "SUCCESS"
	AuditStatusFail    AuditStatus = "FAIL"
	AuditStatusSkipped AuditStatus = "SKIPPED"
)

// AuditEvent is an immutable record of a security-relevant action.
// It carries metadata and content hashes only, never secret material,
// prompts, or response bodies.
type AuditEvent struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`

	ToolKey  ToolKey     `json:"tool_key,omitempty"`
	Provider string      `json:"provider,omitempty"`
	Action   AuditAction `json:"action"`
	Status   AuditStatus `json:"status"`

	LatencyMs int64 `json:"latency_ms"`
	TokensIn  int   `json:"tokens_in,omitempty"`
	TokensOut int   `json:"tokens_out,omitempty"`

	RequestHash  string `json:"request_hash,omitempty"`
	ResponseHash string `json:"response_hash,omitempty"`

	Details  string         `json:"details,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AuditFilter narrows an audit event listing
type AuditFilter struct {
	Action AuditAction
	Status AuditStatus
	Limit  int
	Offset int
}
