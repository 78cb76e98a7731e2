package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/domain"
)

// Store implements domain.Store on PostgreSQL
type Store struct {
	db *DB
}

// NewStore creates a new PostgreSQL store
func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	db, err := InitDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection (used by tests)
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: &DB{DB: db}}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Every read of provider configs goes through these predicates so a new
// call site cannot forget soft-delete filtering or tenant scoping.
const (
	// aiScope admits the tenant's own rows plus the global default row
	aiScope = "is_deleted = FALSE AND (tenant_id = $1 OR tenant_id IS NULL)"
	// integrationScope admits only the tenant's own rows
	integrationScope = "is_deleted = FALSE AND tenant_id = $1"
)

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// =============================================================================
// AI Provider Configs
// =============================================================================

const aiConfigColumns = `id, tenant_id, provider, name, enabled, base_url, model,
	timeout_seconds, max_tokens, temperature, api_key_ciphertext,
	custom_headers_ciphertext, created_at, updated_at`

func (s *Store) CreateAIConfig(ctx context.Context, cfg *domain.AIProviderConfig) error {
	query := `
		INSERT INTO ai_provider_configs (
			id, tenant_id, provider, name, enabled, base_url, model,
			timeout_seconds, max_tokens, temperature, api_key_ciphertext,
			custom_headers_ciphertext, is_deleted, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, FALSE, $13, $14)
	`
	_, err := s.db.ExecContext(ctx, query,
		cfg.ID, nullStr(cfg.TenantID), cfg.Provider, cfg.Name, cfg.Enabled,
		nullStr(cfg.BaseURL), nullStr(cfg.Model), cfg.TimeoutSeconds,
		cfg.MaxTokens, cfg.Temperature, nullStr(cfg.APIKeyCiphertext),
		nullStr(cfg.CustomHeadersCiphertext), cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating ai config: %w", err)
	}
	return nil
}

func scanAIConfig(row interface{ Scan(...any) error }) (*domain.AIProviderConfig, error) {
	var cfg domain.AIProviderConfig
	var tenantID, baseURL, model, apiKey, customHeaders sql.NullString

	err := row.Scan(&cfg.ID, &tenantID, &cfg.Provider, &cfg.Name, &cfg.Enabled,
		&baseURL, &model, &cfg.TimeoutSeconds, &cfg.MaxTokens, &cfg.Temperature,
		&apiKey, &customHeaders, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}

	cfg.TenantID = fromNull(tenantID)
	cfg.BaseURL = fromNull(baseURL)
	cfg.Model = fromNull(model)
	cfg.APIKeyCiphertext = fromNull(apiKey)
	cfg.CustomHeadersCiphertext = fromNull(customHeaders)
	return &cfg, nil
}

func (s *Store) GetAIConfig(ctx context.Context, tenantID, id string) (*domain.AIProviderConfig, error) {
	query := `SELECT ` + aiConfigColumns + ` FROM ai_provider_configs WHERE ` + aiScope + ` AND id = $2`

	cfg, err := scanAIConfig(s.db.QueryRowContext(ctx, query, nullStr(tenantID), id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting ai config: %w", err)
	}
	return cfg, nil
}

func (s *Store) ListAIConfigs(ctx context.Context, tenantID string) ([]*domain.AIProviderConfig, error) {
	query := `SELECT ` + aiConfigColumns + ` FROM ai_provider_configs WHERE ` + aiScope + ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, nullStr(tenantID))
	if err != nil {
		return nil, fmt.Errorf("listing ai configs: %w", err)
	}
	defer rows.Close()

	var out []*domain.AIProviderConfig
	for rows.Next() {
		cfg, err := scanAIConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ai config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAIConfig(ctx context.Context, cfg *domain.AIProviderConfig) error {
	query := `
		UPDATE ai_provider_configs SET
			name = $2, enabled = $3, base_url = $4, model = $5,
			timeout_seconds = $6, max_tokens = $7, temperature = $8,
			api_key_ciphertext = $9, custom_headers_ciphertext = $10,
			updated_at = $11
		WHERE id = $1 AND is_deleted = FALSE
	`
	res, err := s.db.ExecContext(ctx, query,
		cfg.ID, cfg.Name, cfg.Enabled, nullStr(cfg.BaseURL), nullStr(cfg.Model),
		cfg.TimeoutSeconds, cfg.MaxTokens, cfg.Temperature,
		nullStr(cfg.APIKeyCiphertext), nullStr(cfg.CustomHeadersCiphertext),
		cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating ai config: %w", err)
	}
	return requireRow(res)
}

func (s *Store) SoftDeleteAIConfig(ctx context.Context, tenantID, id string) error {
	query := `
		UPDATE ai_provider_configs SET is_deleted = TRUE, enabled = FALSE, updated_at = $3
		WHERE ` + aiScope + ` AND id = $2
	`
	res, err := s.db.ExecContext(ctx, query, nullStr(tenantID), id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deleting ai config: %w", err)
	}
	return requireRow(res)
}

func (s *Store) GetActiveAIConfig(ctx context.Context, tenantID string) (*domain.AIProviderConfig, error) {
	// Tenant-owned rows sort before the global default
	query := `SELECT ` + aiConfigColumns + ` FROM ai_provider_configs
		WHERE ` + aiScope + ` AND enabled = TRUE
		ORDER BY tenant_id IS NULL, created_at DESC LIMIT 1`

	cfg, err := scanAIConfig(s.db.QueryRowContext(ctx, query, nullStr(tenantID)))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting active ai config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// Integration Configs
// =============================================================================

const integrationColumns = `id, tenant_id, provider, name, enabled, base_url, auth_type,
	username_ciphertext, password_ciphertext, token_ciphertext,
	custom_headers_ciphertext, created_at, updated_at`

func (s *Store) CreateIntegrationConfig(ctx context.Context, cfg *domain.IntegrationConfig) error {
	query := `
		INSERT INTO integration_configs (
			id, tenant_id, provider, name, enabled, base_url, auth_type,
			username_ciphertext, password_ciphertext, token_ciphertext,
			custom_headers_ciphertext, is_deleted, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE, $12, $13)
	`
	_, err := s.db.ExecContext(ctx, query,
		cfg.ID, cfg.TenantID, cfg.Provider, cfg.Name, cfg.Enabled,
		cfg.BaseURL, cfg.AuthType, nullStr(cfg.UsernameCiphertext),
		nullStr(cfg.PasswordCiphertext), nullStr(cfg.TokenCiphertext),
		nullStr(cfg.CustomHeadersCiphertext), cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating integration config: %w", err)
	}
	return nil
}

func scanIntegrationConfig(row interface{ Scan(...any) error }) (*domain.IntegrationConfig, error) {
	var cfg domain.IntegrationConfig
	var username, password, token, customHeaders sql.NullString

	err := row.Scan(&cfg.ID, &cfg.TenantID, &cfg.Provider, &cfg.Name, &cfg.Enabled,
		&cfg.BaseURL, &cfg.AuthType, &username, &password, &token,
		&customHeaders, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}

	cfg.UsernameCiphertext = fromNull(username)
	cfg.PasswordCiphertext = fromNull(password)
	cfg.TokenCiphertext = fromNull(token)
	cfg.CustomHeadersCiphertext = fromNull(customHeaders)
	return &cfg, nil
}

func (s *Store) GetIntegrationConfig(ctx context.Context, tenantID, id string) (*domain.IntegrationConfig, error) {
	query := `SELECT ` + integrationColumns + ` FROM integration_configs WHERE ` + integrationScope + ` AND id = $2`

	cfg, err := scanIntegrationConfig(s.db.QueryRowContext(ctx, query, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting integration config: %w", err)
	}
	return cfg, nil
}

func (s *Store) ListIntegrationConfigs(ctx context.Context, tenantID string) ([]*domain.IntegrationConfig, error) {
	query := `SELECT ` + integrationColumns + ` FROM integration_configs WHERE ` + integrationScope + ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing integration configs: %w", err)
	}
	defer rows.Close()

	var out []*domain.IntegrationConfig
	for rows.Next() {
		cfg, err := scanIntegrationConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning integration config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *Store) UpdateIntegrationConfig(ctx context.Context, cfg *domain.IntegrationConfig) error {
	query := `
		UPDATE integration_configs SET
			name = $2, enabled = $3, base_url = $4, auth_type = $5,
			username_ciphertext = $6, password_ciphertext = $7,
			token_ciphertext = $8, custom_headers_ciphertext = $9,
			updated_at = $10
		WHERE id = $1 AND is_deleted = FALSE
	`
	res, err := s.db.ExecContext(ctx, query,
		cfg.ID, cfg.Name, cfg.Enabled, cfg.BaseURL, cfg.AuthType,
		nullStr(cfg.UsernameCiphertext), nullStr(cfg.PasswordCiphertext),
		nullStr(cfg.TokenCiphertext), nullStr(cfg.CustomHeadersCiphertext),
		cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating integration config: %w", err)
	}
	return requireRow(res)
}

func (s *Store) SoftDeleteIntegrationConfig(ctx context.Context, tenantID, id string) error {
	query := `
		UPDATE integration_configs SET is_deleted = TRUE, enabled = FALSE, updated_at = $3
		WHERE ` + integrationScope + ` AND id = $2
	`
	res, err := s.db.ExecContext(ctx, query, tenantID, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deleting integration config: %w", err)
	}
	return requireRow(res)
}

func (s *Store) GetActiveIntegrationConfig(ctx context.Context, tenantID string, provider domain.IntegrationProvider) (*domain.IntegrationConfig, error) {
	query := `SELECT ` + integrationColumns + ` FROM integration_configs
		WHERE ` + integrationScope + ` AND enabled = TRUE AND provider = $2
		ORDER BY created_at DESC LIMIT 1`

	cfg, err := scanIntegrationConfig(s.db.QueryRowContext(ctx, query, tenantID, provider))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting active integration config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// Tool Policies
// =============================================================================

func (s *Store) GetToolPolicy(ctx context.Context, tenantID string) (*domain.ToolPolicy, error) {
	query := `
		SELECT tenant_id, enabled, allowed_tools, rate_limit_per_minute,
			max_calls_per_run, created_at, updated_at
		FROM tool_policies WHERE tenant_id = $1
	`

	var pol domain.ToolPolicy
	var toolsJSON []byte
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&pol.TenantID, &pol.Enabled, &toolsJSON, &pol.RateLimitPerMinute,
		&pol.MaxCallsPerRun, &pol.CreatedAt, &pol.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tool policy: %w", err)
	}

	if err := json.Unmarshal(toolsJSON, &pol.AllowedTools); err != nil {
		return nil, fmt.Errorf("parsing allowed tools: %w", err)
	}
	return &pol, nil
}

func (s *Store) UpsertToolPolicy(ctx context.Context, policy *domain.ToolPolicy) error {
	toolsJSON, err := json.Marshal(policy.AllowedTools)
	if err != nil {
		return fmt.Errorf("encoding allowed tools: %w", err)
	}

	query := `
		INSERT INTO tool_policies (tenant_id, enabled, allowed_tools,
			rate_limit_per_minute, max_calls_per_run, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			allowed_tools = EXCLUDED.allowed_tools,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			max_calls_per_run = EXCLUDED.max_calls_per_run,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		policy.TenantID, policy.Enabled, toolsJSON, policy.RateLimitPerMinute,
		policy.MaxCallsPerRun, policy.CreatedAt, policy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting tool policy: %w", err)
	}
	return nil
}

// =============================================================================
// Audit Events
// =============================================================================

func (s *Store) CreateAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("encoding audit metadata: %w", err)
	}

	query := `
		INSERT INTO audit_events (
			id, tenant_id, user_id, tool_key, provider, action, status,
			latency_ms, tokens_in, tokens_out, request_hash, response_hash,
			details, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.TenantID, nullStr(event.UserID), nullStr(string(event.ToolKey)),
		nullStr(event.Provider), event.Action, event.Status, event.LatencyMs,
		event.TokensIn, event.TokensOut, nullStr(event.RequestHash),
		nullStr(event.ResponseHash), nullStr(event.Details), metadataJSON,
		event.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating audit event: %w", err)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, tenantID string, filter domain.AuditFilter) ([]*domain.AuditEvent, error) {
	query := `
		SELECT id, tenant_id, user_id, tool_key, provider, action, status,
			latency_ms, tokens_in, tokens_out, request_hash, response_hash,
			details, metadata, created_at
		FROM audit_events WHERE tenant_id = $1
	`
	args := []any{tenantID}
	argIndex := 2

	if filter.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIndex)
		args = append(args, filter.Action)
		argIndex++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, filter.Status)
		argIndex++
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argIndex)
	args = append(args, limit)
	argIndex++

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var out []*domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var userID, toolKey, provider, reqHash, respHash, details sql.NullString
		var metadataJSON []byte

		err := rows.Scan(&e.ID, &e.TenantID, &userID, &toolKey, &provider,
			&e.Action, &e.Status, &e.LatencyMs, &e.TokensIn, &e.TokensOut,
			&reqHash, &respHash, &details, &metadataJSON, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}

		e.UserID = fromNull(userID)
		e.ToolKey = domain.ToolKey(fromNull(toolKey))
		e.Provider = fromNull(provider)
		e.RequestHash = fromNull(reqHash)
		e.ResponseHash = fromNull(respHash)
		e.Details = fromNull(details)
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &e.Metadata)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// requireRow maps a zero-row update to not-found
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
