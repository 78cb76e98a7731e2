// Package servicenow implements the ServiceNow tool provider: a fixed
// catalog of read-only operations executed against a ServiceNow REST API
// with credentials decrypted on demand.
package servicenow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/crypto"
	"toolgate/internal/domain"
	"toolgate/internal/egress"
	"toolgate/internal/resilience"
)

// sysIDPattern is the fixed format of a ServiceNow record identifier.
// Validated before the id is interpolated into a request path.
var sysIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// defaultSafeFields is the minimal projection applied to allowed tables
// that have no field set of their own
var defaultSafeFields = []string{"sys_id", "number", "short_description"}

// tableFields maps each allowed table to its safe field set. Requested
// fields are intersected with this set; disallowed fields are dropped, not
// rejected. Projection narrowing, not a security boundary.
var tableFields = map[string][]string{
	"incident": {
		"sys_id", "number", "short_description", "description", "state",
		"priority", "impact", "urgency", "category", "assigned_to",
		"assignment_group", "opened_at", "resolved_at", "closed_at",
		"sys_created_on", "sys_updated_on",
	},
	"change_request": {
		"sys_id", "number", "short_description", "description", "state",
		"priority", "risk", "type", "category", "assignment_group",
		"start_date", "end_date", "sys_created_on", "sys_updated_on",
	},
	"problem": {
		"sys_id", "number", "short_description", "description", "state",
		"priority", "impact", "urgency", "assignment_group",
		"sys_created_on", "sys_updated_on",
	},
	"sys_user": {
		"sys_id", "user_name", "name", "first_name", "last_name", "email",
		"title", "department", "active", "sys_created_on",
	},
	"task": {
		"sys_id", "number", "short_description", "state", "priority",
		"sys_created_on", "sys_updated_on",
	},
	// cmdb_ci is allowed but has no dedicated safe set; it gets the
	// minimal default projection
	"cmdb_ci": nil,
}

// AllowedTables returns the table allowlist, sorted for stable error
// messages. Table names are not secrets; echoing the set back is
// operator-friendly.
func AllowedTables() []string {
	tables := make([]string, 0, len(tableFields))
	for t := range tableFields {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// Provider executes the ServiceNow tool catalog
type Provider struct {
	cipher     *crypto.EncryptionService
	guard      *egress.Guard
	httpClient *http.Client

	requestTimeout time.Duration
	maxQueryLength int
	defaultLimit   int
	maxLimit       int
	retry          resilience.Config

	dispatch map[domain.ToolKey]func(ctx context.Context, input map[string]any, cfg *domain.IntegrationConfig) *domain.ToolRunResult
}

// NewProvider creates a ServiceNow tool provider
func NewProvider(cipher *crypto.EncryptionService, guard *egress.Guard, gw config.GatewayConfig) *Provider {
	p := &Provider{
		cipher:         cipher,
		guard:          guard,
		httpClient:     &http.Client{},
		requestTimeout: gw.RequestTimeout,
		maxQueryLength: gw.MaxQueryLength,
		defaultLimit:   gw.DefaultLimit,
		maxLimit:       gw.MaxLimit,
		retry: resilience.Config{
			MaxAttempts: gw.RetryAttempts,
			BackoffBase: gw.RetryBackoff,
			Jitter:      true,
		},
	}
	if p.requestTimeout <= 0 {
		p.requestTimeout = 15 * time.Second
	}
	if p.maxQueryLength <= 0 {
		p.maxQueryLength = 1000
	}
	if p.defaultLimit <= 0 {
		p.defaultLimit = 20
	}
	if p.maxLimit <= 0 {
		p.maxLimit = 100
	}

	// Fixed dispatch table over the closed tool-key set. Adding a key means
	// adding a handler here and a catalog entry in domain.
	p.dispatch = map[domain.ToolKey]func(context.Context, map[string]any, *domain.IntegrationConfig) *domain.ToolRunResult{
		domain.ToolServiceNowQueryTable: p.runQueryTable,
		domain.ToolServiceNowGetRecord:  p.runGetRecord,
		domain.ToolServiceNowQueryIncidents: func(ctx context.Context, in map[string]any, cfg *domain.IntegrationConfig) *domain.ToolRunResult {
			return p.queryTable(ctx, "incident", in, cfg)
		},
		domain.ToolServiceNowQueryChanges: func(ctx context.Context, in map[string]any, cfg *domain.IntegrationConfig) *domain.ToolRunResult {
			return p.queryTable(ctx, "change_request", in, cfg)
		},
		domain.ToolServiceNowQueryProblems: func(ctx context.Context, in map[string]any, cfg *domain.IntegrationConfig) *domain.ToolRunResult {
			return p.queryTable(ctx, "problem", in, cfg)
		},
		domain.ToolServiceNowQueryUsers: func(ctx context.Context, in map[string]any, cfg *domain.IntegrationConfig) *domain.ToolRunResult {
			return p.queryTable(ctx, "sys_user", in, cfg)
		},
	}
	return p
}

// Execute dispatches a tool key over the fixed catalog. Unknown keys
// resolve to a structured failure, not an error.
func (p *Provider) Execute(ctx context.Context, toolKey domain.ToolKey, input map[string]any, cfg *domain.IntegrationConfig) *domain.ToolRunResult {
	handler, ok := p.dispatch[toolKey]
	if !ok {
		return domain.ToolRunFailure(domain.ToolRunMeta{}, fmt.Sprintf("unknown tool key %q", toolKey))
	}
	if input == nil {
		input = map[string]any{}
	}
	return handler(ctx, input, cfg)
}

// TestConnection probes the configured instance with a one-record incident
// query and reports reachability plus latency.
func (p *Provider) TestConnection(ctx context.Context, cfg *domain.IntegrationConfig) *domain.TestConnectionResult {
	start := time.Now()
	result := p.queryTable(ctx, "incident", map[string]any{"limit": 1}, cfg)
	latency := time.Since(start).Milliseconds()

	if !result.Success {
		return &domain.TestConnectionResult{Success: false, LatencyMs: latency, Message: result.Error}
	}
	return &domain.TestConnectionResult{Success: true, LatencyMs: latency, Message: "connection ok"}
}

// =============================================================================
// Tool handlers
// =============================================================================

func (p *Provider) runQueryTable(ctx context.Context, input map[string]any, cfg *domain.IntegrationConfig) *domain.ToolRunResult {
	table, _ := stringArg(input, "table")
	return p.queryTable(ctx, table, input, cfg)
}

func (p *Provider) queryTable(ctx context.Context, table string, input map[string]any, cfg *domain.IntegrationConfig) *domain.ToolRunResult {
	safe, ok := tableFields[table]
	if !ok {
		return domain.ToolRunFailure(domain.ToolRunMeta{Table: table},
			fmt.Sprintf("table %q is not allowed; allowed tables: %s", table, strings.Join(AllowedTables(), ", ")))
	}

	query, _ := stringArg(input, "query")
	if len(query) > p.maxQueryLength {
		return domain.ToolRunFailure(domain.ToolRunMeta{Table: table},
			fmt.Sprintf("query too long: %d characters exceeds the %d character maximum", len(query), p.maxQueryLength))
	}

	limit := clampLimit(intArg(input, "limit", p.defaultLimit), p.maxLimit, p.defaultLimit)
	offset := intArg(input, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	fields := effectiveFields(stringsArg(input, "fields"), safe)
	meta := domain.ToolRunMeta{Table: table, Limit: limit, Offset: offset}

	params := url.Values{}
	params.Set("sysparm_limit", strconv.Itoa(limit))
	params.Set("sysparm_offset", strconv.Itoa(offset))
	params.Set("sysparm_fields", strings.Join(fields, ","))
	params.Set("sysparm_display_value", "true")
	if query != "" {
		params.Set("sysparm_query", query)
	}

	body, header, failure := p.doGet(ctx, cfg, "/api/now/table/"+table, params, meta, false)
	if failure != nil {
		return failure
	}

	var envelope struct {
		Result []map[string]any `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.ToolRunFailure(meta, fmt.Sprintf("unexpected response from ServiceNow: %v", err))
	}

	meta.RecordCount = len(envelope.Result)
	if total := header.Get("X-Total-Count"); total != "" {
		if n, err := strconv.Atoi(total); err == nil {
			meta.TotalCount = n
		}
	}

	return &domain.ToolRunResult{
		Success: true,
		Data:    map[string]any{"records": envelope.Result},
		Meta:    meta,
	}
}

func (p *Provider) runGetRecord(ctx context.Context, input map[string]any, cfg *domain.IntegrationConfig) *domain.ToolRunResult {
	table, _ := stringArg(input, "table")
	safe, ok := tableFields[table]
	if !ok {
		return domain.ToolRunFailure(domain.ToolRunMeta{Table: table},
			fmt.Sprintf("table %q is not allowed; allowed tables: %s", table, strings.Join(AllowedTables(), ", ")))
	}

	sysID, _ := stringArg(input, "sys_id")
	if !sysIDPattern.MatchString(sysID) {
		return domain.ToolRunFailure(domain.ToolRunMeta{Table: table},
			"invalid sys_id: must be 32 hexadecimal characters")
	}

	fields := effectiveFields(stringsArg(input, "fields"), safe)
	meta := domain.ToolRunMeta{Table: table}

	params := url.Values{}
	params.Set("sysparm_fields", strings.Join(fields, ","))
	params.Set("sysparm_display_value", "true")

	body, _, failure := p.doGet(ctx, cfg, "/api/now/table/"+table+"/"+sysID, params, meta, true)
	if failure != nil {
		return failure
	}

	var envelope struct {
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.ToolRunFailure(meta, fmt.Sprintf("unexpected response from ServiceNow: %v", err))
	}

	meta.RecordCount = 1
	return &domain.ToolRunResult{
		Success: true,
		Data:    map[string]any{"record": envelope.Result},
		Meta:    meta,
	}
}

// =============================================================================
// HTTP plumbing
// =============================================================================

// doGet issues one authenticated GET against the configured instance. The
// base URL is revalidated against the egress guard on every call, and the
// request carries a hard timeout independent of any caller deadline.
// Decrypted credentials exist only for the duration of this call.
// recordLookup marks single-record paths, where a 404 means the record is
// missing; on query paths a 404 is an instance or API problem.
func (p *Provider) doGet(ctx context.Context, cfg *domain.IntegrationConfig, path string, params url.Values, meta domain.ToolRunMeta, recordLookup bool) ([]byte, http.Header, *domain.ToolRunResult) {
	if err := p.guard.ValidateURL(cfg.BaseURL); err != nil {
		return nil, nil, domain.ToolRunFailure(meta, fmt.Sprintf("egress blocked: %v", err))
	}

	headers, err := p.buildHeaders(cfg)
	if err != nil {
		return nil, nil, domain.ToolRunFailure(meta, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	reqURL := strings.TrimSuffix(cfg.BaseURL, "/") + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, nil, domain.ToolRunFailure(meta, fmt.Sprintf("building request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.send(ctx, req)
	if err != nil {
		return nil, nil, domain.ToolRunFailure(meta, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, nil, domain.ToolRunFailure(meta, fmt.Sprintf("reading response: %v", err))
	}

	if recordLookup && resp.StatusCode == http.StatusNotFound {
		return nil, nil, domain.ToolRunFailure(meta, fmt.Sprintf("record not found in %s", meta.Table))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, domain.ToolRunFailure(meta, fmt.Sprintf("ServiceNow returned HTTP %d", resp.StatusCode))
	}

	return body, resp.Header, nil
}

// send issues the request, retrying transport errors and retryable status
// codes within the configured budget. GET requests with no body are safe to
// reissue. The last attempt's error text is what callers report.
func (p *Provider) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := resilience.Do(ctx, p.retry, func() error {
		r, err := p.httpClient.Do(req)
		if err != nil {
			return resilience.Transient(fmt.Errorf("request failed: %v", err))
		}
		if retryableStatus(r.StatusCode) {
			r.Body.Close()
			return resilience.Transient(fmt.Errorf("ServiceNow returned HTTP %d", r.StatusCode))
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// buildHeaders materializes the outbound auth headers from the config's
// ciphertext fields. A decrypt failure means the credential is unusable,
// which is a configuration problem, not a crash.
func (p *Provider) buildHeaders(cfg *domain.IntegrationConfig) (map[string]string, error) {
	headers := make(map[string]string)

	switch cfg.AuthType {
	case domain.AuthTypeBasic:
		username, err := p.cipher.Decrypt(cfg.UsernameCiphertext)
		if err != nil {
			return nil, fmt.Errorf("integration credentials are unusable (username); re-enter the secret")
		}
		password, err := p.cipher.Decrypt(cfg.PasswordCiphertext)
		if err != nil {
			return nil, fmt.Errorf("integration credentials are unusable (password); re-enter the secret")
		}
		basic := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers["Authorization"] = "Basic " + basic

	case domain.AuthTypeAPIToken:
		token, err := p.cipher.Decrypt(cfg.TokenCiphertext)
		if err != nil {
			return nil, fmt.Errorf("integration credentials are unusable (token); re-enter the secret")
		}
		headers["Authorization"] = "Bearer " + token

	default:
		return nil, fmt.Errorf("unsupported auth type %q", cfg.AuthType)
	}

	// Custom headers are optional; invalid JSON skips them silently rather
	// than failing the call
	if cfg.CustomHeadersCiphertext != "" {
		raw, err := p.cipher.Decrypt(cfg.CustomHeadersCiphertext)
		if err == nil {
			var custom map[string]string
			if jsonErr := json.Unmarshal([]byte(raw), &custom); jsonErr == nil {
				for k, v := range custom {
					headers[k] = v
				}
			} else {
				slog.Debug("Skipping custom headers: stored value is not a JSON object")
			}
		}
	}

	return headers, nil
}

// =============================================================================
// Input parsing
// =============================================================================

func stringArg(input map[string]any, key string) (string, bool) {
	v, ok := input[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intArg(input map[string]any, key string, def int) int {
	v, ok := input[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

func stringsArg(input map[string]any, key string) []string {
	v, ok := input[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func clampLimit(limit, max, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// effectiveFields intersects requested fields with the table's safe set.
// No request means the full safe set; a table without its own set gets the
// minimal default projection.
func effectiveFields(requested, safe []string) []string {
	if len(safe) == 0 {
		safe = defaultSafeFields
	}
	if len(requested) == 0 {
		return safe
	}

	allowed := make(map[string]bool, len(safe))
	for _, f := range safe {
		allowed[f] = true
	}

	out := make([]string, 0, len(requested))
	for _, f := range requested {
		if allowed[f] {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return safe
	}
	return out
}
