package domain

// =============================================================================
// Tool Catalog
// =============================================================================

// ToolKey names a fixed, read-only operation exposed through the tool gateway
type ToolKey string

const (
	ToolServiceNowQueryTable     ToolKey = "SERVICENOW_QUERY_TABLE"
	ToolServiceNowGetRecord      ToolKey = "SERVICENOW_GET_RECORD"
	ToolServiceNowQueryIncidents ToolKey = "SERVICENOW_QUERY_INCIDENTS"
	ToolServiceNowQueryChanges   ToolKey = "SERVICENOW_QUERY_CHANGES"
	ToolServiceNowQueryProblems  ToolKey = "SERVICENOW_QUERY_PROBLEMS"
	ToolServiceNowQueryUsers     ToolKey = "SERVICENOW_QUERY_USERS"
)

// AllToolKeys returns the closed set of known tool keys
func AllToolKeys() []ToolKey {
	return []ToolKey{
		ToolServiceNowQueryTable,
		ToolServiceNowGetRecord,
		ToolServiceNowQueryIncidents,
		ToolServiceNowQueryChanges,
		ToolServiceNowQueryProblems,
		ToolServiceNowQueryUsers,
	}
}

// ValidToolKey reports whether s names a known tool
func ValidToolKey(s string) bool {
	for _, k := range AllToolKeys() {
		if string(k) == s {
			return true
		}
	}
	return false
}

// ToolDefinition describes one catalog entry: its key, a human description,
// and the JSON schema its input must satisfy before dispatch.
type ToolDefinition struct {
	Key         ToolKey        `json:"key"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// queryInputSchema is shared by the table-pinned query tools
func queryInputSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"query":  map[string]any{"type": "string", "maxLength": 1000},
			"fields": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"limit":  map[string]any{"type": "integer", "minimum": 1},
			"offset": map[string]any{"type": "integer", "minimum": 0},
		},
	}
}

// ToolCatalog returns the fixed tool catalog. Adding a tool key means adding
// an entry here and a handler in the executor's dispatch table.
func ToolCatalog() []ToolDefinition {
	queryTableSchema := queryInputSchema()
	queryTableSchema["properties"].(map[string]any)["table"] = map[string]any{"type": "string"}
	queryTableSchema["required"] = []any{"table"}

	return []ToolDefinition{
		{
			Key:         ToolServiceNowQueryTable,
			Description: "Query records from an allowlisted ServiceNow table",
			InputSchema: queryTableSchema,
		},
		{
			Key:         ToolServiceNowGetRecord,
			Description: "Fetch a single ServiceNow record by sys_id",
			InputSchema: map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"table":  map[string]any{"type": "string"},
					"sys_id": map[string]any{"type": "string"},
					"fields": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []any{"table", "sys_id"},
			},
		},
		{
			Key:         ToolServiceNowQueryIncidents,
			Description: "Query the ServiceNow incident table",
			InputSchema: queryInputSchema(),
		},
		{
			Key:         ToolServiceNowQueryChanges,
			Description: "Query the ServiceNow change_request table",
			InputSchema: queryInputSchema(),
		},
		{
			Key:         ToolServiceNowQueryProblems,
			Description: "Query the ServiceNow problem table",
			InputSchema: queryInputSchema(),
		},
		{
			Key:         ToolServiceNowQueryUsers,
			Description: "Query the ServiceNow sys_user table",
			InputSchema: queryInputSchema(),
		},
	}
}

// ToolDefinitionFor looks up a catalog entry by key
func ToolDefinitionFor(key ToolKey) (ToolDefinition, bool) {
	for _, def := range ToolCatalog() {
		if def.Key == key {
			return def, true
		}
	}
	return ToolDefinition{}, false
}

// =============================================================================
// Tool Results
// =============================================================================

// ToolRunMeta describes a tool run for observability: never query content or
// record bodies, only shape.
type ToolRunMeta struct {
	Table       string `json:"table,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
	RecordCount int    `json:"record_count"`
	TotalCount  int    `json:"total_count,omitempty"`
}

// ToolRunResult is the structured answer every tool execution resolves to,
// success or failure. Downstream errors are absorbed here, never raised.
type ToolRunResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
	Meta    ToolRunMeta    `json:"meta"`
	Error   string         `json:"error,omitempty"`
}

// ToolRunFailure builds a failed result with a human-readable reason
func ToolRunFailure(meta ToolRunMeta, reason string) *ToolRunResult {
	return &ToolRunResult{Success: false, Data: nil, Meta: meta, Error: reason}
}

// TestConnectionResult is the answer shape for provider test-connection calls
type TestConnectionResult struct {
	Success   bool   `json:"success"`
	LatencyMs int64  `json:"latency_ms"`
	Message   string `json:"message"`
}
