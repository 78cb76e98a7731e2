package servicenow

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/crypto"
	"toolgate/internal/domain"
	"toolgate/internal/egress"
)

func testProvider(t *testing.T) (*Provider, *crypto.EncryptionService) {
	t.Helper()
	cipher, err := crypto.NewEncryptionService(bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}
	guard := egress.NewGuardWithOptions(egress.Options{AllowPrivateHosts: true})
	return NewProvider(cipher, guard, config.GatewayConfig{
		RequestTimeout: 5 * time.Second,
		MaxQueryLength: 1000,
		DefaultLimit:   20,
		MaxLimit:       100,
	}), cipher
}

func encrypt(t *testing.T, cipher *crypto.EncryptionService, plaintext string) string {
	t.Helper()
	token, err := cipher.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	return token
}

func basicConfig(t *testing.T, cipher *crypto.EncryptionService, baseURL string) *domain.IntegrationConfig {
	t.Helper()
	return &domain.IntegrationConfig{
		ID:                 "cfg-1",
		TenantID:           "tenant-a",
		Provider:           domain.IntegrationProviderServiceNow,
		Name:               "dev instance",
		Enabled:            true,
		BaseURL:            baseURL,
		AuthType:           domain.AuthTypeBasic,
		UsernameCiphertext: encrypt(t, cipher, "svc-account"),
		PasswordCiphertext: encrypt(t, cipher, "hunter2"),
	}
}

func TestQueryTable(t *testing.T) {
	provider, cipher := testProvider(t)
	ctx := context.Background()

	t.Run("sends scoped query parameters", func(t *testing.T) {
		var captured *http.Request
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = r.Clone(r.Context())
			w.Header().Set("X-Total-Count", "57")
			w.Write([]byte(`{"result":[{"number":"INC0001"},{"number":"INC0002"}]}`))
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		result := provider.Execute(ctx, domain.ToolServiceNowQueryIncidents, map[string]any{
			"query": "state=1^priority=1",
		}, cfg)

		if !result.Success {
			t.Fatalf("Expected success, got: %s", result.Error)
		}
		if captured.URL.Path != "/api/now/table/incident" {
			t.Errorf("Unexpected path: %s", captured.URL.Path)
		}

		q := captured.URL.Query()
		if q.Get("sysparm_limit") != "20" {
			t.Errorf("Expected default limit 20, got %q", q.Get("sysparm_limit"))
		}
		if q.Get("sysparm_offset") != "0" {
			t.Errorf("Expected offset 0, got %q", q.Get("sysparm_offset"))
		}
		if q.Get("sysparm_display_value") != "true" {
			t.Errorf("Expected display_value=true, got %q", q.Get("sysparm_display_value"))
		}
		if q.Get("sysparm_query") != "state=1^priority=1" {
			t.Errorf("Unexpected query: %q", q.Get("sysparm_query"))
		}
		fields := q.Get("sysparm_fields")
		if !strings.HasPrefix(fields, "sys_id,number,short_description,") {
			t.Errorf("Expected incident safe field projection, got %q", fields)
		}
		if strings.Contains(fields, "password") {
			t.Errorf("Projection leaked unexpected field: %q", fields)
		}

		if result.Meta.RecordCount != 2 {
			t.Errorf("Expected 2 records, got %d", result.Meta.RecordCount)
		}
		if result.Meta.TotalCount != 57 {
			t.Errorf("Expected total 57 from X-Total-Count, got %d", result.Meta.TotalCount)
		}
	})

	t.Run("clamps limit to the maximum", func(t *testing.T) {
		var gotLimit string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotLimit = r.URL.Query().Get("sysparm_limit")
			w.Write([]byte(`{"result":[]}`))
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		result := provider.Execute(ctx, domain.ToolServiceNowQueryIncidents, map[string]any{
			"limit": float64(5000),
		}, cfg)
		if !result.Success {
			t.Fatalf("Expected success, got: %s", result.Error)
		}
		if gotLimit != "100" {
			t.Errorf("Expected clamp to 100, got %q", gotLimit)
		}
	})

	t.Run("intersects requested fields with safe set", func(t *testing.T) {
		var gotFields string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotFields = r.URL.Query().Get("sysparm_fields")
			w.Write([]byte(`{"result":[]}`))
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		result := provider.Execute(ctx, domain.ToolServiceNowQueryIncidents, map[string]any{
			"fields": []any{"number", "state", "user_password", "sys_domain"},
		}, cfg)
		if !result.Success {
			t.Fatalf("Expected success, got: %s", result.Error)
		}
		if gotFields != "number,state" {
			t.Errorf("Expected disallowed fields dropped, got %q", gotFields)
		}
	})

	t.Run("rejects oversized query without calling out", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		result := provider.Execute(ctx, domain.ToolServiceNowQueryIncidents, map[string]any{
			"query": strings.Repeat("a", 1001),
		}, cfg)
		if result.Success {
			t.Fatal("Expected failure for oversized query")
		}
		if !strings.Contains(result.Error, "query too long") {
			t.Errorf("Unexpected error: %s", result.Error)
		}
		if called {
			t.Error("Oversized query should never reach the instance")
		}
	})

	t.Run("rejects tables outside the allowlist", func(t *testing.T) {
		cfg := basicConfig(t, cipher, "https://example.service-now.com")
		result := provider.Execute(ctx, domain.ToolServiceNowQueryTable, map[string]any{
			"table": "sys_user_has_password",
		}, cfg)
		if result.Success {
			t.Fatal("Expected failure for disallowed table")
		}
		if !strings.Contains(result.Error, "not allowed") {
			t.Errorf("Unexpected error: %s", result.Error)
		}
	})

	t.Run("cmdb_ci falls back to the minimal projection", func(t *testing.T) {
		var gotFields string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotFields = r.URL.Query().Get("sysparm_fields")
			w.Write([]byte(`{"result":[]}`))
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		result := provider.Execute(ctx, domain.ToolServiceNowQueryTable, map[string]any{
			"table": "cmdb_ci",
		}, cfg)
		if !result.Success {
			t.Fatalf("Expected success, got: %s", result.Error)
		}
		if gotFields != "sys_id,number,short_description" {
			t.Errorf("Expected minimal default projection, got %q", gotFields)
		}
	})

	t.Run("non-2xx surfaces as failed result", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		result := provider.Execute(ctx, domain.ToolServiceNowQueryIncidents, nil, cfg)
		if result.Success {
			t.Fatal("Expected failure for HTTP 500")
		}
		if !strings.Contains(result.Error, "HTTP 500") {
			t.Errorf("Unexpected error: %s", result.Error)
		}
	})

	t.Run("404 on a query is an API problem, not a missing record", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		result := provider.Execute(ctx, domain.ToolServiceNowQueryIncidents, nil, cfg)
		if result.Success {
			t.Fatal("Expected failure for HTTP 404")
		}
		if strings.Contains(result.Error, "record not found") {
			t.Errorf("Query 404 should not read as a missing record: %s", result.Error)
		}
		if !strings.Contains(result.Error, "HTTP 404") {
			t.Errorf("Unexpected error: %s", result.Error)
		}
	})
}

func TestGetRecord(t *testing.T) {
	provider, cipher := testProvider(t)
	ctx := context.Background()
	sysID := strings.Repeat("ab", 16)

	t.Run("fetches a record by sys_id", func(t *testing.T) {
		var gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.Write([]byte(`{"result":{"sys_id":"` + sysID + `","number":"INC0042"}}`))
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		result := provider.Execute(ctx, domain.ToolServiceNowGetRecord, map[string]any{
			"table":  "incident",
			"sys_id": sysID,
		}, cfg)

		if !result.Success {
			t.Fatalf("Expected success, got: %s", result.Error)
		}
		if gotPath != "/api/now/table/incident/"+sysID {
			t.Errorf("Unexpected path: %s", gotPath)
		}
		record, ok := result.Data["record"].(map[string]any)
		if !ok || record["number"] != "INC0042" {
			t.Errorf("Unexpected record payload: %v", result.Data)
		}
	})

	t.Run("rejects malformed sys_id without calling out", func(t *testing.T) {
		for _, bad := range []string{"", "xyz", "../../../etc/passwd", strings.Repeat("a", 31), strings.Repeat("g", 32)} {
			cfg := basicConfig(t, cipher, "https://example.service-now.com")
			result := provider.Execute(ctx, domain.ToolServiceNowGetRecord, map[string]any{
				"table":  "incident",
				"sys_id": bad,
			}, cfg)
			if result.Success {
				t.Errorf("Expected rejection for sys_id %q", bad)
			}
			if !strings.Contains(result.Error, "invalid sys_id") {
				t.Errorf("Unexpected error for %q: %s", bad, result.Error)
			}
		}
	})

	t.Run("404 maps to record-not-found", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		result := provider.Execute(ctx, domain.ToolServiceNowGetRecord, map[string]any{
			"table":  "incident",
			"sys_id": sysID,
		}, cfg)
		if result.Success {
			t.Fatal("Expected failure for 404")
		}
		if !strings.Contains(result.Error, "record not found in incident") {
			t.Errorf("Unexpected error: %s", result.Error)
		}
	})
}

func TestAuthHeaders(t *testing.T) {
	provider, cipher := testProvider(t)
	ctx := context.Background()

	t.Run("basic auth", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.Write([]byte(`{"result":[]}`))
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		result := provider.Execute(ctx, domain.ToolServiceNowQueryIncidents, nil, cfg)
		if !result.Success {
			t.Fatalf("Expected success, got: %s", result.Error)
		}

		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("svc-account:hunter2"))
		if gotAuth != want {
			t.Errorf("Unexpected Authorization header: %q", gotAuth)
		}
	})

	t.Run("bearer token", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.Write([]byte(`{"result":[]}`))
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		cfg.AuthType = domain.AuthTypeAPIToken
		cfg.TokenCiphertext = encrypt(t, cipher, "api-token-xyz")

		result := provider.Execute(ctx, domain.ToolServiceNowQueryIncidents, nil, cfg)
		if !result.Success {
			t.Fatalf("Expected success, got: %s", result.Error)
		}
		if gotAuth != "Bearer api-token-xyz" {
			t.Errorf("Unexpected Authorization header: %q", gotAuth)
		}
	})

	t.Run("custom headers applied", func(t *testing.T) {
		var gotHeader string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotHeader = r.Header.Get("X-Custom")
			w.Write([]byte(`{"result":[]}`))
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		cfg.CustomHeadersCiphertext = encrypt(t, cipher, `{"X-Custom":"yes"}`)

		result := provider.Execute(ctx, domain.ToolServiceNowQueryIncidents, nil, cfg)
		if !result.Success {
			t.Fatalf("Expected success, got: %s", result.Error)
		}
		if gotHeader != "yes" {
			t.Errorf("Expected custom header, got %q", gotHeader)
		}
	})

	t.Run("invalid custom header JSON is skipped silently", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"result":[]}`))
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		cfg.CustomHeadersCiphertext = encrypt(t, cipher, `not a json object`)

		result := provider.Execute(ctx, domain.ToolServiceNowQueryIncidents, nil, cfg)
		if !result.Success {
			t.Errorf("Broken custom headers should not fail the call: %s", result.Error)
		}
	})

	t.Run("undecryptable credentials fail with guidance", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		cfg.PasswordCiphertext = "garbage-token"

		result := provider.Execute(ctx, domain.ToolServiceNowQueryIncidents, nil, cfg)
		if result.Success {
			t.Fatal("Expected failure for undecryptable credential")
		}
		if !strings.Contains(result.Error, "re-enter the secret") {
			t.Errorf("Unexpected error: %s", result.Error)
		}
		if called {
			t.Error("No request should leave the process without usable credentials")
		}
	})
}

func TestExecuteAndTestConnection(t *testing.T) {
	provider, cipher := testProvider(t)
	ctx := context.Background()

	t.Run("unknown key is a structured failure", func(t *testing.T) {
		cfg := basicConfig(t, cipher, "https://example.service-now.com")
		result := provider.Execute(ctx, domain.ToolKey("NOPE"), nil, cfg)
		if result.Success {
			t.Fatal("Expected failure for unknown key")
		}
		if !strings.Contains(result.Error, "unknown tool key") {
			t.Errorf("Unexpected error: %s", result.Error)
		}
	})

	t.Run("test connection probes one incident", func(t *testing.T) {
		var gotLimit string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotLimit = r.URL.Query().Get("sysparm_limit")
			w.Write([]byte(`{"result":[{"number":"INC0001"}]}`))
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		result := provider.TestConnection(ctx, cfg)
		if !result.Success {
			t.Fatalf("Expected connection ok, got: %s", result.Message)
		}
		if gotLimit != "1" {
			t.Errorf("Expected a one-record probe, got limit %q", gotLimit)
		}
	})

	t.Run("test connection reports failure message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		cfg := basicConfig(t, cipher, srv.URL)
		result := provider.TestConnection(ctx, cfg)
		if result.Success {
			t.Fatal("Expected failed probe")
		}
		if !strings.Contains(result.Message, "HTTP 401") {
			t.Errorf("Unexpected message: %s", result.Message)
		}
	})
}

func TestEgressRevalidationPerCall(t *testing.T) {
	// Strict guard: httptest's loopback address must be rejected
	cipher, err := crypto.NewEncryptionService(bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}
	provider := NewProvider(cipher, egress.NewGuard(), config.GatewayConfig{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Request must not reach a blocked target")
	}))
	defer srv.Close()

	cfg := basicConfig(t, cipher, srv.URL)
	result := provider.Execute(context.Background(), domain.ToolServiceNowQueryIncidents, nil, cfg)
	if result.Success {
		t.Fatal("Expected egress rejection")
	}
	if !strings.Contains(result.Error, "egress blocked") {
		t.Errorf("Unexpected error: %s", result.Error)
	}
}
