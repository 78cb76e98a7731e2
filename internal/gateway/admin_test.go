package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"

	"toolgate/internal/audit"
	"toolgate/internal/crypto"
	"toolgate/internal/domain"
	"toolgate/internal/egress"
	"toolgate/internal/storage"
)

// publicResolver answers every hostname with a routable public address so
// admin fixtures can use realistic HTTPS URLs without touching DNS
func publicResolver(host string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("93.184.216.34")}, nil
}

func newAdminFixture(t *testing.T) (*AdminService, *storage.MemoryStore, *crypto.EncryptionService) {
	t.Helper()
	cipher, err := crypto.NewEncryptionService(bytes.Repeat([]byte{0x22}, 32))
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}
	store := storage.NewMemoryStore()
	guard := egress.NewGuardWithOptions(egress.Options{
		LookupIP: publicResolver,
	})
	admin := NewAdminService(store, cipher, guard, audit.NewRecorder(store))
	return admin, store, cipher
}

func strPtr(s string) *string { return &s }

func TestAIConfigRedaction(t *testing.T) {
	ctx := context.Background()
	admin, store, _ := newAdminFixture(t)

	view, err := admin.CreateAIConfig(ctx, "tenant-a", "user-1", CreateAIConfigRequest{
		Provider:      "OPENAI",
		Name:          "prod",
		BaseURL:       "https://api.openai.example/v1",
		APIKey:        "sk-super-secret-key",
		CustomHeaders: map[string]string{"X-Org": "acme"},
	})
	if err != nil {
		t.Fatalf("CreateAIConfig failed: %v", err)
	}

	t.Run("view carries flags not secrets", func(t *testing.T) {
		if !view.HasAPIKey || !view.HasCustomHeaders {
			t.Error("Expected presence flags to be set")
		}

		serialized, err := json.Marshal(view)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		for _, forbidden := range []string{"sk-super-secret-key", "ciphertext", "api_key_ciphertext"} {
			if strings.Contains(string(serialized), forbidden) {
				t.Errorf("Serialized view leaked %q: %s", forbidden, serialized)
			}
		}
	})

	t.Run("stored row holds ciphertext only", func(t *testing.T) {
		raw, err := store.GetAIConfig(ctx, "tenant-a", view.ID)
		if err != nil {
			t.Fatalf("GetAIConfig failed: %v", err)
		}
		if raw.APIKeyCiphertext == "" || raw.APIKeyCiphertext == "sk-super-secret-key" {
			t.Error("Expected encrypted API key in storage")
		}
		if strings.Contains(raw.CustomHeadersCiphertext, "acme") {
			t.Error("Custom header values should not appear in ciphertext")
		}
	})

	t.Run("entity serialization hides ciphertext too", func(t *testing.T) {
		raw, _ := store.GetAIConfig(ctx, "tenant-a", view.ID)
		serialized, _ := json.Marshal(raw)
		if strings.Contains(string(serialized), raw.APIKeyCiphertext) {
			t.Error("Ciphertext fields must not serialize")
		}
	})
}

func TestIntegrationConfigRedaction(t *testing.T) {
	ctx := context.Background()
	admin, store, _ := newAdminFixture(t)

	view, err := admin.CreateIntegrationConfig(ctx, "tenant-a", "user-1", CreateIntegrationConfigRequest{
		Provider:      "SERVICENOW",
		Name:          "prod instance",
		BaseURL:       "https://acme.service-now.example",
		AuthType:      "BASIC",
		Username:      "svc-account",
		Password:      "hunter2-password",
		CustomHeaders: map[string]string{"X-Instance": "acme"},
	})
	if err != nil {
		t.Fatalf("CreateIntegrationConfig failed: %v", err)
	}

	t.Run("view carries flags not secrets", func(t *testing.T) {
		if !view.HasUsername || !view.HasPassword || !view.HasCustomHeaders {
			t.Error("Expected presence flags to be set")
		}

		serialized, err := json.Marshal(view)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		for _, forbidden := range []string{"svc-account", "hunter2-password", "ciphertext"} {
			if strings.Contains(string(serialized), forbidden) {
				t.Errorf("Serialized view leaked %q: %s", forbidden, serialized)
			}
		}
	})

	t.Run("entity serialization hides ciphertext", func(t *testing.T) {
		raw, err := store.GetIntegrationConfig(ctx, "tenant-a", view.ID)
		if err != nil {
			t.Fatalf("GetIntegrationConfig failed: %v", err)
		}
		if raw.UsernameCiphertext == "" || raw.PasswordCiphertext == "" {
			t.Fatal("Expected stored ciphertext")
		}
		serialized, _ := json.Marshal(raw)
		for _, forbidden := range []string{raw.UsernameCiphertext, raw.PasswordCiphertext, "ciphertext", "hunter2-password"} {
			if strings.Contains(string(serialized), forbidden) {
				t.Errorf("Entity serialization leaked %q", forbidden)
			}
		}
	})

	t.Run("list returns redacted views only", func(t *testing.T) {
		views, err := admin.ListIntegrationConfigs(ctx, "tenant-a")
		if err != nil {
			t.Fatalf("ListIntegrationConfigs failed: %v", err)
		}
		serialized, _ := json.Marshal(views)
		if strings.Contains(string(serialized), "hunter2-password") || strings.Contains(string(serialized), "ciphertext") {
			t.Errorf("List response leaked secret material: %s", serialized)
		}
	})
}

func TestAIConfigSecretTriState(t *testing.T) {
	ctx := context.Background()
	admin, store, _ := newAdminFixture(t)

	view, err := admin.CreateAIConfig(ctx, "tenant-a", "user-1", CreateAIConfigRequest{
		Provider: "ANTHROPIC",
		Name:     "prod",
		APIKey:   "original-secret",
	})
	if err != nil {
		t.Fatalf("CreateAIConfig failed: %v", err)
	}
	original, _ := store.GetAIConfig(ctx, "tenant-a", view.ID)

	t.Run("absent pointer keeps stored ciphertext", func(t *testing.T) {
		updated, err := admin.UpdateAIConfig(ctx, "tenant-a", "user-1", view.ID, UpdateAIConfigRequest{
			Name: strPtr("renamed"),
		})
		if err != nil {
			t.Fatalf("UpdateAIConfig failed: %v", err)
		}
		if !updated.HasAPIKey {
			t.Error("Key flag should survive an unrelated update")
		}
		raw, _ := store.GetAIConfig(ctx, "tenant-a", view.ID)
		if raw.APIKeyCiphertext != original.APIKeyCiphertext {
			t.Error("Ciphertext should be untouched when the pointer is absent")
		}
	})

	t.Run("pointer to value rotates the secret", func(t *testing.T) {
		updated, err := admin.UpdateAIConfig(ctx, "tenant-a", "user-1", view.ID, UpdateAIConfigRequest{
			APIKey: strPtr("rotated-secret"),
		})
		if err != nil {
			t.Fatalf("UpdateAIConfig failed: %v", err)
		}
		if !updated.HasAPIKey {
			t.Error("Key flag should stay set after rotation")
		}
		raw, _ := store.GetAIConfig(ctx, "tenant-a", view.ID)
		if raw.APIKeyCiphertext == original.APIKeyCiphertext {
			t.Error("Rotation should produce new ciphertext")
		}
	})

	t.Run("pointer to empty clears the secret", func(t *testing.T) {
		updated, err := admin.UpdateAIConfig(ctx, "tenant-a", "user-1", view.ID, UpdateAIConfigRequest{
			APIKey: strPtr(""),
		})
		if err != nil {
			t.Fatalf("UpdateAIConfig failed: %v", err)
		}
		if updated.HasAPIKey {
			t.Error("Key flag should clear")
		}
		raw, _ := store.GetAIConfig(ctx, "tenant-a", view.ID)
		if raw.APIKeyCiphertext != "" {
			t.Error("Ciphertext should be cleared")
		}
	})
}

func TestAIConfigEgressValidation(t *testing.T) {
	ctx := context.Background()
	admin, store, _ := newAdminFixture(t)

	t.Run("create with internal URL rejected", func(t *testing.T) {
		_, err := admin.CreateAIConfig(ctx, "tenant-a", "user-1", CreateAIConfigRequest{
			Provider: "OPENAI",
			Name:     "bad",
			BaseURL:  "http://169.254.169.254/latest/meta-data",
		})
		if !errors.Is(err, domain.ErrEgressDenied) {
			t.Errorf("Expected ErrEgressDenied, got %v", err)
		}
	})

	t.Run("rejected update leaves stored row unchanged", func(t *testing.T) {
		view, err := admin.CreateAIConfig(ctx, "tenant-a", "user-1", CreateAIConfigRequest{
			Provider: "OPENAI",
			Name:     "good",
			BaseURL:  "https://api.openai.example/v1",
		})
		if err != nil {
			t.Fatalf("CreateAIConfig failed: %v", err)
		}

		_, err = admin.UpdateAIConfig(ctx, "tenant-a", "user-1", view.ID, UpdateAIConfigRequest{
			BaseURL: strPtr("http://127.0.0.1:8080/internal"),
			Name:    strPtr("hijacked"),
		})
		if !errors.Is(err, domain.ErrEgressDenied) {
			t.Fatalf("Expected ErrEgressDenied, got %v", err)
		}

		raw, _ := store.GetAIConfig(ctx, "tenant-a", view.ID)
		if raw.BaseURL != "https://api.openai.example/v1" || raw.Name != "good" {
			t.Errorf("Rejected update mutated the row: %+v", raw)
		}
	})
}

func TestIntegrationAuthTypePairing(t *testing.T) {
	ctx := context.Background()
	admin, store, _ := newAdminFixture(t)

	view, err := admin.CreateIntegrationConfig(ctx, "tenant-a", "user-1", CreateIntegrationConfigRequest{
		Provider: "SERVICENOW",
		Name:     "dev",
		BaseURL:  "https://acme.service-now.example",
		AuthType: "BASIC",
		Username: "svc",
		Password: "pw",
	})
	if err != nil {
		t.Fatalf("CreateIntegrationConfig failed: %v", err)
	}

	t.Run("switching to token auth without a token rejected", func(t *testing.T) {
		_, err := admin.UpdateIntegrationConfig(ctx, "tenant-a", "user-1", view.ID, UpdateIntegrationConfigRequest{
			AuthType: strPtr("API_TOKEN"),
		})
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("Expected ErrValidation, got %v", err)
		}
		raw, _ := store.GetIntegrationConfig(ctx, "tenant-a", view.ID)
		if raw.AuthType != domain.AuthTypeBasic {
			t.Error("Rejected update should leave the stored auth type unchanged")
		}
	})

	t.Run("clearing the password under basic auth rejected", func(t *testing.T) {
		_, err := admin.UpdateIntegrationConfig(ctx, "tenant-a", "user-1", view.ID, UpdateIntegrationConfigRequest{
			Password: strPtr(""),
		})
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})

	t.Run("switching with the token supplied succeeds", func(t *testing.T) {
		updated, err := admin.UpdateIntegrationConfig(ctx, "tenant-a", "user-1", view.ID, UpdateIntegrationConfigRequest{
			AuthType: strPtr("API_TOKEN"),
			Token:    strPtr("tok-123"),
		})
		if err != nil {
			t.Fatalf("UpdateIntegrationConfig failed: %v", err)
		}
		if updated.AuthType != domain.AuthTypeAPIToken || !updated.HasToken {
			t.Errorf("Expected token auth with a stored token, got %+v", updated)
		}
	})
}

func TestAdminValidation(t *testing.T) {
	ctx := context.Background()
	admin, _, _ := newAdminFixture(t)

	cases := []struct {
		name string
		run  func() error
	}{
		{"unknown AI provider", func() error {
			_, err := admin.CreateAIConfig(ctx, "t", "u", CreateAIConfigRequest{Provider: "GEMINI", Name: "x"})
			return err
		}},
		{"missing name", func() error {
			_, err := admin.CreateAIConfig(ctx, "t", "u", CreateAIConfigRequest{Provider: "OPENAI"})
			return err
		}},
		{"unknown integration provider", func() error {
			_, err := admin.CreateIntegrationConfig(ctx, "t", "u", CreateIntegrationConfigRequest{
				Provider: "JIRA", Name: "x", BaseURL: "https://x.example", AuthType: "BASIC",
			})
			return err
		}},
		{"basic auth without credentials", func() error {
			_, err := admin.CreateIntegrationConfig(ctx, "t", "u", CreateIntegrationConfigRequest{
				Provider: "SERVICENOW", Name: "x", BaseURL: "https://x.example", AuthType: "BASIC",
			})
			return err
		}},
		{"token auth without token", func() error {
			_, err := admin.CreateIntegrationConfig(ctx, "t", "u", CreateIntegrationConfigRequest{
				Provider: "SERVICENOW", Name: "x", BaseURL: "https://x.example", AuthType: "API_TOKEN",
			})
			return err
		}},
		{"policy with unknown tool key", func() error {
			_, err := admin.UpsertToolPolicy(ctx, "t", "u", UpsertToolPolicyRequest{
				Enabled: true, AllowedTools: []string{"SERVICENOW_DELETE_EVERYTHING"},
			})
			return err
		}},
		{"negative rate limit", func() error {
			_, err := admin.UpsertToolPolicy(ctx, "t", "u", UpsertToolPolicyRequest{RateLimitPerMinute: -1})
			return err
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestConfigChangesAreAudited(t *testing.T) {
	ctx := context.Background()
	admin, store, _ := newAdminFixture(t)

	view, err := admin.CreateIntegrationConfig(ctx, "tenant-a", "user-1", CreateIntegrationConfigRequest{
		Provider: "SERVICENOW",
		Name:     "dev",
		BaseURL:  "https://acme.service-now.example",
		AuthType: "BASIC",
		Username: "svc",
		Password: "pw",
	})
	if err != nil {
		t.Fatalf("CreateIntegrationConfig failed: %v", err)
	}

	if _, err := admin.UpdateIntegrationConfig(ctx, "tenant-a", "user-1", view.ID, UpdateIntegrationConfigRequest{
		Name: strPtr("dev-2"),
	}); err != nil {
		t.Fatalf("UpdateIntegrationConfig failed: %v", err)
	}
	if err := admin.DeleteIntegrationConfig(ctx, "tenant-a", "user-1", view.ID); err != nil {
		t.Fatalf("DeleteIntegrationConfig failed: %v", err)
	}
	if _, err := admin.UpsertToolPolicy(ctx, "tenant-a", "user-1", UpsertToolPolicyRequest{
		Enabled: true, AllowedTools: []string{string(domain.ToolServiceNowQueryIncidents)},
	}); err != nil {
		t.Fatalf("UpsertToolPolicy failed: %v", err)
	}

	configEvents, _ := store.ListAuditEvents(ctx, "tenant-a", domain.AuditFilter{Action: domain.AuditActionConfigChange})
	if len(configEvents) != 3 {
		t.Errorf("Expected 3 CONFIG_CHANGE events, got %d", len(configEvents))
	}
	policyEvents, _ := store.ListAuditEvents(ctx, "tenant-a", domain.AuditFilter{Action: domain.AuditActionPolicyChange})
	if len(policyEvents) != 1 {
		t.Errorf("Expected 1 POLICY_CHANGE event, got %d", len(policyEvents))
	}
	for _, e := range configEvents {
		if strings.Contains(e.Details, "pw") && strings.Contains(e.Details, "svc") {
			t.Errorf("Audit details leaked credentials: %q", e.Details)
		}
	}
}

func TestCrossTenantAdminAccess(t *testing.T) {
	ctx := context.Background()
	admin, _, _ := newAdminFixture(t)

	view, err := admin.CreateAIConfig(ctx, "tenant-a", "user-1", CreateAIConfigRequest{
		Provider: "OPENAI",
		Name:     "prod",
	})
	if err != nil {
		t.Fatalf("CreateAIConfig failed: %v", err)
	}

	if _, err := admin.GetAIConfig(ctx, "tenant-b", view.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for foreign tenant, got %v", err)
	}
	if _, err := admin.UpdateAIConfig(ctx, "tenant-b", "user-2", view.ID, UpdateAIConfigRequest{
		Name: strPtr("stolen"),
	}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for foreign update, got %v", err)
	}
	if err := admin.DeleteAIConfig(ctx, "tenant-b", "user-2", view.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for foreign delete, got %v", err)
	}
}
