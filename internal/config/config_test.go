package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Usage.MonthlyLimit != 15 {
		t.Errorf("expected monthly limit 15, got %d", cfg.Usage.MonthlyLimit)
	}
	if !cfg.UsageEnforced() {
		t.Error("usage limit should be enforced by default")
	}
	if cfg.AdmissionWindow() != 60*time.Second {
		t.Errorf("unexpected admission window %v", cfg.AdmissionWindow())
	}
	if cfg.Admission.MaxRequests != 10 {
		t.Errorf("expected 10 max requests, got %d", cfg.Admission.MaxRequests)
	}
	if cfg.AdmissionSweepInterval() != 5*time.Minute {
		t.Errorf("unexpected sweep interval %v", cfg.AdmissionSweepInterval())
	}
	if cfg.Admission.Enforce {
		t.Error("admission filter must be observe-only by default")
	}
	if cfg.OpenAI.TextModel != "gpt-4o-mini" {
		t.Errorf("unexpected text model %q", cfg.OpenAI.TextModel)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("NPCFORGE_TEST_KEY", "sk-from-env")
	cfg, err := Parse([]byte("openai:\n  api_key: ${NPCFORGE_TEST_KEY}\n  base_url: http://localhost:9999/v1/\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-from-env" {
		t.Errorf("expected env expansion, got %q", cfg.OpenAI.APIKey)
	}
	if cfg.OpenAI.BaseURL != "http://localhost:9999/v1" {
		t.Errorf("trailing slash should be trimmed, got %q", cfg.OpenAI.BaseURL)
	}
}

func TestParse_ExplicitFalseEnforce(t *testing.T) {
	cfg, err := Parse([]byte("usage:\n  enforce: false\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.UsageEnforced() {
		t.Error("explicit enforce: false should be kept")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative limit", "usage:\n  monthly_limit: -1\n", "monthly_limit"},
		{"negative model limit", "usage:\n  model_limits:\n    gpt-4o: -2\n", "model_limits"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"negative window", "admission:\n  window_ms: -5\n", "admission"},
		{"bad yaml", "server: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLimitFor(t *testing.T) {
	cfg, err := Parse([]byte("usage:\n  monthly_limit: 15\n  model_limits:\n    gpt-4o: 5\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.LimitFor("gpt-4o"); got != 5 {
		t.Errorf("expected override 5, got %d", got)
	}
	if got := cfg.LimitFor("gpt-4o-mini"); got != 15 {
		t.Errorf("expected default 15, got %d", got)
	}
}

func TestTrackedModels(t *testing.T) {
	cfg, err := Parse([]byte("usage:\n  model_limits:\n    gpt-4o-mini: 3\n    z-model: 1\n    dall-e-3: 2\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"gpt-4o-mini", "gpt-image-1", "dall-e-3", "z-model"}
	got := cfg.TrackedModels()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLoad_GeneratesAutoKeys(t *testing.T) {
	t.Setenv("NPCFORGE_TEST_OPENAI_KEY", "sk-live-secret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := "# npcforge\nserver:\n  port: 9000\n  api_key: auto\n  admin_api_key: auto\nopenai:\n  api_key: ${NPCFORGE_TEST_OPENAI_KEY}\n"
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.HasPrefix(cfg.Server.APIKey, "npcforge-user-") {
		t.Fatalf("expected generated key, got %q", cfg.Server.APIKey)
	}
	if !strings.HasPrefix(cfg.Server.AdminAPIKey, "npcforge-admin-") {
		t.Fatalf("expected generated admin key, got %q", cfg.Server.AdminAPIKey)
	}
	if cfg.OpenAI.APIKey != "sk-live-secret" {
		t.Fatalf("expected expanded upstream key, got %q", cfg.OpenAI.APIKey)
	}

	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(written)
	if strings.Contains(content, "sk-live-secret") {
		t.Error("expanded secret must not be written back to the config file")
	}
	if !strings.Contains(content, "${NPCFORGE_TEST_OPENAI_KEY}") {
		t.Errorf("env placeholder should survive key generation:\n%s", content)
	}
	if !strings.Contains(content, "# npcforge") || !strings.Contains(content, "port: 9000") {
		t.Errorf("unrelated content should be preserved:\n%s", content)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Server.APIKey != cfg.Server.APIKey || again.Server.AdminAPIKey != cfg.Server.AdminAPIKey {
		t.Fatal("generated keys should be persisted")
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("usage:\n  monthly_limit: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 1)
	w := NewWatcher(path, func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("usage:\n  monthly_limit: 7\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-reloaded:
		if c.Usage.MonthlyLimit != 7 {
			t.Fatalf("expected reloaded limit 7, got %d", c.Usage.MonthlyLimit)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watcher returned error: %v", err)
	}
}
