package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "3f1b7a9c2d4e6f8a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f708192a3b4c5d6"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "ticket:\n  key: "+testKey+"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr :8080, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Ticket.Window != 120*time.Hour {
		t.Errorf("expected default window 120h, got %s", cfg.Ticket.Window)
	}
	if cfg.Async.MaxWorkers != 16 {
		t.Errorf("expected default max workers 16, got %d", cfg.Async.MaxWorkers)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.CaptchaEnabled() {
		t.Error("captcha should be disabled without keys")
	}
	if len(cfg.TicketKey()) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(cfg.TicketKey()))
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing key",
			yaml:    "server:\n  listen_addr: ':8080'\n",
			wantErr: "ticket.key",
		},
		{
			name:    "short key",
			yaml:    "ticket:\n  key: aabbcc\n",
			wantErr: "32 bytes",
		},
		{
			name:    "mail enabled without smarthost",
			yaml:    "ticket:\n  key: " + testKey + "\nmail:\n  enabled: true\n  from: noreply@example.com\n",
			wantErr: "mail.smarthost",
		},
		{
			name:    "captcha half configured",
			yaml:    "ticket:\n  key: " + testKey + "\ncaptcha:\n  site_key: abc\n",
			wantErr: "captcha",
		},
		{
			name:    "bad log level",
			yaml:    "ticket:\n  key: " + testKey + "\nlogging:\n  level: loud\n",
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "ticket:\n  key: '00'\n")

	t.Setenv("MAILGATE_TICKET_KEY", testKey)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ticket.Key != testKey {
		t.Error("environment override for ticket key not applied")
	}
}

func TestCaptchaEnabled(t *testing.T) {
	path := writeConfig(t, "ticket:\n  key: "+testKey+"\ncaptcha:\n  site_key: sk\n  secret_key: ss\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.CaptchaEnabled() {
		t.Error("captcha should be enabled with both keys present")
	}
}
