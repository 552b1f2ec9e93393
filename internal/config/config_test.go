package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("ANTHROPIC_MODEL", "")
	t.Setenv("SUPABASE_BUCKET", "")
	t.Setenv("USAGE_TABLE", "")

	cfg := Load()
	if cfg.HTTPAddress != ":8080" {
		t.Errorf("HTTPAddress = %q, want :8080", cfg.HTTPAddress)
	}
	if cfg.AnthropicModel != "claude-3-5-haiku-latest" {
		t.Errorf("AnthropicModel = %q", cfg.AnthropicModel)
	}
	if cfg.SupabaseBucket != "call-assets" {
		t.Errorf("SupabaseBucket = %q", cfg.SupabaseBucket)
	}
	if cfg.UsageTable != "usage_ledger" {
		t.Errorf("UsageTable = %q", cfg.UsageTable)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", ":9999")
	t.Setenv("ANTHROPIC_MODEL", "claude-3-7-sonnet-latest")
	t.Setenv("AUTH_PASSWORD", "secret")

	cfg := Load()
	if cfg.HTTPAddress != ":9999" {
		t.Errorf("HTTPAddress = %q", cfg.HTTPAddress)
	}
	if cfg.AnthropicModel != "claude-3-7-sonnet-latest" {
		t.Errorf("AnthropicModel = %q", cfg.AnthropicModel)
	}
	if cfg.AuthPassword != "secret" {
		t.Errorf("AuthPassword = %q", cfg.AuthPassword)
	}
}
