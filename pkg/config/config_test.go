package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope", "config.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mongo.URI != "mongodb://localhost:27017" {
		t.Errorf("unexpected default mongo uri %q", cfg.Mongo.URI)
	}
	if cfg.Approval.PendingTTLDays != 7 {
		t.Errorf("unexpected default pending ttl %d", cfg.Approval.PendingTTLDays)
	}
	if cfg.Broadcast.RatePerSecond != 20 {
		t.Errorf("unexpected default rate %v", cfg.Broadcast.RatePerSecond)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"telegram": {"token": "abc:def", "channel_id": -1001234, "admin_ids": [111, "222"]},
		"mongo": {"uri": "mongodb://db:27017", "database": "members"},
		"broadcast": {"rate_per_second": 5, "max_attempts": 2, "burst": 1, "backoff_seconds": 1, "scheduler_interval_s": 30}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.ChannelID != -1001234 {
		t.Errorf("channel id not loaded, got %d", cfg.Telegram.ChannelID)
	}
	if cfg.Mongo.Database != "members" {
		t.Errorf("database not loaded, got %q", cfg.Mongo.Database)
	}
	if cfg.Broadcast.RatePerSecond != 5 {
		t.Errorf("rate not loaded, got %v", cfg.Broadcast.RatePerSecond)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Approval.Workers != 8 {
		t.Errorf("expected default workers, got %d", cfg.Approval.Workers)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"mongo": {"uri": "mongodb://file:27017", "database": "fromfile"}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GATEKEEPER_MONGO_DATABASE", "fromenv")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mongo.Database != "fromenv" {
		t.Errorf("env must win over file, got %q", cfg.Mongo.Database)
	}
	if cfg.Mongo.URI != "mongodb://file:27017" {
		t.Errorf("untouched file value must survive, got %q", cfg.Mongo.URI)
	}
}

func TestFlexibleInt64Slice(t *testing.T) {
	var f FlexibleInt64Slice
	if err := json.Unmarshal([]byte(`[1, "2", 3]`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(f) != 3 || f[0] != 1 || f[1] != 2 || f[2] != 3 {
		t.Errorf("unexpected slice %v", f)
	}

	if err := json.Unmarshal([]byte(`["abc"]`), &f); err == nil {
		t.Error("expected error for non-numeric id")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	cfg.Mongo.URI = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing mongo uri")
	}

	cfg = DefaultConfig()
	cfg.Broadcast.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero max attempts")
	}
}

func TestIsAdmin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Telegram.AdminIDs = FlexibleInt64Slice{100, 200}

	if !cfg.IsAdmin(100) {
		t.Error("expected 100 to be admin")
	}
	if cfg.IsAdmin(300) {
		t.Error("expected 300 not to be admin")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "config.json")
	cfg := DefaultConfig()
	cfg.Telegram.ChannelID = -100999

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Telegram.ChannelID != -100999 {
		t.Errorf("round trip lost channel id, got %d", loaded.Telegram.ChannelID)
	}
}
