package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "concord.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_PG_DSN", "postgres://real:secret@db:5432/concord")
	path := writeConfig(t, `{
		"server": {"port": ${TEST_PORT:8080}},
		"database": {
			"postgres": {"dsn": "${TEST_PG_DSN}"},
			"redis": {"url": "${TEST_REDIS_URL:redis://localhost:6379}"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Database.Postgres.DSN != "postgres://real:secret@db:5432/concord" {
		t.Errorf("dsn not substituted: %q", cfg.Database.Postgres.DSN)
	}
	if cfg.Database.Redis.URL != "redis://localhost:6379" {
		t.Errorf("redis default not applied: %q", cfg.Database.Redis.URL)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("TEST_PORT", "9090")
	path := writeConfig(t, `{"server": {"port": ${TEST_PORT:8080}}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want env value 9090", cfg.Server.Port)
	}
}

func TestDebateConfigDefaults(t *testing.T) {
	var d DebateConfig
	if d.RoundTimeout().Seconds() != 60 {
		t.Errorf("round timeout = %v, want 60s", d.RoundTimeout())
	}
	if d.CallTimeout().Seconds() != 30 {
		t.Errorf("call timeout = %v, want 30s", d.CallTimeout())
	}
	if d.DeadlineCap().Minutes() != 10 {
		t.Errorf("deadline cap = %v, want 10m", d.DeadlineCap())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
