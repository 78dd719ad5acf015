package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"caster/pkg/logx"
)

const validYAML = `
logging:
  level: DEBUG
  console: true
storage:
  path: /var/lib/caster/caster.db
  busy_timeout: 5s
dispatch:
  poll_interval: 2s
  workers: 8
  rate_per_sec: 50
api:
  addr: 127.0.0.1:9090
platform:
  base_url: https://platform.internal
  token: secret
  timeout: 3s
alert:
  enabled: false
`

func TestParseYAML(t *testing.T) {
	cfg, err := Parse("config.yaml", []byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if cfg.Dispatch.Workers != 8 {
		t.Fatalf("workers = %d", cfg.Dispatch.Workers)
	}
	if cfg.Platform.BaseURL != "https://platform.internal" {
		t.Fatalf("base_url = %q", cfg.Platform.BaseURL)
	}
	if cfg.Dispatch.Enabled != nil {
		t.Fatalf("omitted dispatch.enabled should stay nil")
	}
}

func TestParseJSON(t *testing.T) {
	raw := `{"logging":{"console":true},"storage":{"path":"/tmp/x.db"},"dispatch":{},"api":{},"platform":{"base_url":"http://p"}}`
	if _, err := Parse("config.json", []byte(raw)); err != nil {
		t.Fatalf("parse: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	raw := strings.Replace(validYAML, "workers: 8", "wrokers: 8", 1)
	if _, err := Parse("config.yaml", []byte(raw)); err == nil {
		t.Fatalf("typo field accepted")
	}
}

func TestParseRejectsMissingRequired(t *testing.T) {
	noStorage := strings.Replace(validYAML, "path: /var/lib/caster/caster.db", `path: ""`, 1)
	if _, err := Parse("config.yaml", []byte(noStorage)); err == nil || !strings.Contains(err.Error(), "storage.path") {
		t.Fatalf("err = %v, want storage.path complaint", err)
	}

	noBase := strings.Replace(validYAML, "base_url: https://platform.internal", `base_url: ""`, 1)
	if _, err := Parse("config.yaml", []byte(noBase)); err == nil || !strings.Contains(err.Error(), "platform.base_url") {
		t.Fatalf("err = %v, want platform.base_url complaint", err)
	}
}

func TestParseRejectsBadDurations(t *testing.T) {
	raw := strings.Replace(validYAML, "poll_interval: 2s", "poll_interval: soon", 1)
	if _, err := Parse("config.yaml", []byte(raw)); err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Fatalf("err = %v, want poll_interval complaint", err)
	}
}

func TestRuntimeConverters(t *testing.T) {
	cfg, err := Parse("config.yaml", []byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if d := cfg.DispatchConfig(); d.PollInterval.Seconds() != 2 || !d.Enabled {
		t.Fatalf("dispatch config = %+v", d)
	}
	if s := cfg.StorageConfig(); s.BusyTimeout.Seconds() != 5 {
		t.Fatalf("storage config = %+v", s)
	}
	if a := cfg.AlertConfig(); a.Enabled {
		t.Fatalf("alert config = %+v", a)
	}
	if l := cfg.Logx(); l.Level != "DEBUG" || !l.Console {
		t.Fatalf("logx config = %+v", l)
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestManagerLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)

	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get() does not return the committed config")
	}

	sub := m.Subscribe()
	defer m.Unsubscribe(sub)

	next := strings.Replace(validYAML, "workers: 8", "workers: 16", 1)
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())

	select {
	case got := <-sub:
		if got.Dispatch.Workers != 16 {
			t.Fatalf("workers = %d, want 16", got.Dispatch.Workers)
		}
	default:
		t.Fatalf("no snapshot published after reload")
	}
	if m.Get().Dispatch.Workers != 16 {
		t.Fatalf("Get() not updated after reload")
	}
}

func TestManagerReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)

	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := os.WriteFile(path, []byte("storage: ["), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())

	if m.Get().Dispatch.Workers != 8 {
		t.Fatalf("broken reload replaced the active config")
	}
}

func TestManagerReloadSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)

	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe()
	defer m.Unsubscribe(sub)

	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatalf("unchanged content was republished")
	default:
	}
}

func TestManagerValidatorBlocksCommit(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)

	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Dispatch.Workers > 8 {
			return errors.New("too many workers")
		}
		return nil
	})

	next := strings.Replace(validYAML, "workers: 8", "workers: 64", 1)
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())

	if m.Get().Dispatch.Workers != 8 {
		t.Fatalf("validator rejection did not keep the previous config")
	}
}
