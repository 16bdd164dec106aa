package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxyhub.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "{}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenHTTP != "127.0.0.1:8888" {
		t.Errorf("listen_http default: %s", cfg.ListenHTTP)
	}
	if cfg.ListenSOCKS5 != "127.0.0.1:1080" {
		t.Errorf("listen_socks5 default: %s", cfg.ListenSOCKS5)
	}
	if cfg.Probe.TimeoutSeconds != 5 {
		t.Errorf("probe timeout default: %d", cfg.Probe.TimeoutSeconds)
	}
	if len(cfg.Sources["http"]) == 0 {
		t.Error("default http sources missing")
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
listen_http: 0.0.0.0:18888
locale: zh-CN
auto_refresh_minutes: 30
probe:
  timeout_seconds: 8
sources:
  socks5:
    - https://example.com/socks5.txt
engines:
  fofa:
    enabled: true
    key: user@example.com:secret
    query: protocol="socks5"
    size: 100
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenHTTP != "0.0.0.0:18888" {
		t.Errorf("listen_http override: %s", cfg.ListenHTTP)
	}
	if cfg.Locale != "zh-CN" || cfg.AutoRefreshMinutes != 30 {
		t.Errorf("scalar overrides lost: %+v", cfg)
	}
	if cfg.Probe.TimeoutSeconds != 8 {
		t.Errorf("probe override: %d", cfg.Probe.TimeoutSeconds)
	}
	fofa := cfg.Engines["fofa"]
	if !fofa.Enabled || fofa.Size != 100 {
		t.Errorf("engine config: %+v", fofa)
	}
}

func TestLoad_InvalidListenAddr(t *testing.T) {
	path := writeConfig(t, "listen_http: not-an-address\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for bad listen address")
	}
}

func TestLoad_UnknownSourceScheme(t *testing.T) {
	path := writeConfig(t, `
sources:
  gopher:
    - https://example.com/list.txt
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown source scheme")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
