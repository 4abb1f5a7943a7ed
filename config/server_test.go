package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestServer_YAMLParsing(t *testing.T) {
	content := `listen: ":4000"
admin_token: "secret"
redis:
  addr: "localhost:6379"
challenge_server:
  url: "http://challenges:3000"
verification:
  min_runtime_version: "1.11.13"
  revisions_file: "./revisions.txt"
session:
  heartbeat_interval: 2s
  heartbeat_threshold: 4
  dispatch_interval: 10ms
shutdown:
  default_duration: 15m
`
	var cfg Server
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		t.Fatalf("failed to unmarshal YAML: %v", err)
	}

	if cfg.Listen != ":4000" {
		t.Errorf("expected Listen ':4000', got %q", cfg.Listen)
	}
	if cfg.AdminToken != "secret" {
		t.Errorf("expected AdminToken 'secret', got %q", cfg.AdminToken)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("expected Redis.Addr 'localhost:6379', got %q", cfg.Redis.Addr)
	}
	if cfg.ChallengeServer.URL != "http://challenges:3000" {
		t.Errorf("expected ChallengeServer.URL 'http://challenges:3000', got %q", cfg.ChallengeServer.URL)
	}
	if cfg.Verification.MinRuntimeVersion != "1.11.13" {
		t.Errorf("expected MinRuntimeVersion '1.11.13', got %q", cfg.Verification.MinRuntimeVersion)
	}
	if cfg.Session.HeartbeatInterval != 2*time.Second {
		t.Errorf("expected HeartbeatInterval 2s, got %v", cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.HeartbeatThreshold != 4 {
		t.Errorf("expected HeartbeatThreshold 4, got %d", cfg.Session.HeartbeatThreshold)
	}
	if cfg.Session.DispatchInterval != 10*time.Millisecond {
		t.Errorf("expected DispatchInterval 10ms, got %v", cfg.Session.DispatchInterval)
	}
	if cfg.Shutdown.DefaultDuration != 15*time.Minute {
		t.Errorf("expected DefaultDuration 15m, got %v", cfg.Shutdown.DefaultDuration)
	}
}

func TestServer_YAMLParsing_BadDuration(t *testing.T) {
	content := `session:
  heartbeat_interval: fast
`
	var cfg Server
	err := yaml.Unmarshal([]byte(content), &cfg)
	if err == nil || !strings.Contains(err.Error(), "heartbeat_interval") {
		t.Errorf("expected heartbeat_interval parse error, got %v", err)
	}
}

func TestServer_ApplyDefaults(t *testing.T) {
	var cfg Server
	cfg.ApplyDefaults()

	if cfg.Listen != DefaultListenAddr {
		t.Errorf("expected Listen %q, got %q", DefaultListenAddr, cfg.Listen)
	}
	if cfg.Session.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("expected HeartbeatInterval %v, got %v",
			DefaultHeartbeatInterval, cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.HeartbeatThreshold != DefaultHeartbeatThreshold {
		t.Errorf("expected HeartbeatThreshold %d, got %d",
			DefaultHeartbeatThreshold, cfg.Session.HeartbeatThreshold)
	}
	if cfg.Session.DispatchInterval != DefaultDispatchInterval {
		t.Errorf("expected DispatchInterval %v, got %v",
			DefaultDispatchInterval, cfg.Session.DispatchInterval)
	}
	if cfg.Shutdown.DefaultDuration != DefaultShutdownDuration {
		t.Errorf("expected DefaultDuration %v, got %v",
			DefaultShutdownDuration, cfg.Shutdown.DefaultDuration)
	}
}

func TestServer_ApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := Server{Listen: ":9999"}
	cfg.Session.HeartbeatThreshold = 3
	cfg.ApplyDefaults()

	if cfg.Listen != ":9999" {
		t.Errorf("explicit Listen overwritten: %q", cfg.Listen)
	}
	if cfg.Session.HeartbeatThreshold != 3 {
		t.Errorf("explicit HeartbeatThreshold overwritten: %d", cfg.Session.HeartbeatThreshold)
	}
}

func TestServer_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Server
		wantErr string
	}{
		{
			name:    "missing redis addr",
			cfg:     Server{ChallengeServer: ChallengeServer{URL: "http://c:3000"}},
			wantErr: "redis.addr",
		},
		{
			name:    "missing challenge server url",
			cfg:     Server{Redis: Redis{Addr: "localhost:6379"}},
			wantErr: "challenge_server.url",
		},
		{
			name: "local backend needs no url",
			cfg: Server{
				Redis:           Redis{Addr: "localhost:6379"},
				ChallengeServer: ChallengeServer{Local: true},
			},
		},
		{
			name: "complete",
			cfg: Server{
				Redis:           Redis{Addr: "localhost:6379"},
				ChallengeServer: ChallengeServer{URL: "http://c:3000"},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadServerConfig(t *testing.T) {
	content := `redis:
  addr: "localhost:6379"
challenge_server:
  url: "http://challenges:3000"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadServerConfig(configPath)
	if err != nil {
		t.Fatalf("LoadServerConfig failed: %v", err)
	}
	if cfg.Listen != DefaultListenAddr {
		t.Errorf("defaults not applied, Listen = %q", cfg.Listen)
	}
}

func TestLoadServerConfig_InvalidRejected(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("listen: ':4000'\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := LoadServerConfig(configPath); err == nil {
		t.Error("expected validation error for config without redis.addr")
	}
}

func TestLoadServerConfig_MissingFile(t *testing.T) {
	if _, err := LoadServerConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
