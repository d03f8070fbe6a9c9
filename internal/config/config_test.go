package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("AUTH_MODE", "none")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("unexpected server defaults %+v", cfg)
	}
	if cfg.OperationLease != 30*time.Minute {
		t.Errorf("OperationLease = %v", cfg.OperationLease)
	}
	if cfg.ProjectBaseDir != "./projects" || cfg.PreviewBaseURL != "http://localhost:3000" {
		t.Errorf("unexpected generation defaults %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.RelayEnabled() {
		t.Error("relay should be disabled by default")
	}
	if !cfg.IsSelfHosted() {
		t.Error("AUTH_MODE=none should be self-hosted")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres", "AUTH_MODE": "none"}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "sqlite", "AUTH_MODE": "none"}},
		{"clerk without key", map[string]string{"STORE_DRIVER": "memory", "AUTH_MODE": "clerk"}},
		{"unknown engine", map[string]string{"STORE_DRIVER": "memory", "AUTH_MODE": "none", "ENGINE_MODE": "magic"}},
		{"bad timeout", map[string]string{"STORE_DRIVER": "memory", "AUTH_MODE": "none", "ENGINE_TIMEOUT": "soon"}},
		{"negative lease", map[string]string{"STORE_DRIVER": "memory", "AUTH_MODE": "none", "OPERATION_LEASE": "-1m"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			t.Setenv("CLERK_SECRET_KEY", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRelayEnabled(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("AUTH_MODE", "none")
	t.Setenv("NATS_URL", "nats://nats:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.RelayEnabled() {
		t.Error("relay should be enabled when NATS_URL is set")
	}
}

func TestRunTimeout(t *testing.T) {
	tests := []struct {
		name   string
		engine time.Duration
		lease  time.Duration
		want   time.Duration
	}{
		{"no lease keeps engine timeout", 5 * time.Minute, 0, 5 * time.Minute},
		{"no lease and no timeout", 0, 0, 0},
		{"unbounded engine capped by lease", 0, 30 * time.Minute, 27 * time.Minute},
		{"engine timeout inside lease", 10 * time.Minute, 30 * time.Minute, 10 * time.Minute},
		{"engine timeout past lease", time.Hour, 30 * time.Minute, 27 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{EngineTimeout: tt.engine, OperationLease: tt.lease}
			if got := cfg.RunTimeout(); got != tt.want {
				t.Errorf("RunTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}
