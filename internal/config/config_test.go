package config

import (
	"testing"
	"time"
)

// clearSupervisionEnv forces Load onto its fallbacks regardless of the
// ambient environment.
func clearSupervisionEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONNECT_TIMEOUT", "RECONNECT_TIMEOUT",
		"SILENCE_WINDOW", "SILENCE_GRACE",
		"MAX_SESSION_DURATION", "SWEEP_INTERVAL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadSupervisionDefaults(t *testing.T) {
	clearSupervisionEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ConnectTimeout != 20*time.Second {
		t.Errorf("ConnectTimeout = %v, want 20s", cfg.ConnectTimeout)
	}
	if cfg.ReconnectTimeout != 15*time.Second {
		t.Errorf("ReconnectTimeout = %v, want 15s", cfg.ReconnectTimeout)
	}
	if cfg.SilenceWindow != 60*time.Second {
		t.Errorf("SilenceWindow = %v, want 60s", cfg.SilenceWindow)
	}
	if cfg.SilenceGrace != 5*time.Second {
		t.Errorf("SilenceGrace = %v, want 5s", cfg.SilenceGrace)
	}
}

func TestLoadParsesDurationOverrides(t *testing.T) {
	clearSupervisionEnv(t)
	t.Setenv("CONNECT_TIMEOUT", "30s")
	t.Setenv("RECONNECT_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Errorf("ConnectTimeout = %v, want 30s", cfg.ConnectTimeout)
	}
	if cfg.ReconnectTimeout != 45*time.Second {
		t.Errorf("ReconnectTimeout = %v, want 45s", cfg.ReconnectTimeout)
	}
}

func TestValidateRejectsZeroSilenceWindow(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Port:               "8080",
		DBPath:             "./data/test.db",
		GatewayURL:         "ws://localhost:9090/rtc",
		ProvisionURL:       "http://localhost:9091",
		FinishURL:          "http://localhost:9092",
		SilenceGrace:       5 * time.Second,
		MaxSessionDuration: time.Hour,
		Telemetry:          TelemetryConfig{QueueSize: 1},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted a zero silence window")
	}
}
