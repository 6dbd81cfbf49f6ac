// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("INGESTD_DM_BASE_URL")
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatal("expected error: dm.base_url is required and unset by default")
	}
}

func TestLoadDefaults_WithBaseURL(t *testing.T) {
	os.Setenv("INGESTD_DM_BASE_URL", "https://cluster.kusto.example.com")
	os.Setenv("INGESTD_DM_ENGINE_BASE_URL", "https://cluster.kusto.example.com")
	defer os.Unsetenv("INGESTD_DM_BASE_URL")
	defer os.Unsetenv("INGESTD_DM_ENGINE_BASE_URL")

	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DM.BaseURL != "https://cluster.kusto.example.com" {
		t.Fatalf("expected base URL from env, got %q", cfg.DM.BaseURL)
	}
	if cfg.Streaming.MaxBodyBytes != 10<<20 {
		t.Fatalf("expected default streaming max body bytes, got %d", cfg.Streaming.MaxBodyBytes)
	}
	if cfg.Router.DataSizeFactor != 1.0 {
		t.Fatalf("expected default data size factor 1.0, got %v", cfg.Router.DataSizeFactor)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.DM.BaseURL = "https://cluster.kusto.example.com"
	cfg.DM.EngineBaseURL = "https://cluster.kusto.example.com"

	cfg.Streaming.MaxBodyBytes = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for streaming.max_body_bytes <= 0")
	}

	cfg = defaultConfig()
	cfg.DM.BaseURL = "https://cluster.kusto.example.com"
	cfg.DM.EngineBaseURL = "https://cluster.kusto.example.com"
	cfg.Observability.MetricsPort = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for observability.metrics_port out of range")
	}

	cfg = defaultConfig()
	cfg.DM.BaseURL = "https://cluster.kusto.example.com"
	cfg.DM.EngineBaseURL = "https://cluster.kusto.example.com"
	cfg.Events.Enabled = true
	cfg.Events.NATSURL = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for events.enabled without nats_url")
	}
}
