package config

import (
	"strings"
	"testing"

	"github.com/postalsys/meshline/internal/crypt"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.IdentityPath != "./data/identity.json" {
		t.Errorf("Agent.IdentityPath = %s, want ./data/identity.json", cfg.Agent.IdentityPath)
	}
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("Agent.LogLevel = %s, want info", cfg.Agent.LogLevel)
	}
	if cfg.Mesh.FrameSize != 64 {
		t.Errorf("Mesh.FrameSize = %d, want 64", cfg.Mesh.FrameSize)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should default to false")
	}
}

func TestParseValidConfig(t *testing.T) {
	yamlConfig := `
agent:
  identity_path: "./data/identity.json"
  log_level: "debug"
  log_format: "json"

mesh:
  force: "3a"
  frame_size: 64
  max_frames: 128

listeners:
  - transport: ws
    address: "0.0.0.0:4433"
    tls:
      cert: "./certs/agent.crt"
      key: "./certs/agent.key"

peers:
  - hashname: "abc123"
    identity_path: "./peers/abc123.json"
    transport: ws
    address: "192.168.1.50:4433"

metrics:
  enabled: true
  address: ":9090"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.Agent.LogLevel)
	}
	csid, err := cfg.Mesh.ForceCSID()
	if err != nil {
		t.Fatalf("ForceCSID: %v", err)
	}
	if csid != crypt.CS3a {
		t.Errorf("ForceCSID = %v, want CS3a", csid)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Address != "0.0.0.0:4433" {
		t.Fatalf("unexpected listeners: %+v", cfg.Listeners)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Hashname != "abc123" {
		t.Fatalf("unexpected peers: %+v", cfg.Peers)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Address != ":9090" {
		t.Fatalf("unexpected metrics config: %+v", cfg.Metrics)
	}
}

func TestParseInvalidLogLevel(t *testing.T) {
	_, err := Parse([]byte("agent:\n  log_level: loud\n"))
	if err == nil {
		t.Fatal("expected validation error for invalid log_level")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("expected error to mention log_level, got: %v", err)
	}
}

func TestParseFrameSizeOutOfRange(t *testing.T) {
	_, err := Parse([]byte("mesh:\n  frame_size: 200\n"))
	if err == nil {
		t.Fatal("expected validation error for frame_size above 128")
	}
	if !strings.Contains(err.Error(), "frame_size") {
		t.Fatalf("expected error to mention frame_size, got: %v", err)
	}
}

func TestParseUnknownForceCiphersuite(t *testing.T) {
	_, err := Parse([]byte("mesh:\n  force: \"9z\"\n"))
	if err == nil {
		t.Fatal("expected validation error for unknown force ciphersuite")
	}
}

func TestParseInvalidListenerTransport(t *testing.T) {
	yamlConfig := `
listeners:
  - transport: carrier-pigeon
    address: "0.0.0.0:4433"
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("expected validation error for unknown transport")
	}
}

func TestParseEnvVarExpansion(t *testing.T) {
	t.Setenv("MESH_LOG_LEVEL", "warn")
	cfg, err := Parse([]byte("agent:\n  log_level: \"${MESH_LOG_LEVEL}\"\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Agent.LogLevel != "warn" {
		t.Errorf("LogLevel = %s, want warn", cfg.Agent.LogLevel)
	}
}

func TestValidateMTLSRequiresCA(t *testing.T) {
	cfg := Default()
	cfg.TLS.MTLS = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when mtls is enabled without a CA")
	}
}

func TestGetEffectiveCertPEMPrefersOverride(t *testing.T) {
	cfg := Default()
	cfg.TLS.CertPEM = "global-cert"
	override := &TLSConfig{CertPEM: "listener-cert"}

	pem, err := cfg.GetEffectiveCertPEM(override)
	if err != nil {
		t.Fatalf("GetEffectiveCertPEM: %v", err)
	}
	if string(pem) != "listener-cert" {
		t.Fatalf("expected override to win, got %q", pem)
	}

	pem, err = cfg.GetEffectiveCertPEM(nil)
	if err != nil {
		t.Fatalf("GetEffectiveCertPEM: %v", err)
	}
	if string(pem) != "global-cert" {
		t.Fatalf("expected global fallback, got %q", pem)
	}
}
