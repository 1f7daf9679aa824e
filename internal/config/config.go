// Package config provides configuration parsing and validation for the mesh
// agent: the local identity, ciphersuite/frame parameters, and the transport
// listeners and peers it dials.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/postalsys/meshline/internal/crypt"
	"github.com/postalsys/meshline/internal/frames"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent     AgentConfig      `yaml:"agent"`
	Mesh      MeshConfig       `yaml:"mesh"`
	TLS       GlobalTLSConfig  `yaml:"tls"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Peers     []PeerConfig     `yaml:"peers"`
}

// AgentConfig contains identity and logging settings.
type AgentConfig struct {
	IdentityPath string `yaml:"identity_path"` // path to the persisted identity file
	LogLevel     string `yaml:"log_level"`     // debug, info, warn, error
	LogFormat    string `yaml:"log_format"`    // text, json
}

// MeshConfig carries the negotiable protocol parameters.
type MeshConfig struct {
	// Force pins every exchange to a single ciphersuite name (1a, 2a, 3a);
	// empty negotiates the best mutually supported suite.
	Force string `yaml:"force"`

	// FrameSize is the frame payload size in bytes for framed-mode links.
	FrameSize uint8 `yaml:"frame_size"`

	// MaxFrames bounds in-flight reassembly state per framed-mode link.
	MaxFrames uint32 `yaml:"max_frames"`
}

// ForceCSID parses Force into a crypt.CSID, returning 0 (negotiate) if unset.
func (m MeshConfig) ForceCSID() (crypt.CSID, error) {
	switch strings.ToLower(strings.TrimSpace(m.Force)) {
	case "":
		return 0, nil
	case "1a":
		return crypt.CS1a, nil
	case "2a":
		return crypt.CS2a, nil
	case "3a":
		return crypt.CS3a, nil
	default:
		return 0, fmt.Errorf("mesh.force: unknown ciphersuite %q", m.Force)
	}
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

// GlobalTLSConfig defines the TLS material shared across listeners and peer
// dials unless a per-connection TLSConfig overrides it.
type GlobalTLSConfig struct {
	CA      string `yaml:"ca"`
	CAPEM   string `yaml:"ca_pem"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CertPEM string `yaml:"cert_pem"`
	KeyPEM  string `yaml:"key_pem"`
	MTLS    bool   `yaml:"mtls"`
}

func (g *GlobalTLSConfig) GetCAPEM() ([]byte, error)   { return pemOf(g.CAPEM, g.CA) }
func (g *GlobalTLSConfig) GetCertPEM() ([]byte, error) { return pemOf(g.CertPEM, g.Cert) }
func (g *GlobalTLSConfig) GetKeyPEM() ([]byte, error)  { return pemOf(g.KeyPEM, g.Key) }
func (g *GlobalTLSConfig) HasCA() bool                 { return g.CA != "" || g.CAPEM != "" }
func (g *GlobalTLSConfig) HasCert() bool               { return g.Cert != "" || g.CertPEM != "" }
func (g *GlobalTLSConfig) HasKey() bool                { return g.Key != "" || g.KeyPEM != "" }

// ListenerConfig defines one transport listener the agent accepts framed-mode
// links on.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // ws
	Address   string    `yaml:"address"`
	Path      string    `yaml:"path"` // HTTP path for the WebSocket upgrade
	PlainText bool      `yaml:"plaintext"`
	TLS       TLSConfig `yaml:"tls"`
}

// PeerConfig defines one peer the agent dials and opens a link to.
type PeerConfig struct {
	Hashname     string    `yaml:"hashname"`      // expected remote hashname (hex), cross-checked against IdentityPath
	IdentityPath string    `yaml:"identity_path"` // path to the peer's public identity file
	Transport    string    `yaml:"transport"`
	Address      string    `yaml:"address"`
	Path         string    `yaml:"path"`
	Proxy        string    `yaml:"proxy"`
	TLS          TLSConfig `yaml:"tls"`
}

// TLSConfig overrides the global TLS material for one listener or peer.
type TLSConfig struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CertPEM            string `yaml:"cert_pem"`
	KeyPEM             string `yaml:"key_pem"`
	CA                 string `yaml:"ca"`
	CAPEM              string `yaml:"ca_pem"`
	MTLS               *bool  `yaml:"mtls,omitempty"`
	Fingerprint        string `yaml:"fingerprint"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

func (t *TLSConfig) GetCertPEM() ([]byte, error) { return pemOf(t.CertPEM, t.Cert) }
func (t *TLSConfig) GetKeyPEM() ([]byte, error)  { return pemOf(t.KeyPEM, t.Key) }
func (t *TLSConfig) GetCAPEM() ([]byte, error)   { return pemOf(t.CAPEM, t.CA) }
func (t *TLSConfig) HasCert() bool               { return t.Cert != "" || t.CertPEM != "" }
func (t *TLSConfig) HasKey() bool                { return t.Key != "" || t.KeyPEM != "" }
func (t *TLSConfig) HasCA() bool                 { return t.CA != "" || t.CAPEM != "" }

// GetEffectiveCertPEM prefers a per-connection override over the global cert.
func (c *Config) GetEffectiveCertPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasCert() {
		return override.GetCertPEM()
	}
	return c.TLS.GetCertPEM()
}

// GetEffectiveKeyPEM prefers a per-connection override over the global key.
func (c *Config) GetEffectiveKeyPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasKey() {
		return override.GetKeyPEM()
	}
	return c.TLS.GetKeyPEM()
}

// GetEffectiveCAPEM prefers a per-connection override over the global CA.
func (c *Config) GetEffectiveCAPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasCA() {
		return override.GetCAPEM()
	}
	return c.TLS.GetCAPEM()
}

func pemOf(inline, path string) ([]byte, error) {
	if inline != "" {
		return []byte(inline), nil
	}
	if path != "" {
		return os.ReadFile(path)
	}
	return nil, nil
}

// Default returns the baseline configuration applied before a file is
// unmarshalled on top of it.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			IdentityPath: "./data/identity.json",
			LogLevel:     "info",
			LogFormat:    "text",
		},
		Mesh: MeshConfig{
			FrameSize: 64,
			MaxFrames: 256,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
		Listeners: []ListenerConfig{},
		Peers:     []PeerConfig{},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR} references
// against the process environment before unmarshalling.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName, defaultVal := name[:idx], name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.IdentityPath == "" {
		errs = append(errs, "agent.identity_path is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}
	if _, err := c.Mesh.ForceCSID(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Mesh.FrameSize < frames.MinPayloadSize || c.Mesh.FrameSize > frames.MaxPayloadSize {
		errs = append(errs, fmt.Sprintf("mesh.frame_size must be between %d and %d", frames.MinPayloadSize, frames.MaxPayloadSize))
	}

	if err := c.validateGlobalTLS(); err != nil {
		errs = append(errs, err.Error())
	}

	for i, l := range c.Listeners {
		if err := validateTransport(l.Transport, l.Address); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
	}
	for i, p := range c.Peers {
		if err := validateTransport(p.Transport, p.Address); err != nil {
			errs = append(errs, fmt.Sprintf("peers[%d]: %v", i, err))
		}
		if p.IdentityPath == "" {
			errs = append(errs, fmt.Sprintf("peers[%d]: identity_path is required", i))
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateGlobalTLS() error {
	if c.TLS.MTLS && !c.TLS.HasCA() {
		return fmt.Errorf("tls.ca is required when tls.mtls is enabled")
	}
	if c.TLS.HasCert() != c.TLS.HasKey() {
		return fmt.Errorf("tls.cert and tls.key must both be specified or both be empty")
	}
	return nil
}

func validateTransport(transport, address string) error {
	switch transport {
	case "ws":
	default:
		return fmt.Errorf("invalid transport: %s (must be ws)", transport)
	}
	if address == "" {
		return fmt.Errorf("address is required")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}
