// Package config provides configuration parsing and validation for a
// transmissions node.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/session"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/stream"
)

// Config represents the complete node configuration.
type Config struct {
	Agent     AgentConfig      `yaml:"agent"`
	Protocol  ProtocolConfig   `yaml:"protocol"`
	TLS       GlobalTLSConfig  `yaml:"tls"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Peers     []PeerConfig     `yaml:"peers"`
	Security  SecurityConfig   `yaml:"security"`
	Handshake HandshakeConfig  `yaml:"handshake"`
	Rotation  RotationConfig   `yaml:"rotation"`
	Streams   StreamsConfig    `yaml:"streams"`
	Limits    LimitsConfig     `yaml:"limits"`
	HTTP      HTTPConfig       `yaml:"http"`
}

// ProtocolConfig defines protocol identifiers used for transport negotiation.
type ProtocolConfig struct {
	// ALPN is the Application-Layer Protocol Negotiation identifier.
	ALPN string `yaml:"alpn"`

	// HTTPHeader is the custom header name for HTTP/2 transport protocol identification.
	HTTPHeader string `yaml:"http_header"`

	// WSSubprotocol is the WebSocket subprotocol identifier.
	WSSubprotocol string `yaml:"ws_subprotocol"`
}

// GlobalTLSConfig defines global TLS settings shared across all connections.
type GlobalTLSConfig struct {
	CA    string `yaml:"ca"`
	CAPEM string `yaml:"ca_pem"`

	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CertPEM string `yaml:"cert_pem"`
	KeyPEM  string `yaml:"key_pem"`

	MTLS bool `yaml:"mtls"`
}

// GetCAPEM returns the CA certificate PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetCAPEM() ([]byte, error) {
	if g.CAPEM != "" {
		return []byte(g.CAPEM), nil
	}
	if g.CA != "" {
		return os.ReadFile(g.CA)
	}
	return nil, nil
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetCertPEM() ([]byte, error) {
	if g.CertPEM != "" {
		return []byte(g.CertPEM), nil
	}
	if g.Cert != "" {
		return os.ReadFile(g.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetKeyPEM() ([]byte, error) {
	if g.KeyPEM != "" {
		return []byte(g.KeyPEM), nil
	}
	if g.Key != "" {
		return os.ReadFile(g.Key)
	}
	return nil, nil
}

// HasCA returns true if CA certificate is configured (either file or PEM).
func (g *GlobalTLSConfig) HasCA() bool { return g.CA != "" || g.CAPEM != "" }

// HasCert returns true if certificate is configured (either file or PEM).
func (g *GlobalTLSConfig) HasCert() bool { return g.Cert != "" || g.CertPEM != "" }

// HasKey returns true if private key is configured (either file or PEM).
func (g *GlobalTLSConfig) HasKey() bool { return g.Key != "" || g.KeyPEM != "" }

// AgentConfig contains node identity settings.
type AgentConfig struct {
	ID          string `yaml:"id"`           // "auto" or hex-encoded NodeID
	DisplayName string `yaml:"display_name"` // Human-readable name (Unicode allowed)
	DataDir     string `yaml:"data_dir"`     // Directory for persistent state
	LogLevel    string `yaml:"log_level"`    // debug, info, warn, error
	LogFormat   string `yaml:"log_format"`   // text, json
}

// SecurityConfig carries the pre-distributed secret the handshake
// authenticates against. There is no online key agreement or PKI: every
// node in a mesh shares the same seed out of band.
type SecurityConfig struct {
	// SharedSeed is the hex-encoded pre-distributed secret. Must decode
	// to at least 32 bytes.
	SharedSeed string `yaml:"shared_seed"`
}

// GetSharedSeed returns the decoded shared seed bytes.
func (s SecurityConfig) GetSharedSeed() ([]byte, error) {
	if s.SharedSeed == "" {
		return nil, fmt.Errorf("security.shared_seed not configured")
	}
	decoded, err := hex.DecodeString(s.SharedSeed)
	if err != nil {
		return nil, fmt.Errorf("invalid security.shared_seed hex: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("security.shared_seed must decode to at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// HandshakeConfig tunes the mutual-authentication handshake.
type HandshakeConfig struct {
	// Timeout bounds how long one handshake attempt may take to reach
	// ESTABLISHED before it is abandoned.
	Timeout time.Duration `yaml:"timeout"`
}

// RotationConfig tunes session key rotation.
type RotationConfig struct {
	MaxBytes  uint64        `yaml:"max_bytes"`
	MaxAge    time.Duration `yaml:"max_age"`
	MaxFrames uint64        `yaml:"max_frames"`
	Grace     time.Duration `yaml:"grace"`
}

// StreamsConfig tunes per-stream flow control and expiry.
type StreamsConfig struct {
	Window        uint64        `yaml:"window"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	InitialCredit uint64        `yaml:"initial_credit"`
}

// LimitsConfig defines node-wide resource limits.
type LimitsConfig struct {
	MaxSessions          int `yaml:"max_sessions"`
	MaxStreamsPerSession int `yaml:"max_streams_per_session"`
	MaxPendingHandshakes int `yaml:"max_pending_handshakes"`
}

// ListenerConfig defines a transport listener.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // quic, h2, ws
	Address   string    `yaml:"address"`   // listen address
	Path      string    `yaml:"path"`      // HTTP path for h2/ws
	PlainText bool      `yaml:"plaintext"` // Allow plain WebSocket without TLS (for reverse proxy)
	TLS       TLSConfig `yaml:"tls"`
}

// PeerConfig defines a peer connection.
type PeerConfig struct {
	ID        string    `yaml:"id"`         // Expected peer NodeID (hex)
	Transport string    `yaml:"transport"`  // quic, h2, ws
	Address   string    `yaml:"address"`    // peer address
	Path      string    `yaml:"path"`       // HTTP path for h2/ws
	Proxy     string    `yaml:"proxy"`      // HTTP proxy for ws
	ProxyAuth ProxyAuth `yaml:"proxy_auth"` // Proxy authentication
	TLS       TLSConfig `yaml:"tls"`
}

// TLSConfig defines per-connection TLS settings that can override global settings.
type TLSConfig struct {
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CertPEM string `yaml:"cert_pem"`
	KeyPEM  string `yaml:"key_pem"`

	CA    string `yaml:"ca"`
	CAPEM string `yaml:"ca_pem"`

	MTLS *bool `yaml:"mtls,omitempty"`

	Fingerprint        string `yaml:"fingerprint"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (t *TLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	if t.Cert != "" {
		return os.ReadFile(t.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (t *TLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	if t.Key != "" {
		return os.ReadFile(t.Key)
	}
	return nil, nil
}

// GetCAPEM returns the CA certificate PEM content, reading from file if necessary.
func (t *TLSConfig) GetCAPEM() ([]byte, error) {
	if t.CAPEM != "" {
		return []byte(t.CAPEM), nil
	}
	if t.CA != "" {
		return os.ReadFile(t.CA)
	}
	return nil, nil
}

// HasCert returns true if certificate is configured (either file or PEM).
func (t *TLSConfig) HasCert() bool { return t.Cert != "" || t.CertPEM != "" }

// HasKey returns true if private key is configured (either file or PEM).
func (t *TLSConfig) HasKey() bool { return t.Key != "" || t.KeyPEM != "" }

// HasCA returns true if CA certificate is configured (either file or PEM).
func (t *TLSConfig) HasCA() bool { return t.CA != "" || t.CAPEM != "" }

// GetEffectiveCertPEM returns the effective certificate PEM, preferring per-connection
// override over global config.
func (c *Config) GetEffectiveCertPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasCert() {
		return override.GetCertPEM()
	}
	return c.TLS.GetCertPEM()
}

// GetEffectiveKeyPEM returns the effective private key PEM, preferring per-connection
// override over global config.
func (c *Config) GetEffectiveKeyPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasKey() {
		return override.GetKeyPEM()
	}
	return c.TLS.GetKeyPEM()
}

// GetEffectiveCAPEM returns the effective CA certificate PEM, preferring per-connection
// override over global config.
func (c *Config) GetEffectiveCAPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasCA() {
		return override.GetCAPEM()
	}
	return c.TLS.GetCAPEM()
}

// ProxyAuth defines proxy authentication.
type ProxyAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HTTPConfig defines the node's metrics/health HTTP server.
type HTTPConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:        "auto",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Protocol: ProtocolConfig{
			ALPN:          "transmissions/1",
			HTTPHeader:    "X-Transmissions-Protocol",
			WSSubprotocol: "transmissions/1",
		},
		Listeners: []ListenerConfig{},
		Peers:     []PeerConfig{},
		Handshake: HandshakeConfig{
			Timeout: 10 * time.Second,
		},
		Rotation: RotationConfig{
			MaxBytes:  1 << 30,
			MaxAge:    time.Hour,
			MaxFrames: 100_000,
			Grace:     30 * time.Second,
		},
		Streams: StreamsConfig{
			Window:        stream.DefaultReceiveWindow,
			IdleTimeout:   stream.DefaultIdleTimeout,
			InitialCredit: stream.DefaultReceiveWindow,
		},
		Limits: LimitsConfig{
			MaxSessions:          10000,
			MaxStreamsPerSession: 256,
			MaxPendingHandshakes: 1000,
		},
		HTTP: HTTPConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// SessionConfig builds a session.Config from this configuration.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Thresholds: session.RotationThresholds{
			MaxBytes:  c.Rotation.MaxBytes,
			MaxAge:    c.Rotation.MaxAge,
			MaxFrames: c.Rotation.MaxFrames,
		},
		Grace:             c.Rotation.Grace,
		MaxStreams:        c.Limits.MaxStreamsPerSession,
		DefaultWindow:     c.Streams.Window,
		StreamIdleTimeout: c.Streams.IdleTimeout,
		InitialCredit:     c.Streams.InitialCredit,
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

// Parse parses configuration from YAML bytes.
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

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
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

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if err := c.validateGlobalTLS(); err != nil {
		errs = append(errs, err.Error())
	}

	for i, l := range c.Listeners {
		if err := c.validateListener(l, i); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
	}

	for i, p := range c.Peers {
		if err := c.validatePeer(p, i); err != nil {
			errs = append(errs, fmt.Sprintf("peers[%d]: %v", i, err))
		}
	}

	if c.Security.SharedSeed != "" {
		if _, err := c.Security.GetSharedSeed(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.Handshake.Timeout <= 0 {
		errs = append(errs, "handshake.timeout must be positive")
	}

	if c.Limits.MaxStreamsPerSession < 1 {
		errs = append(errs, "limits.max_streams_per_session must be positive")
	}
	if c.Limits.MaxSessions < 1 {
		errs = append(errs, "limits.max_sessions must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// validateGlobalTLS validates the global TLS configuration.
func (c *Config) validateGlobalTLS() error {
	if c.TLS.MTLS && !c.TLS.HasCA() {
		return fmt.Errorf("tls.ca is required when tls.mtls is enabled")
	}
	if c.TLS.HasCert() != c.TLS.HasKey() {
		return fmt.Errorf("tls.cert and tls.key must both be specified or both be empty")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "quic", "h2", "ws":
		return true
	default:
		return false
	}
}

// validateListener validates a listener configuration, considering global TLS settings.
func (c *Config) validateListener(l ListenerConfig, index int) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic, h2, or ws)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if (l.Transport == "h2" || l.Transport == "ws") && l.Path == "" {
		return fmt.Errorf("path is required for %s transport", l.Transport)
	}
	if l.PlainText {
		if l.Transport != "ws" {
			return fmt.Errorf("plaintext mode is only supported for ws transport (for reverse proxy scenarios)")
		}
		return nil
	}

	hasCert := l.TLS.HasCert() || c.TLS.HasCert()
	hasKey := l.TLS.HasKey() || c.TLS.HasKey()
	if !hasCert || !hasKey {
		return fmt.Errorf("tls certificate and key are required (specify in global tls section or per-listener)")
	}

	enableMTLS := c.TLS.MTLS
	if l.TLS.MTLS != nil {
		enableMTLS = *l.TLS.MTLS
	}
	if enableMTLS && !c.TLS.HasCA() {
		return fmt.Errorf("global tls.ca is required when mTLS is enabled")
	}

	return nil
}

// validatePeer validates a peer configuration, considering global TLS settings.
func (c *Config) validatePeer(p PeerConfig, index int) error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !isValidTransport(p.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic, h2, or ws)", p.Transport)
	}
	if p.Address == "" {
		return fmt.Errorf("address is required")
	}
	if p.TLS.HasCert() != p.TLS.HasKey() {
		return fmt.Errorf("tls cert and key must both be specified or both be empty")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	if redacted.TLS.KeyPEM != "" {
		redacted.TLS.KeyPEM = redactedValue
	}

	for i := range redacted.Peers {
		if redacted.Peers[i].ProxyAuth.Password != "" {
			redacted.Peers[i].ProxyAuth.Password = redactedValue
		}
		if redacted.Peers[i].TLS.Key != "" {
			redacted.Peers[i].TLS.Key = redactedValue
		}
		if redacted.Peers[i].TLS.KeyPEM != "" {
			redacted.Peers[i].TLS.KeyPEM = redactedValue
		}
	}

	for i := range redacted.Listeners {
		if redacted.Listeners[i].TLS.Key != "" {
			redacted.Listeners[i].TLS.Key = redactedValue
		}
		if redacted.Listeners[i].TLS.KeyPEM != "" {
			redacted.Listeners[i].TLS.KeyPEM = redactedValue
		}
	}

	if redacted.Security.SharedSeed != "" {
		redacted.Security.SharedSeed = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	for _, p := range c.Peers {
		if p.ProxyAuth.Password != "" {
			return true
		}
	}
	if c.Security.SharedSeed != "" {
		return true
	}
	return false
}
