package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.ID != "auto" {
		t.Errorf("Agent.ID = %s, want auto", cfg.Agent.ID)
	}
	if cfg.Agent.DataDir != "./data" {
		t.Errorf("Agent.DataDir = %s, want ./data", cfg.Agent.DataDir)
	}
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("Agent.LogLevel = %s, want info", cfg.Agent.LogLevel)
	}
	if cfg.Handshake.Timeout != 10*time.Second {
		t.Errorf("Handshake.Timeout = %s, want 10s", cfg.Handshake.Timeout)
	}
	if cfg.Rotation.MaxFrames != 100_000 {
		t.Errorf("Rotation.MaxFrames = %d, want 100000", cfg.Rotation.MaxFrames)
	}
	if cfg.Limits.MaxStreamsPerSession != 256 {
		t.Errorf("Limits.MaxStreamsPerSession = %d, want 256", cfg.Limits.MaxStreamsPerSession)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() failed Validate(): %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
agent:
  id: "auto"
  data_dir: "./data"
  log_level: "debug"
  log_format: "json"

listeners:
  - transport: quic
    address: "0.0.0.0:4433"
    tls:
      cert: "./certs/agent.crt"
      key: "./certs/agent.key"

peers:
  - id: "abc123def456789012345678901234ab"
    transport: quic
    address: "192.168.1.50:4433"

security:
  shared_seed: "` + strings.Repeat("ab", 32) + `"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("Agent.LogLevel = %s, want debug", cfg.Agent.LogLevel)
	}
	if len(cfg.Listeners) != 1 {
		t.Fatalf("len(Listeners) = %d, want 1", len(cfg.Listeners))
	}
	if len(cfg.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(cfg.Peers))
	}
	seed, err := cfg.Security.GetSharedSeed()
	if err != nil {
		t.Fatalf("GetSharedSeed() error = %v", err)
	}
	if len(seed) != 32 {
		t.Errorf("len(seed) = %d, want 32", len(seed))
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("agent: [this is not valid"))
	if err == nil {
		t.Error("Parse() with malformed YAML succeeded")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() with missing file succeeded")
	}
}

func TestLoad_FromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
agent:
  data_dir: "` + dir + `"
listeners:
  - transport: ws
    address: "0.0.0.0:8443"
    path: "/transmissions"
    tls:
      cert: "./certs/agent.crt"
      key: "./certs/agent.key"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.DataDir != dir {
		t.Errorf("Agent.DataDir = %s, want %s", cfg.Agent.DataDir, dir)
	}
}

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("TRANSMISSIONS_TEST_VAR", "expanded-value")
	defer os.Unsetenv("TRANSMISSIONS_TEST_VAR")

	yamlConfig := `
agent:
  data_dir: "${TRANSMISSIONS_TEST_VAR}"
  log_level: "${TRANSMISSIONS_MISSING_VAR:-info}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Agent.DataDir != "expanded-value" {
		t.Errorf("Agent.DataDir = %s, want expanded-value", cfg.Agent.DataDir)
	}
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("Agent.LogLevel = %s, want info (default)", cfg.Agent.LogLevel)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Agent.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with invalid log_level succeeded")
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := Default()
	cfg.Agent.LogFormat = "xml"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with invalid log_format succeeded")
	}
}

func TestValidate_MissingDataDir(t *testing.T) {
	cfg := Default()
	cfg.Agent.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with empty data_dir succeeded")
	}
}

func TestValidate_ListenerInvalidTransport(t *testing.T) {
	cfg := Default()
	cfg.Listeners = []ListenerConfig{{Transport: "carrier-pigeon", Address: "0.0.0.0:1"}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with invalid transport succeeded")
	}
}

func TestValidate_ListenerMissingAddress(t *testing.T) {
	cfg := Default()
	cfg.Listeners = []ListenerConfig{{Transport: "quic"}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with missing address succeeded")
	}
}

func TestValidate_ListenerH2RequiresPath(t *testing.T) {
	cfg := Default()
	cfg.Listeners = []ListenerConfig{{
		Transport: "h2",
		Address:   "0.0.0.0:443",
		TLS:       TLSConfig{Cert: "c", Key: "k"},
	}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with missing path on h2 listener succeeded")
	}
}

func TestValidate_ListenerPlainTextRequiresWS(t *testing.T) {
	cfg := Default()
	cfg.Listeners = []ListenerConfig{{
		Transport: "quic",
		Address:   "0.0.0.0:4433",
		PlainText: true,
	}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with plaintext on non-ws transport succeeded")
	}
}

func TestValidate_ListenerPlainTextWSAllowed(t *testing.T) {
	cfg := Default()
	cfg.Listeners = []ListenerConfig{{
		Transport: "ws",
		Address:   "0.0.0.0:8080",
		Path:      "/transmissions",
		PlainText: true,
	}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with plaintext ws listener failed: %v", err)
	}
}

func TestValidate_ListenerMissingTLS(t *testing.T) {
	cfg := Default()
	cfg.Listeners = []ListenerConfig{{Transport: "quic", Address: "0.0.0.0:4433"}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with no TLS material succeeded")
	}
}

func TestValidate_ListenerGlobalTLSSatisfiesListener(t *testing.T) {
	cfg := Default()
	cfg.TLS.Cert = "./global.crt"
	cfg.TLS.Key = "./global.key"
	cfg.Listeners = []ListenerConfig{{Transport: "quic", Address: "0.0.0.0:4433"}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed with global TLS fallback: %v", err)
	}
}

func TestValidate_MTLSRequiresCA(t *testing.T) {
	cfg := Default()
	cfg.TLS.MTLS = true
	cfg.TLS.Cert = "./global.crt"
	cfg.TLS.Key = "./global.key"
	cfg.Listeners = []ListenerConfig{{Transport: "quic", Address: "0.0.0.0:4433"}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with mtls enabled and no CA succeeded")
	}
}

func TestValidate_PeerMissingID(t *testing.T) {
	cfg := Default()
	cfg.Peers = []PeerConfig{{Transport: "quic", Address: "1.2.3.4:4433"}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with missing peer id succeeded")
	}
}

func TestValidate_PeerInvalidTransport(t *testing.T) {
	cfg := Default()
	cfg.Peers = []PeerConfig{{ID: "abc", Transport: "carrier-pigeon", Address: "1.2.3.4:4433"}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with invalid peer transport succeeded")
	}
}

func TestValidate_PeerPartialTLSOverride(t *testing.T) {
	cfg := Default()
	cfg.Peers = []PeerConfig{{
		ID:        "abc",
		Transport: "quic",
		Address:   "1.2.3.4:4433",
		TLS:       TLSConfig{Cert: "./peer.crt"},
	}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with cert but no key on peer TLS override succeeded")
	}
}

func TestValidate_SharedSeedInvalidHex(t *testing.T) {
	cfg := Default()
	cfg.Security.SharedSeed = "not-hex"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with invalid shared_seed hex succeeded")
	}
}

func TestValidate_SharedSeedTooShort(t *testing.T) {
	cfg := Default()
	cfg.Security.SharedSeed = "aabbcc"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with too-short shared_seed succeeded")
	}
}

func TestValidate_HandshakeTimeoutMustBePositive(t *testing.T) {
	cfg := Default()
	cfg.Handshake.Timeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with zero handshake timeout succeeded")
	}
}

func TestValidate_LimitsMustBePositive(t *testing.T) {
	cfg := Default()
	cfg.Limits.MaxStreamsPerSession = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with zero max_streams_per_session succeeded")
	}

	cfg = Default()
	cfg.Limits.MaxSessions = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with zero max_sessions succeeded")
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := Default()
	cfg.Rotation.MaxFrames = 42
	cfg.Limits.MaxStreamsPerSession = 7
	sc := cfg.SessionConfig()
	if sc.Thresholds.MaxFrames != 42 {
		t.Errorf("SessionConfig().Thresholds.MaxFrames = %d, want 42", sc.Thresholds.MaxFrames)
	}
	if sc.MaxStreams != 7 {
		t.Errorf("SessionConfig().MaxStreams = %d, want 7", sc.MaxStreams)
	}
}

func TestRedacted_HidesSensitiveData(t *testing.T) {
	cfg := Default()
	cfg.TLS.Key = "super-secret-key-material"
	cfg.Security.SharedSeed = strings.Repeat("ab", 32)
	cfg.Peers = []PeerConfig{{
		ID: "abc", Transport: "ws", Address: "1.2.3.4:443",
		ProxyAuth: ProxyAuth{Username: "u", Password: "hunter2"},
	}}

	redacted := cfg.Redacted()
	if redacted.TLS.Key != redactedValue {
		t.Errorf("Redacted().TLS.Key = %s, want redacted", redacted.TLS.Key)
	}
	if redacted.Security.SharedSeed != redactedValue {
		t.Errorf("Redacted().Security.SharedSeed = %s, want redacted", redacted.Security.SharedSeed)
	}
	if redacted.Peers[0].ProxyAuth.Password != redactedValue {
		t.Errorf("Redacted().Peers[0].ProxyAuth.Password = %s, want redacted", redacted.Peers[0].ProxyAuth.Password)
	}

	if cfg.TLS.Key != "super-secret-key-material" {
		t.Error("Redacted() mutated the original config")
	}
}

func TestHasSensitiveData(t *testing.T) {
	cfg := Default()
	if cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = true for default config")
	}
	cfg.Security.SharedSeed = strings.Repeat("ab", 32)
	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false with shared_seed set")
	}
}

func TestString_RedactsOutput(t *testing.T) {
	cfg := Default()
	cfg.TLS.Key = "super-secret-key-material"
	out := cfg.String()
	if strings.Contains(out, "super-secret-key-material") {
		t.Error("String() leaked TLS key material")
	}
	unsafe := cfg.StringUnsafe()
	if !strings.Contains(unsafe, "super-secret-key-material") {
		t.Error("StringUnsafe() did not include TLS key material")
	}
}

func TestGlobalTLSConfig_PEMFromFile(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	if err := os.WriteFile(certPath, []byte("cert-bytes"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	g := GlobalTLSConfig{Cert: certPath}
	data, err := g.GetCertPEM()
	if err != nil {
		t.Fatalf("GetCertPEM() error = %v", err)
	}
	if string(data) != "cert-bytes" {
		t.Errorf("GetCertPEM() = %q, want cert-bytes", data)
	}
}

func TestGlobalTLSConfig_PEMInline(t *testing.T) {
	g := GlobalTLSConfig{CertPEM: "inline-cert"}
	data, err := g.GetCertPEM()
	if err != nil {
		t.Fatalf("GetCertPEM() error = %v", err)
	}
	if string(data) != "inline-cert" {
		t.Errorf("GetCertPEM() = %q, want inline-cert", data)
	}
}

func TestEffectiveTLS_PeerOverrideWinsOverGlobal(t *testing.T) {
	cfg := Default()
	cfg.TLS.CertPEM = "global-cert"
	override := &TLSConfig{CertPEM: "peer-cert"}
	data, err := cfg.GetEffectiveCertPEM(override)
	if err != nil {
		t.Fatalf("GetEffectiveCertPEM() error = %v", err)
	}
	if string(data) != "peer-cert" {
		t.Errorf("GetEffectiveCertPEM() = %q, want peer-cert", data)
	}
}

func TestEffectiveTLS_FallsBackToGlobal(t *testing.T) {
	cfg := Default()
	cfg.TLS.CertPEM = "global-cert"
	data, err := cfg.GetEffectiveCertPEM(nil)
	if err != nil {
		t.Fatalf("GetEffectiveCertPEM() error = %v", err)
	}
	if string(data) != "global-cert" {
		t.Errorf("GetEffectiveCertPEM() = %q, want global-cert", data)
	}
}
