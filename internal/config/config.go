// Package config provides configuration parsing and validation for Agentbook
// nodes and relays.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig contains identity and logging settings shared by nodes and
// relays.
type AgentConfig struct {
	DataDir   string `yaml:"data_dir"`   // directory for persistent state (keystore, inbox, directory DB)
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ProtocolConfig defines the transport protocol identifiers used for ALPN
// and WebSocket subprotocol negotiation.
type ProtocolConfig struct {
	// ALPN is the Application-Layer Protocol Negotiation identifier used for
	// QUIC and TLS connections. Default: "agentbook/1".
	ALPN string `yaml:"alpn"`

	// HTTPHeader is the header used for protocol identification on plain
	// HTTP-upgraded connections. Default: "X-Agentbook-Protocol".
	HTTPHeader string `yaml:"http_header"`

	// WSSubprotocol is the WebSocket subprotocol identifier.
	// Default: "agentbook/1".
	WSSubprotocol string `yaml:"ws_subprotocol"`
}

// TLSConfig defines TLS settings for a listener or dial target. Certificate
// and key may be given as a file path or inline PEM; inline PEM wins if
// both are set.
type TLSConfig struct {
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CertPEM string `yaml:"cert_pem"`
	KeyPEM  string `yaml:"key_pem"`

	// InsecureSkipVerify disables certificate verification. The transport
	// layer already does this automatically for loopback relay addresses
	// (spec §4.7). agentbook-node does not read NodeConfig.RelayTLS, so this
	// field has no effect on the node's relay connection.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
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

// HasCert returns true if a certificate is configured (either file or PEM).
func (t *TLSConfig) HasCert() bool { return t.Cert != "" || t.CertPEM != "" }

// HasKey returns true if a private key is configured (either file or PEM).
func (t *TLSConfig) HasKey() bool { return t.Key != "" || t.KeyPEM != "" }

// IngressConfig tunes the ingress validation pipeline's anti-abuse limits
// (spec §4.4).
type IngressConfig struct {
	// MaxClockSkew bounds how far an envelope's TimestampMs may drift from
	// local time before it is rejected.
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`

	// ReplayWindow bounds how long a (From, Nonce) pair is remembered to
	// reject replays.
	ReplayWindow time.Duration `yaml:"replay_window"`

	// ReplayCacheSize caps the number of remembered (From, Nonce) pairs.
	ReplayCacheSize int `yaml:"replay_cache_size"`

	// RatePerSecond and RateBurst configure the per-sender token bucket.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// NodeConfig is the complete configuration for an agentbook-node process.
type NodeConfig struct {
	Agent    AgentConfig    `yaml:"agent"`
	Protocol ProtocolConfig `yaml:"protocol"`

	// IdentityPath locates the sealed identity keystore, relative to
	// Agent.DataDir unless absolute. Only its directory part is used: the
	// keystore file is always identity.keystore inside that directory.
	IdentityPath string `yaml:"identity_path"`

	// RelayAddr is the single relay this node maintains a persistent
	// connection to (spec §4.7: a node speaks to exactly one relay).
	RelayAddr string    `yaml:"relay_addr"`
	RelayTLS  TLSConfig `yaml:"relay_tls"`

	// ControlSocket is the filesystem path of the node's local JSON-lines
	// control socket (spec §6.2).
	ControlSocket string `yaml:"control_socket"`

	Ingress IngressConfig `yaml:"ingress"`
}

// DirectoryConfig configures the relay's durable username directory.
type DirectoryConfig struct {
	// DSN is the database/sql data source name for the directory store.
	// Default is a SQLite file under Agent.DataDir.
	DSN                  string        `yaml:"dsn"`
	RegistrationsPerHour int           `yaml:"registrations_per_hour"`
	LookupsPerMinute     int           `yaml:"lookups_per_minute"`
	RegistrationTimeout  time.Duration `yaml:"registration_timeout"`
}

// SessionConfig tunes the relay's per-session resource limits.
type SessionConfig struct {
	// OutboundQueueDepth caps how many envelopes may be queued for a single
	// session before non-droppable traffic closes the session as a slow
	// consumer (spec §5). agentbook-relay does not read this field; the
	// relay's session queue depth is fixed at 256.
	OutboundQueueDepth int `yaml:"outbound_queue_depth"`

	// ShardCount is the number of shards the session table hashes NodeIDs
	// across. agentbook-relay does not read this field; the session table
	// always has 16 shards.
	ShardCount int `yaml:"shard_count"`
}

// ListenerConfig defines a single relay listener.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // quic, ws
	Address   string    `yaml:"address"`
	Path      string    `yaml:"path"` // HTTP path for ws
	TLS       TLSConfig `yaml:"tls"`
}

// RelayConfig is the complete configuration for an agentbook-relay process.
type RelayConfig struct {
	Agent     AgentConfig      `yaml:"agent"`
	Protocol  ProtocolConfig   `yaml:"protocol"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Directory DirectoryConfig  `yaml:"directory"`
	Session   SessionConfig    `yaml:"session"`
	Ingress   IngressConfig    `yaml:"ingress"`

	// MetricsAddr, if non-empty, serves Prometheus metrics at /metrics.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultNodeConfig returns a NodeConfig with default values.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Agent: AgentConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Protocol:      defaultProtocolConfig(),
		IdentityPath:  "identity.sealed",
		ControlSocket: "agentbook.sock",
		Ingress:       defaultIngressConfig(),
	}
}

// DefaultRelayConfig returns a RelayConfig with default values.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Agent: AgentConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Protocol:  defaultProtocolConfig(),
		Listeners: []ListenerConfig{},
		Directory: DirectoryConfig{
			DSN:                  "directory.sqlite",
			RegistrationsPerHour: 5,
			LookupsPerMinute:     60,
			RegistrationTimeout:  10 * time.Second,
		},
		Session: SessionConfig{
			OutboundQueueDepth: 256,
			ShardCount:         16,
		},
		Ingress: defaultIngressConfig(),
	}
}

func defaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		ALPN:          "agentbook/1",
		HTTPHeader:    "X-Agentbook-Protocol",
		WSSubprotocol: "agentbook/1",
	}
}

func defaultIngressConfig() IngressConfig {
	return IngressConfig{
		MaxClockSkew:    5 * time.Minute,
		ReplayWindow:    10 * time.Minute,
		ReplayCacheSize: 100000,
		RatePerSecond:   20,
		RateBurst:       40,
	}
}

// LoadNodeConfig reads and parses a node configuration file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseNodeConfig(data)
}

// LoadRelayConfig reads and parses a relay configuration file.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseRelayConfig(data)
}

// ParseNodeConfig parses a node configuration from YAML bytes.
func ParseNodeConfig(data []byte) (*NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ParseRelayConfig parses a relay configuration from YAML bytes.
func ParseRelayConfig(data []byte) (*RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
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

// Validate checks the node configuration for errors.
func (c *NodeConfig) Validate() error {
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
	if c.RelayAddr == "" {
		errs = append(errs, "relay_addr is required")
	}
	if c.ControlSocket == "" {
		errs = append(errs, "control_socket is required")
	}
	if err := c.Ingress.validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks the relay configuration for errors.
func (c *RelayConfig) Validate() error {
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
	if len(c.Listeners) == 0 {
		errs = append(errs, "at least one listener is required")
	}
	for i, l := range c.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
	}
	if c.Directory.DSN == "" {
		errs = append(errs, "directory.dsn is required")
	}
	if c.Directory.RegistrationsPerHour < 1 {
		errs = append(errs, "directory.registrations_per_hour must be positive")
	}
	if c.Directory.LookupsPerMinute < 1 {
		errs = append(errs, "directory.lookups_per_minute must be positive")
	}
	if c.Session.OutboundQueueDepth < 1 {
		errs = append(errs, "session.outbound_queue_depth must be positive")
	}
	if c.Session.ShardCount < 1 {
		errs = append(errs, "session.shard_count must be positive")
	}
	if err := c.Ingress.validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (i IngressConfig) validate() error {
	if i.MaxClockSkew <= 0 {
		return fmt.Errorf("ingress.max_clock_skew must be positive")
	}
	if i.ReplayWindow <= 0 {
		return fmt.Errorf("ingress.replay_window must be positive")
	}
	if i.ReplayCacheSize < 1 {
		return fmt.Errorf("ingress.replay_cache_size must be positive")
	}
	if i.RatePerSecond <= 0 {
		return fmt.Errorf("ingress.rate_per_second must be positive")
	}
	if i.RateBurst < 1 {
		return fmt.Errorf("ingress.rate_burst must be positive")
	}
	return nil
}

func isValidTransport(transport string) bool {
	switch transport {
	case "quic", "ws":
		return true
	default:
		return false
	}
}

func validateListener(l ListenerConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic or ws)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if l.Transport == "ws" && l.Path == "" {
		return fmt.Errorf("path is required for ws transport")
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
