package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.json"

	DefaultRequestTimeout   = 300 * time.Second
	DefaultProbeInterval    = 30 * time.Second
	DefaultProbeTimeout     = 10 * time.Second
	DefaultFailureThreshold = 3
	DefaultHistorySize      = 32
)

// AdapterType identifies one of the four fixed adapter variants.
// The set is closed; there is no plugin mechanism.
type AdapterType string

const (
	AdapterSpawnCLI AdapterType = "spawn-cli"
	AdapterHTTPSDK  AdapterType = "http-sdk"
	AdapterProxy    AdapterType = "proxy"
	AdapterLocal    AdapterType = "local"
)

// AuthType selects how the http-sdk adapter authenticates upstream.
type AuthType string

const (
	AuthAPIKey AuthType = "api-key"
	AuthOAuth  AuthType = "oauth"
	AuthRole   AuthType = "role"
)

// SpawnCLIConfig configures a provider backed by a spawned process.
// Credential-bearing values in Env may use secret references
// ("env:NAME", "file:/path").
type SpawnCLIConfig struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	// InputMode is how the prompt reaches the process: "stdin" (default)
	// delivers the JSON payload on stdin, "arg" appends it as the final
	// argument.
	InputMode string `json:"input_mode,omitempty" yaml:"input_mode,omitempty"`

	// Env is the explicit environment allowlist. Nothing from the
	// gateway's own environment is inherited.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Sandbox wraps execution in the configured sandbox runtime.
	// Defaults to true; nil means unset.
	Sandbox *bool `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`

	// SandboxImage is the isolation image used when Sandbox is on.
	SandboxImage string `json:"sandbox_image,omitempty" yaml:"sandbox_image,omitempty"`

	// TimeoutSeconds is the hard wall-clock limit for one invocation.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// OAuthConfig configures client-credentials token acquisition.
type OAuthConfig struct {
	TokenURL        string   `json:"token_url" yaml:"token_url"`
	ClientIDRef     string   `json:"client_id_ref" yaml:"client_id_ref"`
	ClientSecretRef string   `json:"client_secret_ref" yaml:"client_secret_ref"`
	Scopes          []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// HTTPSDKConfig configures a provider called through its native HTTP API.
type HTTPSDKConfig struct {
	BaseURL   string   `json:"base_url" yaml:"base_url"`
	AuthType  AuthType `json:"auth_type" yaml:"auth_type"`
	APIKeyRef string   `json:"api_key_ref,omitempty" yaml:"api_key_ref,omitempty"`

	OAuth *OAuthConfig `json:"oauth,omitempty" yaml:"oauth,omitempty"`

	// Region scopes role-based ambient credentials.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// ModelPrefix is prepended when remapping into the provider's
	// native model namespace.
	ModelPrefix string `json:"model_prefix,omitempty" yaml:"model_prefix,omitempty"`
}

// ProxyConfig configures a near-verbatim passthrough provider.
type ProxyConfig struct {
	ProxyBaseURL string `json:"proxy_base_url" yaml:"proxy_base_url"`

	// APIKeyHeaderName is the upstream header that receives the
	// configured key in place of the inbound client key.
	APIKeyHeaderName string `json:"api_key_header_name" yaml:"api_key_header_name"`
	APIKeyRef        string `json:"api_key_ref,omitempty" yaml:"api_key_ref,omitempty"`

	// ForwardHeaders whitelists additional inbound headers to forward.
	ForwardHeaders []string `json:"forward_headers,omitempty" yaml:"forward_headers,omitempty"`
}

// LocalConfig configures a co-located inference endpoint.
type LocalConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Protocol is the wire protocol; only "http" is supported.
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`

	// MaxConcurrentRequests caps in-flight calls; excess callers wait
	// briefly then fail fast with an overloaded error.
	MaxConcurrentRequests int `json:"max_concurrent_requests,omitempty" yaml:"max_concurrent_requests,omitempty"`

	// QueueWaitMillis bounds how long a caller waits for a slot.
	QueueWaitMillis int `json:"queue_wait_millis,omitempty" yaml:"queue_wait_millis,omitempty"`
}

// ModelMapping binds an externally exposed model id to the provider's
// native model id.
type ModelMapping struct {
	External      string  `json:"external" yaml:"external"`
	Native        string  `json:"native" yaml:"native"`
	MaxTokens     int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	ContextWindow int     `json:"context_window,omitempty" yaml:"context_window,omitempty"`
	CostPerToken  float64 `json:"cost_per_token,omitempty" yaml:"cost_per_token,omitempty"`
}

// Provider is one configured upstream AI service. Exactly one variant
// payload must be set, matching Type; the variant is fixed at creation
// because switching it changes the meaning of every other field.
type Provider struct {
	ID      string      `json:"id,omitempty" yaml:"id,omitempty"`
	Name    string      `json:"name" yaml:"name"`
	Slug    string      `json:"slug" yaml:"slug"`
	Type    AdapterType `json:"type" yaml:"type"`
	Enabled bool        `json:"enabled" yaml:"enabled"`

	// EnabledAt breaks ties when two enabled providers expose the same
	// external model id: the most recently enabled one wins.
	EnabledAt time.Time `json:"enabled_at,omitempty" yaml:"enabled_at,omitempty"`

	SpawnCLI *SpawnCLIConfig `json:"spawn_cli,omitempty" yaml:"spawn_cli,omitempty"`
	HTTPSDK  *HTTPSDKConfig  `json:"http_sdk,omitempty" yaml:"http_sdk,omitempty"`
	Proxy    *ProxyConfig    `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Local    *LocalConfig    `json:"local,omitempty" yaml:"local,omitempty"`

	Models []ModelMapping `json:"models" yaml:"models"`
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	ProbeIntervalSeconds int `json:"probe_interval_seconds,omitempty" yaml:"probe_interval_seconds,omitempty"`
	ProbeTimeoutSeconds  int `json:"probe_timeout_seconds,omitempty" yaml:"probe_timeout_seconds,omitempty"`

	// FailureThreshold is how many consecutive failures move a provider
	// from degraded to unhealthy.
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`

	// HistorySize bounds the per-provider recent probe-result ring.
	HistorySize int `json:"history_size,omitempty" yaml:"history_size,omitempty"`
}

// ProbeInterval returns the configured probe interval as a duration.
func (h HealthConfig) ProbeInterval() time.Duration {
	if h.ProbeIntervalSeconds <= 0 {
		return DefaultProbeInterval
	}

	return time.Duration(h.ProbeIntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-probe deadline.
func (h HealthConfig) ProbeTimeout() time.Duration {
	if h.ProbeTimeoutSeconds <= 0 {
		return DefaultProbeTimeout
	}

	return time.Duration(h.ProbeTimeoutSeconds) * time.Second
}

// Config is the gateway configuration root.
type Config struct {
	Host   string `json:"host,omitempty" yaml:"host,omitempty"`
	Port   int    `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// RequestTimeoutSeconds is the inbound timeout budget per request.
	RequestTimeoutSeconds int `json:"request_timeout_seconds,omitempty" yaml:"request_timeout_seconds,omitempty"`

	// StorePath is the SQLite file for health snapshots and probe
	// history. Empty selects the in-memory store.
	StorePath string `json:"store_path,omitempty" yaml:"store_path,omitempty"`

	Health    HealthConfig `json:"health,omitempty" yaml:"health,omitempty"`
	Providers []Provider   `json:"providers" yaml:"providers"`
}

// RequestTimeout returns the inbound timeout budget as a duration.
func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return DefaultRequestTimeout
	}

	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Sandboxed reports the effective sandbox flag (default true).
func (s *SpawnCLIConfig) Sandboxed() bool {
	return s.Sandbox == nil || *s.Sandbox
}

// Timeout returns the wall-clock limit for one spawn-cli invocation.
func (s *SpawnCLIConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}

	return time.Duration(s.TimeoutSeconds) * time.Second
}

// QueueWait returns the bounded slot wait for the local adapter.
func (l *LocalConfig) QueueWait() time.Duration {
	if l.QueueWaitMillis <= 0 {
		return 200 * time.Millisecond
	}

	return time.Duration(l.QueueWaitMillis) * time.Millisecond
}

// Manager loads and holds the active configuration. Reads are served
// from an atomic snapshot so request handling never blocks on reloads.
type Manager struct {
	configPath  string
	configValue atomic.Value
}

// NewManager creates a manager for the config file under baseDir.
func NewManager(baseDir string) *Manager {
	return &Manager{configPath: filepath.Join(baseDir, DefaultConfigFilename)}
}

// NewManagerForFile creates a manager for an explicit config path.
func NewManagerForFile(path string) *Manager {
	return &Manager{configPath: path}
}

// Load reads, decodes and validates the config file, then swaps it in.
func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config

	switch strings.ToLower(filepath.Ext(m.configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.configValue.Store(&cfg)

	return &cfg, nil
}

// Get returns the active snapshot, loading it on first use. A broken
// config file yields a minimal default so status commands still work.
func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		return &Config{Host: DefaultHost, Port: DefaultPort}
	}

	return cfg
}

// Save validates cfg, writes it to disk and makes it the active snapshot.
func (m *Manager) Save(cfg *Config) error {
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)

	switch strings.ToLower(filepath.Ext(m.configPath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}

// GetPath returns the config file path.
func (m *Manager) GetPath() string {
	return m.configPath
}

// Exists reports whether the config file is present on disk.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	if cfg.Health.FailureThreshold <= 0 {
		cfg.Health.FailureThreshold = DefaultFailureThreshold
	}

	if cfg.Health.HistorySize <= 0 {
		cfg.Health.HistorySize = DefaultHistorySize
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.ID == "" {
			p.ID = p.Slug
		}

		if p.Local != nil && p.Local.Protocol == "" {
			p.Local.Protocol = "http"
		}

		if p.Local != nil && p.Local.MaxConcurrentRequests <= 0 {
			p.Local.MaxConcurrentRequests = 4
		}
	}
}
