package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the main configuration structure for clinagent.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Agent         AgentConfig         `yaml:"agent"`
	Session       SessionConfig       `yaml:"session"`
	Tools         ToolsConfig         `yaml:"tools"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig holds the settings of one model backend. Region and the
// AWS keys apply to bedrock only; an empty key pair uses the default AWS
// credential chain.
type LLMProviderConfig struct {
	APIKey          string        `yaml:"api_key"`
	DefaultModel    string        `yaml:"default_model"`
	BaseURL         string        `yaml:"base_url"`
	Region          string        `yaml:"region"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	SessionToken    string        `yaml:"session_token"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// AgentConfig bounds a single run of the agent loop.
type AgentConfig struct {
	Model         string        `yaml:"model"`
	SystemPrompt  string        `yaml:"system_prompt"`
	MaxIterations int           `yaml:"max_iterations"`
	MaxTokens     int           `yaml:"max_tokens"`
	ModelTimeout  time.Duration `yaml:"model_timeout"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	HistoryLimit  int           `yaml:"history_limit"`
}

// DatabaseConfig configures a Postgres connection pool.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type SessionConfig struct {
	// Backend is "memory" or "postgres".
	Backend  string         `yaml:"backend"`
	Database DatabaseConfig `yaml:"database"`
}

type JobsConfig struct {
	// Backend is "memory" or "postgres".
	Backend       string         `yaml:"backend"`
	Database      DatabaseConfig `yaml:"database"`
	Timeout       time.Duration  `yaml:"timeout"`
	Retention     time.Duration  `yaml:"retention"`
	// PruneSchedule is a cron expression or descriptor ("@every 1h",
	// "@daily") for removing jobs older than Retention.
	PruneSchedule string         `yaml:"prune_schedule"`
}

type AuthConfig struct {
	// APIKeys accepted in the X-API-Key header.
	APIKeys []string `yaml:"api_keys"`
	// JWTSecret enables HS256 bearer tokens. With neither keys nor a
	// secret, authentication is disabled.
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type ToolsConfig struct {
	Arith          ArithConfig          `yaml:"arith"`
	PubMed         PubMedConfig         `yaml:"pubmed"`
	ClinicalTrials ClinicalTrialsConfig `yaml:"clinicaltrials"`
	Genomics       GenomicsConfig       `yaml:"genomics"`
	Devices        DevicesConfig        `yaml:"devices"`
	Documents      DocumentsConfig      `yaml:"documents"`
}

type ArithConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type PubMedConfig struct {
	Enabled *bool         `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type ClinicalTrialsConfig struct {
	Enabled   *bool         `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
}

// GenomicsConfig points at a Postgres/Redshift-compatible variant table.
type GenomicsConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Database DatabaseConfig `yaml:"database"`
	Table    string         `yaml:"table"`
}

type DevicesConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is the SQLite database file; ":memory:" keeps it in process.
	Path string `yaml:"path"`
	Seed bool   `yaml:"seed"`
}

type DocumentsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// IsEnabled reports whether the tool is on; it defaults to true.
func (c ArithConfig) IsEnabled() bool { return boolOr(c.Enabled, true) }

// IsEnabled reports whether the tool is on; it defaults to true.
func (c PubMedConfig) IsEnabled() bool { return boolOr(c.Enabled, true) }

// IsEnabled reports whether the tool is on; it defaults to true.
func (c ClinicalTrialsConfig) IsEnabled() bool { return boolOr(c.Enabled, true) }

// IsEnabled reports whether /metrics is served; it defaults to true.
func (c MetricsConfig) IsEnabled() bool { return boolOr(c.Enabled, true) }

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Load reads, merges, and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, as used when
// no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}

	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.ModelTimeout == 0 {
		cfg.Agent.ModelTimeout = 120 * time.Second
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 60 * time.Second
	}
	if cfg.Agent.HistoryLimit == 0 {
		cfg.Agent.HistoryLimit = 50
	}

	if cfg.Session.Backend == "" {
		cfg.Session.Backend = "memory"
	}
	applyDatabaseDefaults(&cfg.Session.Database)

	if cfg.Jobs.Backend == "" {
		cfg.Jobs.Backend = "memory"
	}
	applyDatabaseDefaults(&cfg.Jobs.Database)
	if cfg.Jobs.Timeout == 0 {
		cfg.Jobs.Timeout = 120 * time.Second
	}
	if cfg.Jobs.Retention == 0 {
		cfg.Jobs.Retention = 24 * time.Hour
	}
	if cfg.Jobs.PruneSchedule == "" {
		cfg.Jobs.PruneSchedule = "@every 1h"
	}
	if cfg.Auth.JWTSecret != "" && cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}

	tools := &cfg.Tools
	if tools.PubMed.BaseURL == "" {
		tools.PubMed.BaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	}
	if tools.PubMed.Timeout == 0 {
		tools.PubMed.Timeout = 30 * time.Second
	}
	if tools.ClinicalTrials.BaseURL == "" {
		tools.ClinicalTrials.BaseURL = "https://clinicaltrials.gov"
	}
	if tools.ClinicalTrials.UserAgent == "" {
		tools.ClinicalTrials.UserAgent = "clinagent/1.0"
	}
	if tools.ClinicalTrials.Timeout == 0 {
		tools.ClinicalTrials.Timeout = 30 * time.Second
	}
	if tools.Genomics.Table == "" {
		tools.Genomics.Table = "variants"
	}
	applyDatabaseDefaults(&tools.Genomics.Database)
	if tools.Devices.Path == "" {
		tools.Devices.Path = ":memory:"
	}
	if tools.Documents.Region == "" {
		tools.Documents.Region = "us-east-1"
	}

	obs := &cfg.Observability
	if obs.Logging.Level == "" {
		obs.Logging.Level = "info"
	}
	if obs.Logging.Format == "" {
		obs.Logging.Format = "json"
	}
	if obs.Metrics.Path == "" {
		obs.Metrics.Path = "/metrics"
	}
	if obs.Tracing.ServiceName == "" {
		obs.Tracing.ServiceName = "clinagent"
	}
	if obs.Tracing.SamplingRate == 0 {
		obs.Tracing.SamplingRate = 1.0
	}
}

func applyDatabaseDefaults(db *DatabaseConfig) {
	if db.MaxConnections == 0 {
		db.MaxConnections = 10
	}
	if db.ConnMaxLifetime == 0 {
		db.ConnMaxLifetime = 5 * time.Minute
	}
}

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

var (
	knownProviders = map[string]bool{"anthropic": true, "openai": true, "bedrock": true, "google": true}
	identifierRe   = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// Validate checks cfg after defaults have been applied.
func Validate(cfg *Config) error {
	return validate(cfg)
}

func validate(cfg *Config) error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(cfg.Version); err != nil {
		add("%v", err)
	}

	if cfg.Server.HTTPPort < 1 || cfg.Server.HTTPPort > 65535 {
		add("server.http_port must be between 1 and 65535")
	}

	for name, p := range cfg.LLM.Providers {
		if !knownProviders[name] {
			add("llm.providers.%s: unknown provider (anthropic, openai, bedrock, google)", name)
			continue
		}
		if name != "bedrock" && strings.TrimSpace(p.APIKey) == "" {
			add("llm.providers.%s.api_key is required", name)
		}
		if p.MaxRetries < 0 {
			add("llm.providers.%s.max_retries must be >= 0", name)
		}
	}
	if !knownProviders[cfg.LLM.DefaultProvider] {
		add("llm.default_provider %q is not a known provider", cfg.LLM.DefaultProvider)
	} else if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
		add("llm.default_provider %q has no entry under llm.providers", cfg.LLM.DefaultProvider)
	}

	if cfg.Agent.MaxIterations < 1 {
		add("agent.max_iterations must be >= 1")
	}
	if cfg.Agent.MaxTokens < 1 {
		add("agent.max_tokens must be >= 1")
	}
	if cfg.Agent.ModelTimeout < 0 || cfg.Agent.ToolTimeout < 0 {
		add("agent timeouts must not be negative")
	}
	if cfg.Agent.HistoryLimit < 0 {
		add("agent.history_limit must be >= 0")
	}

	validateBackend := func(section, backend string, db DatabaseConfig) {
		switch backend {
		case "memory":
		case "postgres":
			if db.URL == "" {
				add("%s.database.url is required for the postgres backend", section)
			}
		default:
			add("%s.backend must be memory or postgres, got %q", section, backend)
		}
	}
	validateBackend("session", cfg.Session.Backend, cfg.Session.Database)
	validateBackend("jobs", cfg.Jobs.Backend, cfg.Jobs.Database)
	if cfg.Jobs.Timeout < 0 || cfg.Jobs.Retention < 0 {
		add("jobs durations must not be negative")
	}
	if _, err := cron.ParseStandard(cfg.Jobs.PruneSchedule); err != nil {
		add("jobs.prune_schedule %q: %v", cfg.Jobs.PruneSchedule, err)
	}

	if g := cfg.Tools.Genomics; g.Enabled {
		if g.Database.URL == "" {
			add("tools.genomics.database.url is required when genomics is enabled")
		}
		if !identifierRe.MatchString(g.Table) {
			add("tools.genomics.table %q must match %s", g.Table, identifierRe)
		}
	}
	if d := cfg.Tools.Documents; d.Enabled && d.Bucket == "" {
		add("tools.documents.bucket is required when documents is enabled")
	}

	for i, key := range cfg.Auth.APIKeys {
		if strings.TrimSpace(key) == "" {
			add("auth.api_keys[%d] is empty", i)
		}
	}
	if secret := cfg.Auth.JWTSecret; secret != "" && len(secret) < 32 {
		add("auth.jwt_secret must be at least 32 bytes")
	}

	switch strings.ToLower(cfg.Observability.Logging.Format) {
	case "json", "text":
	default:
		add("observability.logging.format must be json or text")
	}
	for _, pattern := range cfg.Observability.Logging.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			add("observability.logging.redact_patterns: %v", err)
		}
	}
	if !strings.HasPrefix(cfg.Observability.Metrics.Path, "/") {
		add("observability.metrics.path must start with /")
	}
	if t := cfg.Observability.Tracing; t.Enabled {
		if t.Endpoint == "" {
			add("observability.tracing.endpoint is required when tracing is enabled")
		}
		if t.SamplingRate < 0 || t.SamplingRate > 1 {
			add("observability.tracing.sampling_rate must be within [0,1]")
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
