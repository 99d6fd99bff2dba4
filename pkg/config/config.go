// Package config loads daemon configuration: built-in defaults, then
// /etc/llmos-bridge/config.yaml, then ~/.llmos/config.yaml, then
// LLMOS_-prefixed environment variables. Later layers override earlier
// ones key by key.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration tree.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Security      SecurityConfig      `yaml:"security"`
	Scanner       ScannerConfig       `yaml:"scanner"`
	Verifier      VerifierConfig      `yaml:"intent_verifier"`
	LLM           LLMConfig           `yaml:"llm"`
	State         StateConfig         `yaml:"state"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Modules       ModulesConfig       `yaml:"modules"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
	LogLevel      string              `yaml:"log_level"`
}

// ServerConfig is the REST listener configuration.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	JWTSecret      string   `yaml:"jwt_secret"`
	APIKeyHash     string   `yaml:"api_key_hash"` // bcrypt hash of the static API key
	AuthDisabled   bool     `yaml:"auth_disabled"`
	RatePerMinute  int      `yaml:"rate_per_minute"`
	RequestTimeout int      `yaml:"request_timeout_seconds"`
	AllowedOrigins []string `yaml:"allowed_origins"` // empty = allow all
}

// SecurityConfig selects the permission profile and its guards.
type SecurityConfig struct {
	Profile            string   `yaml:"profile"`
	ProfilesDir        string   `yaml:"profiles_dir"`
	SandboxPaths       []string `yaml:"sandbox_paths"`
	RequireApprovalFor []string `yaml:"require_approval_for"`
	PolicyRules        []string `yaml:"policy_rules"`
	ApprovalTimeout    int      `yaml:"approval_timeout_seconds"`
	ApprovalBehavior   string   `yaml:"approval_timeout_behavior"`

	// RedisAddr moves per-action rate limit buckets into Redis so
	// multiple daemon instances share them. Empty keeps them in memory.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// ScannerConfig tunes the pre-execution input scanning pipeline.
type ScannerConfig struct {
	Enabled         bool     `yaml:"enabled"`
	FailFast        bool     `yaml:"fail_fast"`
	RejectThreshold float64  `yaml:"reject_threshold"`
	WarnThreshold   float64  `yaml:"warn_threshold"`
	DisabledRules   []string `yaml:"disabled_rules"`
}

// VerifierConfig tunes the LLM intent verifier.
type VerifierConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Strict       bool   `yaml:"strict"`
	Model        string `yaml:"model"`
	CacheSize    int    `yaml:"cache_size"`
	CacheTTLMins int    `yaml:"cache_ttl_minutes"`
	TimeoutSecs  int    `yaml:"timeout_seconds"`
}

// LLMConfig points at the analysis model endpoint.
type LLMConfig struct {
	Provider    string `yaml:"provider"` // openai | anthropic | ollama | null
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_seconds"`
}

// StateConfig selects the persistence backend.
type StateConfig struct {
	Backend       string `yaml:"backend"` // sqlite | postgres
	Path          string `yaml:"path"`    // sqlite file
	DSN           string `yaml:"dsn"`     // postgres connection string
	RetentionDays int    `yaml:"retention_days"`
}

// OrchestratorConfig bounds plan execution.
type OrchestratorConfig struct {
	MaxConcurrentPlans int `yaml:"max_concurrent_plans"`
	SyncTimeoutSecs    int `yaml:"sync_plan_timeout_seconds"`
	GroupMaxConcurrent int `yaml:"group_max_concurrent"`
	GroupTimeoutSecs   int `yaml:"group_timeout_seconds"`
	MaxResultSizeBytes int `yaml:"max_result_size_bytes"`
}

// ModulesConfig carries per-module knobs.
type ModulesConfig struct {
	Disabled       []string       `yaml:"disabled"`
	ResourceLimits map[string]int `yaml:"resource_limits"`
	// RateLimits maps "module.action" to a per-minute cap, overriding
	// manifest defaults.
	RateLimits map[string]int `yaml:"rate_limits"`
	// Fallbacks maps a module id to an ordered list of substitutes
	// tried when the primary cannot be loaded.
	Fallbacks map[string][]string `yaml:"fallbacks"`
}

// AuditConfig controls the audit trail sinks.
type AuditConfig struct {
	TrailFile string `yaml:"trail_file"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Region  string `yaml:"s3_region"`
}

// ObservabilityConfig controls OTLP export.
type ObservabilityConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// EnvPrefix is the environment override prefix; nested keys use a
// double underscore: LLMOS_SERVER__PORT=9090.
const EnvPrefix = "LLMOS_"

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8787,
			RatePerMinute:  120,
			RequestTimeout: 330,
		},
		Security: SecurityConfig{
			Profile:          "local_worker",
			ApprovalTimeout:  300,
			ApprovalBehavior: "reject",
		},
		Scanner: ScannerConfig{
			Enabled:         true,
			RejectThreshold: 0.8,
			WarnThreshold:   0.5,
		},
		Verifier: VerifierConfig{
			Enabled:      true,
			Model:        "gpt-4o-mini",
			CacheSize:    256,
			CacheTTLMins: 30,
			TimeoutSecs:  30,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			BaseURL:     "http://localhost:1234/v1",
			TimeoutSecs: 30,
		},
		State: StateConfig{
			Backend:       "sqlite",
			Path:          filepath.Join(home, ".llmos", "state.db"),
			RetentionDays: 30,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentPlans: 5,
			SyncTimeoutSecs:    300,
			GroupMaxConcurrent: 10,
			GroupTimeoutSecs:   300,
			MaxResultSizeBytes: 512 * 1024,
		},
		Audit: AuditConfig{
			TrailFile: filepath.Join(home, ".llmos", "audit.jsonl"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			Insecure:     true,
		},
		LogLevel: "info",
	}
}

// candidatePaths lists the config files in ascending precedence.
func candidatePaths() []string {
	paths := []string{"/etc/llmos-bridge/config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".llmos", "config.yaml"))
	}
	return paths
}

// Load builds the effective configuration from all layers.
func Load() (*Config, error) {
	return load(candidatePaths(), os.Environ())
}

// LoadFile builds the configuration from defaults, one file, and the
// environment. Used by the --config flag.
func LoadFile(path string) (*Config, error) {
	return load([]string{path}, os.Environ())
}

func load(paths []string, environ []string) (*Config, error) {
	cfg := Default()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, environ); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays LLMOS_ variables. Each variable names a path into
// the tree: LLMOS_SECURITY__PROFILE=readonly sets security.profile.
// Values are parsed as YAML scalars, so booleans and numbers work.
func applyEnv(cfg *Config, environ []string) error {
	tree := map[string]any{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		segments := strings.Split(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__")

		var parsed any
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}

		node := tree
		for i, seg := range segments {
			if i == len(segments)-1 {
				node[seg] = parsed
				break
			}
			next, ok := node[seg].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[seg] = next
			}
			node = next
		}
	}
	if len(tree) == 0 {
		return nil
	}

	// Round-trip through YAML so the overlay honors the same tags as
	// the config files.
	data, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode env overlay: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("apply env overlay: %w", err)
	}
	return nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.State.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("state.backend %q is not sqlite or postgres", c.State.Backend)
	}
	if c.State.Backend == "postgres" && c.State.DSN == "" {
		return fmt.Errorf("state.backend postgres requires state.dsn")
	}
	switch c.Security.ApprovalBehavior {
	case "reject", "skip":
	default:
		return fmt.Errorf("security.approval_timeout_behavior %q is not reject or skip", c.Security.ApprovalBehavior)
	}
	if c.Scanner.RejectThreshold < c.Scanner.WarnThreshold {
		return fmt.Errorf("scanner.reject_threshold %.2f below warn_threshold %.2f",
			c.Scanner.RejectThreshold, c.Scanner.WarnThreshold)
	}
	return nil
}
