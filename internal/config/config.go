// Package config provides configuration loading for charter.
//
// Configuration is read from a YAML file and overridden by CHARTER_*
// environment variables. See LoadWithFile for precedence rules.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete charter configuration.
type Config struct {
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Stages     []StageConfig    `koanf:"stages"`
	Collectors CollectorsConfig `koanf:"collectors"`
	Redaction  RedactionConfig  `koanf:"redaction"`
	Events     EventsConfig     `koanf:"events"`
	Synthesis  SynthesisConfig  `koanf:"synthesis"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// PipelineConfig controls scheduling, retries and run persistence.
type PipelineConfig struct {
	StateDir          string   `koanf:"state_dir"`
	MaxAttempts       int      `koanf:"max_attempts"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
	RateLimitFloor    Duration `koanf:"rate_limit_floor"`
	MaxRateLimitWait  Duration `koanf:"max_rate_limit_wait"`
	StageTimeout      Duration `koanf:"stage_timeout"`
	MaxParallel       int      `koanf:"max_parallel"`
}

// StageConfig declares one pipeline stage.
type StageConfig struct {
	Name             string            `koanf:"name"`
	Collector        string            `koanf:"collector"`
	RequiredSections []string          `koanf:"required_sections"`
	OptionalSections []string          `koanf:"optional_sections"`
	DependsOn        []string          `koanf:"depends_on"`
	Timeout          Duration          `koanf:"timeout"`
	Params           map[string]string `koanf:"params"`
	// SkipGate excludes the stage from the set the gate requires.
	SkipGate bool `koanf:"skip_gate"`
}

// CollectorsConfig holds per-collector settings.
type CollectorsConfig struct {
	Codebase CodebaseConfig `koanf:"codebase"`
	Tickets  TicketsConfig  `koanf:"tickets"`
	Portal   PortalConfig   `koanf:"portal"`
	Manual   ManualConfig   `koanf:"manual"`
}

// CodebaseConfig configures the repository reader.
type CodebaseConfig struct {
	Path       string   `koanf:"path"`
	MaxCommits int      `koanf:"max_commits"`
	Exclude    []string `koanf:"exclude"`
}

// TicketsConfig configures the issue-tracker client.
type TicketsConfig struct {
	Owner             string   `koanf:"owner"`
	Repo              string   `koanf:"repo"`
	Token             Secret   `koanf:"token"`
	BaseURL           string   `koanf:"base_url"`
	State             string   `koanf:"state"`
	Labels            []string `koanf:"labels"`
	MaxItems          int      `koanf:"max_items"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
}

// PortalConfig configures the web portal scraper.
type PortalConfig struct {
	URL               string   `koanf:"url"`
	MaxPages          int      `koanf:"max_pages"`
	RequestTimeout    Duration `koanf:"request_timeout"`
	UserAgent         string   `koanf:"user_agent"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	MaxBodyBytes      int64    `koanf:"max_body_bytes"`
}

// ManualConfig configures the manual document importer.
type ManualConfig struct {
	Dir         string   `koanf:"dir"`
	Patterns    []string `koanf:"patterns"`
	MaxDocBytes int      `koanf:"max_doc_bytes"`
	Watch       bool     `koanf:"watch"`
}

// RedactionConfig controls secret scrubbing of collected payloads.
type RedactionConfig struct {
	Enabled bool `koanf:"enabled"`
	// Engine is "regexp" (built-in rules) or "gitleaks".
	Engine        string `koanf:"engine"`
	AllowlistFile string `koanf:"allowlist_file"`
}

// EventsConfig controls where stage transition events are mirrored.
type EventsConfig struct {
	File          string `koanf:"file"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// SynthesisConfig selects the consumer of the handoff bundle.
type SynthesisConfig struct {
	// Provider is "markdown" (deterministic) or "openai".
	Provider      string `koanf:"provider"`
	Model         string `koanf:"model"`
	BaseURL       string `koanf:"base_url"`
	APIKey        Secret `koanf:"api_key"`
	Output        string `koanf:"output"`
	MaxInputChars int    `koanf:"max_input_chars"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig is the subset of logging settings exposed in the config file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed in the config file.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Redaction: RedactionConfig{Enabled: true},
		Telemetry: TelemetryConfig{Insecure: true},
	}
	applyDefaults(cfg)
	return cfg
}

// GateStages returns the names of the stages the gate requires, in declaration order.
func (c *Config) GateStages() []string {
	names := make([]string, 0, len(c.Stages))
	for _, s := range c.Stages {
		if !s.SkipGate {
			names = append(names, s.Name)
		}
	}
	return names
}

// Stage returns the stage config with the given name.
func (c *Config) Stage(name string) (StageConfig, bool) {
	for _, s := range c.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageConfig{}, false
}

// Validate validates the configuration.
//
// Graph-level checks (unknown dependencies, cycles) belong to the stage
// package; Validate only rejects values that make the config unusable.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.StateDir == "" {
		return errors.New("pipeline.state_dir is required")
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("pipeline.backoff_multiplier must be >= 1, got %v", p.BackoffMultiplier)
	}
	if p.MaxBackoff.Duration() < p.InitialBackoff.Duration() {
		return errors.New("pipeline.max_backoff must be >= pipeline.initial_backoff")
	}
	if p.MaxRateLimitWait.Duration() < p.RateLimitFloor.Duration() {
		return errors.New("pipeline.max_rate_limit_wait must be >= pipeline.rate_limit_floor")
	}
	if p.StageTimeout.Duration() <= 0 {
		return errors.New("pipeline.stage_timeout must be positive")
	}
	if p.MaxParallel < 0 {
		return fmt.Errorf("pipeline.max_parallel must be >= 0, got %d", p.MaxParallel)
	}

	if len(c.Stages) == 0 {
		return errors.New("at least one stage is required")
	}
	seen := make(map[string]bool, len(c.Stages))
	for i, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("stages[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("stages[%d]: duplicate stage name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.Timeout.Duration() < 0 {
			return fmt.Errorf("stage %s: timeout cannot be negative", s.Name)
		}
	}

	switch c.Redaction.Engine {
	case "regexp", "gitleaks":
	default:
		return fmt.Errorf("redaction.engine must be 'regexp' or 'gitleaks', got %q", c.Redaction.Engine)
	}

	switch c.Synthesis.Provider {
	case "markdown":
	case "openai":
		if c.Synthesis.Model == "" {
			return errors.New("synthesis.model is required for the openai provider")
		}
	default:
		return fmt.Errorf("synthesis.provider must be 'markdown' or 'openai', got %q", c.Synthesis.Provider)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("telemetry.service_name required when telemetry is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
// Booleans are not touched: their defaults are set by Default before unmarshaling.
func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline
	if p.StateDir == "" {
		p.StateDir = ".charter"
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = Duration(time.Second)
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = Duration(30 * time.Second)
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = 2.0
	}
	if p.RateLimitFloor == 0 {
		p.RateLimitFloor = Duration(30 * time.Second)
	}
	if p.MaxRateLimitWait == 0 {
		p.MaxRateLimitWait = Duration(5 * time.Minute)
	}
	if p.StageTimeout == 0 {
		p.StageTimeout = Duration(2 * time.Minute)
	}

	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultStages()
	}
	for i := range cfg.Stages {
		if cfg.Stages[i].Collector == "" {
			cfg.Stages[i].Collector = cfg.Stages[i].Name
		}
	}

	cb := &cfg.Collectors.Codebase
	if cb.Path == "" {
		cb.Path = "."
	}
	if cb.MaxCommits == 0 {
		cb.MaxCommits = 20
	}
	if len(cb.Exclude) == 0 {
		cb.Exclude = []string{".git", "node_modules", "vendor", "__pycache__", ".venv", ".devcontainer"}
	}

	tk := &cfg.Collectors.Tickets
	if tk.State == "" {
		tk.State = "open"
	}
	if tk.MaxItems == 0 {
		tk.MaxItems = 50
	}
	if tk.RequestsPerSecond == 0 {
		tk.RequestsPerSecond = 5
	}

	pt := &cfg.Collectors.Portal
	if pt.MaxPages == 0 {
		pt.MaxPages = 25
	}
	if pt.RequestTimeout == 0 {
		pt.RequestTimeout = Duration(15 * time.Second)
	}
	if pt.UserAgent == "" {
		pt.UserAgent = "charter-portal-collector/1.0"
	}
	if pt.RequestsPerSecond == 0 {
		pt.RequestsPerSecond = 2
	}
	if pt.MaxBodyBytes == 0 {
		pt.MaxBodyBytes = 2 << 20
	}

	mn := &cfg.Collectors.Manual
	if mn.Dir == "" {
		mn.Dir = "docs/manual"
	}
	if len(mn.Patterns) == 0 {
		mn.Patterns = []string{"*.md", "*.txt"}
	}
	if mn.MaxDocBytes == 0 {
		mn.MaxDocBytes = 64 * 1024
	}

	if cfg.Redaction.Engine == "" {
		cfg.Redaction.Engine = "regexp"
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "charter.pipeline"
	}

	sy := &cfg.Synthesis
	if sy.Provider == "" {
		sy.Provider = "markdown"
	}
	if sy.Output == "" {
		sy.Output = "CONSTITUTION.md"
	}
	if sy.MaxInputChars == 0 {
		sy.MaxInputChars = 16000
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	tl := &cfg.Telemetry
	if tl.Endpoint == "" {
		tl.Endpoint = "localhost:4317"
	}
	if tl.Protocol == "" {
		tl.Protocol = "grpc"
	}
	if tl.ServiceName == "" {
		tl.ServiceName = "charter"
	}
	if tl.SampleRate == 0 {
		tl.SampleRate = 1.0
	}
}
