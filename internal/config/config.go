// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the root configuration for a flagrunner process.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox" yaml:"sandbox"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Report   ReportConfig   `mapstructure:"report" yaml:"report"`
}

// LoggerConfig defines all the settings for the logging system.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// AgentConfig groups the two oracles and the model routing they share.
type AgentConfig struct {
	LLM      LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
	Planner  PlannerConfig   `mapstructure:"planner" yaml:"planner"`
	Executor ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
}

// PlannerConfig tunes the todo-generating oracle.
type PlannerConfig struct {
	MaxTodos      int    `mapstructure:"max_todos" yaml:"max_todos"`
	BootstrapTask string `mapstructure:"bootstrap_task" yaml:"bootstrap_task"`
}

// ExecutorConfig tunes the tool-using oracle.
type ExecutorConfig struct {
	MaxToolCalls        int  `mapstructure:"max_tool_calls" yaml:"max_tool_calls"`
	ObservationLimit    int  `mapstructure:"observation_limit" yaml:"observation_limit"`
	IncludeObservations bool `mapstructure:"include_observations" yaml:"include_observations"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderOpenAI LLMProvider = "openai" // Any OpenAI-compatible chat completions endpoint.
	ProviderGemini LLMProvider = "gemini"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider          LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP              float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK              int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MaxRetries        uint64        `mapstructure:"max_retries" yaml:"max_retries"`
}

// EngineConfig bounds the coordination loop.
type EngineConfig struct {
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
	// MaxLoginFailures is the number of consecutive session expiries tolerated.
	// Zero is valid and ends the run on the first expiry; only a negative
	// value falls back to the default of 3.
	MaxLoginFailures  int `mapstructure:"max_login_failures" yaml:"max_login_failures"`
	DedupPrefixLen    int `mapstructure:"dedup_prefix_len" yaml:"dedup_prefix_len"`
	ReportTruncateLen int `mapstructure:"report_truncate_len" yaml:"report_truncate_len"`
	HistoryWindow     int `mapstructure:"history_window" yaml:"history_window"`
	FindingsWindow    int `mapstructure:"findings_window" yaml:"findings_window"`
	CompletedWindow   int `mapstructure:"completed_window" yaml:"completed_window"`
}

// SandboxConfig points the command tools at an isolated container.
type SandboxConfig struct {
	ID             string        `mapstructure:"id" yaml:"id"`
	DockerBinary   string        `mapstructure:"docker_binary" yaml:"docker_binary"`
	WorkDir        string        `mapstructure:"workdir" yaml:"workdir"`
	DefaultUser    string        `mapstructure:"default_user" yaml:"default_user"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	OutputLimit    int           `mapstructure:"output_limit" yaml:"output_limit"`
}

// ProxyConfig routes outbound probes through an HTTP proxy.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// NetworkConfig tunes the outbound request tool.
type NetworkConfig struct {
	Target            string            `mapstructure:"target" yaml:"target"`
	IncludeSubdomains bool              `mapstructure:"include_subdomains" yaml:"include_subdomains"`
	EnforceScope      bool              `mapstructure:"enforce_scope" yaml:"enforce_scope"`
	Timeout           time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	Headers           map[string]string `mapstructure:"headers" yaml:"headers"`
	Proxy             ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	IgnoreTLSErrors   bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int               `mapstructure:"burst" yaml:"burst"`
	BodyLimit         int               `mapstructure:"body_limit" yaml:"body_limit"`
}

// DatabaseConfig holds the database connection details. An empty URL disables
// the audit store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ReportConfig controls where the final run report goes.
type ReportConfig struct {
	Output string `mapstructure:"output" yaml:"output"`
	Format string `mapstructure:"format" yaml:"format"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers every default value on the given viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "flagrunner")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Agent / LLM --
	v.SetDefault("agent.llm.default_fast_model", "primary")
	v.SetDefault("agent.llm.default_powerful_model", "primary")
	v.SetDefault("agent.llm.models.primary.provider", string(ProviderOpenAI))
	v.SetDefault("agent.llm.models.primary.model", "deepseek-chat")
	v.SetDefault("agent.llm.models.primary.endpoint", "https://api.deepseek.com")
	v.SetDefault("agent.llm.models.primary.api_timeout", "120s")
	v.SetDefault("agent.llm.models.primary.temperature", 0.1)
	v.SetDefault("agent.llm.models.primary.max_tokens", 4096)
	v.SetDefault("agent.llm.models.primary.requests_per_minute", 0)
	v.SetDefault("agent.llm.models.primary.max_retries", 3)

	v.SetDefault("agent.planner.max_todos", 8)
	v.SetDefault("agent.planner.bootstrap_task", "Observe the target's home surface and locate an entry point")

	v.SetDefault("agent.executor.max_tool_calls", 12)
	v.SetDefault("agent.executor.observation_limit", 2000)
	v.SetDefault("agent.executor.include_observations", true)

	// -- Engine --
	v.SetDefault("engine.max_iterations", 100)
	v.SetDefault("engine.max_login_failures", 3)
	v.SetDefault("engine.dedup_prefix_len", 20)
	v.SetDefault("engine.report_truncate_len", 400)
	v.SetDefault("engine.history_window", 3)
	v.SetDefault("engine.findings_window", 5)
	v.SetDefault("engine.completed_window", 5)

	// -- Sandbox --
	v.SetDefault("sandbox.id", "")
	v.SetDefault("sandbox.docker_binary", "docker")
	v.SetDefault("sandbox.workdir", "/tmp")
	v.SetDefault("sandbox.default_user", "root")
	v.SetDefault("sandbox.command_timeout", "120s")
	v.SetDefault("sandbox.output_limit", 8000)

	// -- Network --
	v.SetDefault("network.target", "")
	v.SetDefault("network.include_subdomains", false)
	v.SetDefault("network.enforce_scope", true)
	v.SetDefault("network.timeout", "20s")
	v.SetDefault("network.proxy.enabled", false)
	v.SetDefault("network.ignore_tls_errors", true)
	v.SetDefault("network.requests_per_second", 5.0)
	v.SetDefault("network.burst", 5)
	v.SetDefault("network.body_limit", 6000)

	// -- Report --
	v.SetDefault("report.output", "")
	v.SetDefault("report.format", "text")
}

// BindEnvironment wires the well-known environment variables that do not
// follow the FLAGRUNNER_ prefix convention.
func BindEnvironment(v *viper.Viper) error {
	bindings := map[string][]string{
		"agent.llm.models.primary.api_key":  {"FLAGRUNNER_LLM_API_KEY", "OPENAI_API_KEY"},
		"agent.llm.models.primary.endpoint": {"FLAGRUNNER_LLM_ENDPOINT", "OPENAI_BASE_URL"},
		"agent.llm.models.primary.model":    {"FLAGRUNNER_LLM_MODEL", "OPENAI_MODEL"},
		"sandbox.id":                        {"FLAGRUNNER_SANDBOX_ID", "SANDBOX_ID"},
		"database.url":                      {"FLAGRUNNER_DATABASE_URL"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

// NewConfigFromViper unmarshals, expands and validates the configuration held
// by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	if err := BindEnvironment(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in file paths.
func (c *Config) expandPaths() error {
	var err error
	if c.Logger.LogFile, err = homedir.Expand(c.Logger.LogFile); err != nil {
		return fmt.Errorf("failed to expand logger.log_file: %w", err)
	}
	if c.Report.Output, err = homedir.Expand(c.Report.Output); err != nil {
		return fmt.Errorf("failed to expand report.output: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be a positive integer")
	}
	if c.Engine.MaxLoginFailures < 0 {
		return fmt.Errorf("engine.max_login_failures must not be negative")
	}
	if c.Engine.DedupPrefixLen <= 0 {
		return fmt.Errorf("engine.dedup_prefix_len must be a positive integer")
	}
	if c.Agent.Planner.MaxTodos <= 0 {
		return fmt.Errorf("agent.planner.max_todos must be a positive integer")
	}
	if strings.TrimSpace(c.Agent.Planner.BootstrapTask) == "" {
		return fmt.Errorf("agent.planner.bootstrap_task must not be empty")
	}
	if c.Agent.Executor.MaxToolCalls <= 0 {
		return fmt.Errorf("agent.executor.max_tool_calls must be a positive integer")
	}
	if err := c.Agent.LLM.Validate(); err != nil {
		return fmt.Errorf("agent.llm configuration invalid: %w", err)
	}
	switch strings.ToLower(c.Report.Format) {
	case "text", "json", "sarif":
	default:
		return fmt.Errorf("report.format %q is not supported (text, json, sarif)", c.Report.Format)
	}
	if c.Network.Proxy.Enabled && c.Network.Proxy.Address == "" {
		return fmt.Errorf("network.proxy.address is required when the proxy is enabled")
	}
	return nil
}

// Validate checks that both tiers resolve to a configured model.
func (r *LLMRouterConfig) Validate() error {
	for tier, name := range map[string]string{
		"default_fast_model":     r.DefaultFastModel,
		"default_powerful_model": r.DefaultPowerfulModel,
	} {
		if name == "" {
			return fmt.Errorf("%s must be set", tier)
		}
		model, ok := r.Models[name]
		if !ok {
			return fmt.Errorf("%s references unknown model %q", tier, name)
		}
		switch model.Provider {
		case ProviderOpenAI, ProviderGemini:
		default:
			return fmt.Errorf("model %q has unsupported provider %q", name, model.Provider)
		}
	}
	return nil
}

// Model returns the configuration for a named model.
func (r *LLMRouterConfig) Model(name string) (LLMModelConfig, error) {
	model, ok := r.Models[name]
	if !ok {
		return LLMModelConfig{}, fmt.Errorf("model %q is not configured", name)
	}
	return model, nil
}
