package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nstogner/codeagent/pkg/compaction"
	"github.com/nstogner/codeagent/pkg/controller"
	"github.com/nstogner/codeagent/pkg/sandbox/docker"
	"github.com/nstogner/codeagent/pkg/session"
)

const (
	EnvPrefix = "AGENT"

	DefaultModel      = "gemini-2.5-flash"
	DefaultStorePath  = "agent.db"
	DefaultServerAddr = ":8080"
	DefaultLogFile    = "agent.log"
)

// Error reports an invalid configuration value.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

type Memory struct {
	MaxTokens              int     `mapstructure:"max_tokens"`
	TriggerPercent         float64 `mapstructure:"trigger_percent"`
	KeepRecent             int     `mapstructure:"keep_recent"`
	MaxSummaryChars        int     `mapstructure:"max_summary_chars"`
	MaxMessageChars        int     `mapstructure:"max_message_chars"`
	CharsPerToken          float64 `mapstructure:"chars_per_token"`
	SummaryMaxOutputTokens int     `mapstructure:"summary_max_output_tokens"`
}

type Model struct {
	Name        string `mapstructure:"name"`
	SummaryName string `mapstructure:"summary_name"`
	APIKey      string `mapstructure:"api_key"`
}

type Sandbox struct {
	Name      string        `mapstructure:"name"`
	Image     string        `mapstructure:"image"`
	WorkDir   string        `mapstructure:"workdir"`
	Workspace string        `mapstructure:"workspace"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Ports     []string      `mapstructure:"ports"`
}

type Store struct {
	Path string `mapstructure:"path"`
}

type Agent struct {
	MaxSteps int    `mapstructure:"max_steps"`
	Preamble string `mapstructure:"preamble"`
}

type Server struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Config is the full configuration surface.
type Config struct {
	Memory  Memory  `mapstructure:"memory"`
	Model   Model   `mapstructure:"model"`
	Sandbox Sandbox `mapstructure:"sandbox"`
	Store   Store   `mapstructure:"store"`
	Agent   Agent   `mapstructure:"agent"`
	Server  Server  `mapstructure:"server"`
	Log     Log     `mapstructure:"log"`
}

// SetDefaults registers every key with its default value. Registering all
// keys also lets environment variables override values absent from a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("memory.max_tokens", session.DefaultMaxTokens)
	v.SetDefault("memory.trigger_percent", session.DefaultTriggerPercent)
	v.SetDefault("memory.keep_recent", compaction.DefaultKeepRecent)
	v.SetDefault("memory.max_summary_chars", compaction.DefaultMaxSummaryChars)
	v.SetDefault("memory.max_message_chars", compaction.DefaultMaxMessageChars)
	v.SetDefault("memory.chars_per_token", session.DefaultCharsPerToken)
	v.SetDefault("memory.summary_max_output_tokens", compaction.DefaultMaxOutputTokens)

	v.SetDefault("model.name", DefaultModel)
	v.SetDefault("model.summary_name", "")
	v.SetDefault("model.api_key", "")

	v.SetDefault("sandbox.name", docker.DefaultName)
	v.SetDefault("sandbox.image", docker.DefaultImage)
	v.SetDefault("sandbox.workdir", docker.DefaultWorkDir)
	v.SetDefault("sandbox.workspace", ".")
	v.SetDefault("sandbox.timeout", docker.DefaultTimeout)
	v.SetDefault("sandbox.ports", []string{})

	v.SetDefault("store.path", DefaultStorePath)
	v.SetDefault("agent.max_steps", controller.DefaultMaxSteps)
	v.SetDefault("agent.preamble", controller.DefaultPreamble)
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", DefaultLogFile)
}

// Load reads the configuration from defaults, the optional file, the
// environment and any flags already bound to v, then validates it.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("model.api_key", EnvPrefix+"_MODEL_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, fmt.Errorf("binding api key: %w", err)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		v.SetConfigName("agent")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every value whose misuse would only surface later.
func (c *Config) Validate() error {
	m := c.Memory
	switch {
	case m.MaxTokens <= 0:
		return &Error{Field: "memory.max_tokens", Reason: "must be positive"}
	case m.TriggerPercent <= 0 || m.TriggerPercent > 1:
		return &Error{Field: "memory.trigger_percent", Reason: "must be in (0, 1]"}
	case m.KeepRecent < 0:
		return &Error{Field: "memory.keep_recent", Reason: "must not be negative"}
	case m.MaxSummaryChars <= 0:
		return &Error{Field: "memory.max_summary_chars", Reason: "must be positive"}
	case m.MaxMessageChars <= 0:
		return &Error{Field: "memory.max_message_chars", Reason: "must be positive"}
	case m.CharsPerToken <= 0:
		return &Error{Field: "memory.chars_per_token", Reason: "must be positive"}
	case m.SummaryMaxOutputTokens <= 0:
		return &Error{Field: "memory.summary_max_output_tokens", Reason: "must be positive"}
	}

	s := c.Sandbox
	switch {
	case s.Name == "":
		return &Error{Field: "sandbox.name", Reason: "must not be empty"}
	case s.Image == "":
		return &Error{Field: "sandbox.image", Reason: "must not be empty"}
	case s.WorkDir == "":
		return &Error{Field: "sandbox.workdir", Reason: "must not be empty"}
	case s.Workspace == "":
		return &Error{Field: "sandbox.workspace", Reason: "must not be empty"}
	case s.Timeout <= 0:
		return &Error{Field: "sandbox.timeout", Reason: "must be positive"}
	}

	if c.Store.Path == "" {
		return &Error{Field: "store.path", Reason: "must not be empty"}
	}
	if c.Model.Name == "" {
		return &Error{Field: "model.name", Reason: "must not be empty"}
	}
	if c.Agent.MaxSteps <= 0 {
		return &Error{Field: "agent.max_steps", Reason: "must be positive"}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return &Error{Field: "log.level", Reason: err.Error()}
	}
	return nil
}

// RequireAPIKey is checked only by commands that call the model.
func (c *Config) RequireAPIKey() error {
	if c.Model.APIKey == "" {
		return &Error{Field: "model.api_key", Reason: "required (set GEMINI_API_KEY)"}
	}
	return nil
}

// SlogLevel parses the configured level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("unknown level %q", l.Level)
	}
	return lvl, nil
}

// SessionConfig returns the budget settings for the orchestrator.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		MaxTokens:      c.Memory.MaxTokens,
		TriggerPercent: c.Memory.TriggerPercent,
		CharsPerToken:  c.Memory.CharsPerToken,
	}
}

// CompactionConfig returns the engine settings.
func (c *Config) CompactionConfig() compaction.Config {
	return compaction.Config{
		KeepRecent:      c.Memory.KeepRecent,
		MaxSummaryChars: c.Memory.MaxSummaryChars,
		MaxMessageChars: c.Memory.MaxMessageChars,
		MaxOutputTokens: c.Memory.SummaryMaxOutputTokens,
	}
}

// SandboxConfig returns the docker manager settings.
func (c *Config) SandboxConfig() docker.Config {
	return docker.Config{
		Name:      c.Sandbox.Name,
		Image:     c.Sandbox.Image,
		WorkDir:   c.Sandbox.WorkDir,
		Workspace: c.Sandbox.Workspace,
		Timeout:   c.Sandbox.Timeout,
		Ports:     c.Sandbox.Ports,
	}
}

// ControllerConfig returns the agent loop settings.
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		Preamble: c.Agent.Preamble,
		MaxSteps: c.Agent.MaxSteps,
	}
}
