// Package config provides configuration file support for refine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/refinelab/refine/internal/stream"
)

// ConfigFileName is the name of the config file.
const ConfigFileName = ".refine.yaml"

// Round budget bounds. Caller-supplied budgets are clamped into
// [MinRounds, MaxRounds]; an absent budget means DefaultRounds.
const (
	MinRounds     = 1
	MaxRounds     = 10
	DefaultRounds = 5
)

// Duration is a custom type that handles YAML duration parsing.
// Supports both Go duration format ("5m", "300s") and numeric seconds.
type Duration time.Duration

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration type: %T", v)
	}
	return nil
}

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// BackendConfig holds one backend's settings in the config file.
type BackendConfig struct {
	URL    *string `yaml:"url"`
	Model  *string `yaml:"model"`
	Format *string `yaml:"format"`
}

// Config represents the refine configuration file.
type Config struct {
	Rounds   *int          `yaml:"rounds"`
	Timeout  *Duration     `yaml:"timeout"`
	Solver   BackendConfig `yaml:"solver"`
	Reviewer BackendConfig `yaml:"reviewer"`
}

// LoadFromPath reads a config file. Returns an empty config (not an error)
// if the file doesn't exist; returns an error if the file exists but is
// invalid YAML or carries invalid values.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ConfigFileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ConfigFileName, err)
	}
	return &cfg, nil
}

// Load reads ConfigFileName from the current directory.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFileName)
}

// Validate checks that all config values are valid. Round budgets are not
// range-checked here: out-of-range budgets are clamped at run entry, by
// contract, never rejected.
func (c *Config) Validate() error {
	if c.Timeout != nil && *c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %s", time.Duration(*c.Timeout))
	}
	for name, b := range map[string]BackendConfig{"solver": c.Solver, "reviewer": c.Reviewer} {
		if b.Format != nil {
			if _, err := stream.ParseFormat(*b.Format); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

// ClampRounds maps a requested round budget into [MinRounds, MaxRounds].
// Zero means "use the default"; clamping is total and never fails.
func ClampRounds(rounds int) int {
	if rounds == 0 {
		rounds = DefaultRounds
	}
	if rounds < MinRounds {
		return MinRounds
	}
	if rounds > MaxRounds {
		return MaxRounds
	}
	return rounds
}

// ResolvedBackend holds one backend's final settings.
type ResolvedBackend struct {
	URL    string
	Model  string
	Format stream.Format
}

// ResolvedConfig holds the final resolved configuration values.
type ResolvedConfig struct {
	Rounds   int
	Timeout  time.Duration
	Solver   ResolvedBackend
	Reviewer ResolvedBackend
}

// Defaults holds the built-in default values.
var Defaults = ResolvedConfig{
	Rounds:  DefaultRounds,
	Timeout: 5 * time.Minute,
	Solver: ResolvedBackend{
		URL:    "http://localhost:11434",
		Model:  "qwen2.5-coder",
		Format: stream.FormatChat,
	},
	Reviewer: ResolvedBackend{
		URL:    "http://localhost:11434",
		Model:  "llama3.1",
		Format: stream.FormatChat,
	},
}

// FlagState tracks whether a flag was explicitly set.
type FlagState struct {
	RoundsSet         bool
	TimeoutSet        bool
	SolverURLSet      bool
	SolverModelSet    bool
	SolverFormatSet   bool
	ReviewerURLSet    bool
	ReviewerModelSet  bool
	ReviewerFormatSet bool
}

// EnvState captures env var values and whether they were set.
type EnvState struct {
	Rounds            int
	RoundsSet         bool
	Timeout           time.Duration
	TimeoutSet        bool
	SolverURL         string
	SolverURLSet      bool
	SolverModel       string
	SolverModelSet    bool
	SolverFormat      stream.Format
	SolverFormatSet   bool
	ReviewerURL       string
	ReviewerURLSet    bool
	ReviewerModel     string
	ReviewerModelSet  bool
	ReviewerFormat    stream.Format
	ReviewerFormatSet bool
}

// LoadEnvState reads environment variables and returns their state.
func LoadEnvState() EnvState {
	var state EnvState

	if v := os.Getenv("REFINE_ROUNDS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			state.Rounds = i
			state.RoundsSet = true
		}
	}
	if v := os.Getenv("REFINE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			state.Timeout = d
			state.TimeoutSet = true
		} else if secs, err := strconv.Atoi(v); err == nil {
			state.Timeout = time.Duration(secs) * time.Second
			state.TimeoutSet = true
		}
	}
	if v := os.Getenv("REFINE_SOLVER_URL"); v != "" {
		state.SolverURL = v
		state.SolverURLSet = true
	}
	if v := os.Getenv("REFINE_SOLVER_MODEL"); v != "" {
		state.SolverModel = v
		state.SolverModelSet = true
	}
	if v := os.Getenv("REFINE_SOLVER_FORMAT"); v != "" {
		if f, err := stream.ParseFormat(v); err == nil {
			state.SolverFormat = f
			state.SolverFormatSet = true
		}
	}
	if v := os.Getenv("REFINE_REVIEWER_URL"); v != "" {
		state.ReviewerURL = v
		state.ReviewerURLSet = true
	}
	if v := os.Getenv("REFINE_REVIEWER_MODEL"); v != "" {
		state.ReviewerModel = v
		state.ReviewerModelSet = true
	}
	if v := os.Getenv("REFINE_REVIEWER_FORMAT"); v != "" {
		if f, err := stream.ParseFormat(v); err == nil {
			state.ReviewerFormat = f
			state.ReviewerFormatSet = true
		}
	}

	return state
}

// Resolve merges config file values with env vars and flags.
// Precedence: flags > env vars > config file > defaults.
func Resolve(cfg *Config, envState EnvState, flagState FlagState, flagValues ResolvedConfig) ResolvedConfig {
	result := Defaults

	// Apply config file values (if set)
	if cfg != nil {
		if cfg.Rounds != nil {
			result.Rounds = *cfg.Rounds
		}
		if cfg.Timeout != nil {
			result.Timeout = cfg.Timeout.AsDuration()
		}
		applyBackendConfig(&result.Solver, cfg.Solver)
		applyBackendConfig(&result.Reviewer, cfg.Reviewer)
	}

	// Apply env var values (if set)
	if envState.RoundsSet {
		result.Rounds = envState.Rounds
	}
	if envState.TimeoutSet {
		result.Timeout = envState.Timeout
	}
	if envState.SolverURLSet {
		result.Solver.URL = envState.SolverURL
	}
	if envState.SolverModelSet {
		result.Solver.Model = envState.SolverModel
	}
	if envState.SolverFormatSet {
		result.Solver.Format = envState.SolverFormat
	}
	if envState.ReviewerURLSet {
		result.Reviewer.URL = envState.ReviewerURL
	}
	if envState.ReviewerModelSet {
		result.Reviewer.Model = envState.ReviewerModel
	}
	if envState.ReviewerFormatSet {
		result.Reviewer.Format = envState.ReviewerFormat
	}

	// Apply flag values (if explicitly set)
	if flagState.RoundsSet {
		result.Rounds = flagValues.Rounds
	}
	if flagState.TimeoutSet {
		result.Timeout = flagValues.Timeout
	}
	if flagState.SolverURLSet {
		result.Solver.URL = flagValues.Solver.URL
	}
	if flagState.SolverModelSet {
		result.Solver.Model = flagValues.Solver.Model
	}
	if flagState.SolverFormatSet {
		result.Solver.Format = flagValues.Solver.Format
	}
	if flagState.ReviewerURLSet {
		result.Reviewer.URL = flagValues.Reviewer.URL
	}
	if flagState.ReviewerModelSet {
		result.Reviewer.Model = flagValues.Reviewer.Model
	}
	if flagState.ReviewerFormatSet {
		result.Reviewer.Format = flagValues.Reviewer.Format
	}

	result.Rounds = ClampRounds(result.Rounds)
	return result
}

func applyBackendConfig(dst *ResolvedBackend, src BackendConfig) {
	if src.URL != nil {
		dst.URL = *src.URL
	}
	if src.Model != nil {
		dst.Model = *src.Model
	}
	if src.Format != nil {
		if f, err := stream.ParseFormat(*src.Format); err == nil {
			dst.Format = f
		}
	}
}
