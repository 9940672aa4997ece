// Package config provides configuration loading, validation, and management
// for the workflow engine.
//
// A single global Config instance is maintained in memory, protected by a
// mutex. GetConfig() returns the config BY VALUE so callers cannot mutate
// shared state; all updates go through the Update* functions, which validate
// and persist atomically. Schema changes must increment SchemaVersion.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"blueprint/pkg/logx"
)

// SchemaVersion tracks the config file format. Increment on breaking change.
const SchemaVersion = 1

// ConfigDirName is the per-project directory holding config, secrets, and
// the checkpoint database.
const ConfigDirName = ".blueprint"

const configFileName = "config.json"

// Provider name constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Model role constants. Roles decouple workflow stages from concrete models:
// stages ask for a role, the router resolves it to a provider chain.
const (
	RoleGenerator   = "generator"
	RoleValidator   = "validator"
	RoleSynthesizer = "synthesizer"
)

// ModelRef names one concrete model at one provider.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ModelsConfig maps each role to an ordered provider preference list.
// The first entry is primary; the rest are fallbacks in order.
type ModelsConfig struct {
	Generator   []ModelRef `json:"generator"`
	Validator   []ModelRef `json:"validator"`
	Synthesizer []ModelRef `json:"synthesizer"`
}

// ForRole returns the ordered model list for a role.
func (m *ModelsConfig) ForRole(role string) []ModelRef {
	switch role {
	case RoleGenerator:
		return m.Generator
	case RoleValidator:
		return m.Validator
	case RoleSynthesizer:
		return m.Synthesizer
	default:
		return nil
	}
}

// WorkflowConfig holds engine behavior settings.
type WorkflowConfig struct {
	// MaxRevisions bounds review rejection loops per review gate.
	MaxRevisions int `json:"max_revisions"`
	// StageMaxRetries bounds automatic retries of a failed stage handler.
	StageMaxRetries int `json:"stage_max_retries"`
	// StageRetryDelayMS is the initial backoff between stage retries.
	StageRetryDelayMS int `json:"stage_retry_delay_ms"`
	// RequestTimeoutSec is the per-LLM-request timeout.
	RequestTimeoutSec int `json:"request_timeout_sec"`
}

// RefinementConfig holds refinement engine defaults.
type RefinementConfig struct {
	// Strategy is the default strategy name.
	Strategy string `json:"strategy"`
	// QualityThreshold is the overall score at which refinement stops.
	QualityThreshold float64 `json:"quality_threshold"`
	// MaxIterations caps refinement loops regardless of quality.
	MaxIterations int `json:"max_iterations"`
	// SynthesisDrafts is the fan-out width for multi-model synthesis.
	SynthesisDrafts int `json:"synthesis_drafts"`
}

// OllamaConfig holds settings for the local Ollama backend.
type OllamaConfig struct {
	HostURL string `json:"host_url"`
}

// MetricsConfig holds metrics exposure and query settings.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	PrometheusURL string `json:"prometheus_url,omitempty"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// Config is the root configuration object persisted to
// .blueprint/config.json.
type Config struct {
	SchemaVersion int               `json:"schema_version"`
	ProjectName   string            `json:"project_name"`
	Models        ModelsConfig      `json:"models"`
	Workflow      WorkflowConfig    `json:"workflow"`
	Refinement    RefinementConfig  `json:"refinement"`
	Ollama        OllamaConfig      `json:"ollama"`
	Metrics       MetricsConfig     `json:"metrics"`
	Server        ServerConfig      `json:"server"`
}

// Global config instance with mutex protection. projectDir is set once
// during LoadConfig and never changes.
//
//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string
	logger     *logx.Logger
	mu         sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// DefaultConfig returns a config with working defaults for a new project.
func DefaultConfig(projectName string) *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		ProjectName:   projectName,
		Models: ModelsConfig{
			Generator: []ModelRef{
				{Provider: ProviderAnthropic, Model: "claude-sonnet-4-20250514"},
				{Provider: ProviderOpenAI, Model: "gpt-4o"},
			},
			Validator: []ModelRef{
				{Provider: ProviderOpenAI, Model: "o3-mini"},
				{Provider: ProviderGoogle, Model: "gemini-2.0-flash"},
			},
			Synthesizer: []ModelRef{
				{Provider: ProviderAnthropic, Model: "claude-sonnet-4-20250514"},
				{Provider: ProviderGoogle, Model: "gemini-2.0-flash"},
				{Provider: ProviderOllama, Model: "llama3.1"},
			},
		},
		Workflow: WorkflowConfig{
			MaxRevisions:      3,
			StageMaxRetries:   3,
			StageRetryDelayMS: 500,
			RequestTimeoutSec: 300,
		},
		Refinement: RefinementConfig{
			Strategy:         "iterative_improvement",
			QualityThreshold: 0.85,
			MaxIterations:    3,
			SynthesisDrafts:  3,
		},
		Ollama: OllamaConfig{
			HostURL: "http://localhost:11434",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			ListenAddr: ":8090",
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported config schema version %d (expected %d)", c.SchemaVersion, SchemaVersion)
	}
	if c.Workflow.MaxRevisions < 1 {
		return fmt.Errorf("workflow.max_revisions must be at least 1")
	}
	if c.Workflow.StageMaxRetries < 0 {
		return fmt.Errorf("workflow.stage_max_retries cannot be negative")
	}
	if c.Refinement.QualityThreshold < 0 || c.Refinement.QualityThreshold > 1 {
		return fmt.Errorf("refinement.quality_threshold must be in [0,1]")
	}
	if c.Refinement.MaxIterations < 1 {
		return fmt.Errorf("refinement.max_iterations must be at least 1")
	}
	if c.Refinement.SynthesisDrafts < 1 {
		return fmt.Errorf("refinement.synthesis_drafts must be at least 1")
	}
	for _, role := range []string{RoleGenerator, RoleValidator, RoleSynthesizer} {
		refs := c.Models.ForRole(role)
		if len(refs) == 0 {
			return fmt.Errorf("models.%s must list at least one provider", role)
		}
		for i := range refs {
			switch refs[i].Provider {
			case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
			default:
				return fmt.Errorf("models.%s[%d]: unknown provider %q", role, i, refs[i].Provider)
			}
			if refs[i].Model == "" {
				return fmt.Errorf("models.%s[%d]: model name cannot be empty", role, i)
			}
		}
	}
	return nil
}

// ConfigPath returns the path of the config file under the given project dir.
func ConfigPath(dir string) string {
	return filepath.Join(dir, ConfigDirName, configFileName)
}

// LoadConfig reads and validates .blueprint/config.json, installing it as
// the process-wide config. Call once at startup.
func LoadConfig(dir string) error {
	path := ConfigPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config in %s: %w", path, err)
	}

	mu.Lock()
	defer mu.Unlock()
	config = &cfg
	projectDir = dir

	getLogger().Info("loaded config for project %q from %s", cfg.ProjectName, path)
	return nil
}

// InitConfig writes a default config for a new project and installs it.
// Fails if a config file already exists.
func InitConfig(dir, projectName string) error {
	path := ConfigPath(dir)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	cfg := DefaultConfig(projectName)
	if err := writeConfig(dir, cfg); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	config = cfg
	projectDir = dir
	return nil
}

// GetConfig returns a copy of the current config.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not loaded - call LoadConfig first")
	}
	return *config, nil
}

// GetProjectDir returns the project directory set at load time.
func GetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	if projectDir == "" {
		return "."
	}
	return projectDir
}

func writeConfig(dir string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	confDir := filepath.Join(dir, ConfigDirName)
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", ConfigDirName, err)
	}

	path := filepath.Join(confDir, configFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// UpdateModels atomically replaces the model role tables, with validation
// and persistence.
func UpdateModels(models *ModelsConfig) error {
	return update(func(c *Config) { c.Models = *models })
}

// UpdateWorkflow atomically replaces the workflow settings.
func UpdateWorkflow(wf *WorkflowConfig) error {
	return update(func(c *Config) { c.Workflow = *wf })
}

// UpdateRefinement atomically replaces the refinement defaults.
func UpdateRefinement(rc *RefinementConfig) error {
	return update(func(c *Config) { c.Refinement = *rc })
}

func update(apply func(*Config)) error {
	mu.Lock()
	defer mu.Unlock()
	if config == nil {
		return fmt.Errorf("config not loaded - call LoadConfig first")
	}

	updated := *config
	apply(&updated)
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("rejected config update: %w", err)
	}
	if err := writeConfig(projectDir, &updated); err != nil {
		return err
	}
	config = &updated
	return nil
}
