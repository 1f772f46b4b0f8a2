// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nkoval/empathy-study/internal/domain"
)

// ErrConfigurationMissing marks optional configuration that could not be
// loaded. Callers degrade gracefully: a missing prompt behaves like the
// control variant, a missing keyword list disables crisis detection.
var ErrConfigurationMissing = errors.New("configuration missing")

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	StudyConfigPath string
	ConfigDir       string
	ExportDir       string
	OpenAIKey       string

	// SessionTimeoutMins controls when idle in-memory sessions are evicted.
	SessionTimeoutMins int

	Study StudyConfig
}

// StudyConfig is the researcher-facing study configuration, loaded once at
// startup from a YAML file.
type StudyConfig struct {
	API struct {
		Model string `yaml:"model"`
		// Temperature is a pointer so an explicit 0 (deterministic
		// sampling) is distinguishable from an unset value.
		Temperature *float32 `yaml:"temperature"`
		MaxTokens   int      `yaml:"max_tokens"`
	} `yaml:"api"`

	Conversation struct {
		MaxMessages   int `yaml:"max_messages"`
		HistoryWindow int `yaml:"history_window"`
	} `yaml:"conversation"`

	Assignment struct {
		Strategy string `yaml:"strategy"`
	} `yaml:"assignment"`

	Safety struct {
		CrisisKeywords []string `yaml:"crisis_keywords"`
		ResponseFile   string   `yaml:"response_file"`
	} `yaml:"safety"`

	// Prompts maps a bot variant to its system-prompt file. Variants
	// without an entry fall back to the conventional
	// <variant>_empathy_prompt.txt in the config directory.
	Prompts map[string]string `yaml:"prompts"`
}

// Load reads configuration from environment variables and the study YAML
// file.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		DBPath:          getEnv("DB_PATH", "./data/conversations.db"),
		StudyConfigPath: getEnv("STUDY_CONFIG", "./config/app_config.yaml"),
		ConfigDir:       getEnv("CONFIG_DIR", "./config"),
		ExportDir:       getEnv("EXPORT_DIR", "./data/exports"),
		OpenAIKey:       getEnv("OPENAI_API_KEY", ""),

		SessionTimeoutMins: getEnvInt("SESSION_TIMEOUT_MINUTES", 30),
	}

	study, err := LoadStudy(cfg.StudyConfigPath)
	if err != nil && !errors.Is(err, ErrConfigurationMissing) {
		return nil, err
	}
	if errors.Is(err, ErrConfigurationMissing) {
		slog.Warn("study config not found, using defaults", "path", cfg.StudyConfigPath)
	}
	cfg.Study = study

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadStudy parses the study YAML file and applies defaults. A missing file
// returns defaults together with ErrConfigurationMissing so callers can log
// the degradation without failing.
func LoadStudy(path string) (StudyConfig, error) {
	var study StudyConfig

	data, readErr := os.ReadFile(path)
	if readErr == nil {
		if err := yaml.Unmarshal(data, &study); err != nil {
			return study, fmt.Errorf("parse study config %s: %w", path, err)
		}
	}

	applyStudyDefaults(&study)

	if readErr != nil {
		return study, fmt.Errorf("%w: %s", ErrConfigurationMissing, path)
	}
	return study, nil
}

func applyStudyDefaults(study *StudyConfig) {
	if study.API.Model == "" {
		study.API.Model = "gpt-4"
	}
	if study.API.Temperature == nil {
		temp := float32(0.7)
		study.API.Temperature = &temp
	}
	if study.API.MaxTokens == 0 {
		study.API.MaxTokens = 1024
	}
	if study.Conversation.MaxMessages == 0 {
		study.Conversation.MaxMessages = 20
	}
	if study.Conversation.HistoryWindow == 0 {
		study.Conversation.HistoryWindow = 20
	}
	if study.Assignment.Strategy == "" {
		study.Assignment.Strategy = "equal_distribution"
	}
	// Only an absent list gets defaults. An explicit empty list is an
	// operator choice to disable crisis detection.
	if study.Safety.CrisisKeywords == nil {
		study.Safety.CrisisKeywords = []string{
			"suicide", "kill myself", "end it all",
			"want to die", "no reason to live", "better off dead",
		}
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Study.Conversation.MaxMessages < 1 {
		return fmt.Errorf("max_messages must be >= 1")
	}
	if c.Study.Conversation.HistoryWindow < 0 {
		return fmt.Errorf("history_window cannot be negative")
	}
	return nil
}

// PromptTexts loads the system prompt for each bot variant. Prompts are
// opaque text blobs; a missing or unreadable file degrades to an empty
// prompt (control behavior) with a warning, never an error.
func (c *Config) PromptTexts() map[domain.BotVariant]string {
	prompts := make(map[domain.BotVariant]string, len(domain.Variants()))
	for _, v := range domain.Variants() {
		if v == domain.VariantControl {
			prompts[v] = "" // neutral baseline
			continue
		}
		path, ok := c.Study.Prompts[string(v)]
		if !ok {
			path = filepath.Join(c.ConfigDir, string(v)+"_empathy_prompt.txt")
		}
		prompts[v] = c.readOptionalText(path, "system prompt")
	}
	return prompts
}

// SafetyResponseText loads the configured crisis safety response, or returns
// empty so the crisis detector falls back to its built-in default.
func (c *Config) SafetyResponseText() string {
	path := c.Study.Safety.ResponseFile
	if path == "" {
		path = filepath.Join(c.ConfigDir, "crisis_response.txt")
	}
	return c.readOptionalText(path, "crisis response")
}

func (c *Config) readOptionalText(path, kind string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("optional config file not loaded",
			"kind", kind,
			"path", path,
			"error", fmt.Errorf("%w: %v", ErrConfigurationMissing, err),
		)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
