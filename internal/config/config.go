package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. ALERTLEDGER_DATABASE_PATH.
const EnvPrefix = "ALERTLEDGER"

// Config holds application configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	AI         AIConfig         `mapstructure:"ai"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Categorize CategorizeConfig `mapstructure:"categorize"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	GCS        GCSConfig        `mapstructure:"gcs"`
	BigQuery   BigQueryConfig   `mapstructure:"bigquery"`
	Gmail      GmailConfig      `mapstructure:"gmail"`
	API        APIConfig        `mapstructure:"api"`
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AIConfig lists the provider credentials that make up the client pool.
// Every API key becomes one pool entry.
type AIConfig struct {
	Gemini    ProviderConfig `mapstructure:"gemini"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	Timeout   time.Duration  `mapstructure:"timeout"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
}

// ProviderConfig holds one provider's keys and model.
type ProviderConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
	Model   string   `mapstructure:"model"`
}

// PipelineConfig tunes extraction post-processing.
type PipelineConfig struct {
	Timezone        string        `mapstructure:"timezone"`
	FutureTolerance time.Duration `mapstructure:"future_tolerance"`
	MaxAIText       int           `mapstructure:"max_ai_text"`
	RuleTimeout     time.Duration `mapstructure:"rule_timeout"`
}

// CategorizeConfig tunes the categorization engine.
type CategorizeConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	Examples            int     `mapstructure:"examples"`
	UnknownCategory     string  `mapstructure:"unknown_category"`
}

// ReconcileConfig tunes correction propagation.
type ReconcileConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// JobsConfig sizes the in-memory queue.
type JobsConfig struct {
	Workers    int           `mapstructure:"workers"`
	Buffer     int           `mapstructure:"buffer"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

// GCSConfig holds the archive bucket. Archiving is disabled when Bucket is empty.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// BigQueryConfig enables the warehouse export when ProjectID is set.
type BigQueryConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Dataset   string `mapstructure:"dataset"`
}

// GmailConfig holds the OAuth client used to refresh stored mailbox tokens.
type GmailConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	BankDomains  []string `mapstructure:"bank_domains"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Port string `mapstructure:"port"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "alertledger", "alertledger.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("ai.gemini.api_keys", []string{})
	v.SetDefault("ai.gemini.model", "gemini-2.5-flash")
	v.SetDefault("ai.anthropic.api_keys", []string{})
	v.SetDefault("ai.anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("ai.timeout", 60*time.Second)
	v.SetDefault("ai.cooldown", 30*time.Second)

	v.SetDefault("pipeline.timezone", "Africa/Lagos")
	v.SetDefault("pipeline.future_tolerance", time.Hour)
	v.SetDefault("pipeline.max_ai_text", 4000)
	v.SetDefault("pipeline.rule_timeout", 2*time.Second)

	v.SetDefault("categorize.similarity_threshold", 0.85)
	v.SetDefault("categorize.examples", 10)
	v.SetDefault("categorize.unknown_category", "Unknown")

	v.SetDefault("reconcile.similarity_threshold", 0.85)

	v.SetDefault("jobs.workers", 5)
	v.SetDefault("jobs.buffer", 100)
	v.SetDefault("jobs.max_retries", 3)
	v.SetDefault("jobs.backoff", 5*time.Second)

	v.SetDefault("gcs.bucket", "")
	v.SetDefault("bigquery.project_id", "")
	v.SetDefault("bigquery.dataset", "alertledger")

	v.SetDefault("gmail.client_id", "")
	v.SetDefault("gmail.client_secret", "")
	v.SetDefault("gmail.bank_domains", DefaultBankDomains)

	v.SetDefault("api.port", "8080")
}

// DefaultBankDomains are the sender domains searched during mailbox sync.
var DefaultBankDomains = []string{
	"providusbank.com",
	"opay-nigeria.com",
	"moniepoint.com",
	"ubagroup.com",
	"gtbank.com",
	"zenithbank.com",
	"accessbankplc.com",
	"firstbanknigeria.com",
	"kudabank.com",
}

// Load reads configuration from file and env. Env var overrides use prefix ALERTLEDGER_.
func Load() (Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigType("yaml")

	cfgPath := os.Getenv(EnvPrefix + "_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "alertledger"))
		v.AddConfigPath(".")
		v.SetConfigName("alertledger")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	if c.Categorize.SimilarityThreshold <= 0 || c.Categorize.SimilarityThreshold > 1 {
		return fmt.Errorf("categorize.similarity_threshold must be in (0, 1], got %v", c.Categorize.SimilarityThreshold)
	}
	if c.Reconcile.SimilarityThreshold <= 0 || c.Reconcile.SimilarityThreshold > 1 {
		return fmt.Errorf("reconcile.similarity_threshold must be in (0, 1], got %v", c.Reconcile.SimilarityThreshold)
	}
	if strings.TrimSpace(c.Categorize.UnknownCategory) == "" {
		return fmt.Errorf("categorize.unknown_category is required")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}
	if _, err := time.LoadLocation(c.Pipeline.Timezone); err != nil {
		return fmt.Errorf("pipeline.timezone: %w", err)
	}
	return nil
}

// Location returns the timezone used for dates without an explicit zone.
func (c PipelineConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HasAI reports whether at least one provider key is configured.
func (c AIConfig) HasAI() bool {
	return len(c.Gemini.APIKeys)+len(c.Anthropic.APIKeys) > 0
}
