package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	// Base config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like DATABASE_POSTGRES_HOST
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment overlay, ignored if not present
	viper.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = viper.MergeInConfig()

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads .env from the locations the binary and tests run from.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}
	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

// expandEnvVars replaces ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if strings.Contains(value, "${") {
			v.Set(key, os.ExpandEnv(value))
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "askd"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15000
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 120000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10000
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 10
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if len(cfg.Database.Elasticsearch.Addresses) == 0 {
		cfg.Database.Elasticsearch.Addresses = []string{"http://localhost:9200"}
	}
	if cfg.Database.Elasticsearch.Index == "" {
		cfg.Database.Elasticsearch.Index = "research_chunks"
	}
	if cfg.Database.Redis.Address == "" {
		cfg.Database.Redis.Address = "localhost:6379"
	}

	if cfg.GenAI.Timeout == 0 {
		cfg.GenAI.Timeout = 30000
	}
	if cfg.GenAI.CompletionModel == "" {
		cfg.GenAI.CompletionModel = "copilot-default"
	}
	if cfg.GenAI.EmbeddingModel == "" {
		cfg.GenAI.EmbeddingModel = "text-embedding-3-small"
	}

	if cfg.Pipeline.Intent.Timeout == 0 {
		cfg.Pipeline.Intent.Timeout = 10000
	}
	if cfg.Pipeline.Intent.MaxTokens == 0 {
		cfg.Pipeline.Intent.MaxTokens = 200
	}
	if cfg.Pipeline.Entities.ConfidenceThreshold == 0 {
		cfg.Pipeline.Entities.ConfidenceThreshold = 0.80
	}
	if cfg.Pipeline.Entities.AmbiguityMargin == 0 {
		cfg.Pipeline.Entities.AmbiguityMargin = 0.05
	}
	if cfg.Pipeline.Entities.MaxEntities == 0 {
		cfg.Pipeline.Entities.MaxEntities = 5
	}
	if cfg.Pipeline.SQL.Relation == "" {
		cfg.Pipeline.SQL.Relation = "equities"
	}
	if cfg.Pipeline.SQL.PreviewLimit == 0 {
		cfg.Pipeline.SQL.PreviewLimit = 5
	}
	if cfg.Pipeline.SQL.MaxLimit == 0 {
		cfg.Pipeline.SQL.MaxLimit = 50
	}
	if cfg.Pipeline.SQL.MaxFieldChars == 0 {
		cfg.Pipeline.SQL.MaxFieldChars = 2000
	}
	if cfg.Pipeline.SQL.Timeout == 0 {
		cfg.Pipeline.SQL.Timeout = 5000
	}
	if cfg.Pipeline.SQL.GenTimeout == 0 {
		cfg.Pipeline.SQL.GenTimeout = 20000
	}
	if cfg.Pipeline.SQL.GenMaxTokens == 0 {
		cfg.Pipeline.SQL.GenMaxTokens = 600
	}
	if cfg.Pipeline.Retrieval.TopK == 0 {
		cfg.Pipeline.Retrieval.TopK = 8
	}
	if cfg.Pipeline.Retrieval.MaxSources == 0 {
		cfg.Pipeline.Retrieval.MaxSources = 3
	}
	if cfg.Pipeline.Retrieval.MinScore == 0 {
		cfg.Pipeline.Retrieval.MinScore = 0.25
	}
	if cfg.Pipeline.Retrieval.DedupSimilarityThreshold == 0 {
		cfg.Pipeline.Retrieval.DedupSimilarityThreshold = 0.95
	}
	if cfg.Pipeline.Retrieval.MaxSnippets == 0 {
		cfg.Pipeline.Retrieval.MaxSnippets = 5
	}
	if cfg.Pipeline.Retrieval.MaxTextChars == 0 {
		cfg.Pipeline.Retrieval.MaxTextChars = 4000
	}
	if cfg.Pipeline.Retrieval.Timeout == 0 {
		cfg.Pipeline.Retrieval.Timeout = 15000
	}
	if cfg.Pipeline.Composer.MaxAnswerChars == 0 {
		cfg.Pipeline.Composer.MaxAnswerChars = 3000
	}
	if cfg.Pipeline.Composer.MaxTokens == 0 {
		cfg.Pipeline.Composer.MaxTokens = 900
	}
	if cfg.Pipeline.Composer.Timeout == 0 {
		cfg.Pipeline.Composer.Timeout = 30000
	}
	if !viper.IsSet("pipeline.router.unknown_runs_both") {
		cfg.Pipeline.Router.UnknownRunsBoth = true
	}
	if cfg.Pipeline.Router.IntentOverrideThreshold == 0 {
		cfg.Pipeline.Router.IntentOverrideThreshold = 0.8
	}
	if cfg.Pipeline.Router.NotFoundTemplate == "" {
		cfg.Pipeline.Router.NotFoundTemplate = "I could not find the company mentioned in %q in the coverage universe, so I don't have data to answer."
	}
	if cfg.Pipeline.Router.DiagnosticsTTL == 0 {
		cfg.Pipeline.Router.DiagnosticsTTL = 3600
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.GenAI.BaseURL == "" {
		return fmt.Errorf("genai.base_url is required")
	}
	if cfg.Pipeline.Entities.ConfidenceThreshold < 0 || cfg.Pipeline.Entities.ConfidenceThreshold > 1 {
		return fmt.Errorf("pipeline.entities.confidence_threshold must be within [0,1]")
	}
	if cfg.Pipeline.Retrieval.MinScore < 0 {
		return fmt.Errorf("pipeline.retrieval.min_score must be >= 0")
	}
	return nil
}
