package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	GenAI    GenAIConfig    `mapstructure:"genai"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ReadTimeout     int `mapstructure:"read_timeout"`     // milliseconds
	WriteTimeout    int `mapstructure:"write_timeout"`    // milliseconds
	ShutdownTimeout int `mapstructure:"shutdown_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string.
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GenAIConfig holds the completion/embedding capability endpoints. The
// embedding model here must match the model used at document ingestion time;
// the retriever trusts this single value for both sides.
type GenAIConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	CompletionModel string `mapstructure:"completion_model"`
	EmbeddingModel  string `mapstructure:"embedding_model"`
	Timeout         int    `mapstructure:"timeout"` // milliseconds, per call
}

// PipelineConfig groups per-stage settings.
type PipelineConfig struct {
	Intent    IntentConfig    `mapstructure:"intent"`
	Entities  EntitiesConfig  `mapstructure:"entities"`
	SQL       SQLConfig       `mapstructure:"sql"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Composer  ComposerConfig  `mapstructure:"composer"`
	Router    RouterConfig    `mapstructure:"router"`
}

type IntentConfig struct {
	Timeout   int `mapstructure:"timeout"` // milliseconds
	MaxTokens int `mapstructure:"max_tokens"`
}

type EntitiesConfig struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	AmbiguityMargin     float64 `mapstructure:"ambiguity_margin"`
	MaxEntities         int     `mapstructure:"max_entities"`
}

type SQLConfig struct {
	Relation      string `mapstructure:"relation"`
	PreviewLimit  int    `mapstructure:"preview_limit"`
	MaxLimit      int    `mapstructure:"max_limit"`
	MaxFieldChars int    `mapstructure:"max_field_chars"`
	Timeout       int    `mapstructure:"timeout"` // milliseconds, statement level
	GenTimeout    int    `mapstructure:"gen_timeout"`
	GenMaxTokens  int    `mapstructure:"gen_max_tokens"`
}

type RetrievalConfig struct {
	TopK                     int     `mapstructure:"top_k"`
	MaxSources               int     `mapstructure:"max_sources"`
	MinScore                 float64 `mapstructure:"min_score"`
	DedupSimilarityThreshold float64 `mapstructure:"dedup_similarity_threshold"`
	MaxSnippets              int     `mapstructure:"max_snippets"`
	MaxTextChars             int     `mapstructure:"max_text_chars"`
	Timeout                  int     `mapstructure:"timeout"` // milliseconds
}

type ComposerConfig struct {
	MaxAnswerChars int `mapstructure:"max_answer_chars"`
	MaxTokens      int `mapstructure:"max_tokens"`
	Timeout        int `mapstructure:"timeout"` // milliseconds
}

// RouterConfig names the routing policy explicitly so the unknown-intent
// trade-off stays tunable instead of being an implicit fallback.
type RouterConfig struct {
	UnknownRunsBoth         bool    `mapstructure:"unknown_runs_both"`
	IntentOverrideThreshold float64 `mapstructure:"intent_override_threshold"`
	NotFoundTemplate        string  `mapstructure:"not_found_template"`
	DiagnosticsTTL          int     `mapstructure:"diagnostics_ttl"` // seconds
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
