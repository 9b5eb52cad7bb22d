// Package config provides configuration types and loading for mnemod.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Store, Batcher, Oracle, Policy, Dedup, Route,
// Ingest, Gateway.
type Config struct {
	Paths   PathsConfig   `json:"paths"`
	Store   StoreConfig   `json:"store"`
	Batcher BatcherConfig `json:"batcher"`
	Oracle  OracleConfig  `json:"oracle"`
	Policy  PolicyConfig  `json:"policy"`
	Dedup   DedupConfig   `json:"dedup"`
	Route   RouteConfig   `json:"route"`
	Ingest  IngestConfig  `json:"ingest"`
	Gateway GatewayConfig `json:"gateway"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
	DBPath  string `json:"dbPath" envconfig:"DB_PATH"`
}

// ---------------------------------------------------------------------------
// Store – memory storage backend
// ---------------------------------------------------------------------------

// StoreConfig selects and configures the memory storage backend.
// Driver "sqlite" uses the local database at Paths.DBPath; "postgres"
// connects to PostgresURL and requires the pgvector extension.
type StoreConfig struct {
	Driver      string `json:"driver" envconfig:"DRIVER"`
	PostgresURL string `json:"postgresUrl,omitempty" envconfig:"POSTGRES_URL"`
}

// ---------------------------------------------------------------------------
// Batcher – episode buffering
// ---------------------------------------------------------------------------

// BatcherConfig controls when a repo's event buffer becomes an episode.
type BatcherConfig struct {
	MaxEvents    int           `json:"maxEvents" envconfig:"MAX_EVENTS"`
	MaxAge       time.Duration `json:"maxAge" envconfig:"MAX_AGE"`
	TickInterval time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
}

// ---------------------------------------------------------------------------
// Oracle – classification service
// ---------------------------------------------------------------------------

// OracleConfig configures the classification oracle and embedder clients.
type OracleConfig struct {
	APIKey         string        `json:"apiKey" envconfig:"API_KEY"`
	APIBase        string        `json:"apiBase,omitempty" envconfig:"API_BASE"`
	Model          string        `json:"model" envconfig:"MODEL"`
	EmbeddingModel string        `json:"embeddingModel" envconfig:"EMBEDDING_MODEL"`
	Timeout        time.Duration `json:"timeout" envconfig:"TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Policy – extraction guardrails
// ---------------------------------------------------------------------------

// PolicyConfig holds the extraction policy thresholds.
type PolicyConfig struct {
	ConfidenceFloor float64       `json:"confidenceFloor" envconfig:"CONFIDENCE_FLOOR"`
	MaxRetries      int           `json:"maxRetries" envconfig:"MAX_RETRIES"`
	RetryBackoff    time.Duration `json:"retryBackoff" envconfig:"RETRY_BACKOFF"`
}

// ---------------------------------------------------------------------------
// Dedup – near-duplicate merging
// ---------------------------------------------------------------------------

// DedupConfig holds the deduplication engine settings.
// Threshold is the cosine similarity above which two memories of the same
// (type, scope) are considered the same fact.
type DedupConfig struct {
	Threshold      float64 `json:"threshold" envconfig:"THRESHOLD"`
	TopK           int     `json:"topK" envconfig:"TOP_K"`
	UseOracleMerge bool    `json:"useOracleMerge" envconfig:"USE_ORACLE_MERGE"`
}

// ---------------------------------------------------------------------------
// Route – retrieval scoring
// ---------------------------------------------------------------------------

// RouteConfig holds retrieval scoring weights and limits.
type RouteConfig struct {
	MaxResults      int           `json:"maxResults" envconfig:"MAX_RESULTS"`
	SimilarityW     float64       `json:"similarityWeight" envconfig:"SIMILARITY_WEIGHT"`
	ImportanceW     float64       `json:"importanceWeight" envconfig:"IMPORTANCE_WEIGHT"`
	RecencyW        float64       `json:"recencyWeight" envconfig:"RECENCY_WEIGHT"`
	RecencyHalfLife time.Duration `json:"recencyHalfLife" envconfig:"RECENCY_HALF_LIFE"`
	DefaultBudget   int           `json:"defaultBudgetTokens" envconfig:"DEFAULT_BUDGET_TOKENS"`
}

// ---------------------------------------------------------------------------
// Ingest – event sources
// ---------------------------------------------------------------------------

// IngestConfig configures optional event ingest channels.
type IngestConfig struct {
	Kafka KafkaConfig `json:"kafka"`
}

// KafkaConfig configures the Kafka event ingest consumer.
type KafkaConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers []string `json:"brokers" envconfig:"BROKERS"`
	Topic   string   `json:"topic" envconfig:"TOPIC"`
	GroupID string   `json:"groupId" envconfig:"GROUP_ID"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP surface
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}
