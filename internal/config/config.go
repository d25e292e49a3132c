// Package config provides configuration types and loading for lightfast.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Vector    VectorConfig    `json:"vector"`
	Embedding EmbeddingConfig `json:"embedding"`
	Rater     RaterConfig     `json:"rater"`
	Tasks     TasksConfig     `json:"tasks"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Janitor   JanitorConfig   `json:"janitor"`
}

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
	DBPath  string `json:"dbPath" envconfig:"DB_PATH"`
}

// PipelineConfig tunes the write path. Thresholds are policy parameters,
// not invariants; defaults match the shipped scoring tables.
type PipelineConfig struct {
	SignificanceThreshold int           `json:"significanceThreshold" envconfig:"SIGNIFICANCE_THRESHOLD"`
	AffinityThreshold     int           `json:"affinityThreshold" envconfig:"AFFINITY_THRESHOLD"`
	ProfileDebounce       time.Duration `json:"profileDebounce" envconfig:"PROFILE_DEBOUNCE"`
	ClusterInactivity     time.Duration `json:"clusterInactivity" envconfig:"CLUSTER_INACTIVITY"`
}

// VectorConfig configures the vector store backend.
type VectorConfig struct {
	Backend   string `json:"backend" envconfig:"VECTOR_BACKEND"` // "qdrant" or "sqlite"
	QdrantURL string `json:"qdrantUrl" envconfig:"QDRANT_URL"`
	Dimension int    `json:"dimension" envconfig:"VECTOR_DIMENSION"`
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	APIBase string `json:"apiBase" envconfig:"EMBEDDING_API_BASE"`
	APIKey  string `json:"apiKey" envconfig:"EMBEDDING_API_KEY"`
	Model   string `json:"model" envconfig:"EMBEDDING_MODEL"`
}

// RaterConfig configures the relevance-rating / summary generation service.
type RaterConfig struct {
	APIBase string `json:"apiBase" envconfig:"RATER_API_BASE"`
	APIKey  string `json:"apiKey" envconfig:"RATER_API_KEY"`
	Model   string `json:"model" envconfig:"RATER_MODEL"`
}

// TasksConfig configures one-way task dispatch.
type TasksConfig struct {
	KafkaBrokers   string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"` // empty = in-process queue
	ConsumerGroup  string `json:"consumerGroup" envconfig:"KAFKA_CONSUMER_GROUP"`
	MaxConcProfile int    `json:"maxConcProfile" envconfig:"MAX_CONC_PROFILE"`
	MaxConcSummary int    `json:"maxConcSummary" envconfig:"MAX_CONC_SUMMARY"`
}

// RetrievalConfig tunes the read path.
type RetrievalConfig struct {
	TopK          int           `json:"topK" envconfig:"RETRIEVAL_TOP_K"`
	MinConfidence float64       `json:"minConfidence" envconfig:"RETRIEVAL_MIN_CONFIDENCE"`
	Deadline      time.Duration `json:"deadline" envconfig:"RETRIEVAL_DEADLINE"`
}

// JanitorConfig configures background maintenance schedules.
type JanitorConfig struct {
	Enabled     bool   `json:"enabled" envconfig:"JANITOR_ENABLED"`
	CloseSpec   string `json:"closeSpec" envconfig:"JANITOR_CLOSE_SPEC"` // cron spec
	SummarySpec string `json:"summarySpec" envconfig:"JANITOR_SUMMARY_SPEC"`
}
