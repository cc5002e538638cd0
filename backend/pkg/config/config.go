package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "synthmemory/backend/pkg/errors"
	"synthmemory/backend/pkg/logger"
)

// Vector index types
const (
	VectorIndexFlat    = "Flat"
	VectorIndexChromem = "Chromem"
)

// Graph backends
const (
	GraphBackendSQLite = "sqlite"
	GraphBackendNeo4j  = "neo4j"
	GraphBackendNone   = "none"
)

// Extraction providers
const (
	ExtractionProviderLLM       = "LLM"
	ExtractionProviderHeuristic = "Heuristic"
)

// DefaultEntityLabels is the label set handed to the entity extractor
var DefaultEntityLabels = []string{"PROJECT", "PERSON", "CONCEPT", "API", "CODE_ENTITY", "ALGORITHM", "PARAMETER"}

// Config holds all application configuration
type Config struct {
	// App
	Env      string `yaml:"env"`
	Port     string `yaml:"port"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Performance PerformanceConfig `yaml:"performance"`
	Security    SecurityConfig    `yaml:"security"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	LLM         LLMConfig         `yaml:"llm"`
	Neo4j       Neo4jConfig       `yaml:"neo4j"`

	// path of the YAML file this config was read from, empty if none
	source string
}

// RetrievalConfig tunes the hybrid retriever
type RetrievalConfig struct {
	VectorK             int `yaml:"vector_k"`
	GraphDepthTraversal int `yaml:"graph_depth_traversal"`
	RRFK                int `yaml:"rrf_k_parameter"`
	GraphTraversalLimit int `yaml:"graph_traversal_limit"`
}

// PerformanceConfig tunes stores and worker pools
type PerformanceConfig struct {
	CPUExecutorWorkers     int    `yaml:"cpu_executor_workers"`
	NERExtractionTimeoutMS int    `yaml:"ner_extraction_timeout_ms"`
	VectorIndexType        string `yaml:"vector_index_type"`
	GraphBackend           string `yaml:"graph_backend"`
	EmbeddingDimension     int    `yaml:"embedding_dimension"`
}

// SecurityConfig holds PII handling and isolation settings
type SecurityConfig struct {
	PIIRedactionMode string `yaml:"pii_redaction_mode"`
	// NamespaceLock restricts recall to records ingested under the same mode
	NamespaceLock bool `yaml:"namespace_lock"`
}

// ExtractionConfig selects and tunes the entity extractor
type ExtractionConfig struct {
	Provider  string   `yaml:"provider"`
	Labels    []string `yaml:"labels"`
	Threshold float64  `yaml:"threshold"`
}

// LLMConfig points at an OpenAI-compatible endpoint (OpenAI, LiteLLM, Ollama)
type LLMConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	ModelID        string `yaml:"model_id"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// Neo4jConfig is only used when performance.graph_backend is "neo4j"
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Default returns the built-in defaults (layer 1)
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		Env:     "development",
		Port:    "8080",
		DataDir: filepath.Join(home, ".synthmemory"),
		Retrieval: RetrievalConfig{
			VectorK:             5,
			GraphDepthTraversal: 2,
			RRFK:                60,
			GraphTraversalLimit: 50,
		},
		Performance: PerformanceConfig{
			CPUExecutorWorkers:     4,
			NERExtractionTimeoutMS: 2000,
			VectorIndexType:        VectorIndexFlat,
			GraphBackend:           GraphBackendSQLite,
			EmbeddingDimension:     1536,
		},
		Security: SecurityConfig{
			PIIRedactionMode: "Strict",
		},
		Extraction: ExtractionConfig{
			Provider:  "",
			Labels:    append([]string(nil), DefaultEntityLabels...),
			Threshold: 0.3,
		},
		LLM: LLMConfig{
			ModelID:        "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		Neo4j: Neo4jConfig{
			URI:      "bolt://localhost:7687",
			User:     "neo4j",
			Password: "password",
		},
	}
}

// Load reads configuration: defaults, then <SY_CONFIG_DIR or ~/.synthmemory>/config.yaml,
// then environment variables (a .env file is loaded first if present).
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := Default()
	dir := getEnv("SY_CONFIG_DIR", cfg.DataDir)

	if err := cfg.mergeFile(filepath.Join(dir, "config.yaml")); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile is Load with an explicit YAML path; environment still wins
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	// Unmarshalling over the defaults keeps every key the file omits
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.source = path
	return nil
}

func (c *Config) applyEnv() {
	c.Env = getEnv("SY_ENV", c.Env)
	c.Port = getEnv("SY_PORT", c.Port)
	c.DataDir = getEnv("SY_DATA_DIR", c.DataDir)
	c.LogLevel = getEnv("SY_LOG_LEVEL", c.LogLevel)

	c.Retrieval.VectorK = getEnvInt("SY_RETRIEVAL_VECTOR_K", c.Retrieval.VectorK)
	c.Retrieval.GraphDepthTraversal = getEnvInt("SY_RETRIEVAL_GRAPH_DEPTH_TRAVERSAL", c.Retrieval.GraphDepthTraversal)
	c.Retrieval.RRFK = getEnvInt("SY_RETRIEVAL_RRF_K_PARAMETER", c.Retrieval.RRFK)
	c.Retrieval.GraphTraversalLimit = getEnvInt("SY_RETRIEVAL_GRAPH_TRAVERSAL_LIMIT", c.Retrieval.GraphTraversalLimit)

	c.Performance.CPUExecutorWorkers = getEnvInt("SY_PERFORMANCE_CPU_EXECUTOR_WORKERS", c.Performance.CPUExecutorWorkers)
	c.Performance.NERExtractionTimeoutMS = getEnvInt("SY_PERFORMANCE_NER_EXTRACTION_TIMEOUT_MS", c.Performance.NERExtractionTimeoutMS)
	c.Performance.VectorIndexType = getEnv("SY_PERFORMANCE_VECTOR_INDEX_TYPE", c.Performance.VectorIndexType)
	c.Performance.GraphBackend = getEnv("SY_PERFORMANCE_GRAPH_BACKEND", c.Performance.GraphBackend)
	c.Performance.EmbeddingDimension = getEnvInt("SY_PERFORMANCE_EMBEDDING_DIMENSION", c.Performance.EmbeddingDimension)

	c.Security.PIIRedactionMode = getEnv("SY_SECURITY_PII_REDACTION_MODE", c.Security.PIIRedactionMode)
	c.Security.NamespaceLock = getEnvBool("SY_SECURITY_NAMESPACE_LOCK", c.Security.NamespaceLock)

	c.Extraction.Provider = getEnv("SY_EXTRACTION_PROVIDER", c.Extraction.Provider)
	c.Extraction.Threshold = getEnvFloat("SY_EXTRACTION_THRESHOLD", c.Extraction.Threshold)
	if labels := os.Getenv("SY_EXTRACTION_LABELS"); labels != "" {
		c.Extraction.Labels = splitList(labels)
	}

	c.LLM.BaseURL = getEnv("SY_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getEnv("SY_LLM_API_KEY", c.LLM.APIKey)
	c.LLM.ModelID = getEnv("SY_LLM_MODEL_ID", c.LLM.ModelID)
	c.LLM.EmbeddingModel = getEnv("SY_LLM_EMBEDDING_MODEL", c.LLM.EmbeddingModel)

	c.Neo4j.URI = getEnv("SY_NEO4J_URI", c.Neo4j.URI)
	c.Neo4j.User = getEnv("SY_NEO4J_USER", c.Neo4j.User)
	c.Neo4j.Password = getEnv("SY_NEO4J_PASSWORD", c.Neo4j.Password)
}

// fillDerived resolves settings whose default depends on other settings
func (c *Config) fillDerived() {
	if c.Extraction.Provider == "" {
		if c.LLM.BaseURL != "" || c.LLM.APIKey != "" {
			c.Extraction.Provider = ExtractionProviderLLM
		} else {
			c.Extraction.Provider = ExtractionProviderHeuristic
		}
	}
	if len(c.Extraction.Labels) == 0 {
		c.Extraction.Labels = append([]string(nil), DefaultEntityLabels...)
	}
}

// Validate checks that configuration values are in range
func (c *Config) Validate() error {
	if c.Retrieval.VectorK < 1 {
		return apperrors.NewConfigValidationFailed("retrieval.vector_k", "must be >= 1")
	}
	if c.Retrieval.GraphDepthTraversal < 1 || c.Retrieval.GraphDepthTraversal > 5 {
		return apperrors.NewConfigValidationFailed("retrieval.graph_depth_traversal", "must be between 1 and 5")
	}
	if c.Retrieval.RRFK < 20 {
		return apperrors.NewConfigValidationFailed("retrieval.rrf_k_parameter", "must be >= 20")
	}
	if c.Retrieval.GraphTraversalLimit < 1 {
		return apperrors.NewConfigValidationFailed("retrieval.graph_traversal_limit", "must be >= 1")
	}
	if c.Performance.CPUExecutorWorkers < 1 || c.Performance.CPUExecutorWorkers > 32 {
		return apperrors.NewConfigValidationFailed("performance.cpu_executor_workers", "must be between 1 and 32")
	}
	if c.Performance.NERExtractionTimeoutMS < 100 {
		return apperrors.NewConfigValidationFailed("performance.ner_extraction_timeout_ms", "must be >= 100")
	}
	if c.Performance.EmbeddingDimension < 1 {
		return apperrors.NewConfigValidationFailed("performance.embedding_dimension", "must be >= 1")
	}
	switch c.Performance.VectorIndexType {
	case VectorIndexFlat, VectorIndexChromem:
	default:
		return apperrors.NewConfigValidationFailed("performance.vector_index_type", fmt.Sprintf("unknown index type %q", c.Performance.VectorIndexType))
	}
	switch c.Performance.GraphBackend {
	case GraphBackendSQLite, GraphBackendNeo4j, GraphBackendNone:
	default:
		return apperrors.NewConfigValidationFailed("performance.graph_backend", fmt.Sprintf("unknown backend %q", c.Performance.GraphBackend))
	}
	switch strings.ToLower(c.Security.PIIRedactionMode) {
	case "strict", "partial", "audit", "off":
	default:
		return apperrors.NewConfigValidationFailed("security.pii_redaction_mode", fmt.Sprintf("unknown mode %q", c.Security.PIIRedactionMode))
	}
	switch c.Extraction.Provider {
	case "", ExtractionProviderLLM, ExtractionProviderHeuristic:
	default:
		return apperrors.NewConfigValidationFailed("extraction.provider", fmt.Sprintf("unknown provider %q", c.Extraction.Provider))
	}
	if c.Extraction.Threshold < 0 || c.Extraction.Threshold > 1 {
		return apperrors.NewConfigValidationFailed("extraction.threshold", "must be between 0 and 1")
	}
	if c.LogLevel != "" {
		if _, err := logger.ParseLevel(c.LogLevel); err != nil {
			return apperrors.NewConfigValidationFailed("log_level", "must be one of debug, info, warn, error")
		}
	}
	if c.Performance.GraphBackend == GraphBackendNeo4j && c.Neo4j.URI == "" {
		return apperrors.NewConfigValidationFailed("neo4j.uri", "required when graph_backend is neo4j")
	}
	return nil
}

// NERTimeout returns the graph-branch extraction deadline
func (c *Config) NERTimeout() time.Duration {
	return time.Duration(c.Performance.NERExtractionTimeoutMS) * time.Millisecond
}

// StoresDir is the root of the persisted stores
func (c *Config) StoresDir() string {
	return filepath.Join(c.DataDir, "stores")
}

// Source returns the YAML file the config was read from, if any
func (c *Config) Source() string {
	return c.source
}

// Save writes the config as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Masked returns a copy with credentials blanked, for display
func (c *Config) Masked() *Config {
	out := *c
	out.Extraction.Labels = append([]string(nil), c.Extraction.Labels...)
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = "****"
	}
	if out.Neo4j.Password != "" {
		out.Neo4j.Password = "****"
	}
	return &out
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
