package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/auditledger/pkg/audit/archive"
	"github.com/platinummonkey/auditledger/pkg/audit/dedup"
	"github.com/platinummonkey/auditledger/pkg/audit/forward"
	"github.com/platinummonkey/auditledger/pkg/audit/integrity"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

// Storage backends
const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
	StorageMemory   = "memory"
)

// Dedup backends
const (
	DedupMemory = "memory"
	DedupRedis  = "redis"
	DedupOff    = "off"
)

// Rule sources
const (
	RulesSQL  = "sql"
	RulesFile = "file"
	RulesOff  = "off"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Ledger        LedgerConfig
	Storage       StorageConfig
	Integrity     IntegrityConfig
	Dedup         DedupConfig
	Rules         RulesConfig
	Forwarder     ForwarderConfig
	Archive       ArchiveConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// LedgerConfig identifies the writer and its action catalog
type LedgerConfig struct {
	SourceSystem string
	// CatalogFile replaces the built-in action catalog when set
	CatalogFile string
}

// StorageConfig selects the record store
type StorageConfig struct {
	Type            string
	PostgresURL     string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// IntegrityConfig holds key material for the signature chain
type IntegrityConfig struct {
	SigningKey    string
	EncryptionKey string
	PlaintextMode bool
}

// KeyConfig converts to the integrity package's key config
func (c IntegrityConfig) KeyConfig() integrity.KeyConfig {
	return integrity.KeyConfig{
		SigningKey:    c.SigningKey,
		EncryptionKey: c.EncryptionKey,
		PlaintextMode: c.PlaintextMode,
	}
}

// DedupConfig tunes the read deduplication gate
type DedupConfig struct {
	Backend    string
	Window     time.Duration
	Retention  time.Duration
	MaxEntries int
	Fields     string

	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
}

// GateConfig converts to the dedup package's config
func (c DedupConfig) GateConfig() (dedup.Config, error) {
	fields, err := dedup.ParseFields(c.Fields)
	if err != nil {
		return dedup.Config{}, err
	}
	return dedup.Config{
		Window:     c.Window,
		Retention:  c.Retention,
		MaxEntries: c.MaxEntries,
		Fields:     fields,
	}, nil
}

// RulesConfig configures request classification rules and the value
// dictionary
type RulesConfig struct {
	Source          string
	File            string
	ReloadInterval  time.Duration
	Watch           bool
	CacheSize       int
	RecordUnmatched bool
	DictionaryFile  string
}

// ForwarderConfig configures the downstream webhooks. Forwarding is off when
// WebhookURLs is empty. Every URL shares the secret and retry policy.
type ForwarderConfig struct {
	WebhookURLs []string
	Secret      string
	Timeout     time.Duration
	MaxAttempts int
	Workers     int
	QueueSize   int
}

// Enabled reports whether a webhook is configured
func (c ForwarderConfig) Enabled() bool { return len(c.WebhookURLs) > 0 }

// WebhookConfigs converts to one forward.WebhookConfig per URL
func (c ForwarderConfig) WebhookConfigs() []forward.WebhookConfig {
	retry := forward.DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		retry.MaxAttempts = c.MaxAttempts
	}
	out := make([]forward.WebhookConfig, 0, len(c.WebhookURLs))
	for _, url := range c.WebhookURLs {
		out = append(out, forward.WebhookConfig{
			URL:     url,
			Secret:  c.Secret,
			Timeout: c.Timeout,
			Retry:   retry,
		})
	}
	return out
}

// AsyncConfig sizes the background delivery pool. Webhooks are called in
// turn, so a delivery may take every attempt on every URL.
func (c ForwarderConfig) AsyncConfig() forward.AsyncConfig {
	return forward.AsyncConfig{
		Workers:   c.Workers,
		QueueSize: c.QueueSize,
		Timeout:   c.Timeout * time.Duration(max(c.MaxAttempts, 1)*max(len(c.WebhookURLs), 1)),
	}
}

// ArchiveConfig configures archive-before-purge to S3
type ArchiveConfig struct {
	Enabled      bool
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
	CreateBucket bool
}

// S3Config converts to the archive package's config
func (c ArchiveConfig) S3Config() archive.Config {
	return archive.Config{
		Bucket:       c.Bucket,
		Region:       c.Region,
		Endpoint:     c.Endpoint,
		AccessKey:    c.AccessKey,
		SecretKey:    c.SecretKey,
		UsePathStyle: c.UsePathStyle,
		Prefix:       c.Prefix,
		CreateBucket: c.CreateBucket,
	}
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// OTelConfig converts to the observability package's OTel config
func (c ObservabilityConfig) OTelConfig() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
		SampleRatio:    c.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Ledger:        loadLedgerConfig(),
		Storage:       loadStorageConfig(),
		Integrity:     loadIntegrityConfig(),
		Dedup:         loadDedupConfig(),
		Rules:         loadRulesConfig(),
		Forwarder:     loadForwarderConfig(),
		Archive:       loadArchiveConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("AUDIT_HOST", "0.0.0.0"),
		Port:            getEnv("AUDIT_PORT", "8080"),
		ReadTimeout:     getEnvDuration("AUDIT_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("AUDIT_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("AUDIT_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("AUDIT_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("AUDIT_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("AUDIT_HEALTH_PORT", "9090"),
	}
}

func loadLedgerConfig() LedgerConfig {
	return LedgerConfig{
		SourceSystem: getEnv("AUDIT_SOURCE_SYSTEM", "admin"),
		CatalogFile:  getEnv("AUDIT_CATALOG_FILE", ""),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Type:            strings.ToLower(getEnv("AUDIT_STORAGE_TYPE", StoragePostgres)),
		PostgresURL:     getEnv("AUDIT_POSTGRES_URL", ""),
		SQLitePath:      getEnv("AUDIT_SQLITE_PATH", "audit.db"),
		MaxOpenConns:    getEnvInt("AUDIT_DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("AUDIT_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("AUDIT_DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

func loadIntegrityConfig() IntegrityConfig {
	return IntegrityConfig{
		SigningKey:    getEnv("AUDIT_SIGNING_KEY", ""),
		EncryptionKey: getEnv("AUDIT_ENCRYPTION_KEY", ""),
		PlaintextMode: getEnvBool("AUDIT_PLAINTEXT_MODE", false),
	}
}

func loadDedupConfig() DedupConfig {
	d := dedup.DefaultConfig()
	return DedupConfig{
		Backend:       strings.ToLower(getEnv("AUDIT_DEDUP_BACKEND", DedupMemory)),
		Window:        getEnvDuration("AUDIT_DEDUP_WINDOW", d.Window),
		Retention:     getEnvDuration("AUDIT_DEDUP_RETENTION", d.Retention),
		MaxEntries:    getEnvInt("AUDIT_DEDUP_MAX_ENTRIES", d.MaxEntries),
		Fields:        getEnv("AUDIT_DEDUP_FIELDS", ""),
		RedisURL:      getEnv("AUDIT_REDIS_URL", ""),
		RedisPassword: getEnv("AUDIT_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("AUDIT_REDIS_DB", 0),
		RedisPoolSize: getEnvInt("AUDIT_REDIS_POOL_SIZE", 10),
	}
}

func loadRulesConfig() RulesConfig {
	return RulesConfig{
		Source:          strings.ToLower(getEnv("AUDIT_RULES_SOURCE", RulesSQL)),
		File:            getEnv("AUDIT_RULES_FILE", ""),
		ReloadInterval:  getEnvDuration("AUDIT_RULES_RELOAD_INTERVAL", time.Minute),
		Watch:           getEnvBool("AUDIT_RULES_WATCH", true),
		CacheSize:       getEnvInt("AUDIT_RULES_CACHE_SIZE", 1024),
		RecordUnmatched: getEnvBool("AUDIT_RECORD_UNMATCHED", false),
		DictionaryFile:  getEnv("AUDIT_DICTIONARY_FILE", ""),
	}
}

func loadForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		WebhookURLs: getEnvList("AUDIT_WEBHOOK_URL"),
		Secret:      getEnv("AUDIT_WEBHOOK_SECRET", ""),
		Timeout:     getEnvDuration("AUDIT_WEBHOOK_TIMEOUT", 5*time.Second),
		MaxAttempts: getEnvInt("AUDIT_WEBHOOK_MAX_ATTEMPTS", 3),
		Workers:     getEnvInt("AUDIT_FORWARD_WORKERS", 4),
		QueueSize:   getEnvInt("AUDIT_FORWARD_QUEUE_SIZE", 1024),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:      getEnvBool("AUDIT_ARCHIVE_ENABLED", false),
		Bucket:       getEnv("AUDIT_S3_BUCKET", ""),
		Region:       getEnv("AUDIT_S3_REGION", "us-east-1"),
		Endpoint:     getEnv("AUDIT_S3_ENDPOINT", ""),
		AccessKey:    getEnv("AUDIT_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("AUDIT_S3_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("AUDIT_S3_USE_PATH_STYLE", false),
		Prefix:       getEnv("AUDIT_S3_PREFIX", "audit"),
		CreateBucket: getEnvBool("AUDIT_S3_CREATE_BUCKET", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLevel(getEnv("AUDIT_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("AUDIT_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("AUDIT_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("AUDIT_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("AUDIT_OTEL_SERVICE_NAME", "auditd"),
		OTelServiceVersion: getEnv("AUDIT_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("AUDIT_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("AUDIT_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("invalid storage type: %s (must be postgres, sqlite, or memory)", c.Storage.Type)
	}

	if c.Integrity.SigningKey == "" && !c.Integrity.PlaintextMode {
		return fmt.Errorf("signing key is required unless plaintext mode is enabled")
	}

	switch c.Dedup.Backend {
	case DedupMemory, DedupOff:
	case DedupRedis:
		if c.Dedup.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis dedup backend")
		}
	default:
		return fmt.Errorf("invalid dedup backend: %s (must be memory, redis, or off)", c.Dedup.Backend)
	}
	if c.Dedup.Backend != DedupOff && c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup window must be positive")
	}
	if _, err := dedup.ParseFields(c.Dedup.Fields); err != nil {
		return fmt.Errorf("invalid dedup fields: %w", err)
	}

	switch c.Rules.Source {
	case RulesSQL:
		if c.Storage.Type == StorageMemory {
			return fmt.Errorf("sql rule source requires postgres or sqlite storage")
		}
	case RulesFile:
		if c.Rules.File == "" {
			return fmt.Errorf("rules file is required for the file rule source")
		}
	case RulesOff:
	default:
		return fmt.Errorf("invalid rule source: %s (must be sql, file, or off)", c.Rules.Source)
	}
	if c.Rules.Source != RulesOff && c.Rules.ReloadInterval <= 0 {
		return fmt.Errorf("rule reload interval must be positive")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("S3 bucket is required when archiving is enabled")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable, dropping blanks
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
