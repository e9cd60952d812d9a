package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Auth       AuthConfig       `mapstructure:"auth"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Categorize CategorizeConfig `mapstructure:"categorize"`
	ML         MLConfig         `mapstructure:"ml"`
	OCR        OCRConfig        `mapstructure:"ocr"`
	Intake     IntakeConfig     `mapstructure:"intake"`
	AutoAuth   AutoAuthConfig   `mapstructure:"auto_auth"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Agents     AgentsConfig     `mapstructure:"agents"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Lark       LarkConfig       `mapstructure:"lark"`
	Export     ExportConfig     `mapstructure:"export"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

// BlobConfig holds receipt file storage configuration
type BlobConfig struct {
	Dir string `mapstructure:"dir"`
}

// AuthConfig holds token signing and capability cache configuration
type AuthConfig struct {
	TokenSecret      string        `mapstructure:"token_secret"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	CapabilityTTL    time.Duration `mapstructure:"capability_ttl"`
	CapabilityCacheN int           `mapstructure:"capability_cache_max"`
}

// OpenAIConfig holds model tier and rate limit configuration
type OpenAIConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	SmallModel    string        `mapstructure:"small_model"`
	LargeModel    string        `mapstructure:"large_model"`
	VisionModel   string        `mapstructure:"vision_model"`
	SmallTimeout  time.Duration `mapstructure:"small_timeout"`
	LargeTimeout  time.Duration `mapstructure:"large_timeout"`
	SmallBucket   int           `mapstructure:"small_bucket"`
	LargeBucket   int           `mapstructure:"large_bucket"`
	BucketRefill  time.Duration `mapstructure:"bucket_refill"`
	BucketMaxWait time.Duration `mapstructure:"bucket_max_wait"`
}

// CategorizeConfig holds cascade thresholds and the power-tool lexicon
type CategorizeConfig struct {
	MinMLConfidence    int           `mapstructure:"min_ml_confidence"`
	MinSmallConfidence int           `mapstructure:"min_small_confidence"`
	AffinityMinCount   int           `mapstructure:"affinity_min_count"`
	AffinityMinRatio   float64       `mapstructure:"affinity_min_ratio"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	MaxCorrections     int           `mapstructure:"max_corrections"`
	PowerToolLexicon   []string      `mapstructure:"power_tool_lexicon"`
	ToolQualifiers     []string      `mapstructure:"tool_qualifiers"`
}

// MLConfig holds classifier training configuration
type MLConfig struct {
	RetrainInterval  time.Duration `mapstructure:"retrain_interval"`
	MinTrainExamples int           `mapstructure:"min_train_examples"`
}

// OCRConfig holds extraction pipeline configuration
type OCRConfig struct {
	MaxPages     int     `mapstructure:"max_pages"`
	RasterDPI    float64 `mapstructure:"raster_dpi"`
	ToleranceABS string  `mapstructure:"tolerance_abs"` // money string, e.g. "0.05"
	ToleranceRel float64 `mapstructure:"tolerance_rel"` // fraction, e.g. 0.005
}

// IntakeConfig holds receipt upload configuration
type IntakeConfig struct {
	MaxUploadBytes   int64 `mapstructure:"max_upload_bytes"`
	DedupeDays       int   `mapstructure:"dedupe_days"`
	ReviewConfidence int   `mapstructure:"review_confidence"` // header fields below this land in check_review
}

// AutoAuthConfig holds authorization engine configuration
type AutoAuthConfig struct {
	FuzzyThreshold     int           `mapstructure:"fuzzy_threshold"` // 0-100
	ToleranceABS       string        `mapstructure:"tolerance_abs"`
	ToleranceRel       float64       `mapstructure:"tolerance_rel"`
	EscalateAmount     string        `mapstructure:"escalate_amount"`     // single-expense policy ceiling
	EscalationAccounts []string      `mapstructure:"escalation_accounts"` // accounts that always escalate
	DigestInterval     time.Duration `mapstructure:"digest_interval"`
	DuplicateWindow    int           `mapstructure:"duplicate_window_days"`
	BillAuthorize      bool          `mapstructure:"bill_authorize"`     // allow R2 bill hints to authorize
	StalePendingDays   int           `mapstructure:"stale_pending_days"` // R6 maintenance sweep age
}

// ReconcileConfig holds mismatch reconciler configuration
type ReconcileConfig struct {
	AutoApply bool `mapstructure:"auto_apply"`
}

// AgentsConfig holds dispatcher configuration
type AgentsConfig struct {
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
	CooldownCap     int `mapstructure:"cooldown_cap"`
}

// JobsConfig holds background orchestrator configuration
type JobsConfig struct {
	QueueSize  int           `mapstructure:"queue_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

// LarkConfig holds Lark push delivery configuration
type LarkConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	AppID      string        `mapstructure:"app_id"`
	AppSecret  string        `mapstructure:"app_secret"`
	APITimeout time.Duration `mapstructure:"api_timeout"`
}

// ExportConfig holds spreadsheet export configuration
type ExportConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Override with environment variables
	bindEnvVars()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	// Database defaults
	viper.SetDefault("database.path", "data/siteledger.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	viper.SetDefault("database.migrations_dir", "migrations")

	// Blob defaults
	viper.SetDefault("blob.dir", "data/receipts")

	// Auth defaults
	viper.SetDefault("auth.token_ttl", 24*time.Hour)
	viper.SetDefault("auth.capability_ttl", 60*time.Second)
	viper.SetDefault("auth.capability_cache_max", 1000)

	// OpenAI defaults
	viper.SetDefault("openai.small_model", "gpt-4o-mini")
	viper.SetDefault("openai.large_model", "gpt-4o")
	viper.SetDefault("openai.vision_model", "gpt-4o")
	viper.SetDefault("openai.small_timeout", 20*time.Second)
	viper.SetDefault("openai.large_timeout", 90*time.Second)
	viper.SetDefault("openai.small_bucket", 20)
	viper.SetDefault("openai.large_bucket", 5)
	viper.SetDefault("openai.bucket_refill", time.Minute)
	viper.SetDefault("openai.bucket_max_wait", 5*time.Second)

	// Categorization defaults
	viper.SetDefault("categorize.min_ml_confidence", 90)
	viper.SetDefault("categorize.min_small_confidence", 70)
	viper.SetDefault("categorize.affinity_min_count", 5)
	viper.SetDefault("categorize.affinity_min_ratio", 0.90)
	viper.SetDefault("categorize.cache_ttl", 30*24*time.Hour)
	viper.SetDefault("categorize.max_corrections", 5)
	viper.SetDefault("categorize.power_tool_lexicon", []string{
		"drill", "saw", "grinder", "nailer", "nail gun", "sander",
		"router", "impact driver", "circular saw", "jigsaw", "planer",
		"compressor", "generator",
	})
	viper.SetDefault("categorize.tool_qualifiers", []string{
		"bit", "bits", "blade", "blades", "disc", "discs",
		"paper", "nail", "nails", "screw", "screws",
	})

	// ML defaults
	viper.SetDefault("ml.retrain_interval", 6*time.Hour)
	viper.SetDefault("ml.min_train_examples", 10)

	// OCR defaults
	viper.SetDefault("ocr.max_pages", 4)
	viper.SetDefault("ocr.raster_dpi", 150.0)
	viper.SetDefault("ocr.tolerance_abs", "0.05")
	viper.SetDefault("ocr.tolerance_rel", 0.005)

	// Intake defaults
	viper.SetDefault("intake.max_upload_bytes", int64(20*1024*1024))
	viper.SetDefault("intake.dedupe_days", 30)
	viper.SetDefault("intake.review_confidence", 60)

	// Auto-authorization defaults
	viper.SetDefault("auto_auth.fuzzy_threshold", 85)
	viper.SetDefault("auto_auth.tolerance_abs", "0.05")
	viper.SetDefault("auto_auth.tolerance_rel", 0.005)
	viper.SetDefault("auto_auth.escalate_amount", "5000.00")
	viper.SetDefault("auto_auth.escalation_accounts", []string{})
	viper.SetDefault("auto_auth.digest_interval", 4*time.Hour)
	viper.SetDefault("auto_auth.duplicate_window_days", 30)
	viper.SetDefault("auto_auth.bill_authorize", true)
	viper.SetDefault("auto_auth.stale_pending_days", 14)

	// Reconcile defaults
	viper.SetDefault("reconcile.auto_apply", false)

	// Agents defaults
	viper.SetDefault("agents.cooldown_seconds", 5)
	viper.SetDefault("agents.cooldown_cap", 200)

	// Jobs defaults
	viper.SetDefault("jobs.queue_size", 256)
	viper.SetDefault("jobs.max_retries", 3)
	viper.SetDefault("jobs.base_delay", time.Second)

	// Lark defaults
	viper.SetDefault("lark.enabled", false)
	viper.SetDefault("lark.api_timeout", 30*time.Second)

	// Export defaults
	viper.SetDefault("export.output_dir", "data/exports")

	// Logger defaults
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.output_path", "stdout")
	viper.SetDefault("logger.format", "json")
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars() {
	// Sensitive credentials from environment
	viper.BindEnv("openai.api_key", "OPENAI_API_KEY")
	viper.BindEnv("openai.base_url", "OPENAI_BASE_URL")
	viper.BindEnv("auth.token_secret", "AUTH_TOKEN_SECRET")
	viper.BindEnv("lark.app_id", "LARK_APP_ID")
	viper.BindEnv("lark.app_secret", "LARK_APP_SECRET")
	viper.BindEnv("database.path", "DATABASE_PATH")
	viper.BindEnv("blob.dir", "BLOB_DIR")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}
	if c.Lark.Enabled {
		if c.Lark.AppID == "" {
			return fmt.Errorf("lark.app_id is required when lark is enabled")
		}
		if c.Lark.AppSecret == "" {
			return fmt.Errorf("lark.app_secret is required when lark is enabled")
		}
	}
	if c.Categorize.MinMLConfidence < 0 || c.Categorize.MinMLConfidence > 100 {
		return fmt.Errorf("categorize.min_ml_confidence must be within 0-100")
	}
	if c.AutoAuth.FuzzyThreshold < 0 || c.AutoAuth.FuzzyThreshold > 100 {
		return fmt.Errorf("auto_auth.fuzzy_threshold must be within 0-100")
	}
	if c.Intake.MaxUploadBytes <= 0 {
		return fmt.Errorf("intake.max_upload_bytes must be positive")
	}
	return nil
}
