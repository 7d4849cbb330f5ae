package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Profitability ProfitabilityConfig `mapstructure:"profitability"`
	Storage       StorageConfig       `mapstructure:"storage"`
}

type ServerConfig struct {
	Port          int        `mapstructure:"port"`
	Mode          string     `mapstructure:"mode"`
	MaxUploadSize int64      `mapstructure:"max_upload_size"`
	CORS          CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	URL             string        `mapstructure:"url"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"`
}

// DSN builds the driver specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		if c.URL != "" {
			return c.URL
		}
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
	}
	return c.Path
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type CacheConfig struct {
	// Backend is one of: memory, redis, database.
	Backend       string        `mapstructure:"backend"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	PricingTTL    time.Duration `mapstructure:"pricing_ttl"`
	DemandTTL     time.Duration `mapstructure:"demand_ttl"`
}

type QueueConfig struct {
	// Backend is one of: memory, redis, database.
	Backend      string        `mapstructure:"backend"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Key          string        `mapstructure:"key"`
}

type PipelineConfig struct {
	Workers           int           `mapstructure:"workers"`
	ChunkSize         int           `mapstructure:"chunk_size"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	ReaperSchedule    string        `mapstructure:"reaper_schedule"`
}

type ProvidersConfig struct {
	Pricing ProviderConfig `mapstructure:"pricing"`
	Demand  ProviderConfig `mapstructure:"demand"`
}

type ProfitabilityConfig struct {
	ExcellentROI       float64 `mapstructure:"excellent_roi"`
	GoodROI            float64 `mapstructure:"good_roi"`
	MarginalROI        float64 `mapstructure:"marginal_roi"`
	DefaultReferralFee float64 `mapstructure:"default_referral_fee"`
}

type StorageConfig struct {
	// Type is empty to disable object storage, otherwise s3, r2, s3compatible, auto or memory.
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

// Enabled reports whether object storage is configured.
func (s StorageConfig) Enabled() bool {
	return s.Type != "" && s.Bucket != ""
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are bound explicitly so they never need to live in the YAML file
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("providers.pricing.api_key", "PRICING_API_KEY")
	v.BindEnv("providers.pricing.base_url", "PRICING_BASE_URL")
	v.BindEnv("providers.demand.api_key", "DEMAND_API_KEY")
	v.BindEnv("providers.demand.base_url", "DEMAND_BASE_URL")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Providers.Pricing.Name = "pricing"
	cfg.Providers.Demand.Name = "demand"
	cfg.Providers.Pricing.ResolveEnvVars()
	cfg.Providers.Demand.ResolveEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive")
	}
	if c.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("pipeline.chunk_size must be positive")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be positive")
	}
	if err := c.Providers.Pricing.Validate(); err != nil {
		return err
	}
	if err := c.Providers.Demand.Validate(); err != nil {
		return err
	}
	p := c.Profitability
	if !(p.ExcellentROI >= p.GoodROI && p.GoodROI >= p.MarginalROI) {
		return fmt.Errorf("profitability thresholds must be descending: excellent >= good >= marginal")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.max_upload_size", 32<<20)
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/sourcescan.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "sourcescan")

	v.SetDefault("cache.backend", "database")
	v.SetDefault("cache.sweep_schedule", "@every 30m")
	v.SetDefault("cache.pricing_ttl", 6*time.Hour)
	v.SetDefault("cache.demand_ttl", 12*time.Hour)

	v.SetDefault("queue.backend", "database")
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.key", "chunks")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.chunk_size", 200)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.backoff_base", 5*time.Second)
	v.SetDefault("pipeline.backoff_max", 5*time.Minute)
	v.SetDefault("pipeline.visibility_timeout", 15*time.Minute)
	v.SetDefault("pipeline.reaper_schedule", "@every 1m")

	v.SetDefault("providers.pricing.base_url", "http://localhost:9100")
	v.SetDefault("providers.pricing.api_key_env", "PRICING_API_KEY")
	v.SetDefault("providers.pricing.rate_per_second", 2.0)
	v.SetDefault("providers.pricing.burst", 2)
	v.SetDefault("providers.pricing.timeout", 20*time.Second)
	v.SetDefault("providers.demand.base_url", "http://localhost:9200")
	v.SetDefault("providers.demand.api_key_env", "DEMAND_API_KEY")
	v.SetDefault("providers.demand.rate_per_second", 0.5)
	v.SetDefault("providers.demand.burst", 1)
	v.SetDefault("providers.demand.timeout", 30*time.Second)

	v.SetDefault("profitability.excellent_roi", 50.0)
	v.SetDefault("profitability.good_roi", 30.0)
	v.SetDefault("profitability.marginal_roi", 15.0)
	v.SetDefault("profitability.default_referral_fee", 0.15)

	v.SetDefault("storage.type", "")
	v.SetDefault("storage.use_ssl", true)
}
