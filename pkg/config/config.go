package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Governance GovernanceConfig
	Watcher    WatcherConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

// GovernanceConfig is the review policy in force for the process lifetime.
// Thresholds are read once at startup; each decision snapshots the policy
// applied to it and is never re-evaluated.
type GovernanceConfig struct {
	LowThreshold          float64
	HighThreshold         float64
	ActiveLearningEnabled bool
	MaxLineageDepth       int
}

type WatcherConfig struct {
	Enabled     bool
	WebhookURL  string
	IntervalSec int
	MaxAgeSec   int
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/citadel")

	viper.SetEnvPrefix("CITADEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Governance.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects threshold misconfiguration at startup rather than letting
// a bad gate silently flag everything or nothing.
func (g GovernanceConfig) Validate() error {
	if g.LowThreshold < 0 || g.LowThreshold > 1 {
		return fmt.Errorf("governance.lowThreshold %v outside [0,1]", g.LowThreshold)
	}
	if g.HighThreshold < 0 || g.HighThreshold > 1 {
		return fmt.Errorf("governance.highThreshold %v outside [0,1]", g.HighThreshold)
	}
	if g.LowThreshold > g.HighThreshold {
		return fmt.Errorf("governance.lowThreshold %v exceeds highThreshold %v", g.LowThreshold, g.HighThreshold)
	}
	if g.MaxLineageDepth <= 0 {
		return fmt.Errorf("governance.maxLineageDepth must be positive, got %d", g.MaxLineageDepth)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("sqlite.path", "./data/ledger.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlSec", 3600)

	viper.SetDefault("governance.lowThreshold", 0.60)
	viper.SetDefault("governance.highThreshold", 0.80)
	viper.SetDefault("governance.activeLearningEnabled", true)
	viper.SetDefault("governance.maxLineageDepth", 32)

	viper.SetDefault("watcher.enabled", false)
	viper.SetDefault("watcher.webhookURL", "")
	viper.SetDefault("watcher.intervalSec", 60)
	viper.SetDefault("watcher.maxAgeSec", 3600)

	viper.SetDefault("ratelimit.requestsPerMinute", 60)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
