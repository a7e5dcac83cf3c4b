// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig holds settings for the event intake HTTP listener.
type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
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

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// OracleConfig holds settings for the external membership oracle client.
type OracleConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Token             string `mapstructure:"token"`
	Timeout           int    `mapstructure:"timeout"`             // milliseconds, per HTTP call
	MinInterval       int    `mapstructure:"min_interval"`        // milliseconds between calls
	MaxRetries        int    `mapstructure:"max_retries"`         // rate limit wait-and-retry budget
	DefaultRetryAfter int    `mapstructure:"default_retry_after"` // milliseconds, when the header is absent
}

// CacheConfig holds settings for the shared membership cache. TTLs are
// seconds; jitter is the fractional spread applied on every write.
type CacheConfig struct {
	PositiveTTL int     `mapstructure:"positive_ttl"`
	NegativeTTL int     `mapstructure:"negative_ttl"`
	Jitter      float64 `mapstructure:"jitter"`
	MarkerTTL   int     `mapstructure:"marker_ttl"`
}

// DispatchConfig holds settings for the event worker pool.
type DispatchConfig struct {
	Workers      int `mapstructure:"workers"`
	QueueSize    int `mapstructure:"queue_size"`
	EventTimeout int `mapstructure:"event_timeout"` // milliseconds, per event
}

// RecorderConfig holds settings for the outcome recorder.
type RecorderConfig struct {
	QueueSize       int `mapstructure:"queue_size"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout"` // milliseconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
