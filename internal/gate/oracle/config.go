// internal/gate/oracle/config.go
package oracle

import "time"

type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	MinInterval       time.Duration
	MaxRetries        int
	DefaultRetryAfter time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Timeout:           10 * time.Second,
		MinInterval:       35 * time.Millisecond,
		MaxRetries:        2,
		DefaultRetryAfter: time.Second,
	}
}
