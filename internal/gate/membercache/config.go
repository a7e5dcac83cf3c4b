// internal/gate/membercache/config.go
package membercache

import "time"

type Config struct {
	PositiveTTL time.Duration
	NegativeTTL time.Duration
	Jitter      float64
	MarkerTTL   time.Duration
}

func LoadConfig() *Config {
	return &Config{
		PositiveTTL: 10 * time.Minute,
		NegativeTTL: time.Minute,
		Jitter:      0.15,
		MarkerTTL:   24 * time.Hour,
	}
}
