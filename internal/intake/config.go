// internal/intake/config.go
package intake

import "time"

// Config bounds the HTTP edge. MaxBodyBytes caps event payloads well above
// any legitimate event size; PingTimeout bounds backend probes on the
// readiness endpoint.
type Config struct {
	MaxBodyBytes int64
	PingTimeout  time.Duration
}

func LoadConfig() *Config {
	return &Config{
		MaxBodyBytes: 64 * 1024,
		PingTimeout:  2 * time.Second,
	}
}
