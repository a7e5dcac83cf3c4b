// internal/gate/recorder/config.go
package recorder

import "time"

type Config struct {
	QueueSize       int
	ShutdownTimeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		QueueSize:       512,
		ShutdownTimeout: 5 * time.Second,
	}
}
