// internal/dispatch/config.go
package dispatch

import "time"

// Config sizes the worker pool. QueueSize bounds how far intake can run
// ahead of processing; a full queue pushes back on the transport rather
// than growing without limit. EventTimeout is the overall budget for one
// event including lapse fan-out.
type Config struct {
	Workers      int
	QueueSize    int
	EventTimeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Workers:      8,
		QueueSize:    256,
		EventTimeout: 15 * time.Second,
	}
}
