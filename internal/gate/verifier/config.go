// internal/gate/verifier/config.go
package verifier

import "time"

// Config bounds one verification pass. The dispatcher applies the overall
// per-event budget; this timeout caps each (user, group) pass inside it,
// which matters for lapse events fanning out across groups.
type Config struct {
	Timeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Timeout: 10 * time.Second,
	}
}
