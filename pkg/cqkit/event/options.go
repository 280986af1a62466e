package event

import (
	"github.com/cqkit/cqkit/pkg/cqkit/breaker"
	"github.com/cqkit/cqkit/pkg/cqkit/config"
)

// BusConfigFrom builds a BusConfig from the "event_bus" section of a loaded
// configuration file. Unset keys fall back to defaults; Store, Coordinator,
// Validator, Logger, and Recorder are wired in code, not in the file.
//
// Recognized keys:
//
//	event_bus:
//	  max_concurrent: 100
//	  circuit_breaker:
//	    enabled: true
//	    failure_threshold: 5
//	    timeout: 60s
func BusConfigFrom(cfg config.Config) BusConfig {
	section := cfg.Section("event_bus")
	cb := section.Section("circuit_breaker")

	return BusConfig{
		MaxConcurrent:  section.Int("max_concurrent", DefaultBusConfig.MaxConcurrent),
		BreakerEnabled: cb.Bool("enabled", false),
		Breaker: breaker.Config{
			FailureThreshold: cb.Int("failure_threshold", breaker.DefaultConfig.FailureThreshold),
			Timeout:          cb.Duration("timeout", breaker.DefaultConfig.Timeout),
		},
	}
}
