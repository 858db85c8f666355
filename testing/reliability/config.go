// Package reliability drives the agent through collector outages, slow
// collectors and saturation. The suites are opt-in:
//
//	APMZ_RELIABILITY_LEVEL=basic   CI-safe scenarios
//	APMZ_RELIABILITY_LEVEL=stress  long running, production-sized load
package reliability

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Levels.
const (
	levelBasic  = "basic"
	levelStress = "stress"
)

// settings holds the knobs read from APMZ_RELIABILITY_* variables.
type settings struct {
	Level         string
	Duration      time.Duration
	MaxGoroutines int
	// OfferBudget bounds a single Report call while the collector is down.
	OfferBudget time.Duration
}

func loadSettings() settings {
	v := viper.New()
	v.SetEnvPrefix("apmz_reliability")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("level", "")
	v.SetDefault("duration", 2*time.Second)
	v.SetDefault("max_goroutines", 50)
	v.SetDefault("offer_budget", 5*time.Millisecond)

	s := settings{
		Level:         strings.ToLower(v.GetString("level")),
		Duration:      v.GetDuration("duration"),
		MaxGoroutines: v.GetInt("max_goroutines"),
		OfferBudget:   v.GetDuration("offer_budget"),
	}
	if s.Level == levelStress {
		s.Duration *= 10
		s.MaxGoroutines *= 4
	}
	return s
}

// enabled reports whether reliability tests should run.
func (s settings) enabled() bool {
	return s.Level == levelBasic || s.Level == levelStress
}
