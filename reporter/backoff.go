package reporter

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zoobzio/clockz"

	"github.com/zoobzio/apmz/config"
)

// State is the connection state of the reporter worker.
type State int32

// Connection states.
const (
	// StateConnected sends batches as they are cut.
	StateConnected State = iota
	// StateBackoff waits after a failed request. Flush fails fast.
	StateBackoff
	// StateReconnecting sends the next batch as a probe.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// newBackOff builds the reconnect policy. It never gives up; the reporter
// keeps probing for as long as it runs.
func newBackOff(cfg config.BackoffConfig, clock clockz.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0
	b.Clock = clock
	b.Reset()
	return b
}

// nextDelay returns the wait before the next probe, never zero.
func nextDelay(b *backoff.ExponentialBackOff, fallback time.Duration) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		return fallback
	}
	return d
}
