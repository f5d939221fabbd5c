// Package timing provides the server's clock source and the
// cryptographically secure random signal delay, kept injectable so
// tests can pin both without sleeping real wall-clock time.
package timing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Clock abstracts "now" so the orchestrator's tests can run a match
// through its full lifecycle without real sleeps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a test double that returns a fixed, advanceable instant.
type FixedClock struct {
	at time.Time
}

func NewFixedClock(at time.Time) *FixedClock {
	return &FixedClock{at: at}
}

func (c *FixedClock) Now() time.Time { return c.at }

func (c *FixedClock) Advance(d time.Duration) {
	c.at = c.at.Add(d)
}

// SignalDelay returns a cryptographically secure random duration in
// [min, max], used so the green-light delay cannot be predicted or
// gamed by a client racing the countdown.
func SignalDelay(min, max time.Duration) (time.Duration, error) {
	if max < min {
		return 0, fmt.Errorf("timing: max delay %s less than min %s", max, min)
	}
	span := max - min
	if span == 0 {
		return min, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)+1))
	if err != nil {
		return 0, fmt.Errorf("timing: generate secure random delay: %w", err)
	}
	return min + time.Duration(n.Int64()), nil
}
