package client

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Backoff is the reconnect schedule: base * 2^(attempt-1) for at most
// maxAttempts attempts, without jitter.
type Backoff struct {
	policy  backoff.BackOff
	attempt int
}

func NewBackoff(base time.Duration, maxAttempts int) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = base << uint(maxAttempts)
	exp.MaxElapsedTime = 0
	exp.Reset()

	var policy backoff.BackOff = exp
	if maxAttempts > 0 {
		policy = backoff.WithMaxRetries(exp, uint64(maxAttempts))
	} else {
		policy = &backoff.StopBackOff{}
	}
	return &Backoff{policy: policy}
}

// Next returns the delay before the next attempt and the attempt number.
// ok is false once the attempts are exhausted.
func (b *Backoff) Next() (delay time.Duration, attempt int, ok bool) {
	delay = b.policy.NextBackOff()
	if delay == backoff.Stop {
		return 0, b.attempt, false
	}
	b.attempt += 1
	return delay, b.attempt, true
}

// Attempt is the number of attempts scheduled since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.policy.Reset()
	b.attempt = 0
}
