// Package backoff computes retry delays for failed deliveries.
package backoff

import "time"

const (
	DefaultBase = 60 * time.Second
	DefaultMax  = 3600 * time.Second
)

// Policy is an exponential backoff capped at Max.
//
//	attempt 1 -> Base
//	attempt 2 -> 2*Base
//	attempt n -> min(Base * 2^(n-1), Max)
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default returns the 60s doubling policy capped at one hour.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

// Delay returns the wait before retry number attempt (1-based).
// Attempts below 1 are treated as the first retry.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		if d >= p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
