package ratelimiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/facilityhub/notifyq/internal/domain"
)

// ChannelLimiters holds one token bucket limiter per delivery channel.
// Each limiter enforces a steady-state rate (e.g. 100 sends/sec).
// Burst is set equal to the rate so no extra burst capacity is allowed
// beyond the configured per-second maximum.
type ChannelLimiters struct {
	limiters map[domain.Channel]*rate.Limiter
}

// New creates a ChannelLimiters with ratePerSec tokens per second per channel.
func New(ratePerSec int) *ChannelLimiters {
	r := rate.Limit(ratePerSec)
	burst := ratePerSec

	limiters := make(map[domain.Channel]*rate.Limiter, len(domain.Channels))
	for _, ch := range domain.Channels {
		limiters[ch] = rate.NewLimiter(r, burst)
	}
	return &ChannelLimiters{limiters: limiters}
}

// Wait blocks until the channel's limiter grants a token.
// Called by delivery workers immediately before sending to the provider.
// Returns a non-nil error if ctx is cancelled while waiting.
func (cl *ChannelLimiters) Wait(ctx context.Context, ch domain.Channel) error {
	l, ok := cl.limiters[ch]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrInvalidChannel, ch)
	}
	return l.Wait(ctx)
}
