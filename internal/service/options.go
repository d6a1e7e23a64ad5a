package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/facilityhub/notifyq/internal/backoff"
	"github.com/facilityhub/notifyq/internal/config"
	"github.com/facilityhub/notifyq/internal/domain"
)

// Options tunes the queue engine. Zero durations, sizes, Backoff, Now and
// NewID are filled from DefaultOptions. StallReclaimCap and DefaultMaxRetries
// are taken as given: zero means an item fails on its first stall, or on its
// first transient failure. Start from DefaultOptions to get 5 and 3.
type Options struct {
	LeaseDuration       time.Duration
	RenewInterval       time.Duration
	StallReclaimCap     int
	DefaultMaxRetries   int
	EnqueueStaleHorizon time.Duration
	MaxClaimLimit       int
	SweepPageSize       int
	Backoff             backoff.Policy

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

func DefaultOptions() Options {
	return Options{
		LeaseDuration:       30 * time.Minute,
		RenewInterval:       10 * time.Minute,
		StallReclaimCap:     5,
		DefaultMaxRetries:   3,
		EnqueueStaleHorizon: time.Hour,
		MaxClaimLimit:       config.MaxClaimBatchSize,
		SweepPageSize:       500,
		Backoff:             backoff.Default(),
		Now:                 func() time.Time { return time.Now().UTC() },
		NewID:               uuid.NewString,
	}
}

// OptionsFromConfig maps runtime configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	o := DefaultOptions()
	o.LeaseDuration = cfg.LeaseDuration
	o.RenewInterval = cfg.RenewInterval
	o.StallReclaimCap = cfg.StallReclaimCap
	o.DefaultMaxRetries = cfg.DefaultMaxRetries
	o.EnqueueStaleHorizon = cfg.EnqueueStaleHorizon
	o.Backoff = backoff.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax}
	return o
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = d.LeaseDuration
	}
	if o.RenewInterval <= 0 {
		o.RenewInterval = d.RenewInterval
	}
	if o.EnqueueStaleHorizon <= 0 {
		o.EnqueueStaleHorizon = d.EnqueueStaleHorizon
	}
	if o.MaxClaimLimit <= 0 {
		o.MaxClaimLimit = d.MaxClaimLimit
	}
	if o.SweepPageSize <= 0 {
		o.SweepPageSize = d.SweepPageSize
	}
	if o.Backoff.Base <= 0 || o.Backoff.Max <= 0 {
		o.Backoff = d.Backoff
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	if o.NewID == nil {
		o.NewID = d.NewID
	}
	return o
}

// MetricHooks carries the metric callbacks injected by main.
// Any nil hook is a no-op, so the service stays metrics-agnostic.
type MetricHooks struct {
	OnEnqueued       func(ch domain.Channel)
	OnClaimed        func(ch domain.Channel, n int)
	OnCompleted      func(ch domain.Channel)
	OnRetried        func(ch domain.Channel)
	OnFailed         func(ch domain.Channel, kind domain.ErrorKind)
	OnCancelled      func(ch domain.Channel)
	OnStaleReport    func(op string)
	OnStallReclaimed func(ch domain.Channel)
	OnDelivered      func(ch domain.Channel, latency time.Duration)
	OnQueueDepth     func(status domain.Status, n int)
}

func (h MetricHooks) withDefaults() MetricHooks {
	if h.OnEnqueued == nil {
		h.OnEnqueued = func(domain.Channel) {}
	}
	if h.OnClaimed == nil {
		h.OnClaimed = func(domain.Channel, int) {}
	}
	if h.OnCompleted == nil {
		h.OnCompleted = func(domain.Channel) {}
	}
	if h.OnRetried == nil {
		h.OnRetried = func(domain.Channel) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(domain.Channel, domain.ErrorKind) {}
	}
	if h.OnCancelled == nil {
		h.OnCancelled = func(domain.Channel) {}
	}
	if h.OnStaleReport == nil {
		h.OnStaleReport = func(string) {}
	}
	if h.OnStallReclaimed == nil {
		h.OnStallReclaimed = func(domain.Channel) {}
	}
	if h.OnDelivered == nil {
		h.OnDelivered = func(domain.Channel, time.Duration) {}
	}
	if h.OnQueueDepth == nil {
		h.OnQueueDepth = func(domain.Status, int) {}
	}
	return h
}
