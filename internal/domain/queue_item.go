package domain

import (
	"fmt"
	"time"
)

// Channel is the delivery channel for a queue item.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp}

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

// Priority controls claim ordering. Urgent is claimed first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) IsValid() bool {
	return p.Rank() > 0
}

// Rank orders priorities: low=1 < medium=2 < high=3 < urgent=4.
// Unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	}
	return 0
}

// Status is the queue item state machine value.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions is the complete edge set of the item state machine.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusQueued, StatusFailed, StatusProcessing},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// processing -> processing is the lease renewal self-edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies the last failure recorded on an item.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
	ErrorKindStalled   ErrorKind = "stalled"
)

// ItemError is the last failure description stored on an item.
type ItemError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// QueueItem is one unit of outbound delivery work.
//
// Items are plain data. State changes are computed by the transition methods
// below, which return a modified copy, and persisted through the store's
// compare-and-set primitive.
type QueueItem struct {
	ID             string     `json:"id"`
	PayloadRef     string     `json:"payload_ref"`
	Channel        Channel    `json:"channel"`
	Priority       Priority   `json:"priority"`
	Status         Status     `json:"status"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	QueuedAt       time.Time  `json:"queued_at"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	StallCount     int        `json:"stall_count"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	LastError      *ItemError `json:"last_error,omitempty"`
	BatchRef       *string    `json:"batch_ref,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Version        int64      `json:"version"`
}

// Clone returns a deep copy so callers never share pointer fields.
func (it *QueueItem) Clone() *QueueItem {
	c := *it
	c.ScheduledFor = cloneTime(it.ScheduledFor)
	c.LeaseExpiresAt = cloneTime(it.LeaseExpiresAt)
	c.NextRetryAt = cloneTime(it.NextRetryAt)
	c.CompletedAt = cloneTime(it.CompletedAt)
	if it.LastError != nil {
		e := *it.LastError
		c.LastError = &e
	}
	if it.BatchRef != nil {
		b := *it.BatchRef
		c.BatchRef = &b
	}
	return &c
}

// IsReady reports whether a queued item is eligible for claiming at now.
func (it *QueueItem) IsReady(now time.Time) bool {
	if it.Status != StatusQueued {
		return false
	}
	if it.ScheduledFor != nil && it.ScheduledFor.After(now) {
		return false
	}
	if it.NextRetryAt != nil && it.NextRetryAt.After(now) {
		return false
	}
	return true
}

// LeaseExpired reports whether a processing item's lease ended before now.
func (it *QueueItem) LeaseExpired(now time.Time) bool {
	return it.Status == StatusProcessing && it.LeaseExpiresAt != nil && it.LeaseExpiresAt.Before(now)
}

func (it *QueueItem) next(to Status, now time.Time) (*QueueItem, error) {
	if !CanTransition(it.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, it.Status, to)
	}
	c := it.Clone()
	c.Status = to
	c.UpdatedAt = now
	return c, nil
}

func (it *QueueItem) clearLease() {
	it.LeaseOwner = ""
	it.LeaseExpiresAt = nil
}

// Claimed returns the item leased to owner until now+lease.
func (it *QueueItem) Claimed(owner string, now time.Time, lease time.Duration) (*QueueItem, error) {
	c, err := it.next(StatusProcessing, now)
	if err != nil {
		return nil, err
	}
	exp := now.Add(lease)
	c.LeaseOwner = owner
	c.LeaseExpiresAt = &exp
	return c, nil
}

// Renewed extends the lease of a processing item.
func (it *QueueItem) Renewed(now time.Time, lease time.Duration) (*QueueItem, error) {
	if it.Status != StatusProcessing {
		return nil, fmt.Errorf("%w: renew in status %s", ErrInvalidStateTransition, it.Status)
	}
	c, _ := it.next(StatusProcessing, now)
	exp := now.Add(lease)
	c.LeaseExpiresAt = &exp
	return c, nil
}

// Completed settles a processing item as delivered.
func (it *QueueItem) Completed(now time.Time) (*QueueItem, error) {
	c, err := it.next(StatusCompleted, now)
	if err != nil {
		return nil, err
	}
	c.clearLease()
	c.LastError = nil
	c.NextRetryAt = nil
	c.CompletedAt = &now
	return c, nil
}

// Failed records a delivery failure. Transient failures with retry budget
// left go back to queued with nextRetryAt = now + delay(retryCount+1);
// permanent failures and exhausted budgets are terminal.
func (it *QueueItem) Failed(kind ErrorKind, msg string, now time.Time, delay func(attempt int) time.Duration) (*QueueItem, error) {
	to := StatusFailed
	if kind == ErrorKindTransient && it.RetryCount < it.MaxRetries {
		to = StatusQueued
	}
	c, err := it.next(to, now)
	if err != nil {
		return nil, err
	}
	c.clearLease()
	c.LastError = &ItemError{Kind: kind, Message: msg}
	if to == StatusQueued {
		c.RetryCount++
		at := now.Add(delay(c.RetryCount))
		c.NextRetryAt = &at
	} else {
		c.NextRetryAt = nil
		c.CompletedAt = &now
	}
	return c, nil
}

// Reclaimed returns a stalled item to the queue without touching retryCount.
// Once stallCap reclaims have been spent the item fails instead.
func (it *QueueItem) Reclaimed(now time.Time, stallCap int) (*QueueItem, error) {
	if it.StallCount >= stallCap {
		c, err := it.next(StatusFailed, now)
		if err != nil {
			return nil, err
		}
		c.clearLease()
		c.LastError = &ItemError{
			Kind:    ErrorKindStalled,
			Message: fmt.Sprintf("lease expired %d times without a report", it.StallCount+1),
		}
		c.CompletedAt = &now
		return c, nil
	}
	c, err := it.next(StatusQueued, now)
	if err != nil {
		return nil, err
	}
	c.clearLease()
	c.StallCount++
	return c, nil
}

// Cancelled moves a queued item to the terminal cancelled state.
func (it *QueueItem) Cancelled(now time.Time) (*QueueItem, error) {
	c, err := it.next(StatusCancelled, now)
	if err != nil {
		return nil, err
	}
	c.NextRetryAt = nil
	c.CompletedAt = &now
	return c, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EnqueueRequest is the producer input for a single item.
type EnqueueRequest struct {
	PayloadRef   string     `json:"payload_ref"`
	Channel      Channel    `json:"channel"`
	Priority     Priority   `json:"priority"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	BatchRef     *string    `json:"batch_ref,omitempty"`
	MaxRetries   *int       `json:"max_retries,omitempty"`
}

// Validate checks producer input. staleHorizon bounds how far in the past
// scheduledFor may lie.
func (r *EnqueueRequest) Validate(now time.Time, staleHorizon time.Duration) error {
	if r.PayloadRef == "" {
		return ErrInvalidPayloadRef
	}
	if !r.Channel.IsValid() {
		return ErrInvalidChannel
	}
	if !r.Priority.IsValid() {
		return ErrInvalidPriority
	}
	if r.ScheduledFor != nil && r.ScheduledFor.Before(now.Add(-staleHorizon)) {
		return ErrScheduleTooOld
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	return nil
}

// ListFilter holds query parameters for paginated item listing.
type ListFilter struct {
	Status   *Status
	Channel  *Channel
	BatchRef *string
	Page     int
	Limit    int
}
