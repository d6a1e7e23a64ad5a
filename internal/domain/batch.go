package domain

import "time"

// BatchStatus tracks the lifecycle of a batch.
type BatchStatus string

const (
	BatchStatusQueued     BatchStatus = "queued"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
)

// Batch is a coordination record for items submitted together.
type Batch struct {
	ID                    string      `json:"id"`
	Channel               Channel     `json:"channel"`
	TotalCount            int         `json:"total_count"`
	EnqueuedCount         int         `json:"enqueued_count"`
	ProcessedCount        int         `json:"processed_count"`
	SuccessCount          int         `json:"success_count"`
	FailureCount          int         `json:"failure_count"`
	Status                BatchStatus `json:"status"`
	StartedAt             *time.Time  `json:"started_at,omitempty"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
	EstimatedCompletionAt *time.Time  `json:"estimated_completion_at,omitempty"`
	ThroughputPerMinute   float64     `json:"throughput_per_minute"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// NewBatch returns a queued batch expecting totalCount items.
func NewBatch(id string, ch Channel, totalCount int, now time.Time) (*Batch, error) {
	if !ch.IsValid() {
		return nil, ErrInvalidChannel
	}
	if totalCount <= 0 {
		return nil, ErrInvalidBatchSize
	}
	return &Batch{
		ID:         id,
		Channel:    ch,
		TotalCount: totalCount,
		Status:     BatchStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (b *Batch) Clone() *Batch {
	c := *b
	c.StartedAt = cloneTime(b.StartedAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	c.EstimatedCompletionAt = cloneTime(b.EstimatedCompletionAt)
	return &c
}

// IsComplete reports whether every expected item has settled.
func (b *Batch) IsComplete() bool {
	return b.ProcessedCount >= b.TotalCount
}

// Admit reserves a member slot for an item on channel ch. A batch accepts
// exactly TotalCount members; once full it is closed to further enqueues.
func (b *Batch) Admit(ch Channel, now time.Time) error {
	if b.Channel != ch {
		return ErrBatchChannelMismatch
	}
	if b.IsComplete() || b.EnqueuedCount >= b.TotalCount {
		return ErrBatchClosed
	}
	b.EnqueuedCount++
	b.UpdatedAt = now
	return nil
}

// MarkStarted moves a queued batch to processing. It is a no-op otherwise.
func (b *Batch) MarkStarted(now time.Time) bool {
	if b.Status != BatchStatusQueued {
		return false
	}
	b.Status = BatchStatusProcessing
	if b.StartedAt == nil {
		b.StartedAt = &now
	}
	b.UpdatedAt = now
	return true
}

// RecordSettled applies one item outcome and recomputes the derived fields.
// A complete batch is immutable.
func (b *Batch) RecordSettled(success bool, now time.Time) error {
	if b.IsComplete() {
		return ErrBatchComplete
	}
	if b.StartedAt == nil {
		b.StartedAt = &now
	}
	b.ProcessedCount++
	if success {
		b.SuccessCount++
	} else {
		b.FailureCount++
	}
	b.UpdatedAt = now

	b.ThroughputPerMinute = 0
	if minutes := now.Sub(*b.StartedAt).Minutes(); minutes > 0 {
		b.ThroughputPerMinute = float64(b.ProcessedCount) / minutes
	}

	if b.IsComplete() {
		b.Status = BatchStatusCompleted
		b.CompletedAt = &now
		b.EstimatedCompletionAt = nil
		return nil
	}

	b.Status = BatchStatusProcessing
	b.EstimatedCompletionAt = nil
	if b.ThroughputPerMinute > 0 {
		remaining := float64(b.TotalCount-b.ProcessedCount) / b.ThroughputPerMinute
		eta := now.Add(time.Duration(remaining * float64(time.Minute)))
		b.EstimatedCompletionAt = &eta
	}
	return nil
}

// BatchProgress is the read model exposed to monitoring tooling.
type BatchProgress struct {
	ID                    string      `json:"id"`
	Channel               Channel     `json:"channel"`
	Status                BatchStatus `json:"status"`
	TotalCount            int         `json:"total_count"`
	EnqueuedCount         int         `json:"enqueued_count"`
	ProcessedCount        int         `json:"processed_count"`
	SuccessCount          int         `json:"success_count"`
	FailureCount          int         `json:"failure_count"`
	ThroughputPerMinute   float64     `json:"throughput_per_minute"`
	EstimatedCompletionAt *time.Time  `json:"estimated_completion_at,omitempty"`
	StartedAt             *time.Time  `json:"started_at,omitempty"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
}

// Progress projects the batch onto its read model.
func (b *Batch) Progress() BatchProgress {
	return BatchProgress{
		ID:                    b.ID,
		Channel:               b.Channel,
		Status:                b.Status,
		TotalCount:            b.TotalCount,
		EnqueuedCount:         b.EnqueuedCount,
		ProcessedCount:        b.ProcessedCount,
		SuccessCount:          b.SuccessCount,
		FailureCount:          b.FailureCount,
		ThroughputPerMinute:   b.ThroughputPerMinute,
		EstimatedCompletionAt: cloneTime(b.EstimatedCompletionAt),
		StartedAt:             cloneTime(b.StartedAt),
		CompletedAt:           cloneTime(b.CompletedAt),
	}
}

// CreateBatchRequest is the producer input for CreateBatch.
type CreateBatchRequest struct {
	Channel    Channel `json:"channel"`
	TotalCount int     `json:"total_count"`
}
