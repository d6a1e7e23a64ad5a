package provider

import (
	"context"

	"github.com/facilityhub/notifyq/internal/domain"
)

// SendRequest is the JSON body posted to the channel gateway.
type SendRequest struct {
	ItemID     string `json:"itemId"`
	Channel    string `json:"channel"`
	PayloadRef string `json:"payloadRef"`
	Priority   string `json:"priority"`
	Attempt    int    `json:"attempt"`
}

// SendResponse maps the gateway's 2xx response body.
type SendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Provider delivers one claimed queue item to an external channel.
// Returned errors are classified with domain.Transient or domain.Permanent
// so the dispatcher knows whether to spend a retry.
type Provider interface {
	Send(ctx context.Context, item *domain.QueueItem) (*SendResponse, error)
}
