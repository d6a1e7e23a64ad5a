package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/facilityhub/notifyq/internal/domain"
)

// WebhookProvider delivers items by POSTing them to a channel gateway.
// The base URL is injected from config so tests can point to a local mock.
type WebhookProvider struct {
	baseURL    string
	httpClient *http.Client
}

func NewWebhookProvider(baseURL string, timeout time.Duration) *WebhookProvider {
	return &WebhookProvider{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts the item reference to the gateway.
//
//	2xx           delivered
//	408, 429, 5xx transient
//	other 4xx     permanent
//	network error transient
func (p *WebhookProvider) Send(ctx context.Context, item *domain.QueueItem) (*SendResponse, error) {
	body, err := json.Marshal(SendRequest{
		ItemID:     item.ID,
		Channel:    string(item.Channel),
		PayloadRef: item.PayloadRef,
		Priority:   string(item.Priority),
		Attempt:    item.RetryCount + 1,
	})
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var sendResp SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil && !errors.Is(err, io.EOF) {
		// The gateway accepted the item; an unreadable body does not undo that.
		return &SendResponse{Status: resp.Status}, nil
	}
	return &sendResp, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return domain.Transient(fmt.Errorf("provider status %d", code))
	default:
		return domain.Permanent(fmt.Errorf("provider status %d", code))
	}
}

// compile-time check that WebhookProvider implements Provider
var _ Provider = (*WebhookProvider)(nil)
