package domain

import (
	"context"
	"net/http"
)

type Service interface {
	// IngestWebhook verifies, dedupes, and applies one provider event.
	// Redelivered events return nil without side effects.
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}
