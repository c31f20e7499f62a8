package sms

import "context"

// Message is one outbound SMS.
type Message struct {
	To   string
	From string
	Body string
}

type Provider interface {
	// Send submits the message and returns the provider's message SID.
	Send(ctx context.Context, msg Message) (string, error)
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, msg Message) (string, error) {
	return "noop", nil
}
