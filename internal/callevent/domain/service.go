package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidEvent   = errors.New("invalid_event")
	ErrDuplicateEvent = errors.New("duplicate_event")
	// ErrUnknownLine means no active account owns the inbound number.
	ErrUnknownLine = errors.New("unknown_line")
	// ErrBelowFloor means the balance failed a pre-send gate; the event
	// is recorded as dropped and nothing was charged.
	ErrBelowFloor = errors.New("balance_below_floor")
)

// CallEventRequest is an inbound missed-call webhook payload.
type CallEventRequest struct {
	ProviderCallSID string
	CallerNumber    string
	CallerName      string
	LineNumber      string
	HasVoicemail    bool
	OccurredAt      time.Time
}

// ReplyEventRequest is an inbound SMS reply from a previous caller.
type ReplyEventRequest struct {
	ProviderMessageSID string
	CallerNumber       string
	LineNumber         string
	Body               string
}

type Service interface {
	// ProcessCall runs the full pipeline for one inbound call: claim,
	// classify, price, balance gates, send, bill, follow-ups, alerts,
	// usage counter. Duplicates return the existing event with
	// ErrDuplicateEvent and cause no side effects.
	ProcessCall(ctx context.Context, req CallEventRequest) (*BillableEvent, error)

	// ProcessReply applies the deferred two-way charge to the most
	// recent unreplied call event from this caller, at most once per
	// event. Replies with no matching event are dropped silently.
	ProcessReply(ctx context.Context, req ReplyEventRequest) (*BillableEvent, error)

	GetBySID(ctx context.Context, providerCallSID string) (*BillableEvent, error)

	// DispatchFollowUps sends follow-ups due at or before now, marking
	// each sent or failed. Returns the number attempted.
	DispatchFollowUps(ctx context.Context, now time.Time, limit int) (int, error)
}
