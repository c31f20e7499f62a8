package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrAccountInactive     = errors.New("account_inactive")
	ErrDuplicateNumber     = errors.New("duplicate_number")
	ErrInvalidBusinessName = errors.New("invalid_business_name")
	ErrInvalidNumber       = errors.New("invalid_number")
	ErrInvalidTemplateKind = errors.New("invalid_template_kind")
	ErrInvalidTemplateBody = errors.New("invalid_template_body")
)

type CreateAccountRequest struct {
	BusinessName   string `json:"business_name"`
	OwnerEmail     string `json:"owner_email"`
	OwnerPhone     string `json:"owner_phone"`
	LineNumber     string `json:"line_number"`
	VerifiedNumber string `json:"verified_number"`
	Timezone       string `json:"timezone"`
	DaysOpen       []int  `json:"days_open"`
	OpensAt        string `json:"opens_at"`
	ClosesAt       string `json:"closes_at"`
}

type UpdateTemplateRequest struct {
	AccountID snowflake.ID
	Kind      TemplateKind
	Body      string
}

type Service interface {
	Create(ctx context.Context, req CreateAccountRequest) (Account, error)
	GetByID(ctx context.Context, id snowflake.ID) (Account, error)

	// GetByLineNumber resolves the account for an inbound call's
	// destination number.
	GetByLineNumber(ctx context.Context, number string) (Account, error)

	SetActive(ctx context.Context, id snowflake.ID, active bool) error
	SetFeatures(ctx context.Context, id snowflake.ID, features FeatureFlags) error

	// Template returns the account's body for the kind, falling back to
	// the standard template when the kind has no row.
	Template(ctx context.Context, accountID snowflake.ID, kind TemplateKind) (MessageTemplate, error)

	// UpdateTemplate replaces a template body. The first change in a
	// calendar month is free; later changes debit the template fee.
	UpdateTemplate(ctx context.Context, req UpdateTemplateRequest) (MessageTemplate, error)

	IsVIP(ctx context.Context, accountID snowflake.ID, phone string) (bool, error)
	AddVipContact(ctx context.Context, accountID snowflake.ID, phone, name string) (VipContact, error)
	RemoveVipContact(ctx context.Context, accountID snowflake.ID, phone string) error

	// RecordVipCall bumps the VIP contact's call counter and last-call
	// time. A no-op when the caller is not a VIP.
	RecordVipCall(ctx context.Context, accountID snowflake.ID, phone string, at time.Time) error
}
