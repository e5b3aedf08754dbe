package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// SpendRequest debits credits for a metered operation. RateKey identifies the
// caller for abuse mitigation (typically the client IP); the admin bypass
// capability travels in the request context, resolved by the identity layer.
type SpendRequest struct {
	OrgID          snowflake.ID
	UserID         *snowflake.ID
	Amount         int64
	Reason         string
	Meta           map[string]any
	IdempotencyKey string
	RateKey        string
}

type TopupRequest struct {
	OrgID          snowflake.ID
	UserID         *snowflake.ID
	Amount         int64
	Reason         string
	Meta           map[string]any
	IdempotencyKey string
	RateKey        string
}

type GrantRequest struct {
	OrgID   snowflake.ID
	UserID  *snowflake.ID
	Reason  string
	RateKey string
}

type RefundRequest struct {
	OrgID          snowflake.ID
	UserID         *snowflake.ID
	Amount         int64
	Reason         string
	Meta           map[string]any
	IdempotencyKey string
	RateKey        string
}

// Service is the metering facade. Every mutating call runs the same state
// machine: rate check, idempotency check, then an atomic mutate-and-record
// transaction whose outcome is cached for replay.
type Service interface {
	Spend(ctx context.Context, req SpendRequest) (*LedgerEntry, error)
	Topup(ctx context.Context, req TopupRequest) error
	Grant(ctx context.Context, req GrantRequest) error
	Refund(ctx context.Context, req RefundRequest) error
	GetBalance(ctx context.Context, orgID snowflake.ID) (int64, error)
	ListLedger(ctx context.Context, orgID snowflake.ID, limit int) ([]LedgerEntry, error)
}
