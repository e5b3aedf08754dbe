package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the ledger store plus the balance projection. Callers pass the
// database handle so a service transaction can span both sides of a mutation.
type Repository interface {
	// InsertEntry appends an immutable entry. Returns
	// ErrDuplicateIdempotencyKey when the key column already holds the key.
	InsertEntry(ctx context.Context, db *gorm.DB, entry *LedgerEntry) error
	FindEntryByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*LedgerEntry, error)
	ListEntries(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]LedgerEntry, error)
	SumEntries(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error)

	// GetBalance returns 0 for an organization with no balance row.
	GetBalance(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error)
	// EnsureBalance creates the zero-valued balance row if absent.
	EnsureBalance(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time) error
	// ApplyDelta adjusts the balance as a single conditional update. A
	// negative delta that would drive the balance below zero affects no row
	// and returns ErrInsufficientBalance.
	ApplyDelta(ctx context.Context, db *gorm.DB, orgID snowflake.ID, delta int64, now time.Time) (int64, error)
	StampGrant(ctx context.Context, db *gorm.DB, orgID snowflake.ID, at time.Time) error
}
