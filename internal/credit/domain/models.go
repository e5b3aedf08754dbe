package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EntryType classifies a ledger entry's effect on the balance.
type EntryType string

const (
	EntryTypeGrant  EntryType = "GRANT"
	EntryTypeTopup  EntryType = "TOPUP"
	EntryTypeSpend  EntryType = "SPEND"
	EntryTypeRefund EntryType = "REFUND"
)

// AdminBypassSuffix tags zero-amount spend entries recorded under the
// administrative bypass capability.
const AdminBypassSuffix = "_ADMIN_BYPASS"

// Balance is the materialized credit balance per organization. It is a cached
// projection of the ledger: balance always equals the sum of the org's entry
// amounts, and it can be rebuilt by replaying them.
type Balance struct {
	OrgID       snowflake.ID `gorm:"primaryKey" json:"org_id"`
	Balance     int64        `gorm:"not null" json:"balance"`
	LastGrantAt *time.Time   `json:"last_grant_at,omitempty"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "credit_balances" }

// LedgerEntry is one immutable, signed record of a balance change. Entries are
// created once and never mutated or deleted; they are the durable source of
// truth for the balance projection.
type LedgerEntry struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID      `gorm:"not null;index" json:"org_id"`
	UserID         *snowflake.ID     `json:"user_id,omitempty"`
	Type           EntryType         `gorm:"type:text;not null" json:"type"`
	Amount         int64             `gorm:"not null" json:"amount"`
	Reason         string            `gorm:"type:text;not null" json:"reason"`
	Meta           datatypes.JSONMap `json:"meta,omitempty"`
	IdempotencyKey *string           `gorm:"uniqueIndex:ux_credit_ledger_idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "credit_ledger" }
