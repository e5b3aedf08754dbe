package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/quillforge/quillforge/internal/credit/domain"
	pkgdb "github.com/quillforge/quillforge/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() creditdomain.Repository {
	return &repo{}
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *creditdomain.LedgerEntry) error {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO credit_ledger (id, org_id, user_id, type, amount, reason, meta, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.OrgID,
		entry.UserID,
		string(entry.Type),
		entry.Amount,
		entry.Reason,
		entry.Meta,
		entry.IdempotencyKey,
		entry.CreatedAt,
	).Error
	if err != nil && entry.IdempotencyKey != nil && pkgdb.IsDuplicateKeyErr(err) {
		return creditdomain.ErrDuplicateIdempotencyKey
	}
	return err
}

func (r *repo) FindEntryByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*creditdomain.LedgerEntry, error) {
	var entry creditdomain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, user_id, type, amount, reason, meta, idempotency_key, created_at
		 FROM credit_ledger WHERE idempotency_key = ?`,
		key,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]creditdomain.LedgerEntry, error) {
	var entries []creditdomain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, user_id, type, amount, reason, meta, idempotency_key, created_at
		 FROM credit_ledger WHERE org_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		orgID,
		limit,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) SumEntries(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error) {
	var sum int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE org_id = ?`,
		orgID,
	).Scan(&sum).Error
	return sum, err
}

func (r *repo) GetBalance(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error) {
	var balance *int64
	err := db.WithContext(ctx).Raw(
		`SELECT balance FROM credit_balances WHERE org_id = ?`,
		orgID,
	).Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	if balance == nil {
		return 0, nil
	}
	return *balance, nil
}

func (r *repo) EnsureBalance(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_balances (org_id, balance, updated_at)
		 VALUES (?, 0, ?)
		 ON CONFLICT (org_id) DO NOTHING`,
		orgID,
		now,
	).Error
}

// ApplyDelta performs the check-and-apply as one conditional statement against
// the balance row. Two concurrent spends can never both observe a stale
// positive balance: the losing update matches zero rows.
func (r *repo) ApplyDelta(ctx context.Context, db *gorm.DB, orgID snowflake.ID, delta int64, now time.Time) (int64, error) {
	if err := r.EnsureBalance(ctx, db, orgID, now); err != nil {
		return 0, err
	}

	result := db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET balance = balance + ?, updated_at = ?
		 WHERE org_id = ? AND balance + ? >= 0`,
		delta,
		now,
		orgID,
		delta,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, creditdomain.ErrInsufficientBalance
	}

	return r.GetBalance(ctx, db, orgID)
}

func (r *repo) StampGrant(ctx context.Context, db *gorm.DB, orgID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_balances SET last_grant_at = ?, updated_at = ? WHERE org_id = ?`,
		at,
		at,
		orgID,
	).Error
}
