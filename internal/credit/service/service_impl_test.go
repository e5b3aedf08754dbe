package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/quillforge/quillforge/internal/authctx"
	"github.com/quillforge/quillforge/internal/clock"
	"github.com/quillforge/quillforge/internal/config"
	creditdomain "github.com/quillforge/quillforge/internal/credit/domain"
	"github.com/quillforge/quillforge/internal/credit/repository"
	"github.com/quillforge/quillforge/internal/idempotency"
	"github.com/quillforge/quillforge/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	db.Exec("PRAGMA busy_timeout = 5000")

	if err := db.Exec(`CREATE TABLE credit_balances (
		org_id BIGINT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0,
		last_grant_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create credit_balances: %v", err)
	}
	if err := db.Exec(`CREATE TABLE credit_ledger (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		user_id BIGINT,
		type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		reason TEXT NOT NULL,
		meta TEXT,
		idempotency_key TEXT,
		created_at TIMESTAMP NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create credit_ledger: %v", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX ux_credit_ledger_idempotency_key
		ON credit_ledger (idempotency_key) WHERE idempotency_key IS NOT NULL`).Error; err != nil {
		t.Fatalf("create unique index: %v", err)
	}

	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type testServiceOpts struct {
	guard   *idempotency.Guard
	limiter ratelimit.Limiter
	credits *config.CreditsConfig
}

func newTestService(t *testing.T, db *gorm.DB, clk clock.Clock, opts testServiceOpts) creditdomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	credits := config.CreditsConfig{FreeMonthlyCredits: 10000}
	if opts.credits != nil {
		credits = *opts.credits
	}
	return NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Cfg:     config.Config{Credits: credits},
		Repo:    repository.Provide(),
		Guard:   opts.guard,
		Limiter: opts.limiter,
	})
}

func countEntries(t *testing.T, db *gorm.DB, orgID snowflake.ID) int64 {
	t.Helper()
	var n int64
	if err := db.Raw(`SELECT COUNT(*) FROM credit_ledger WHERE org_id = ?`, orgID).Scan(&n).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	return n
}

func sumEntries(t *testing.T, db *gorm.DB, orgID snowflake.ID) int64 {
	t.Helper()
	var sum int64
	if err := db.Raw(`SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE org_id = ?`, orgID).Scan(&sum).Error; err != nil {
		t.Fatalf("sum entries: %v", err)
	}
	return sum
}

func TestSpendDebitsBalanceAndAppendsEntry(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, testServiceOpts{})
	ctx := context.Background()

	node, _ := snowflake.NewNode(2)
	orgID := node.Generate()

	err := svc.Topup(ctx, creditdomain.TopupRequest{OrgID: orgID, Amount: 10000, Reason: "TOPUP"})
	require.NoError(t, err)

	entry, err := svc.Spend(ctx, creditdomain.SpendRequest{
		OrgID:  orgID,
		Amount: 1000,
		Reason: "OUTLINE",
		Meta:   map[string]any{"book_id": "bk_123"},
	})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, creditdomain.EntryTypeSpend, entry.Type)
	assert.Equal(t, int64(-1000), entry.Amount)
	assert.Equal(t, "OUTLINE", entry.Reason)

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), balance)
	assert.Equal(t, balance, sumEntries(t, db, orgID))
}

func TestSpendInsufficientCreditsLeavesStateUntouched(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, testServiceOpts{})
	ctx := context.Background()

	node, _ := snowflake.NewNode(3)
	orgID := node.Generate()

	require.NoError(t, svc.Topup(ctx, creditdomain.TopupRequest{OrgID: orgID, Amount: 500, Reason: "TOPUP"}))
	before := countEntries(t, db, orgID)

	entry, err := svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: 1000, Reason: "OUTLINE"})
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits)
	assert.Nil(t, entry)

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
	assert.Equal(t, before, countEntries(t, db, orgID))
}

func TestSpendValidation(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, testServiceOpts{})
	ctx := context.Background()

	node, _ := snowflake.NewNode(4)
	orgID := node.Generate()

	_, err := svc.Spend(ctx, creditdomain.SpendRequest{OrgID: 0, Amount: 100, Reason: "OUTLINE"})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidOrganization)

	_, err = svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: 100, Reason: "   "})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidReason)

	_, err = svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: 0, Reason: "OUTLINE"})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)

	_, err = svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: -5, Reason: "OUTLINE"})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)
}

func TestSpendIdempotentReplayFromGuard(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	guard := idempotency.NewGuard(24*time.Hour, time.Hour, clk, zap.NewNop())
	svc := newTestService(t, db, clk, testServiceOpts{guard: guard})
	ctx := context.Background()

	node, _ := snowflake.NewNode(5)
	orgID := node.Generate()
	key := uuid.NewString()

	require.NoError(t, svc.Topup(ctx, creditdomain.TopupRequest{OrgID: orgID, Amount: 10000, Reason: "TOPUP"}))

	first, err := svc.Spend(ctx, creditdomain.SpendRequest{
		OrgID: orgID, Amount: 1000, Reason: "OUTLINE", IdempotencyKey: key,
	})
	require.NoError(t, err)

	second, err := svc.Spend(ctx, creditdomain.SpendRequest{
		OrgID: orgID, Amount: 1000, Reason: "OUTLINE", IdempotencyKey: key,
	})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), balance)
	assert.Equal(t, int64(2), countEntries(t, db, orgID))
}

// Without the in-memory guard the ledger's unique key constraint is the
// backstop: the duplicate insert resolves to the originally recorded entry.
func TestSpendIdempotentReplayFromStore(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, testServiceOpts{})
	ctx := context.Background()

	node, _ := snowflake.NewNode(6)
	orgID := node.Generate()
	key := uuid.NewString()

	require.NoError(t, svc.Topup(ctx, creditdomain.TopupRequest{OrgID: orgID, Amount: 10000, Reason: "TOPUP"}))

	first, err := svc.Spend(ctx, creditdomain.SpendRequest{
		OrgID: orgID, Amount: 1000, Reason: "OUTLINE", IdempotencyKey: key,
	})
	require.NoError(t, err)

	second, err := svc.Spend(ctx, creditdomain.SpendRequest{
		OrgID: orgID, Amount: 1000, Reason: "OUTLINE", IdempotencyKey: key,
	})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	// The retry's debit was rolled back with the failed insert.
	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), balance)
	assert.Equal(t, int64(2), countEntries(t, db, orgID))
}

func TestGrantCreatesBalanceAndStampsGrant(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	svc := newTestService(t, db, clk, testServiceOpts{})
	ctx := context.Background()

	node, _ := snowflake.NewNode(7)
	orgID := node.Generate()

	require.NoError(t, svc.Grant(ctx, creditdomain.GrantRequest{OrgID: orgID}))

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance)

	var row creditdomain.Balance
	require.NoError(t, db.Raw(`SELECT org_id, balance, last_grant_at, updated_at FROM credit_balances WHERE org_id = ?`, orgID).Scan(&row).Error)
	require.NotNil(t, row.LastGrantAt)
	assert.WithinDuration(t, now, *row.LastGrantAt, time.Second)

	entries, err := svc.ListLedger(ctx, orgID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, creditdomain.EntryTypeGrant, entries[0].Type)
	assert.Equal(t, "MONTHLY_FREE", entries[0].Reason)
}

func TestAdminBypassRecordsZeroAmountSpend(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, testServiceOpts{})

	node, _ := snowflake.NewNode(8)
	orgID := node.Generate()
	ctx := authctx.WithCapability(context.Background(), authctx.Capability{BypassCharge: true})

	require.NoError(t, svc.Topup(ctx, creditdomain.TopupRequest{OrgID: orgID, Amount: 300, Reason: "TOPUP"}))

	entry, err := svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: 1000, Reason: "OUTLINE"})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(0), entry.Amount)
	assert.Equal(t, "OUTLINE"+creditdomain.AdminBypassSuffix, entry.Reason)

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)
	assert.Equal(t, balance, sumEntries(t, db, orgID))
}

func TestRefundRestoresSpentCredits(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, testServiceOpts{})
	ctx := context.Background()

	node, _ := snowflake.NewNode(9)
	orgID := node.Generate()

	require.NoError(t, svc.Topup(ctx, creditdomain.TopupRequest{OrgID: orgID, Amount: 2000, Reason: "TOPUP"}))
	_, err := svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: 500, Reason: "CHAPTER"})
	require.NoError(t, err)
	require.NoError(t, svc.Refund(ctx, creditdomain.RefundRequest{OrgID: orgID, Amount: 500, Reason: "CHAPTER_FAILED"}))

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance)
	assert.Equal(t, balance, sumEntries(t, db, orgID))

	require.NoError(t, svc.Refund(ctx, creditdomain.RefundRequest{OrgID: orgID, Amount: 0, Reason: "NOOP"}))
	err = svc.Refund(ctx, creditdomain.RefundRequest{OrgID: orgID, Amount: -1, Reason: "NEGATIVE"})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)
}

func TestGetBalanceUnknownOrgIsZero(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, testServiceOpts{})

	node, _ := snowflake.NewNode(10)
	balance, err := svc.GetBalance(context.Background(), node.Generate())
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestListLedgerOrdersNewestFirstAndCapsLimit(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, testServiceOpts{})
	ctx := context.Background()

	node, _ := snowflake.NewNode(11)
	orgID := node.Generate()

	require.NoError(t, svc.Topup(ctx, creditdomain.TopupRequest{OrgID: orgID, Amount: 5000, Reason: "TOPUP"}))
	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		_, err := svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: 100, Reason: "SNIPPET"})
		require.NoError(t, err)
	}

	entries, err := svc.ListLedger(ctx, orgID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].CreatedAt.After(entries[1].CreatedAt) || entries[0].ID > entries[1].ID)
	assert.Equal(t, creditdomain.EntryTypeSpend, entries[0].Type)

	all, err := svc.ListLedger(ctx, orgID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSpendRateLimited(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	limiter, err := ratelimit.NewLocalLimiter(clk, 2, time.Minute)
	require.NoError(t, err)
	svc := newTestService(t, db, clk, testServiceOpts{limiter: limiter})
	ctx := context.Background()

	node, _ := snowflake.NewNode(12)
	orgID := node.Generate()
	require.NoError(t, svc.Topup(ctx, creditdomain.TopupRequest{OrgID: orgID, Amount: 5000, Reason: "TOPUP"}))

	for i := 0; i < 2; i++ {
		_, err := svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: 100, Reason: "SNIPPET", RateKey: "10.0.0.1"})
		require.NoError(t, err)
	}

	_, err = svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: 100, Reason: "SNIPPET", RateKey: "10.0.0.1"})
	assert.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)

	// The rejected spend must not touch the ledger.
	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(4800), balance)

	// A different key is unaffected.
	_, err = svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: 100, Reason: "SNIPPET", RateKey: "10.0.0.2"})
	require.NoError(t, err)
}

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, testServiceOpts{})
	ctx := context.Background()

	node, _ := snowflake.NewNode(13)
	orgID := node.Generate()
	require.NoError(t, svc.Topup(ctx, creditdomain.TopupRequest{OrgID: orgID, Amount: 300, Reason: "TOPUP"}))

	const workers = 8
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: 100, Reason: "SNIPPET"})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if !assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits) {
			t.Fatalf("unexpected spend error: %v", err)
		}
	}
	assert.Equal(t, 3, succeeded)

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assert.Equal(t, balance, sumEntries(t, db, orgID))
}

func TestBalanceMatchesLedgerSumAcrossMixedOperations(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk, testServiceOpts{})
	ctx := context.Background()

	node, _ := snowflake.NewNode(14)
	orgID := node.Generate()

	require.NoError(t, svc.Grant(ctx, creditdomain.GrantRequest{OrgID: orgID}))
	require.NoError(t, svc.Topup(ctx, creditdomain.TopupRequest{OrgID: orgID, Amount: 2500, Reason: "TOPUP"}))
	_, err := svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: 1000, Reason: "OUTLINE"})
	require.NoError(t, err)
	_, err = svc.Spend(ctx, creditdomain.SpendRequest{OrgID: orgID, Amount: 500, Reason: "CHAPTER"})
	require.NoError(t, err)
	require.NoError(t, svc.Refund(ctx, creditdomain.RefundRequest{OrgID: orgID, Amount: 500, Reason: "CHAPTER_FAILED"}))

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(11500), balance)
	assert.Equal(t, balance, sumEntries(t, db, orgID))
}
