package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quillforge/quillforge/internal/authctx"
	"github.com/quillforge/quillforge/internal/clock"
	"github.com/quillforge/quillforge/internal/config"
	creditdomain "github.com/quillforge/quillforge/internal/credit/domain"
	"github.com/quillforge/quillforge/internal/idempotency"
	obsmetrics "github.com/quillforge/quillforge/internal/observability/metrics"
	"github.com/quillforge/quillforge/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultGrantReason = "MONTHLY_FREE"
	defaultListLimit   = 100
	maxListLimit       = 500
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     config.Config
	Repo    creditdomain.Repository
	Guard   *idempotency.Guard  `optional:"true"`
	Limiter ratelimit.Limiter   `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clk     clock.Clock
	cfg     config.CreditsConfig
	repo    creditdomain.Repository
	guard   *idempotency.Guard
	limiter ratelimit.Limiter
	metrics *obsmetrics.Metrics
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credit.service"),
		genID:   p.GenID,
		clk:     p.Clock,
		cfg:     p.Cfg.Credits,
		repo:    p.Repo,
		guard:   p.Guard,
		limiter: p.Limiter,
		metrics: p.Metrics,
	}
}

func (s *Service) Spend(ctx context.Context, req creditdomain.SpendRequest) (*creditdomain.LedgerEntry, error) {
	if req.OrgID == 0 {
		return nil, creditdomain.ErrInvalidOrganization
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, creditdomain.ErrInvalidReason
	}

	if err := s.rateCheck(ctx, req.RateKey); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if out, ok := s.lookupOutcome(key); ok {
		return out.Entry, out.Err
	}

	entry, err := s.executeSpend(ctx, req, reason, key)
	s.storeOutcome(key, entry, err)
	return entry, err
}

func (s *Service) executeSpend(ctx context.Context, req creditdomain.SpendRequest, reason, key string) (*creditdomain.LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	now := s.clk.Now()

	// Administrative bypass: an explicit capability resolved by the identity
	// layer. The spend is recorded at zero amount for audit and the balance
	// is left untouched.
	if authctx.CapabilityFromContext(ctx).BypassCharge {
		entry := s.newEntry(req.OrgID, req.UserID, creditdomain.EntryTypeSpend, 0,
			reason+creditdomain.AdminBypassSuffix, req.Meta, key, now)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.repo.InsertEntry(ctx, tx, entry)
		})
		return s.resolveInsert(ctx, entry, key, err)
	}

	var entry *creditdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.ApplyDelta(ctx, tx, req.OrgID, -req.Amount, now); err != nil {
			return err
		}
		entry = s.newEntry(req.OrgID, req.UserID, creditdomain.EntryTypeSpend, -req.Amount,
			reason, req.Meta, key, now)
		return s.repo.InsertEntry(ctx, tx, entry)
	})
	if errors.Is(err, creditdomain.ErrInsufficientBalance) {
		s.metrics.RecordInsufficientCredits()
		return nil, creditdomain.ErrInsufficientCredits
	}
	return s.resolveInsert(ctx, entry, key, err)
}

func (s *Service) Topup(ctx context.Context, req creditdomain.TopupRequest) error {
	_, err := s.applyCredit(ctx, creditApplication{
		orgID:          req.OrgID,
		userID:         req.UserID,
		entryType:      creditdomain.EntryTypeTopup,
		amount:         req.Amount,
		reason:         strings.TrimSpace(req.Reason),
		meta:           req.Meta,
		idempotencyKey: req.IdempotencyKey,
		rateKey:        req.RateKey,
	})
	return err
}

func (s *Service) Refund(ctx context.Context, req creditdomain.RefundRequest) error {
	_, err := s.applyCredit(ctx, creditApplication{
		orgID:          req.OrgID,
		userID:         req.UserID,
		entryType:      creditdomain.EntryTypeRefund,
		amount:         req.Amount,
		reason:         strings.TrimSpace(req.Reason),
		meta:           req.Meta,
		idempotencyKey: req.IdempotencyKey,
		rateKey:        req.RateKey,
	})
	return err
}

// Grant applies the configured periodic free allotment and stamps the balance
// row. The first grant for an organization implicitly creates its balance.
func (s *Service) Grant(ctx context.Context, req creditdomain.GrantRequest) error {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultGrantReason
	}
	_, err := s.applyCredit(ctx, creditApplication{
		orgID:      req.OrgID,
		userID:     req.UserID,
		entryType:  creditdomain.EntryTypeGrant,
		amount:     s.cfg.FreeMonthlyCredits,
		reason:     reason,
		rateKey:    req.RateKey,
		stampGrant: true,
	})
	return err
}

type creditApplication struct {
	orgID          snowflake.ID
	userID         *snowflake.ID
	entryType      creditdomain.EntryType
	amount         int64
	reason         string
	meta           map[string]any
	idempotencyKey string
	rateKey        string
	stampGrant     bool
}

func (s *Service) applyCredit(ctx context.Context, app creditApplication) (*creditdomain.LedgerEntry, error) {
	if app.orgID == 0 {
		return nil, creditdomain.ErrInvalidOrganization
	}
	if app.reason == "" {
		return nil, creditdomain.ErrInvalidReason
	}

	if err := s.rateCheck(ctx, app.rateKey); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(app.idempotencyKey)
	if out, ok := s.lookupOutcome(key); ok {
		return out.Entry, out.Err
	}

	entry, err := s.executeCredit(ctx, app, key)
	s.storeOutcome(key, entry, err)
	return entry, err
}

func (s *Service) executeCredit(ctx context.Context, app creditApplication, key string) (*creditdomain.LedgerEntry, error) {
	if app.amount < 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	now := s.clk.Now()
	var entry *creditdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.ApplyDelta(ctx, tx, app.orgID, app.amount, now); err != nil {
			return err
		}
		entry = s.newEntry(app.orgID, app.userID, app.entryType, app.amount,
			app.reason, app.meta, key, now)
		if err := s.repo.InsertEntry(ctx, tx, entry); err != nil {
			return err
		}
		if app.stampGrant {
			return s.repo.StampGrant(ctx, tx, app.orgID, now)
		}
		return nil
	})
	return s.resolveInsert(ctx, entry, key, err)
}

// resolveInsert finishes a mutating transaction: success counts the entry,
// and a duplicate idempotency key resolves to the originally recorded entry.
func (s *Service) resolveInsert(ctx context.Context, entry *creditdomain.LedgerEntry, key string, err error) (*creditdomain.LedgerEntry, error) {
	if err == nil {
		s.metrics.RecordLedgerEntry(string(entry.Type))
		return entry, nil
	}
	if errors.Is(err, creditdomain.ErrDuplicateIdempotencyKey) && key != "" {
		existing, findErr := s.repo.FindEntryByIdempotencyKey(ctx, s.db, key)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil {
			s.metrics.RecordIdempotentReplay("store")
			return existing, nil
		}
	}
	return nil, err
}

func (s *Service) GetBalance(ctx context.Context, orgID snowflake.ID) (int64, error) {
	if orgID == 0 {
		return 0, creditdomain.ErrInvalidOrganization
	}
	return s.repo.GetBalance(ctx, s.db, orgID)
}

func (s *Service) ListLedger(ctx context.Context, orgID snowflake.ID, limit int) ([]creditdomain.LedgerEntry, error) {
	if orgID == 0 {
		return nil, creditdomain.ErrInvalidOrganization
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListEntries(ctx, s.db, orgID, limit)
}

func (s *Service) rateCheck(ctx context.Context, rateKey string) error {
	rateKey = strings.TrimSpace(rateKey)
	if s.limiter == nil || rateKey == "" {
		return nil
	}
	res, err := s.limiter.Allow(ctx, rateKey)
	if err != nil {
		// The limiter is advisory; an unavailable backend never blocks the
		// ledger itself.
		s.log.Warn("rate limiter unavailable", zap.Error(err))
		return nil
	}
	if !res.Allowed {
		s.metrics.RecordRateLimited()
		return ratelimit.ErrRateLimitExceeded
	}
	return nil
}

func (s *Service) lookupOutcome(key string) (idempotency.Outcome, bool) {
	if key == "" || s.guard == nil {
		return idempotency.Outcome{}, false
	}
	out, ok := s.guard.Lookup(key)
	if ok {
		s.metrics.RecordIdempotentReplay("cache")
	}
	return out, ok
}

// storeOutcome caches the result for replay. Business failures are cached so
// identical retries replay them; infrastructure failures are not, since the
// caller is expected to retry those.
func (s *Service) storeOutcome(key string, entry *creditdomain.LedgerEntry, err error) {
	if key == "" || s.guard == nil {
		return
	}
	if err != nil && !isClientError(err) {
		return
	}
	s.guard.Store(key, idempotency.Outcome{Entry: entry, Err: err})
}

func isClientError(err error) bool {
	return errors.Is(err, creditdomain.ErrInvalidAmount) ||
		errors.Is(err, creditdomain.ErrInvalidReason) ||
		errors.Is(err, creditdomain.ErrInsufficientCredits)
}

func (s *Service) newEntry(
	orgID snowflake.ID,
	userID *snowflake.ID,
	entryType creditdomain.EntryType,
	amount int64,
	reason string,
	meta map[string]any,
	key string,
	now time.Time,
) *creditdomain.LedgerEntry {
	entry := &creditdomain.LedgerEntry{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		UserID:    userID,
		Type:      entryType,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: now,
	}
	if meta != nil {
		entry.Meta = datatypes.JSONMap(meta)
	}
	if key != "" {
		entry.IdempotencyKey = &key
	}
	return entry
}
