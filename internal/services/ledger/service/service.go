package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/quotaledger-go/internal/domain/ledger"
	"github.com/quotaledger-go/internal/services/ledger/repository"
	"github.com/quotaledger-go/pkg/cache"
	"github.com/quotaledger-go/pkg/config"
	"github.com/quotaledger-go/pkg/database"
	"github.com/quotaledger-go/pkg/logger"
	"github.com/quotaledger-go/pkg/metrics"
	"github.com/quotaledger-go/pkg/telemetry"
)

const plansCacheKey = "plans:active"

// Policy carries the quota and referral knobs the ledger applies.
type Policy struct {
	StartingQuota int64
	ReferralBonus int64
	CodeAttempts  int
	Currency      string
	PlanCacheTTL  time.Duration
}

func PolicyFromConfig(cfg config.LedgerConfig) Policy {
	return Policy{
		StartingQuota: cfg.StartingQuota,
		ReferralBonus: cfg.ReferralBonus,
		CodeAttempts:  cfg.CodeAttempts,
		Currency:      cfg.Currency,
		PlanCacheTTL:  time.Duration(cfg.PlanCacheTTL) * time.Second,
	}
}

// LedgerService is the single entry point for quota, referral, promo and
// billing operations. Every operation runs in exactly one database
// transaction; business outcomes come back as result values and only
// connectivity or integrity failures travel the error path.
type LedgerService struct {
	db        *database.DB
	accounts  *repository.AccountRepository
	referrals *repository.ReferralRepository
	promos    *repository.PromoRepository
	billing   *repository.BillingRepository
	planCache cache.Cache
	telemetry *telemetry.Telemetry
	policy    Policy
	logger    logger.Logger
}

// NewLedgerService wires the facade. planCache and tel may be nil; the
// service then skips caching and tracing.
func NewLedgerService(db *database.DB, planCache cache.Cache, tel *telemetry.Telemetry, policy Policy, log logger.Logger) *LedgerService {
	accounts := repository.NewAccountRepository()
	return &LedgerService{
		db:        db,
		accounts:  accounts,
		referrals: repository.NewReferralRepository(accounts),
		promos:    repository.NewPromoRepository(),
		billing:   repository.NewBillingRepository(),
		planCache: planCache,
		telemetry: tel,
		policy:    policy,
		logger:    log.With("component", "ledger_service"),
	}
}

// tx runs fn in one transaction. A constraint violation that escapes the
// repositories' anticipated cases is an integrity violation: logged, rolled
// back, surfaced as a generic failure.
func (s *LedgerService) tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.db.WithConnection(ctx, fn)
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		s.logger.Error("ledger integrity violation", "error", err)
		return fmt.Errorf("%w: %v", ledger.ErrIntegrityViolation, err)
	}
	return err
}

func (s *LedgerService) startOp(ctx context.Context, op string) (context.Context, func(outcome string)) {
	start := time.Now()
	endSpan := func() {}
	if s.telemetry != nil {
		spanCtx, span := s.telemetry.StartSpan(ctx, "ledger."+op)
		ctx = spanCtx
		endSpan = func() { span.End() }
	}
	return ctx, func(outcome string) {
		endSpan()
		metrics.LedgerOperationsTotal.WithLabelValues(op, outcome).Inc()
		metrics.LedgerOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// Register creates the account on first contact and refreshes its profile on
// every later one. A referral code supplied at registration credits the
// referrer in the same transaction; the referral outcome never fails the
// registration itself.
func (s *LedgerService) Register(ctx context.Context, accountID string, profile ledger.Profile, referralCode string) (ledger.RegisterResult, error) {
	ctx, done := s.startOp(ctx, "register")

	var result ledger.RegisterResult
	err := s.tx(ctx, func(tx *gorm.DB) error {
		account, created, err := s.accounts.GetOrCreate(tx, accountID, profile, s.policy.StartingQuota)
		if err != nil {
			return err
		}
		result = ledger.RegisterResult{Account: account, Created: created}

		if created && referralCode != "" {
			credit, err := s.creditReferral(tx, accountID, referralCode)
			if err != nil {
				return err
			}
			result.Referral = &credit
			result.Account, err = s.accounts.Get(tx, accountID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		done("error")
		return ledger.RegisterResult{}, err
	}

	outcome := "existing"
	if result.Created {
		outcome = "created"
		metrics.QuotaGrantedTotal.WithLabelValues("registration").Add(float64(s.policy.StartingQuota))
	}
	done(outcome)
	return result, nil
}

// ConsumeRequest spends quota for one request. The guarded UPDATE inside the
// transaction decides the outcome; under concurrency exactly
// min(requests, balance) consumes succeed.
func (s *LedgerService) ConsumeRequest(ctx context.Context, accountID string, amount int64) (ledger.ConsumeResult, error) {
	ctx, done := s.startOp(ctx, "consume")

	var result ledger.ConsumeResult
	err := s.tx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.accounts.TryConsume(tx, accountID, amount)
		return err
	})
	if err != nil {
		done("error")
		return ledger.ConsumeResult{}, err
	}

	if result.Outcome == ledger.ConsumeOutcomeConsumed {
		metrics.QuotaConsumedTotal.Add(float64(amount))
	}
	done(string(result.Outcome))
	return result, nil
}

// RecordUsage appends a usage row and updates the per-account aggregates.
func (s *LedgerService) RecordUsage(ctx context.Context, usage *ledger.RequestUsage) error {
	ctx, done := s.startOp(ctx, "record_usage")

	err := s.tx(ctx, func(tx *gorm.DB) error {
		return s.accounts.RecordUsage(tx, usage)
	})
	if err != nil {
		done("error")
		return err
	}
	done("recorded")
	return nil
}

// EnsureReferralCode returns the account's shareable invite code, minting it
// on first call.
func (s *LedgerService) EnsureReferralCode(ctx context.Context, accountID string) (ledger.EnsureCodeResult, error) {
	ctx, done := s.startOp(ctx, "ensure_code")

	var result ledger.EnsureCodeResult
	err := s.tx(ctx, func(tx *gorm.DB) error {
		if _, err := s.accounts.Get(tx, accountID); err != nil {
			return err
		}
		var err error
		result, err = s.referrals.EnsureCode(tx, accountID, s.policy.CodeAttempts)
		return err
	})
	if err != nil {
		done("error")
		return ledger.EnsureCodeResult{}, err
	}
	done(string(result.Outcome))
	return result, nil
}

// ApplyReferral credits the owner of the code for referring accountID.
// The payout lands exactly once per (referrer, referred) pair.
func (s *LedgerService) ApplyReferral(ctx context.Context, accountID, code string) (ledger.CreditResult, error) {
	ctx, done := s.startOp(ctx, "apply_referral")

	var result ledger.CreditResult
	err := s.tx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.creditReferral(tx, accountID, code)
		return err
	})
	if err != nil {
		done("error")
		return ledger.CreditResult{}, err
	}
	done(string(result.Outcome))
	return result, nil
}

func (s *LedgerService) creditReferral(tx *gorm.DB, referredID, code string) (ledger.CreditResult, error) {
	rc, err := s.referrals.ResolveCode(tx, code)
	if err != nil {
		return ledger.CreditResult{}, err
	}
	if rc == nil || !rc.IsActive {
		return ledger.CreditResult{Outcome: ledger.CreditOutcomeCodeNotFound}, nil
	}

	result, err := s.referrals.CreditReferral(tx, rc.OwnerAccountID, referredID, rc.Code, s.policy.ReferralBonus)
	if err != nil {
		return ledger.CreditResult{}, err
	}
	if result.Outcome == ledger.CreditOutcomeCredited {
		metrics.QuotaGrantedTotal.WithLabelValues("referral").Add(float64(result.BonusAdded))
		s.logger.Info("referral credited",
			"referrer", result.ReferrerAccountID,
			"referred", referredID,
			"bonus", result.BonusAdded)
	}
	return result, nil
}

// MarkReferralConverted flips a referral edge to converted when the referred
// account makes its first purchase. Bookkeeping only; the bonus was paid at
// registration.
func (s *LedgerService) MarkReferralConverted(ctx context.Context, referrerID, referredID string) (ledger.ConvertResult, error) {
	ctx, done := s.startOp(ctx, "mark_converted")

	var result ledger.ConvertResult
	err := s.tx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.referrals.MarkConverted(tx, referrerID, referredID)
		return err
	})
	if err != nil {
		done("error")
		return ledger.ConvertResult{}, err
	}
	done(string(result.Outcome))
	return result, nil
}

// ReferralStats aggregates the account's referral activity.
func (s *LedgerService) ReferralStats(ctx context.Context, accountID string) (ledger.ReferralStats, error) {
	ctx, done := s.startOp(ctx, "referral_stats")

	var stats ledger.ReferralStats
	err := s.tx(ctx, func(tx *gorm.DB) error {
		var err error
		stats, err = s.referrals.Stats(tx, accountID)
		return err
	})
	if err != nil {
		done("error")
		return ledger.ReferralStats{}, err
	}
	done("ok")
	return stats, nil
}

// RedeemPromo applies a promo code outside of a purchase. A bonus-request
// promo pays out immediately; discount promos only make sense with a
// purchase and report their discount without applying it to anything.
func (s *LedgerService) RedeemPromo(ctx context.Context, accountID, code string) (ledger.RedeemResult, error) {
	ctx, done := s.startOp(ctx, "redeem_promo")

	var result ledger.RedeemResult
	err := s.tx(ctx, func(tx *gorm.DB) error {
		account, err := s.accounts.Get(tx, accountID)
		if err != nil {
			return err
		}

		result, err = s.promos.Redeem(tx, accountID, code, nil, 0)
		if err != nil {
			return err
		}
		result.NewBalance = account.QuotaBalance

		if result.Outcome == ledger.RedeemOutcomeApplied && result.BonusRequests > 0 {
			result.NewBalance, err = s.accounts.Grant(tx, accountID, result.BonusRequests)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, repository.ErrRollback) {
		done("error")
		return ledger.RedeemResult{}, err
	}

	if result.Outcome == ledger.RedeemOutcomeApplied && result.BonusRequests > 0 {
		metrics.QuotaGrantedTotal.WithLabelValues("promo").Add(float64(result.BonusRequests))
	}
	done(string(result.Outcome))
	return result, nil
}

// PurchasePlan applies a paid plan to the account: it records the external
// payment confirmation, supersedes the previous subscription when the plan
// is subscription-type, and grants the plan's quota. The whole purchase is
// one transaction; any rejection leaves no trace.
func (s *LedgerService) PurchasePlan(ctx context.Context, accountID, planID string, ref ledger.PaymentRef, promoCode *string, source string) (ledger.PurchaseResult, error) {
	ctx, done := s.startOp(ctx, "purchase")

	var result ledger.PurchaseResult
	err := s.tx(ctx, func(tx *gorm.DB) error {
		if _, err := s.accounts.Get(tx, accountID); err != nil {
			return err
		}

		plan, err := s.billing.GetPlan(tx, planID)
		if errors.Is(err, ledger.ErrPlanNotFound) {
			result = ledger.PurchaseResult{Outcome: ledger.PurchaseOutcomePlanNotFound}
			return nil
		}
		if err != nil {
			return err
		}
		if !plan.IsActive {
			result = ledger.PurchaseResult{Outcome: ledger.PurchaseOutcomePlanInactive, PlanID: plan.ID}
			return nil
		}

		price := plan.Price
		var discount, bonus int64
		if promoCode != nil && *promoCode != "" {
			redeem, err := s.promos.Redeem(tx, accountID, *promoCode, &planID, plan.Price)
			if err != nil && !errors.Is(err, repository.ErrRollback) {
				return err
			}
			if redeem.Outcome != ledger.RedeemOutcomeApplied {
				result = ledger.PurchaseResult{
					Outcome:      ledger.PurchaseOutcomePromoRejected,
					PlanID:       plan.ID,
					PromoOutcome: redeem.Outcome,
				}
				return repository.ErrRollback
			}
			discount = redeem.DiscountAmount
			bonus = redeem.BonusRequests
			price -= discount
		}

		// The payment row keeps the collaborator's confirmed amount; the
		// discounted price lives on the subscription and the result.
		paidAmount := ref.Amount
		if paidAmount == 0 {
			paidAmount = price
		}
		payment, err := s.billing.RecordPayment(tx, accountID, ref, paidAmount, s.policy.Currency)
		if errors.Is(err, repository.ErrDuplicatePayment) {
			result = ledger.PurchaseResult{Outcome: ledger.PurchaseOutcomeAlreadyProcessed, PlanID: plan.ID}
			return repository.ErrRollback
		}
		if err != nil {
			return err
		}

		if plan.IsSubscription {
			if _, err := s.billing.DeactivateSubscriptions(tx, accountID); err != nil {
				return err
			}
		}

		var expiresAt *time.Time
		if plan.DurationDays > 0 {
			t := time.Now().UTC().AddDate(0, 0, plan.DurationDays)
			expiresAt = &t
		}

		sub := &ledger.Subscription{
			AccountID:       accountID,
			PlanID:          plan.ID,
			ExpiresAt:       expiresAt,
			IsActive:        true,
			Source:          source,
			QuotaAdded:      plan.QuotaGrant + bonus,
			DiscountApplied: discount,
			PaymentID:       &payment.ID,
		}
		if err := s.billing.CreateSubscription(tx, sub); err != nil {
			return err
		}

		newBalance, err := s.accounts.Grant(tx, accountID, plan.QuotaGrant+bonus)
		if err != nil {
			return err
		}
		if err := s.accounts.AddPaymentToStats(tx, accountID, price); err != nil {
			return err
		}

		result = ledger.PurchaseResult{
			Outcome:        ledger.PurchaseOutcomePurchased,
			PlanID:         plan.ID,
			SubscriptionID: sub.ID,
			PricePaid:      price,
			QuotaAdded:     plan.QuotaGrant + bonus,
			DiscountAmount: discount,
			BonusRequests:  bonus,
			ExpiresAt:      expiresAt,
			NewBalance:     newBalance,
		}
		return nil
	})
	if err != nil && !errors.Is(err, repository.ErrRollback) {
		done("error")
		return ledger.PurchaseResult{}, err
	}

	if result.Outcome == ledger.PurchaseOutcomePurchased {
		metrics.QuotaGrantedTotal.WithLabelValues("purchase").Add(float64(result.QuotaAdded))
		s.logger.Info("plan purchased",
			"account", accountID,
			"plan", result.PlanID,
			"price_paid", result.PricePaid,
			"quota_added", result.QuotaAdded)
	}
	done(string(result.Outcome))
	return result, nil
}

// ListActivePlans returns the purchasable catalog. The catalog is the only
// cached read; balances always come from the store.
func (s *LedgerService) ListActivePlans(ctx context.Context) ([]*ledger.Plan, error) {
	ctx, done := s.startOp(ctx, "list_plans")

	if s.planCache != nil {
		var cached []*ledger.Plan
		err := s.planCache.Get(ctx, plansCacheKey, &cached)
		if err == nil {
			done("cache_hit")
			return cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("plan cache read failed", "error", err)
		}
	}

	var plans []*ledger.Plan
	err := s.tx(ctx, func(tx *gorm.DB) error {
		var err error
		plans, err = s.billing.ListActivePlans(tx)
		return err
	})
	if err != nil {
		done("error")
		return nil, err
	}

	if s.planCache != nil {
		if err := s.planCache.Set(ctx, plansCacheKey, plans, s.policy.PlanCacheTTL); err != nil {
			s.logger.Warn("plan cache write failed", "error", err)
		}
	}
	done("ok")
	return plans, nil
}

// GetAccount returns the account row, balance included.
func (s *LedgerService) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	ctx, done := s.startOp(ctx, "get_account")

	var account *ledger.Account
	err := s.tx(ctx, func(tx *gorm.DB) error {
		var err error
		account, err = s.accounts.Get(tx, accountID)
		return err
	})
	if err != nil {
		done("error")
		return nil, err
	}
	done("ok")
	return account, nil
}

// GetAccountStats returns the per-account usage aggregates.
func (s *LedgerService) GetAccountStats(ctx context.Context, accountID string) (*ledger.AccountStats, error) {
	ctx, done := s.startOp(ctx, "get_stats")

	var stats *ledger.AccountStats
	err := s.tx(ctx, func(tx *gorm.DB) error {
		var err error
		stats, err = s.accounts.GetStats(tx, accountID)
		return err
	})
	if err != nil {
		done("error")
		return nil, err
	}
	done("ok")
	return stats, nil
}

// SetAccountStatus activates or deactivates an account.
func (s *LedgerService) SetAccountStatus(ctx context.Context, accountID, status string) error {
	ctx, done := s.startOp(ctx, "set_status")

	err := s.tx(ctx, func(tx *gorm.DB) error {
		return s.accounts.SetStatus(tx, accountID, status)
	})
	if err != nil {
		done("error")
		return err
	}
	done(status)
	return nil
}

// CreatePlan adds a plan to the catalog and invalidates the cached listing.
func (s *LedgerService) CreatePlan(ctx context.Context, plan *ledger.Plan) error {
	ctx, done := s.startOp(ctx, "create_plan")

	err := s.tx(ctx, func(tx *gorm.DB) error {
		return s.billing.CreatePlan(tx, plan)
	})
	if err != nil {
		done("error")
		return err
	}
	s.invalidatePlanCache(ctx)
	done("ok")
	return nil
}

// SetPlanActive toggles a plan's availability and invalidates the cached
// listing.
func (s *LedgerService) SetPlanActive(ctx context.Context, planID string, active bool) error {
	ctx, done := s.startOp(ctx, "set_plan_active")

	err := s.tx(ctx, func(tx *gorm.DB) error {
		return s.billing.SetPlanActive(tx, planID, active)
	})
	if err != nil {
		done("error")
		return err
	}
	s.invalidatePlanCache(ctx)
	done("ok")
	return nil
}

// CreatePromo adds a redeemable promo code.
func (s *LedgerService) CreatePromo(ctx context.Context, promo *ledger.PromoCode) error {
	ctx, done := s.startOp(ctx, "create_promo")

	err := s.tx(ctx, func(tx *gorm.DB) error {
		return s.promos.Create(tx, promo)
	})
	if err != nil {
		done("error")
		return err
	}
	done("ok")
	return nil
}

// ExpireSubscriptions retires plan grants whose expiry has passed. The
// sweeper calls this on a schedule.
func (s *LedgerService) ExpireSubscriptions(ctx context.Context) (int64, error) {
	ctx, done := s.startOp(ctx, "expire_subscriptions")

	var expired int64
	err := s.tx(ctx, func(tx *gorm.DB) error {
		var err error
		expired, err = s.billing.ExpireSubscriptions(tx, time.Now().UTC())
		return err
	})
	if err != nil {
		done("error")
		return 0, err
	}
	if expired > 0 {
		s.logger.Info("expired subscriptions retired", "count", expired)
	}
	done("ok")
	return expired, nil
}

func (s *LedgerService) invalidatePlanCache(ctx context.Context) {
	if s.planCache == nil {
		return
	}
	if err := s.planCache.Delete(ctx, plansCacheKey); err != nil {
		s.logger.Warn("plan cache invalidation failed", "error", err)
	}
}
