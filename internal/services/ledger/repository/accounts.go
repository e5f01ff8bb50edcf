package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quotaledger-go/internal/domain/ledger"
)

// AccountRepository owns the balance and profile rows. Every mutation is a
// single guarded statement so two concurrent callers can never both spend
// the same quota unit. Methods run on the transaction handle supplied by the
// caller; the facade composes them into one transaction per operation.
type AccountRepository struct{}

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{}
}

// GetOrCreate inserts the account if absent (single upsert, no
// check-then-insert race) and refreshes mutable profile fields otherwise.
// quota_balance and registered_at are never touched on the update path.
func (r *AccountRepository) GetOrCreate(tx *gorm.DB, id string, profile ledger.Profile, startingQuota int64) (*ledger.Account, bool, error) {
	account := ledger.NewAccount(id, profile, startingQuota)

	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(account)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created := res.RowsAffected > 0

	if !created {
		err := tx.Model(&ledger.Account{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"username":      profile.Username,
				"first_name":    profile.FirstName,
				"last_name":     profile.LastName,
				"language_code": profile.LanguageCode,
				"updated_at":    time.Now().UTC(),
			}).Error
		if err != nil {
			return nil, false, err
		}
	}

	var out ledger.Account
	if err := tx.Where("id = ?", id).First(&out).Error; err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

func (r *AccountRepository) Get(tx *gorm.DB, id string) (*ledger.Account, error) {
	var account ledger.Account
	err := tx.Where("id = ?", id).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// TryConsume decrements the balance and checks it in one guarded UPDATE.
// The balance that decides the outcome is the one inside the statement;
// there is no separate read.
func (r *AccountRepository) TryConsume(tx *gorm.DB, id string, amount int64) (ledger.ConsumeResult, error) {
	if amount <= 0 {
		return ledger.ConsumeResult{}, ledger.ErrInvalidGrantAmount
	}

	res := tx.Model(&ledger.Account{}).
		Where("id = ? AND status = ? AND quota_balance >= ?", id, ledger.AccountStatusActive, amount).
		Updates(map[string]interface{}{
			"quota_balance": gorm.Expr("quota_balance - ?", amount),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return ledger.ConsumeResult{}, res.Error
	}

	if res.RowsAffected == 0 {
		account, err := r.Get(tx, id)
		if err != nil {
			return ledger.ConsumeResult{}, err
		}
		if !account.IsActive() {
			return ledger.ConsumeResult{
				Outcome:    ledger.ConsumeOutcomeAccountInactive,
				NewBalance: account.QuotaBalance,
			}, nil
		}
		return ledger.ConsumeResult{
			Outcome:    ledger.ConsumeOutcomeInsufficientBalance,
			NewBalance: account.QuotaBalance,
		}, nil
	}

	account, err := r.Get(tx, id)
	if err != nil {
		return ledger.ConsumeResult{}, err
	}
	return ledger.ConsumeResult{
		Outcome:    ledger.ConsumeOutcomeConsumed,
		NewBalance: account.QuotaBalance,
	}, nil
}

// Grant atomically increments the balance. Negative amounts only ever move
// through TryConsume.
func (r *AccountRepository) Grant(tx *gorm.DB, id string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ledger.ErrInvalidGrantAmount
	}

	res := tx.Model(&ledger.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"quota_balance": gorm.Expr("quota_balance + ?", amount),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ledger.ErrAccountNotFound
	}

	account, err := r.Get(tx, id)
	if err != nil {
		return 0, err
	}
	return account.QuotaBalance, nil
}

// SetStatus activates or deactivates an account. The ledger never deletes.
func (r *AccountRepository) SetStatus(tx *gorm.DB, id, status string) error {
	res := tx.Model(&ledger.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// RecordUsage appends a usage row and folds it into the account aggregates
// with a single upsert.
func (r *AccountRepository) RecordUsage(tx *gorm.DB, usage *ledger.RequestUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}

	if err := tx.Create(usage).Error; err != nil {
		return err
	}

	now := time.Now().UTC()
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_requests": gorm.Expr("total_requests + 1"),
			"total_tokens":   gorm.Expr("total_tokens + ?", usage.TokensUsed),
			"last_active_at": now,
		}),
	}).Create(&ledger.AccountStats{
		AccountID:     usage.AccountID,
		TotalRequests: 1,
		TotalTokens:   usage.TokensUsed,
		LastActiveAt:  &now,
	}).Error
}

// AddPaymentToStats folds a completed payment into the aggregates.
func (r *AccountRepository) AddPaymentToStats(tx *gorm.DB, id string, amount int64) error {
	now := time.Now().UTC()
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_payments": gorm.Expr("total_payments + ?", amount),
			"last_active_at": now,
		}),
	}).Create(&ledger.AccountStats{
		AccountID:     id,
		TotalPayments: amount,
		LastActiveAt:  &now,
	}).Error
}

// AddReferralToStats bumps the referrer's referral counter.
func (r *AccountRepository) AddReferralToStats(tx *gorm.DB, id string) error {
	now := time.Now().UTC()
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_referrals": gorm.Expr("total_referrals + 1"),
			"last_active_at":  now,
		}),
	}).Create(&ledger.AccountStats{
		AccountID:      id,
		TotalReferrals: 1,
		LastActiveAt:   &now,
	}).Error
}

func (r *AccountRepository) GetStats(tx *gorm.DB, id string) (*ledger.AccountStats, error) {
	var stats ledger.AccountStats
	err := tx.Where("account_id = ?", id).First(&stats).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &ledger.AccountStats{AccountID: id}, nil
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
