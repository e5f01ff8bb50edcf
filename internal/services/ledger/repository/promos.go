package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quotaledger-go/internal/domain/ledger"
)

// ErrRollback signals that the surrounding transaction must be rolled back
// even though the operation produced a valid business outcome. It is returned
// together with a result whose outcome explains the rejection; the facade
// unwinds the transaction and reports the outcome.
var ErrRollback = errors.New("rollback required")

// PromoRepository redeems promo codes. The usage cap is enforced by a
// guarded increment and once-per-account by the (promo, account) unique
// index. Any rejection after the increment returns ErrRollback so the
// counter bump never survives a failed redemption.
type PromoRepository struct{}

func NewPromoRepository() *PromoRepository {
	return &PromoRepository{}
}

// Redeem applies a promo code for an account. planID, when set, is validated
// against the code's plan restriction. The returned result carries the
// discount and bonus on the applied path; the caller pays out the bonus.
func (r *PromoRepository) Redeem(tx *gorm.DB, accountID, code string, planID *string, price int64) (ledger.RedeemResult, error) {
	promo, err := r.GetByCode(tx, code)
	if err != nil {
		return ledger.RedeemResult{}, err
	}
	if promo == nil || !promo.IsActive {
		return ledger.RedeemResult{Outcome: ledger.RedeemOutcomeNotFound}, nil
	}
	if !promo.WithinWindow(time.Now().UTC()) {
		return ledger.RedeemResult{Outcome: ledger.RedeemOutcomeExpired}, nil
	}

	res := tx.Model(&ledger.PromoCode{}).
		Where("id = ? AND (max_usages = 0 OR usages_count < max_usages)", promo.ID).
		Update("usages_count", gorm.Expr("usages_count + 1"))
	if res.Error != nil {
		return ledger.RedeemResult{}, res.Error
	}
	if res.RowsAffected == 0 {
		return ledger.RedeemResult{Outcome: ledger.RedeemOutcomeUsageExhausted}, nil
	}

	if planID != nil && !promo.AllowsPlan(*planID) {
		return ledger.RedeemResult{Outcome: ledger.RedeemOutcomePlanNotAllowed}, ErrRollback
	}

	discount := int64(0)
	if planID != nil {
		discount = promo.Discount(price)
	}

	redemption := &ledger.PromoRedemption{
		ID:             uuid.New().String(),
		PromoCodeID:    promo.ID,
		AccountID:      accountID,
		AppliedPlanID:  planID,
		DiscountAmount: discount,
		BonusRequests:  promo.BonusRequests,
		CreatedAt:      time.Now().UTC(),
	}
	if err := tx.Create(redemption).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ledger.RedeemResult{Outcome: ledger.RedeemOutcomeAlreadyRedeemed}, ErrRollback
		}
		return ledger.RedeemResult{}, err
	}

	return ledger.RedeemResult{
		Outcome:        ledger.RedeemOutcomeApplied,
		DiscountAmount: discount,
		BonusRequests:  promo.BonusRequests,
	}, nil
}

// GetByCode looks up a promo case-insensitively. Missing is a nil row.
func (r *PromoRepository) GetByCode(tx *gorm.DB, code string) (*ledger.PromoCode, error) {
	var promo ledger.PromoCode
	err := tx.Where("code = ?", normalizeCode(code)).First(&promo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &promo, nil
}

// Create stores an administrative promo definition. Codes are normalized to
// upper case on write so lookups stay case-insensitive; a taken code returns
// ErrAlreadyExists.
func (r *PromoRepository) Create(tx *gorm.DB, promo *ledger.PromoCode) error {
	if promo.ID == "" {
		promo.ID = uuid.New().String()
	}
	promo.Code = normalizeCode(promo.Code)
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = time.Now().UTC()
	}
	if err := tx.Create(promo).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ledger.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// SetActive enables or disables a promo code.
func (r *PromoRepository) SetActive(tx *gorm.DB, code string, active bool) error {
	res := tx.Model(&ledger.PromoCode{}).
		Where("code = ?", normalizeCode(code)).
		Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
