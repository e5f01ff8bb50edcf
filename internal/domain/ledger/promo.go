package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Discount types
const (
	DiscountTypePercent       = "percent"
	DiscountTypeFixed         = "fixed"
	DiscountTypeBonusRequests = "bonus_requests"
)

// PromoCode is a redeemable discount or bonus code. usages_count never
// exceeds max_usages (when max_usages > 0); the cap is enforced by a guarded
// UPDATE at redemption time, not by a separate check.
type PromoCode struct {
	ID             string     `json:"id" gorm:"primaryKey"`
	Code           string     `json:"code" gorm:"uniqueIndex;size:50;not null"`
	DiscountType   string     `json:"discountType" gorm:"size:20;not null"`
	DiscountValue  int64      `json:"discountValue" gorm:"not null;default:0"` // percent points, or minor currency units
	BonusRequests  int64      `json:"bonusRequests" gorm:"not null;default:0"`
	ValidFrom      *time.Time `json:"validFrom"`
	ValidTo        *time.Time `json:"validTo"`
	IsActive       bool       `json:"isActive"`
	MaxUsages      int64      `json:"maxUsages" gorm:"not null;default:0"` // 0 = unlimited
	UsagesCount    int64      `json:"usagesCount" gorm:"not null;default:0"`
	AllowedPlanIDs []string   `json:"allowedPlanIds" gorm:"serializer:json"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func NewPromoCode(code, discountType string, discountValue int64) *PromoCode {
	return &PromoCode{
		ID:            uuid.New().String(),
		Code:          code,
		DiscountType:  discountType,
		DiscountValue: discountValue,
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}
}

// WithinWindow reports whether the code is valid at t.
func (p *PromoCode) WithinWindow(t time.Time) bool {
	if p.ValidFrom != nil && t.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidTo != nil && t.After(*p.ValidTo) {
		return false
	}
	return true
}

// AllowsPlan reports whether the code may be applied to the given plan.
// An empty restriction set allows every plan.
func (p *PromoCode) AllowsPlan(planID string) bool {
	if len(p.AllowedPlanIDs) == 0 {
		return true
	}
	for _, id := range p.AllowedPlanIDs {
		if id == planID {
			return true
		}
	}
	return false
}

// Discount computes the discount for a price in minor currency units.
// Never negative, never above the price.
func (p *PromoCode) Discount(price int64) int64 {
	var discount int64
	switch p.DiscountType {
	case DiscountTypePercent:
		discount = price * p.DiscountValue / 100
	case DiscountTypeFixed:
		discount = p.DiscountValue
	}
	if discount < 0 {
		discount = 0
	}
	if discount > price {
		discount = price
	}
	return discount
}

// PromoRedemption records one account's redemption of one promo code.
// The (promo, account) unique index makes redemption once-per-account.
type PromoRedemption struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	PromoCodeID    string    `json:"promoCodeId" gorm:"uniqueIndex:idx_promo_account;not null"`
	AccountID      string    `json:"accountId" gorm:"uniqueIndex:idx_promo_account;size:64;not null"`
	AppliedPlanID  *string   `json:"appliedPlanId"`
	DiscountAmount int64     `json:"discountAmount" gorm:"not null;default:0"`
	BonusRequests  int64     `json:"bonusRequests" gorm:"not null;default:0"`
	CreatedAt      time.Time `json:"createdAt"`
}
