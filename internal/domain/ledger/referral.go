package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Referral edge statuses
const (
	ReferralStatusRegistered = "registered"
	ReferralStatusConverted  = "converted"
)

// ReferralCode is the shareable invite code minted for an account. Codes are
// case-insensitive: they are normalized to upper case on write and lookup.
// One row per owner; deactivation is administrative and keeps the row.
type ReferralCode struct {
	ID             string     `json:"id" gorm:"primaryKey"`
	Code           string     `json:"code" gorm:"uniqueIndex;size:20;not null"`
	OwnerAccountID string     `json:"ownerAccountId" gorm:"uniqueIndex;size:64;not null"`
	IsActive       bool       `json:"isActive"`
	TotalUses      int64      `json:"totalUses" gorm:"not null;default:0"`
	LastUsedAt     *time.Time `json:"lastUsedAt"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func NewReferralCode(ownerAccountID, code string) *ReferralCode {
	return &ReferralCode{
		ID:             uuid.New().String(),
		Code:           code,
		OwnerAccountID: ownerAccountID,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}
}

// ReferralEdge is the credited relationship between a referrer and a
// referred account. The (referrer, referred) unique index is the concurrency
// guard: whichever transaction inserts first wins the single payout.
type ReferralEdge struct {
	ID                 string     `json:"id" gorm:"primaryKey"`
	ReferrerAccountID  string     `json:"referrerAccountId" gorm:"uniqueIndex:idx_referral_pair;size:64;not null"`
	ReferredAccountID  string     `json:"referredAccountId" gorm:"uniqueIndex:idx_referral_pair;size:64;not null"`
	CodeUsed           string     `json:"codeUsed" gorm:"size:20"`
	BonusRequestsAdded int64      `json:"bonusRequestsAdded" gorm:"not null;default:0"`
	Status             string     `json:"status" gorm:"default:'registered'"`
	CreatedAt          time.Time  `json:"createdAt"`
	ConvertedAt        *time.Time `json:"convertedAt"`
}

func NewReferralEdge(referrerID, referredID, code string, bonus int64) *ReferralEdge {
	return &ReferralEdge{
		ID:                 uuid.New().String(),
		ReferrerAccountID:  referrerID,
		ReferredAccountID:  referredID,
		CodeUsed:           code,
		BonusRequestsAdded: bonus,
		Status:             ReferralStatusRegistered,
		CreatedAt:          time.Now().UTC(),
	}
}

// ReferralStats aggregates an account's referral activity.
type ReferralStats struct {
	TotalReferred  int64 `json:"totalReferred"`
	TotalConverted int64 `json:"totalConverted"`
	TotalBonus     int64 `json:"totalBonus"`
}
