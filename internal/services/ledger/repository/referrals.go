package repository

import (
	"crypto/rand"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/quotaledger-go/internal/domain/ledger"
)

const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// ReferralRepository mints invite codes and credits referral edges. The
// unique indexes on referral_codes.code, referral_codes.owner_account_id and
// the (referrer, referred) pair are the concurrency guards; every race is
// resolved by whichever insert lands first.
type ReferralRepository struct {
	accounts *AccountRepository
}

func NewReferralRepository(accounts *AccountRepository) *ReferralRepository {
	return &ReferralRepository{accounts: accounts}
}

// EnsureCode returns the owner's invite code, minting one on first call.
// Concurrent first calls converge on a single row: a duplicate-owner insert
// re-reads the winner, a code collision retries with a fresh suffix, and
// after maxAttempts collisions the operation reports generation_exhausted.
func (r *ReferralRepository) EnsureCode(tx *gorm.DB, ownerAccountID string, maxAttempts int) (ledger.EnsureCodeResult, error) {
	existing, err := r.getByOwner(tx, ownerAccountID)
	if err != nil {
		return ledger.EnsureCodeResult{}, err
	}
	if existing != nil {
		return codeResult(existing), nil
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := generateCode(ownerAccountID)
		if err != nil {
			return ledger.EnsureCodeResult{}, err
		}

		createErr := tx.Create(ledger.NewReferralCode(ownerAccountID, code)).Error
		if createErr == nil {
			return ledger.EnsureCodeResult{Outcome: ledger.EnsureCodeOutcomeOK, Code: code}, nil
		}
		if !errors.Is(createErr, gorm.ErrDuplicatedKey) {
			return ledger.EnsureCodeResult{}, createErr
		}

		// Either a concurrent mint for this owner won, or the code value
		// collided with another owner's. Re-read to tell the two apart.
		existing, err = r.getByOwner(tx, ownerAccountID)
		if err != nil {
			return ledger.EnsureCodeResult{}, err
		}
		if existing != nil {
			return codeResult(existing), nil
		}
	}

	return ledger.EnsureCodeResult{Outcome: ledger.EnsureCodeOutcomeExhausted}, nil
}

func codeResult(rc *ledger.ReferralCode) ledger.EnsureCodeResult {
	if !rc.IsActive {
		return ledger.EnsureCodeResult{Outcome: ledger.EnsureCodeOutcomeDeactivated}
	}
	return ledger.EnsureCodeResult{Outcome: ledger.EnsureCodeOutcomeOK, Code: rc.Code}
}

func (r *ReferralRepository) getByOwner(tx *gorm.DB, ownerAccountID string) (*ledger.ReferralCode, error) {
	var rc ledger.ReferralCode
	err := tx.Where("owner_account_id = ?", ownerAccountID).First(&rc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

// ResolveCode looks up a code case-insensitively. A missing code is a nil
// row, not an error.
func (r *ReferralRepository) ResolveCode(tx *gorm.DB, code string) (*ledger.ReferralCode, error) {
	var rc ledger.ReferralCode
	err := tx.Where("code = ?", normalizeCode(code)).First(&rc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

// CreditReferral records the referral edge and pays the bonus exactly once.
// The edge insert under the (referrer, referred) unique index decides the
// race; the losing transaction sees already_credited and changes nothing.
func (r *ReferralRepository) CreditReferral(tx *gorm.DB, referrerID, referredID, code string, bonus int64) (ledger.CreditResult, error) {
	if referrerID == referredID {
		return ledger.CreditResult{Outcome: ledger.CreditOutcomeSelfReferral}, nil
	}

	edge := ledger.NewReferralEdge(referrerID, referredID, normalizeCode(code), bonus)
	if err := tx.Create(edge).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ledger.CreditResult{
				Outcome:           ledger.CreditOutcomeAlreadyCredited,
				ReferrerAccountID: referrerID,
			}, nil
		}
		return ledger.CreditResult{}, err
	}

	now := time.Now().UTC()
	err := tx.Model(&ledger.ReferralCode{}).
		Where("owner_account_id = ?", referrerID).
		Updates(map[string]interface{}{
			"total_uses":   gorm.Expr("total_uses + 1"),
			"last_used_at": now,
		}).Error
	if err != nil {
		return ledger.CreditResult{}, err
	}

	newBalance, err := r.accounts.Grant(tx, referrerID, bonus)
	if err != nil {
		return ledger.CreditResult{}, err
	}
	if err := r.accounts.AddReferralToStats(tx, referrerID); err != nil {
		return ledger.CreditResult{}, err
	}

	return ledger.CreditResult{
		Outcome:           ledger.CreditOutcomeCredited,
		ReferrerAccountID: referrerID,
		BonusAdded:        bonus,
		ReferrerBalance:   newBalance,
	}, nil
}

// MarkConverted flips a registered edge to converted. The status guard in
// the UPDATE keeps the transition one-way.
func (r *ReferralRepository) MarkConverted(tx *gorm.DB, referrerID, referredID string) (ledger.ConvertResult, error) {
	res := tx.Model(&ledger.ReferralEdge{}).
		Where("referrer_account_id = ? AND referred_account_id = ? AND status = ?",
			referrerID, referredID, ledger.ReferralStatusRegistered).
		Updates(map[string]interface{}{
			"status":       ledger.ReferralStatusConverted,
			"converted_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return ledger.ConvertResult{}, res.Error
	}
	if res.RowsAffected > 0 {
		return ledger.ConvertResult{Outcome: ledger.ConvertOutcomeConverted}, nil
	}

	var count int64
	err := tx.Model(&ledger.ReferralEdge{}).
		Where("referrer_account_id = ? AND referred_account_id = ?", referrerID, referredID).
		Count(&count).Error
	if err != nil {
		return ledger.ConvertResult{}, err
	}
	if count > 0 {
		return ledger.ConvertResult{Outcome: ledger.ConvertOutcomeAlreadyConverted}, nil
	}
	return ledger.ConvertResult{Outcome: ledger.ConvertOutcomeEdgeNotFound}, nil
}

// Stats aggregates an account's referral activity.
func (r *ReferralRepository) Stats(tx *gorm.DB, accountID string) (ledger.ReferralStats, error) {
	var stats ledger.ReferralStats

	err := tx.Model(&ledger.ReferralEdge{}).
		Where("referrer_account_id = ?", accountID).
		Count(&stats.TotalReferred).Error
	if err != nil {
		return ledger.ReferralStats{}, err
	}

	err = tx.Model(&ledger.ReferralEdge{}).
		Where("referrer_account_id = ? AND status = ?", accountID, ledger.ReferralStatusConverted).
		Count(&stats.TotalConverted).Error
	if err != nil {
		return ledger.ReferralStats{}, err
	}

	var bonus struct{ Total int64 }
	err = tx.Model(&ledger.ReferralEdge{}).
		Select("COALESCE(SUM(bonus_requests_added), 0) AS total").
		Where("referrer_account_id = ?", accountID).
		Scan(&bonus).Error
	if err != nil {
		return ledger.ReferralStats{}, err
	}
	stats.TotalBonus = bonus.Total

	return stats, nil
}

// SetCodeActive enables or disables an owner's invite code.
func (r *ReferralRepository) SetCodeActive(tx *gorm.DB, ownerAccountID string, active bool) error {
	res := tx.Model(&ledger.ReferralCode{}).
		Where("owner_account_id = ?", ownerAccountID).
		Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// generateCode derives a short shareable code: a stable fragment of the
// owner id plus a random suffix, from an alphabet without look-alike glyphs.
// Package variable so tests can force collisions.
var generateCode = func(ownerAccountID string) (string, error) {
	h := fnv.New32a()
	h.Write([]byte(ownerAccountID))
	prefix := make([]byte, 4)
	sum := h.Sum32()
	for i := range prefix {
		prefix[i] = codeAlphabet[sum%uint32(len(codeAlphabet))]
		sum /= uint32(len(codeAlphabet))
	}

	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate referral code: %w", err)
	}
	suffix := make([]byte, 6)
	for i, b := range raw {
		suffix[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}

	return fmt.Sprintf("REF%s%s", prefix, suffix), nil
}
