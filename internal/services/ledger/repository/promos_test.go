package repository

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/quotaledger-go/internal/domain/ledger"
)

func createPromo(t *testing.T, db *gorm.DB, mutate func(*ledger.PromoCode)) *ledger.PromoCode {
	promo := ledger.NewPromoCode("SAVE20", ledger.DiscountTypePercent, 20)
	if mutate != nil {
		mutate(promo)
	}
	require.NoError(t, NewPromoRepository().Create(db, promo))
	return promo
}

func TestPromoRepository_Redeem(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPromoRepository()
	createAccount(t, db, "acct-1", 10)
	createPromo(t, db, func(p *ledger.PromoCode) { p.BonusRequests = 3 })

	planID := "plan-1"
	res, err := repo.Redeem(db, "acct-1", "save20", &planID, 1000)
	require.NoError(t, err)
	assert.Equal(t, ledger.RedeemOutcomeApplied, res.Outcome)
	assert.Equal(t, int64(200), res.DiscountAmount)
	assert.Equal(t, int64(3), res.BonusRequests)

	promo, err := repo.GetByCode(db, "SAVE20")
	require.NoError(t, err)
	assert.Equal(t, int64(1), promo.UsagesCount)
}

func TestPromoRepository_Redeem_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPromoRepository()
	createAccount(t, db, "acct-1", 10)

	res, err := repo.Redeem(db, "acct-1", "NOPE", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, ledger.RedeemOutcomeNotFound, res.Outcome)
}

func TestPromoRepository_Redeem_Inactive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPromoRepository()
	createAccount(t, db, "acct-1", 10)
	createPromo(t, db, func(p *ledger.PromoCode) { p.IsActive = false })

	res, err := repo.Redeem(db, "acct-1", "SAVE20", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, ledger.RedeemOutcomeNotFound, res.Outcome)

	// The deactivated flag survives the insert.
	promo, err := repo.GetByCode(db, "SAVE20")
	require.NoError(t, err)
	assert.False(t, promo.IsActive)
}

func TestPromoRepository_Create_DuplicateCode(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPromoRepository()
	createPromo(t, db, nil)

	// Codes are normalized before the insert, so the lower-case variant
	// collides with the stored one.
	dup := ledger.NewPromoCode("save20", ledger.DiscountTypeFixed, 500)
	assert.ErrorIs(t, repo.Create(db, dup), ledger.ErrAlreadyExists)
}

func TestPromoRepository_Redeem_Expired(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPromoRepository()
	createAccount(t, db, "acct-1", 10)

	past := time.Now().UTC().Add(-time.Hour)
	createPromo(t, db, func(p *ledger.PromoCode) { p.ValidTo = &past })

	res, err := repo.Redeem(db, "acct-1", "SAVE20", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, ledger.RedeemOutcomeExpired, res.Outcome)

	future := time.Now().UTC().Add(time.Hour)
	promo := ledger.NewPromoCode("SOON", ledger.DiscountTypePercent, 10)
	promo.ValidFrom = &future
	require.NoError(t, repo.Create(db, promo))

	res, err = repo.Redeem(db, "acct-1", "SOON", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, ledger.RedeemOutcomeExpired, res.Outcome)
}

func TestPromoRepository_Redeem_AlreadyRedeemed_RollsBackIncrement(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPromoRepository()
	createAccount(t, db, "acct-1", 10)
	createPromo(t, db, nil)

	res, err := repo.Redeem(db, "acct-1", "SAVE20", nil, 0)
	require.NoError(t, err)
	require.Equal(t, ledger.RedeemOutcomeApplied, res.Outcome)

	var res2 ledger.RedeemResult
	err = db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		res2, txErr = repo.Redeem(tx, "acct-1", "SAVE20", nil, 0)
		return txErr
	})
	assert.ErrorIs(t, err, ErrRollback)
	assert.Equal(t, ledger.RedeemOutcomeAlreadyRedeemed, res2.Outcome)

	// The rolled-back attempt left the usage counter untouched.
	promo, err := repo.GetByCode(db, "SAVE20")
	require.NoError(t, err)
	assert.Equal(t, int64(1), promo.UsagesCount)
}

func TestPromoRepository_Redeem_PlanNotAllowed_RollsBackIncrement(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPromoRepository()
	createAccount(t, db, "acct-1", 10)
	createPromo(t, db, func(p *ledger.PromoCode) { p.AllowedPlanIDs = []string{"plan-pro"} })

	planID := "plan-basic"
	var res ledger.RedeemResult
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		res, txErr = repo.Redeem(tx, "acct-1", "SAVE20", &planID, 1000)
		return txErr
	})
	assert.ErrorIs(t, err, ErrRollback)
	assert.Equal(t, ledger.RedeemOutcomePlanNotAllowed, res.Outcome)

	promo, err := repo.GetByCode(db, "SAVE20")
	require.NoError(t, err)
	assert.Equal(t, int64(0), promo.UsagesCount)
}

func TestPromoRepository_Redeem_UsageCapConcurrent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPromoRepository()
	createPromo(t, db, func(p *ledger.PromoCode) { p.MaxUsages = 3 })

	const workers = 10
	accounts := make([]string, workers)
	for i := range accounts {
		accounts[i] = "acct-" + string(rune('a'+i))
		createAccount(t, db, accounts[i], 10)
	}

	var wg sync.WaitGroup
	applied := make(chan bool, workers)
	for _, id := range accounts {
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			res, err := repo.Redeem(db, accountID, "SAVE20", nil, 0)
			assert.NoError(t, err)
			applied <- res.Outcome == ledger.RedeemOutcomeApplied
		}(id)
	}
	wg.Wait()
	close(applied)

	wins := 0
	for ok := range applied {
		if ok {
			wins++
		}
	}
	// Exactly max_usages redemptions land; the rest see usage_exhausted.
	assert.Equal(t, 3, wins)

	promo, err := repo.GetByCode(db, "SAVE20")
	require.NoError(t, err)
	assert.Equal(t, int64(3), promo.UsagesCount)
}

func TestPromoCode_Discount(t *testing.T) {
	percent := ledger.NewPromoCode("P", ledger.DiscountTypePercent, 25)
	assert.Equal(t, int64(250), percent.Discount(1000))

	fixed := ledger.NewPromoCode("F", ledger.DiscountTypeFixed, 1500)
	// A fixed discount never exceeds the price.
	assert.Equal(t, int64(1000), fixed.Discount(1000))

	bonus := ledger.NewPromoCode("B", ledger.DiscountTypeBonusRequests, 0)
	assert.Equal(t, int64(0), bonus.Discount(1000))
}
