package repository

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaledger-go/internal/domain/ledger"
)

func TestReferralRepository_EnsureCode(t *testing.T) {
	db := setupTestDB(t)
	accounts := NewAccountRepository()
	repo := NewReferralRepository(accounts)
	createAccount(t, db, "owner", 10)

	res, err := repo.EnsureCode(db, "owner", 5)
	require.NoError(t, err)
	assert.Equal(t, ledger.EnsureCodeOutcomeOK, res.Outcome)
	assert.NotEmpty(t, res.Code)

	// Repeat calls return the same code, never mint a second one.
	again, err := repo.EnsureCode(db, "owner", 5)
	require.NoError(t, err)
	assert.Equal(t, res.Code, again.Code)

	var count int64
	require.NoError(t, db.Model(&ledger.ReferralCode{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestReferralRepository_EnsureCode_Deactivated(t *testing.T) {
	db := setupTestDB(t)
	repo := NewReferralRepository(NewAccountRepository())
	createAccount(t, db, "owner", 10)

	_, err := repo.EnsureCode(db, "owner", 5)
	require.NoError(t, err)
	require.NoError(t, repo.SetCodeActive(db, "owner", false))

	res, err := repo.EnsureCode(db, "owner", 5)
	require.NoError(t, err)
	assert.Equal(t, ledger.EnsureCodeOutcomeDeactivated, res.Outcome)
	assert.Empty(t, res.Code)
}

func TestReferralRepository_EnsureCode_Concurrent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewReferralRepository(NewAccountRepository())
	createAccount(t, db, "owner", 10)

	const workers = 10
	var wg sync.WaitGroup
	codes := make(chan string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.EnsureCode(db, "owner", 5)
			assert.NoError(t, err)
			assert.Equal(t, ledger.EnsureCodeOutcomeOK, res.Outcome)
			codes <- res.Code
		}()
	}
	wg.Wait()
	close(codes)

	// All callers converge on the one minted code.
	seen := map[string]bool{}
	for code := range codes {
		seen[code] = true
	}
	assert.Len(t, seen, 1)
}

func TestReferralRepository_EnsureCode_CollisionRegenerates(t *testing.T) {
	db := setupTestDB(t)
	repo := NewReferralRepository(NewAccountRepository())
	createAccount(t, db, "owner-a", 10)
	createAccount(t, db, "owner-b", 10)

	// owner-a holds REFTAKEN000; owner-b's first attempt collides with it
	// and the second succeeds.
	require.NoError(t, db.Create(ledger.NewReferralCode("owner-a", "REFTAKEN000")).Error)

	orig := generateCode
	attempt := 0
	generateCode = func(string) (string, error) {
		attempt++
		if attempt == 1 {
			return "REFTAKEN000", nil
		}
		return "REFFRESH000", nil
	}
	t.Cleanup(func() { generateCode = orig })

	res, err := repo.EnsureCode(db, "owner-b", 5)
	require.NoError(t, err)
	assert.Equal(t, ledger.EnsureCodeOutcomeOK, res.Outcome)
	assert.Equal(t, "REFFRESH000", res.Code)
	assert.Equal(t, 2, attempt)
}

func TestReferralRepository_EnsureCode_Exhausted(t *testing.T) {
	db := setupTestDB(t)
	repo := NewReferralRepository(NewAccountRepository())
	createAccount(t, db, "owner-a", 10)
	createAccount(t, db, "owner-b", 10)

	require.NoError(t, db.Create(ledger.NewReferralCode("owner-a", "REFTAKEN000")).Error)

	orig := generateCode
	generateCode = func(string) (string, error) {
		return "REFTAKEN000", nil
	}
	t.Cleanup(func() { generateCode = orig })

	res, err := repo.EnsureCode(db, "owner-b", 3)
	require.NoError(t, err)
	assert.Equal(t, ledger.EnsureCodeOutcomeExhausted, res.Outcome)
}

func TestReferralRepository_ResolveCode(t *testing.T) {
	db := setupTestDB(t)
	repo := NewReferralRepository(NewAccountRepository())
	createAccount(t, db, "owner", 10)

	res, err := repo.EnsureCode(db, "owner", 5)
	require.NoError(t, err)

	// Lookup is case-insensitive.
	rc, err := repo.ResolveCode(db, "  "+strings.ToLower(res.Code)+" ")
	require.NoError(t, err)
	require.NotNil(t, rc)
	assert.Equal(t, "owner", rc.OwnerAccountID)

	missing, err := repo.ResolveCode(db, "REFNOPE404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReferralRepository_CreditReferral(t *testing.T) {
	db := setupTestDB(t)
	accounts := NewAccountRepository()
	repo := NewReferralRepository(accounts)
	createAccount(t, db, "referrer", 10)
	createAccount(t, db, "referred", 10)

	res, err := repo.CreditReferral(db, "referrer", "referred", "REFABC123", 5)
	require.NoError(t, err)
	assert.Equal(t, ledger.CreditOutcomeCredited, res.Outcome)
	assert.Equal(t, int64(5), res.BonusAdded)
	assert.Equal(t, int64(15), res.ReferrerBalance)

	// Second credit for the same pair pays nothing.
	res, err = repo.CreditReferral(db, "referrer", "referred", "REFABC123", 5)
	require.NoError(t, err)
	assert.Equal(t, ledger.CreditOutcomeAlreadyCredited, res.Outcome)

	account, err := accounts.Get(db, "referrer")
	require.NoError(t, err)
	assert.Equal(t, int64(15), account.QuotaBalance)

	stats, err := accounts.GetStats(db, "referrer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalReferrals)
}

func TestReferralRepository_CreditReferral_Self(t *testing.T) {
	db := setupTestDB(t)
	repo := NewReferralRepository(NewAccountRepository())
	createAccount(t, db, "acct-1", 10)

	res, err := repo.CreditReferral(db, "acct-1", "acct-1", "REFABC123", 5)
	require.NoError(t, err)
	assert.Equal(t, ledger.CreditOutcomeSelfReferral, res.Outcome)

	account, err := NewAccountRepository().Get(db, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.QuotaBalance)
}

func TestReferralRepository_CreditReferral_Concurrent(t *testing.T) {
	db := setupTestDB(t)
	accounts := NewAccountRepository()
	repo := NewReferralRepository(accounts)
	createAccount(t, db, "referrer", 0)
	createAccount(t, db, "referred", 10)

	const workers = 10
	var wg sync.WaitGroup
	credited := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.CreditReferral(db, "referrer", "referred", "REFABC123", 5)
			assert.NoError(t, err)
			credited <- res.Outcome == ledger.CreditOutcomeCredited
		}()
	}
	wg.Wait()
	close(credited)

	wins := 0
	for ok := range credited {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	account, err := accounts.Get(db, "referrer")
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.QuotaBalance)
}

func TestReferralRepository_MarkConverted(t *testing.T) {
	db := setupTestDB(t)
	repo := NewReferralRepository(NewAccountRepository())
	createAccount(t, db, "referrer", 10)
	createAccount(t, db, "referred", 10)

	_, err := repo.CreditReferral(db, "referrer", "referred", "REFABC123", 5)
	require.NoError(t, err)

	res, err := repo.MarkConverted(db, "referrer", "referred")
	require.NoError(t, err)
	assert.Equal(t, ledger.ConvertOutcomeConverted, res.Outcome)

	res, err = repo.MarkConverted(db, "referrer", "referred")
	require.NoError(t, err)
	assert.Equal(t, ledger.ConvertOutcomeAlreadyConverted, res.Outcome)

	res, err = repo.MarkConverted(db, "referrer", "stranger")
	require.NoError(t, err)
	assert.Equal(t, ledger.ConvertOutcomeEdgeNotFound, res.Outcome)
}

func TestReferralRepository_Stats(t *testing.T) {
	db := setupTestDB(t)
	repo := NewReferralRepository(NewAccountRepository())
	createAccount(t, db, "referrer", 10)
	createAccount(t, db, "friend-1", 10)
	createAccount(t, db, "friend-2", 10)

	_, err := repo.CreditReferral(db, "referrer", "friend-1", "REFABC123", 5)
	require.NoError(t, err)
	_, err = repo.CreditReferral(db, "referrer", "friend-2", "REFABC123", 5)
	require.NoError(t, err)
	_, err = repo.MarkConverted(db, "referrer", "friend-1")
	require.NoError(t, err)

	stats, err := repo.Stats(db, "referrer")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalReferred)
	assert.Equal(t, int64(1), stats.TotalConverted)
	assert.Equal(t, int64(10), stats.TotalBonus)
}
