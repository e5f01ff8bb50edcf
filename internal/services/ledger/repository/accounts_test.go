package repository

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaledger-go/internal/domain/ledger"
)

func TestAccountRepository_GetOrCreate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository()

	account, created, err := repo.GetOrCreate(db, "acct-1", ledger.Profile{
		Username:  "alice",
		FirstName: "Alice",
	}, 10)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(10), account.QuotaBalance)
	assert.Equal(t, ledger.AccountStatusActive, account.Status)

	// Repeat contact refreshes the profile but never the balance.
	_, _, err = repo.GetOrCreate(db, "acct-1", ledger.Profile{Username: "alice2"}, 10)
	require.NoError(t, err)
	_, err = repo.TryConsume(db, "acct-1", 3)
	require.NoError(t, err)

	again, created, err := repo.GetOrCreate(db, "acct-1", ledger.Profile{Username: "alice3"}, 10)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice3", again.Username)
	assert.Equal(t, int64(7), again.QuotaBalance)
}

func TestAccountRepository_TryConsume(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository()
	createAccount(t, db, "acct-1", 2)

	res, err := repo.TryConsume(db, "acct-1", 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.ConsumeOutcomeConsumed, res.Outcome)
	assert.Equal(t, int64(1), res.NewBalance)

	res, err = repo.TryConsume(db, "acct-1", 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.ConsumeOutcomeConsumed, res.Outcome)
	assert.Equal(t, int64(0), res.NewBalance)

	// Balance is exhausted; the guarded UPDATE refuses to go negative.
	res, err = repo.TryConsume(db, "acct-1", 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.ConsumeOutcomeInsufficientBalance, res.Outcome)
	assert.Equal(t, int64(0), res.NewBalance)
}

func TestAccountRepository_TryConsume_Inactive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository()
	createAccount(t, db, "acct-1", 10)

	require.NoError(t, repo.SetStatus(db, "acct-1", ledger.AccountStatusInactive))

	res, err := repo.TryConsume(db, "acct-1", 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.ConsumeOutcomeAccountInactive, res.Outcome)
	assert.Equal(t, int64(10), res.NewBalance)
}

func TestAccountRepository_TryConsume_MissingAccount(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository()

	_, err := repo.TryConsume(db, "nobody", 1)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestAccountRepository_TryConsume_Concurrent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository()
	createAccount(t, db, "acct-1", 5)

	const workers = 20
	var wg sync.WaitGroup
	outcomes := make(chan ledger.ConsumeOutcome, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.TryConsume(db, "acct-1", 1)
			assert.NoError(t, err)
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	consumed := 0
	for outcome := range outcomes {
		if outcome == ledger.ConsumeOutcomeConsumed {
			consumed++
		}
	}
	// Exactly min(workers, balance) succeed; the balance never goes negative.
	assert.Equal(t, 5, consumed)

	account, err := repo.Get(db, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.QuotaBalance)
}

func TestAccountRepository_Grant(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository()
	createAccount(t, db, "acct-1", 3)

	balance, err := repo.Grant(db, "acct-1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance)

	_, err = repo.Grant(db, "acct-1", 0)
	assert.ErrorIs(t, err, ledger.ErrInvalidGrantAmount)

	_, err = repo.Grant(db, "acct-1", -4)
	assert.ErrorIs(t, err, ledger.ErrInvalidGrantAmount)

	_, err = repo.Grant(db, "nobody", 5)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestAccountRepository_RecordUsage(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository()
	createAccount(t, db, "acct-1", 10)

	err := repo.RecordUsage(db, &ledger.RequestUsage{
		AccountID:  "acct-1",
		Model:      "gpt-4o",
		TokensUsed: 120,
		Successful: true,
	})
	require.NoError(t, err)

	err = repo.RecordUsage(db, &ledger.RequestUsage{
		AccountID:  "acct-1",
		Model:      "gpt-4o",
		TokensUsed: 80,
		Successful: true,
	})
	require.NoError(t, err)

	stats, err := repo.GetStats(db, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(200), stats.TotalTokens)
	assert.NotNil(t, stats.LastActiveAt)
}

func TestAccountRepository_RecordUsage_Failed(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository()
	createAccount(t, db, "acct-1", 10)

	err := repo.RecordUsage(db, &ledger.RequestUsage{
		AccountID:  "acct-1",
		Model:      "gpt-4o",
		TokensUsed: 40,
		Successful: false,
	})
	require.NoError(t, err)

	var usage ledger.RequestUsage
	require.NoError(t, db.Where("account_id = ?", "acct-1").First(&usage).Error)
	assert.False(t, usage.Successful)
	assert.Equal(t, int64(40), usage.TokensUsed)
}

func TestAccountRepository_GetStats_Empty(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository()

	stats, err := repo.GetStats(db, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalRequests)
}
