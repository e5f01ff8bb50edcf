package ledger

import (
	"time"
)

// Account statuses
const (
	AccountStatusActive   = "active"
	AccountStatusInactive = "inactive"
)

// Account is the ledger's view of an external principal. ID is the opaque
// identifier the calling layer resolves from its own transport (Telegram
// user id, session token) — the ledger never interprets it.
type Account struct {
	ID           string    `json:"id" gorm:"primaryKey;size:64"`
	Username     string    `json:"username"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	LanguageCode string    `json:"languageCode" gorm:"size:10"`
	QuotaBalance int64     `json:"quotaBalance" gorm:"not null;default:0"`
	Status       string    `json:"status" gorm:"default:'active';index"`
	RegisteredAt time.Time `json:"registeredAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Profile carries the mutable account fields refreshed on repeat contact.
type Profile struct {
	Username     string `json:"username"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	LanguageCode string `json:"languageCode"`
}

func NewAccount(id string, profile Profile, startingQuota int64) *Account {
	now := time.Now().UTC()
	return &Account{
		ID:           id,
		Username:     profile.Username,
		FirstName:    profile.FirstName,
		LastName:     profile.LastName,
		LanguageCode: profile.LanguageCode,
		QuotaBalance: startingQuota,
		Status:       AccountStatusActive,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
}

func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// AccountStats mirrors the per-account usage aggregates kept alongside the
// balance (total requests, tokens, payments, referrals).
type AccountStats struct {
	AccountID      string     `json:"accountId" gorm:"primaryKey;size:64"`
	TotalRequests  int64      `json:"totalRequests" gorm:"not null;default:0"`
	TotalTokens    int64      `json:"totalTokens" gorm:"not null;default:0"`
	TotalPayments  int64      `json:"totalPayments" gorm:"not null;default:0"`
	TotalReferrals int64      `json:"totalReferrals" gorm:"not null;default:0"`
	LastActiveAt   *time.Time `json:"lastActiveAt"`
}

// RequestUsage is one consumed request, recorded for analytics.
type RequestUsage struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	AccountID      string    `json:"accountId" gorm:"index;size:64;not null"`
	RequestType    string    `json:"requestType" gorm:"size:50"`
	Model          string    `json:"model" gorm:"size:100"`
	TokensUsed     int64     `json:"tokensUsed"`
	Successful     bool      `json:"successful"`
	ResponseTimeMS int64     `json:"responseTimeMs"`
	CreatedAt      time.Time `json:"createdAt"`
}
