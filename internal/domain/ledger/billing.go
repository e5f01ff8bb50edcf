package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Subscription sources
const (
	SourceBot   = "bot"
	SourceWeb   = "web"
	SourceAdmin = "admin"
)

// Payment statuses
const (
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// Plan is a purchasable quota package. Price is in minor currency units.
// DurationDays == 0 means the grant never expires.
type Plan struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	Name           string    `json:"name" gorm:"not null"`
	Description    string    `json:"description"`
	QuotaGrant     int64     `json:"quotaGrant" gorm:"not null"`
	Price          int64     `json:"price" gorm:"not null"`
	DurationDays   int       `json:"durationDays" gorm:"not null;default:0"`
	IsSubscription bool      `json:"isSubscription"`
	IsActive       bool      `json:"isActive"`
	Priority       int       `json:"priority" gorm:"default:0"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func NewPlan(name string, quotaGrant, price int64, durationDays int) *Plan {
	now := time.Now().UTC()
	return &Plan{
		ID:           uuid.New().String(),
		Name:         name,
		QuotaGrant:   quotaGrant,
		Price:        price,
		DurationDays: durationDays,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Subscription (plan grant) is one purchased application of a plan to an
// account. For subscription-type plans at most one row per account is active
// at a time; the purchase transaction supersedes the previous one.
type Subscription struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	AccountID       string     `json:"accountId" gorm:"index;size:64;not null"`
	PlanID          string     `json:"planId" gorm:"not null"`
	GrantedAt       time.Time  `json:"grantedAt"`
	ExpiresAt       *time.Time `json:"expiresAt"`
	IsActive        bool       `json:"isActive" gorm:"index"`
	Source          string     `json:"source" gorm:"size:20"`
	QuotaAdded      int64      `json:"quotaAdded" gorm:"not null;default:0"`
	DiscountApplied int64      `json:"discountApplied" gorm:"not null;default:0"`
	PaymentID       *string    `json:"paymentId"`
}

// Payment stores the external payment confirmation verbatim. The unique
// external_ref index makes recording idempotent: a replayed confirmation
// cannot produce a second grant.
type Payment struct {
	ID          string            `json:"id" gorm:"primaryKey"`
	AccountID   string            `json:"accountId" gorm:"index;size:64;not null"`
	Amount      int64             `json:"amount" gorm:"not null"`
	Currency    string            `json:"currency" gorm:"size:10;default:'RUB'"`
	System      string            `json:"system" gorm:"size:50"`
	ExternalRef string            `json:"externalRef" gorm:"uniqueIndex;not null"`
	Status      string            `json:"status" gorm:"size:20"`
	Details     map[string]string `json:"details" gorm:"serializer:json"`
	CreatedAt   time.Time         `json:"createdAt"`
}
