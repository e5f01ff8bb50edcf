package ledger

import "time"

// Every ledger operation returns a closed result type. Business outcomes are
// values, never errors: only connectivity and integrity failures travel the
// error path. The calling layer must map every outcome to a user-visible
// behavior.

type ConsumeOutcome string

const (
	ConsumeOutcomeConsumed            ConsumeOutcome = "consumed"
	ConsumeOutcomeInsufficientBalance ConsumeOutcome = "insufficient_balance"
	ConsumeOutcomeAccountInactive     ConsumeOutcome = "account_inactive"
)

type ConsumeResult struct {
	Outcome    ConsumeOutcome `json:"outcome"`
	NewBalance int64          `json:"newBalance"`
}

type EnsureCodeOutcome string

const (
	EnsureCodeOutcomeOK          EnsureCodeOutcome = "ok"
	EnsureCodeOutcomeDeactivated EnsureCodeOutcome = "deactivated"
	EnsureCodeOutcomeExhausted   EnsureCodeOutcome = "generation_exhausted"
)

type EnsureCodeResult struct {
	Outcome EnsureCodeOutcome `json:"outcome"`
	Code    string            `json:"code,omitempty"`
}

type CreditOutcome string

const (
	CreditOutcomeCredited        CreditOutcome = "credited"
	CreditOutcomeAlreadyCredited CreditOutcome = "already_credited"
	CreditOutcomeSelfReferral    CreditOutcome = "self_referral"
	CreditOutcomeCodeNotFound    CreditOutcome = "code_not_found"
)

type CreditResult struct {
	Outcome           CreditOutcome `json:"outcome"`
	ReferrerAccountID string        `json:"referrerAccountId,omitempty"`
	BonusAdded        int64         `json:"bonusAdded"`
	ReferrerBalance   int64         `json:"referrerBalance"`
}

type RedeemOutcome string

const (
	RedeemOutcomeApplied         RedeemOutcome = "applied"
	RedeemOutcomeNotFound        RedeemOutcome = "not_found"
	RedeemOutcomeExpired         RedeemOutcome = "expired"
	RedeemOutcomeUsageExhausted  RedeemOutcome = "usage_exhausted"
	RedeemOutcomeAlreadyRedeemed RedeemOutcome = "already_redeemed"
	RedeemOutcomePlanNotAllowed  RedeemOutcome = "plan_not_allowed"
)

type RedeemResult struct {
	Outcome        RedeemOutcome `json:"outcome"`
	DiscountAmount int64         `json:"discountAmount"`
	BonusRequests  int64         `json:"bonusRequests"`
	NewBalance     int64         `json:"newBalance"`
}

type PurchaseOutcome string

const (
	PurchaseOutcomePurchased        PurchaseOutcome = "purchased"
	PurchaseOutcomePlanNotFound     PurchaseOutcome = "plan_not_found"
	PurchaseOutcomePlanInactive     PurchaseOutcome = "plan_inactive"
	PurchaseOutcomeAlreadyProcessed PurchaseOutcome = "already_processed"
	PurchaseOutcomePromoRejected    PurchaseOutcome = "promo_rejected"
)

type PurchaseResult struct {
	Outcome        PurchaseOutcome `json:"outcome"`
	PlanID         string          `json:"planId,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	PricePaid      int64           `json:"pricePaid"`
	QuotaAdded     int64           `json:"quotaAdded"`
	DiscountAmount int64           `json:"discountAmount"`
	BonusRequests  int64           `json:"bonusRequests"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	NewBalance     int64           `json:"newBalance"`
	// PromoOutcome is set when Outcome is promo_rejected.
	PromoOutcome RedeemOutcome `json:"promoOutcome,omitempty"`
}

type ConvertOutcome string

const (
	ConvertOutcomeConverted        ConvertOutcome = "converted"
	ConvertOutcomeAlreadyConverted ConvertOutcome = "already_converted"
	ConvertOutcomeEdgeNotFound     ConvertOutcome = "edge_not_found"
)

type ConvertResult struct {
	Outcome ConvertOutcome `json:"outcome"`
}

type RegisterResult struct {
	Account *Account `json:"account"`
	Created bool     `json:"created"`
	// Referral is set when the registration carried a referral code.
	Referral *CreditResult `json:"referral,omitempty"`
}

// PaymentRef is the opaque payment confirmation supplied by the payment
// collaborator. The ledger records it verbatim and never validates it.
type PaymentRef struct {
	ExternalID string            `json:"externalId"`
	Amount     int64             `json:"amount"`
	System     string            `json:"system"`
	Status     string            `json:"status"`
	Details    map[string]string `json:"details,omitempty"`
}
