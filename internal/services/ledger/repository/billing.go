package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quotaledger-go/internal/domain/ledger"
)

// ErrDuplicatePayment reports a replayed external payment reference. The
// unique index on payments.external_ref raises it; the purchase that hits it
// must roll back whole.
var ErrDuplicatePayment = errors.New("payment already recorded")

// BillingRepository stores plans, plan grants and payment confirmations.
type BillingRepository struct{}

func NewBillingRepository() *BillingRepository {
	return &BillingRepository{}
}

func (r *BillingRepository) GetPlan(tx *gorm.DB, id string) (*ledger.Plan, error) {
	var plan ledger.Plan
	err := tx.Where("id = ?", id).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledger.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// ListActivePlans returns the purchasable catalog, highest priority first.
func (r *BillingRepository) ListActivePlans(tx *gorm.DB) ([]*ledger.Plan, error) {
	var plans []*ledger.Plan
	err := tx.Where("is_active = ?", true).
		Order("priority DESC, price ASC").
		Find(&plans).Error
	if err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *BillingRepository) CreatePlan(tx *gorm.DB, plan *ledger.Plan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if err := tx.Create(plan).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ledger.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *BillingRepository) SetPlanActive(tx *gorm.DB, id string, active bool) error {
	res := tx.Model(&ledger.Plan{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active":  active,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ledger.ErrPlanNotFound
	}
	return nil
}

// RecordPayment stores the external confirmation verbatim. A replayed
// external_ref returns ErrDuplicatePayment.
func (r *BillingRepository) RecordPayment(tx *gorm.DB, accountID string, ref ledger.PaymentRef, amount int64, currency string) (*ledger.Payment, error) {
	status := ref.Status
	if status == "" {
		status = ledger.PaymentStatusCompleted
	}
	payment := &ledger.Payment{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Amount:      amount,
		Currency:    currency,
		System:      ref.System,
		ExternalRef: ref.ExternalID,
		Status:      status,
		Details:     ref.Details,
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.Create(payment).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicatePayment
		}
		return nil, err
	}
	return payment, nil
}

// DeactivateSubscriptions retires every active grant for the account. Used
// when a new subscription-type plan supersedes the previous one.
func (r *BillingRepository) DeactivateSubscriptions(tx *gorm.DB, accountID string) (int64, error) {
	res := tx.Model(&ledger.Subscription{}).
		Where("account_id = ? AND is_active = ?", accountID, true).
		Update("is_active", false)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *BillingRepository) CreateSubscription(tx *gorm.DB, sub *ledger.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.GrantedAt.IsZero() {
		sub.GrantedAt = time.Now().UTC()
	}
	return tx.Create(sub).Error
}

func (r *BillingRepository) GetActiveSubscription(tx *gorm.DB, accountID string) (*ledger.Subscription, error) {
	var sub ledger.Subscription
	err := tx.Where("account_id = ? AND is_active = ?", accountID, true).
		Order("granted_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ExpireSubscriptions retires grants whose expiry has passed. Returns the
// number of rows retired; the sweeper logs it.
func (r *BillingRepository) ExpireSubscriptions(tx *gorm.DB, now time.Time) (int64, error) {
	res := tx.Model(&ledger.Subscription{}).
		Where("is_active = ? AND expires_at IS NOT NULL AND expires_at < ?", true, now).
		Update("is_active", false)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
