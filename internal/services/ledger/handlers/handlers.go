package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quotaledger-go/internal/domain/ledger"
	"github.com/quotaledger-go/internal/services/ledger/service"
	"github.com/quotaledger-go/pkg/database"
	"github.com/quotaledger-go/pkg/logger"
)

// LedgerHandlers exposes the ledger facade over HTTP. Every business outcome
// maps to a status code; a 503 means the store was unreachable and the
// caller should tell the user to retry.
type LedgerHandlers struct {
	service *service.LedgerService
	logger  logger.Logger
}

func NewLedgerHandlers(service *service.LedgerService, logger logger.Logger) *LedgerHandlers {
	return &LedgerHandlers{
		service: service,
		logger:  logger,
	}
}

func (h *LedgerHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *LedgerHandlers) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// fail maps unexpected errors. Connectivity failures become 503 so callers
// can distinguish "try again" from "no".
func (h *LedgerHandlers) fail(c *gin.Context, err error) {
	switch {
	case database.IsConnectivityError(err):
		h.logger.Error("store unavailable", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	case errors.Is(err, ledger.ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
	case errors.Is(err, ledger.ErrInvalidGrantAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
	case errors.Is(err, ledger.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "code already exists"})
	case errors.Is(err, ledger.ErrIntegrityViolation):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		h.logger.Error("ledger operation failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type registerRequest struct {
	AccountID    string `json:"accountId" binding:"required"`
	Username     string `json:"username"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	LanguageCode string `json:"languageCode"`
	ReferralCode string `json:"referralCode"`
}

func (h *LedgerHandlers) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.service.Register(c.Request.Context(), req.AccountID, ledger.Profile{
		Username:     req.Username,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		LanguageCode: req.LanguageCode,
	}, req.ReferralCode)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

type consumeRequest struct {
	Amount int64 `json:"amount"`
}

func (h *LedgerHandlers) Consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}

	res, err := h.service.ConsumeRequest(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}

	switch res.Outcome {
	case ledger.ConsumeOutcomeConsumed:
		c.JSON(http.StatusOK, res)
	case ledger.ConsumeOutcomeInsufficientBalance:
		c.JSON(http.StatusPaymentRequired, res)
	case ledger.ConsumeOutcomeAccountInactive:
		c.JSON(http.StatusForbidden, res)
	}
}

func (h *LedgerHandlers) GetAccount(c *gin.Context) {
	account, err := h.service.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *LedgerHandlers) GetAccountStats(c *gin.Context) {
	stats, err := h.service.GetAccountStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type statusRequest struct {
	Status string `json:"status" binding:"required,oneof=active inactive"`
}

func (h *LedgerHandlers) SetAccountStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.SetAccountStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

type usageRequest struct {
	RequestType    string `json:"requestType"`
	Model          string `json:"model"`
	TokensUsed     int64  `json:"tokensUsed"`
	Successful     *bool  `json:"successful"`
	ResponseTimeMS int64  `json:"responseTimeMs"`
}

func (h *LedgerHandlers) RecordUsage(c *gin.Context) {
	var req usageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	successful := true
	if req.Successful != nil {
		successful = *req.Successful
	}

	err := h.service.RecordUsage(c.Request.Context(), &ledger.RequestUsage{
		AccountID:      c.Param("id"),
		RequestType:    req.RequestType,
		Model:          req.Model,
		TokensUsed:     req.TokensUsed,
		Successful:     successful,
		ResponseTimeMS: req.ResponseTimeMS,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *LedgerHandlers) EnsureReferralCode(c *gin.Context) {
	res, err := h.service.EnsureReferralCode(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	switch res.Outcome {
	case ledger.EnsureCodeOutcomeOK:
		c.JSON(http.StatusOK, res)
	case ledger.EnsureCodeOutcomeDeactivated:
		c.JSON(http.StatusConflict, res)
	case ledger.EnsureCodeOutcomeExhausted:
		c.JSON(http.StatusInternalServerError, res)
	}
}

type applyReferralRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *LedgerHandlers) ApplyReferral(c *gin.Context) {
	var req applyReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.service.ApplyReferral(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}

	switch res.Outcome {
	case ledger.CreditOutcomeCredited:
		c.JSON(http.StatusOK, res)
	case ledger.CreditOutcomeAlreadyCredited:
		c.JSON(http.StatusConflict, res)
	case ledger.CreditOutcomeSelfReferral:
		c.JSON(http.StatusUnprocessableEntity, res)
	case ledger.CreditOutcomeCodeNotFound:
		c.JSON(http.StatusNotFound, res)
	}
}

type convertRequest struct {
	ReferredAccountID string `json:"referredAccountId" binding:"required"`
}

func (h *LedgerHandlers) MarkReferralConverted(c *gin.Context) {
	var req convertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.service.MarkReferralConverted(c.Request.Context(), c.Param("id"), req.ReferredAccountID)
	if err != nil {
		h.fail(c, err)
		return
	}

	switch res.Outcome {
	case ledger.ConvertOutcomeConverted:
		c.JSON(http.StatusOK, res)
	case ledger.ConvertOutcomeAlreadyConverted:
		c.JSON(http.StatusConflict, res)
	case ledger.ConvertOutcomeEdgeNotFound:
		c.JSON(http.StatusNotFound, res)
	}
}

func (h *LedgerHandlers) ReferralStats(c *gin.Context) {
	stats, err := h.service.ReferralStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type redeemRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *LedgerHandlers) RedeemPromo(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.service.RedeemPromo(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}

	switch res.Outcome {
	case ledger.RedeemOutcomeApplied:
		c.JSON(http.StatusOK, res)
	case ledger.RedeemOutcomeNotFound:
		c.JSON(http.StatusNotFound, res)
	case ledger.RedeemOutcomeExpired:
		c.JSON(http.StatusGone, res)
	case ledger.RedeemOutcomeUsageExhausted, ledger.RedeemOutcomeAlreadyRedeemed:
		c.JSON(http.StatusConflict, res)
	case ledger.RedeemOutcomePlanNotAllowed:
		c.JSON(http.StatusUnprocessableEntity, res)
	}
}

type purchaseRequest struct {
	PlanID    string            `json:"planId" binding:"required"`
	PromoCode *string           `json:"promoCode"`
	Source    string            `json:"source"`
	Payment   purchasePaymentIn `json:"payment" binding:"required"`
}

type purchasePaymentIn struct {
	ExternalID string            `json:"externalId" binding:"required"`
	Amount     int64             `json:"amount"`
	System     string            `json:"system"`
	Status     string            `json:"status"`
	Details    map[string]string `json:"details"`
}

func (h *LedgerHandlers) PurchasePlan(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := req.Source
	if source == "" {
		source = ledger.SourceBot
	}

	res, err := h.service.PurchasePlan(c.Request.Context(), c.Param("id"), req.PlanID, ledger.PaymentRef{
		ExternalID: req.Payment.ExternalID,
		Amount:     req.Payment.Amount,
		System:     req.Payment.System,
		Status:     req.Payment.Status,
		Details:    req.Payment.Details,
	}, req.PromoCode, source)
	if err != nil {
		h.fail(c, err)
		return
	}

	switch res.Outcome {
	case ledger.PurchaseOutcomePurchased:
		c.JSON(http.StatusCreated, res)
	case ledger.PurchaseOutcomePlanNotFound:
		c.JSON(http.StatusNotFound, res)
	case ledger.PurchaseOutcomePlanInactive, ledger.PurchaseOutcomeAlreadyProcessed:
		c.JSON(http.StatusConflict, res)
	case ledger.PurchaseOutcomePromoRejected:
		c.JSON(http.StatusUnprocessableEntity, res)
	}
}

func (h *LedgerHandlers) ListPlans(c *gin.Context) {
	plans, err := h.service.ListActivePlans(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

type createPlanRequest struct {
	Name           string `json:"name" binding:"required"`
	Description    string `json:"description"`
	QuotaGrant     int64  `json:"quotaGrant" binding:"required"`
	Price          int64  `json:"price"`
	DurationDays   int    `json:"durationDays"`
	IsSubscription bool   `json:"isSubscription"`
	Priority       int    `json:"priority"`
}

func (h *LedgerHandlers) CreatePlan(c *gin.Context) {
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	plan := ledger.NewPlan(req.Name, req.QuotaGrant, req.Price, req.DurationDays)
	plan.Description = req.Description
	plan.IsSubscription = req.IsSubscription
	plan.Priority = req.Priority

	if err := h.service.CreatePlan(c.Request.Context(), plan); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

type createPromoRequest struct {
	Code           string   `json:"code" binding:"required"`
	DiscountType   string   `json:"discountType" binding:"required,oneof=percent fixed bonus_requests"`
	DiscountValue  int64    `json:"discountValue"`
	BonusRequests  int64    `json:"bonusRequests"`
	MaxUsages      int64    `json:"maxUsages"`
	AllowedPlanIDs []string `json:"allowedPlanIds"`
}

func (h *LedgerHandlers) CreatePromo(c *gin.Context) {
	var req createPromoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	promo := ledger.NewPromoCode(req.Code, req.DiscountType, req.DiscountValue)
	promo.BonusRequests = req.BonusRequests
	promo.MaxUsages = req.MaxUsages
	promo.AllowedPlanIDs = req.AllowedPlanIDs

	if err := h.service.CreatePromo(c.Request.Context(), promo); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, promo)
}
