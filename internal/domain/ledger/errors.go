package ledger

import "errors"

// Errors. Business outcomes are result values (results.go); these cover the
// unexpected paths only.
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrPlanNotFound       = errors.New("plan not found")
	ErrInvalidGrantAmount = errors.New("grant amount must be positive")
	ErrAlreadyExists      = errors.New("code already exists")
	ErrIntegrityViolation = errors.New("ledger integrity violation")
)
