package registry

import "errors"

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrInvalidInterval     = errors.New("invalid interval")
	ErrInvalidTask         = errors.New("invalid task: target and function are required")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotActive           = errors.New("task is not active")
	ErrUnauthorized        = errors.New("keeper not whitelisted")
	ErrClaimLost           = errors.New("claim not held by keeper")
	ErrNonMonotonic        = errors.New("next eligible time must advance")
	ErrResolverUnavailable = errors.New("resolver unavailable")
)
