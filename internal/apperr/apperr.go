package apperr

import "github.com/pkg/errors"

// Базовые ошибки домена. Слои выше навешивают контекст через errors.Wrap,
// проверка — через errors.Is (pkg/errors совместим с stdlib-цепочками).
var (
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrInvalidCoordinates      = errors.New("invalid coordinates")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrNotFound                = errors.New("not found")
	ErrDuplicateTrackingNumber = errors.New("duplicate tracking number")
	ErrRateLimited             = errors.New("rate limit exceeded")
	ErrValidation              = errors.New("validation failed")
)
