package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func NewValidationError(field string, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type MissingIngredientError struct {
	IngredientID string
}

func (e MissingIngredientError) Error() string {
	return fmt.Sprintf("missing ingredient: %s", e.IngredientID)
}

type MissingPriceDataError struct {
	IngredientID string
}

func (e MissingPriceDataError) Error() string {
	return fmt.Sprintf("missing price: %s", e.IngredientID)
}

// InsufficientStockError is a business-rule rejection: the lots of one
// ingredient cannot cover the requested quantity.
type InsufficientStockError struct {
	IngredientID string
	Requested    decimal.Decimal
	Available    decimal.Decimal
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %s, available %s",
		e.IngredientID, e.Requested.String(), e.Available.String())
}

// LockTimeoutError means the exclusive section could not be entered in time.
// Retrying the whole operation is safe.
type LockTimeoutError struct {
	Key      string
	Attempts int
}

func (e LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %s not obtained after %d attempts", e.Key, e.Attempts)
}

type BackendUnavailableError struct {
	Key string
	Err error
}

func (e BackendUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("backend unavailable for %s", e.Key)
	}
	return fmt.Sprintf("backend unavailable for %s: %v", e.Key, e.Err)
}

func (e BackendUnavailableError) Unwrap() error {
	return e.Err
}

// StaleDataWarning is informational: a cached value past its TTL was served
// because a refresh failed.
type StaleDataWarning struct {
	Key string
	Age time.Duration
}

func (w StaleDataWarning) Error() string {
	return fmt.Sprintf("stale data for %s (age %s)", w.Key, w.Age.Round(time.Millisecond))
}

func (w StaleDataWarning) Warning() Warning {
	return Warning{Code: WarningStaleData, EntityID: w.Key, Message: w.Error()}
}

// IsRetryable reports whether retrying the whole operation may succeed.
func IsRetryable(err error) bool {
	var lockErr LockTimeoutError
	var backendErr BackendUnavailableError
	return errors.As(err, &lockErr) || errors.As(err, &backendErr)
}

// IsBusinessRule reports errors that must be shown to the user verbatim.
func IsBusinessRule(err error) bool {
	var validation ValidationError
	var stock InsufficientStockError
	var ingredient MissingIngredientError
	var price MissingPriceDataError
	return errors.As(err, &validation) ||
		errors.As(err, &stock) ||
		errors.As(err, &ingredient) ||
		errors.As(err, &price)
}
