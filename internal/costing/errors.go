package costing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/lock"
	"opsdash/backend/internal/store"
)

var (
	ErrNoRecipe          = errors.New("bundle has no recipe")
	ErrInvalidRecipe     = errors.New("invalid bundle recipe")
	ErrNestedBundle      = errors.New("nested bundle recipe")
	ErrUnsupportedMethod = errors.New("unsupported costing method")
	ErrInvalidDateRange  = errors.New("invalid date range")
	ErrInvalidDate       = errors.New("invalid date")
)

// InsufficientStockError reports a shortfall for one consumed SKU.
type InsufficientStockError struct {
	SKU       string
	Needed    decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: needed %s, available %s", e.SKU, e.Needed, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == store.ErrInsufficientStock
}

type NoRecipeError struct {
	BundleSKU string
}

func (e *NoRecipeError) Error() string {
	return fmt.Sprintf("bundle %s has no recipe", e.BundleSKU)
}

func (e *NoRecipeError) Is(target error) bool {
	return target == ErrNoRecipe
}

// ReasonFor maps an allocation failure to the reason code reported by runs.
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrInsufficientStock):
		return domain.ReasonInsufficientStock
	case errors.Is(err, ErrNoRecipe):
		return domain.ReasonNoRecipe
	case errors.Is(err, ErrNestedBundle):
		return domain.ReasonNestedBundle
	case errors.Is(err, ErrInvalidRecipe):
		return domain.ReasonInvalidRecipe
	case errors.Is(err, store.ErrInvariantViolation):
		return domain.ReasonInvariantViolation
	case errors.Is(err, lock.ErrNotObtained):
		return domain.ReasonLockUnavailable
	default:
		return domain.ReasonError
	}
}
