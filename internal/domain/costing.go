package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Skip and failure reason codes reported by costing runs.
const (
	ReasonAlreadyAllocated   = "already_allocated"
	ReasonMissingSKU         = "missing_sku"
	ReasonInvalidQuantity    = "invalid_quantity"
	ReasonInsufficientStock  = "insufficient_stock"
	ReasonNoRecipe           = "no_recipe"
	ReasonInvalidRecipe      = "invalid_recipe"
	ReasonNestedBundle       = "nested_bundle"
	ReasonInvariantViolation = "invariant_violation"
	ReasonLockUnavailable    = "lock_unavailable"
	ReasonError              = "error"
)

type AllocationRequest struct {
	OrderID   string          `json:"order_id"`
	SKU       string          `json:"sku"`
	Quantity  decimal.Decimal `json:"quantity"`
	ShippedAt time.Time       `json:"shipped_at"`
}

// AllocateLineRequest is the API form of AllocationRequest.
type AllocateLineRequest struct {
	OrderID   string `json:"order_id" validate:"required"`
	SKU       string `json:"sku" validate:"required"`
	Quantity  string `json:"quantity" validate:"required"`
	ShippedAt string `json:"shipped_at" validate:"required"`
}

type PairSkip struct {
	SKU    string `json:"sku"`
	Reason string `json:"reason"`
}

type AllocationResult struct {
	OrderID     string           `json:"order_id"`
	LineSKU     string           `json:"line_sku"`
	Allocations []CogsAllocation `json:"allocations"`
	Skipped     []PairSkip       `json:"skipped,omitempty"`
}

// AllSkipped reports whether no pair of the line needed new rows.
func (r AllocationResult) AllSkipped() bool {
	return len(r.Allocations) == 0 && len(r.Skipped) > 0
}

type ReversalRequest struct {
	OrderID string `json:"order_id" validate:"required"`
	SKU     string `json:"sku" validate:"required"`
	Reason  string `json:"reason"`
}

type ReversalResult struct {
	OrderID   string           `json:"order_id"`
	SKU       string           `json:"sku"`
	Reversals []CogsAllocation `json:"reversals"`
}

type CostingRunRequest struct {
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
	Method    string `json:"method" validate:"omitempty,oneof=FIFO"`
}

type BatchIssue struct {
	OrderID    string `json:"order_id"`
	SKU        string `json:"sku"`
	ReasonCode string `json:"reason_code"`
	Detail     string `json:"detail,omitempty"`
}

type BatchSummary struct {
	RunID           string         `json:"run_id"`
	Method          string         `json:"method"`
	StartDate       string         `json:"start_date"`
	EndDate         string         `json:"end_date"`
	Total           int            `json:"total"`
	Eligible        int            `json:"eligible"`
	Successful      int            `json:"successful"`
	Skipped         int            `json:"skipped"`
	Failed          int            `json:"failed"`
	SkippedByReason map[string]int `json:"skipped_by_reason"`
	FailedByReason  map[string]int `json:"failed_by_reason"`
	Errors          []BatchIssue   `json:"errors"`
	ErrorsDropped   int            `json:"errors_dropped"`
	PagesFetched    int            `json:"pages_fetched"`
	Truncated       bool           `json:"truncated"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}
