package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"opsdash/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConflict           = errors.New("conflict")
)

// Catalog answers item and recipe lookups. The costing engine never writes it.
type Catalog interface {
	GetItem(ctx context.Context, sku string) (*domain.InventoryItem, error)
	ListBundleComponents(ctx context.Context, bundleSKU string) ([]domain.BundleComponent, error)
}

// Tx is the unit of work for one order line. Everything written through a Tx
// becomes visible together on commit or not at all.
type Tx interface {
	// LockSKUs serializes concurrent transactions touching the same SKUs.
	LockSKUs(ctx context.Context, skus []string) error
	// ListConsumableLayers returns non-voided layers with remaining quantity,
	// oldest first by (received_at, id).
	ListConsumableLayers(ctx context.Context, sku string) ([]domain.ReceiptLayer, error)
	ConsumeLayer(ctx context.Context, layerID int64, qty decimal.Decimal) error
	RestoreLayer(ctx context.Context, layerID int64, qty decimal.Decimal) error
	HasActiveAllocation(ctx context.Context, orderID string, sku string) (bool, error)
	// ListActiveLineAllocations returns the unreversed rows written for the
	// order line sold as lineSKU.
	ListActiveLineAllocations(ctx context.Context, orderID string, lineSKU string) ([]domain.CogsAllocation, error)
	AppendAllocations(ctx context.Context, rows []domain.CogsAllocation) error
}

type Repository interface {
	Catalog

	// RunInTx commits when fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	HasActiveAllocation(ctx context.Context, orderID string, sku string) (bool, error)
	ListAllocations(ctx context.Context, filter domain.AllocationFilter) ([]domain.CogsAllocation, error)
	SummarizeCogs(ctx context.Context, from time.Time, to time.Time) ([]domain.OrderCogs, error)

	ListShippedOrderLines(ctx context.Context, query domain.OrderLineQuery) ([]domain.ShippedOrderLine, error)

	CreateLayer(ctx context.Context, layer domain.ReceiptLayer) (*domain.ReceiptLayer, error)
	VoidLayer(ctx context.Context, layerID int64) (*domain.ReceiptLayer, error)
	ListLayers(ctx context.Context, sku string, includeVoided bool) ([]domain.ReceiptLayer, error)

	UpsertItem(ctx context.Context, item domain.InventoryItem) error
	ReplaceBundleComponents(ctx context.Context, bundleSKU string, components []domain.BundleComponent) error
	InsertOrderLines(ctx context.Context, lines []domain.ShippedOrderLine) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
