package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type InventoryItem struct {
	SKU             string          `json:"sku"`
	Name            string          `json:"name"`
	IsBundle        bool            `json:"is_bundle"`
	BaseCostPerUnit decimal.Decimal `json:"base_cost_per_unit"`
}

type BundleComponent struct {
	BundleSKU       string          `json:"bundle_sku"`
	ComponentSKU    string          `json:"component_sku"`
	QuantityPerUnit decimal.Decimal `json:"quantity_per_unit"`
}

type LayerSource string

const (
	LayerSourceOpeningBalance LayerSource = "opening_balance"
	LayerSourceStockIn        LayerSource = "stock_in"
)

type ReceiptLayer struct {
	ID                int64           `json:"id"`
	SKU               string          `json:"sku"`
	QuantityReceived  decimal.Decimal `json:"quantity_received"`
	QuantityRemaining decimal.Decimal `json:"quantity_remaining"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	ReceivedAt        time.Time       `json:"received_at"`
	SourceType        LayerSource     `json:"source_type"`
	SourceRef         string          `json:"source_ref,omitempty"`
	Voided            bool            `json:"voided"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Consumable reports whether FIFO selection may draw from the layer.
func (l ReceiptLayer) Consumable() bool {
	return !l.Voided && l.QuantityRemaining.IsPositive()
}

type LayerReceiveRequest struct {
	SKU        string `json:"sku" validate:"required"`
	Quantity   string `json:"quantity" validate:"required"`
	UnitCost   string `json:"unit_cost" validate:"required"`
	ReceivedAt string `json:"received_at" validate:"omitempty,datetime=2006-01-02"`
	SourceType string `json:"source_type" validate:"omitempty,oneof=opening_balance stock_in"`
	SourceRef  string `json:"source_ref"`
}

type LayerListResponse struct {
	Layers []ReceiptLayer `json:"layers"`
}

const CostingMethodFIFO = "FIFO"

type CogsAllocation struct {
	ID                string          `json:"id"`
	OrderID           string          `json:"order_id"`
	SKU               string          `json:"sku"`
	LineSKU           string          `json:"line_sku"`
	ShippedAt         time.Time       `json:"shipped_at"`
	QuantityAllocated decimal.Decimal `json:"quantity_allocated"`
	UnitCostUsed      decimal.Decimal `json:"unit_cost_used"`
	CostAllocated     decimal.Decimal `json:"cost_allocated"`
	LayerID           int64           `json:"layer_id"`
	IsReversal        bool            `json:"is_reversal"`
	ReversesID        string          `json:"reverses_id,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	Method            string          `json:"method"`
	CreatedAt         time.Time       `json:"created_at"`
}

type AllocationFilter struct {
	OrderID string
	SKU     string
	Limit   int
}

type AllocationListResponse struct {
	Allocations []CogsAllocation `json:"allocations"`
}

const StatusGroupCancelled = "Cancelled"

type ShippedOrderLine struct {
	LineID      int64            `json:"line_id"`
	OrderID     string           `json:"order_id"`
	SKU         string           `json:"sku"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	ShippedAt   *time.Time       `json:"shipped_at,omitempty"`
	StatusGroup string           `json:"status_group"`
}

// OrderLineCursor is the keyset position after the last line of a page.
type OrderLineCursor struct {
	ShippedAt time.Time
	OrderID   string
	LineID    int64
}

type OrderLineQuery struct {
	From  time.Time
	To    time.Time
	After *OrderLineCursor
	Limit int
}

type OrderCogs struct {
	OrderID  string          `json:"order_id"`
	SKU      string          `json:"sku"`
	Quantity decimal.Decimal `json:"quantity"`
	Cost     decimal.Decimal `json:"cost"`
}

type CogsReport struct {
	From   string      `json:"from"`
	To     string      `json:"to"`
	Orders []OrderCogs `json:"orders"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type UserSummary struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
