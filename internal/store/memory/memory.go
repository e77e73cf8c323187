package memory

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/store"
	"opsdash/backend/internal/xid"
)

// Store keeps every table in process memory. A single RWMutex guards all of
// it; RunInTx holds the write lock for the whole unit of work, which gives
// the same per-SKU exclusivity the postgres store gets from row locks.
type Store struct {
	mu              sync.RWMutex
	items           map[string]domain.InventoryItem
	components      map[string][]domain.BundleComponent
	layers          map[int64]*domain.ReceiptLayer
	layersBySKU     map[string][]int64
	nextLayerID     int64
	allocations     []domain.CogsAllocation
	allocationsBy   map[domain.AllocationKey][]int
	orderLines      []domain.ShippedOrderLine
	nextLineID      int64
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		items:           make(map[string]domain.InventoryItem),
		components:      make(map[string][]domain.BundleComponent),
		layers:          make(map[int64]*domain.ReceiptLayer),
		layersBySKU:     make(map[string][]int64),
		allocations:     make([]domain.CogsAllocation, 0, 256),
		allocationsBy:   make(map[domain.AllocationKey][]int),
		orderLines:      make([]domain.ShippedOrderLine, 0, 256),
		auditLogs:       make([]domain.AuditLog, 0, 64),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with dev credentials and a small demo catalog.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_VIEWER_PASSWORD; the
// hardcoded fallbacks are for local use only.
func NewSeeded(logger *logrus.Logger) *Store {
	s := New()
	s.usersByUsername = seedUsers(logger)

	opening := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []domain.InventoryItem{
		{SKU: "SKU-MUG-01", Name: "Ceramic Mug", BaseCostPerUnit: decimal.RequireFromString("3.20")},
		{SKU: "SKU-TEA-01", Name: "Loose Leaf Tea 100g", BaseCostPerUnit: decimal.RequireFromString("4.75")},
		{SKU: "SKU-SPOON-01", Name: "Tea Spoon", BaseCostPerUnit: decimal.RequireFromString("0.80")},
		{SKU: "SKU-GIFT-01", Name: "Tea Gift Set", IsBundle: true},
	}
	for _, item := range items {
		s.items[item.SKU] = item
	}
	s.components["SKU-GIFT-01"] = []domain.BundleComponent{
		{BundleSKU: "SKU-GIFT-01", ComponentSKU: "SKU-MUG-01", QuantityPerUnit: decimal.NewFromInt(2)},
		{BundleSKU: "SKU-GIFT-01", ComponentSKU: "SKU-TEA-01", QuantityPerUnit: decimal.NewFromInt(1)},
		{BundleSKU: "SKU-GIFT-01", ComponentSKU: "SKU-SPOON-01", QuantityPerUnit: decimal.NewFromInt(2)},
	}
	for _, item := range items {
		if item.IsBundle {
			continue
		}
		s.insertLayer(domain.ReceiptLayer{
			SKU:               item.SKU,
			QuantityReceived:  decimal.NewFromInt(200),
			QuantityRemaining: decimal.NewFromInt(200),
			UnitCost:          item.BaseCostPerUnit,
			ReceivedAt:        opening,
			SourceType:        domain.LayerSourceOpeningBalance,
			SourceRef:         "opening-2024",
		})
	}
	return s
}

func seedUsers(logger *logrus.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	viewerPwd := envOr("SEED_VIEWER_PASSWORD", "viewer123")
	if logger != nil && (os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_VIEWER_PASSWORD") == "") {
		logger.Warn("memory store: using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_VIEWER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"viewer", viewerPwd, domain.RoleViewer},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.username, err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) GetItem(_ context.Context, sku string) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) ListBundleComponents(_ context.Context, bundleSKU string) ([]domain.BundleComponent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.components[bundleSKU]), nil
}

func (s *Store) UpsertItem(_ context.Context, item domain.InventoryItem) error {
	item.SKU = strings.TrimSpace(item.SKU)
	if item.SKU == "" || item.BaseCostPerUnit.IsNegative() {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.SKU] = item
	return nil
}

func (s *Store) ReplaceBundleComponents(_ context.Context, bundleSKU string, components []domain.BundleComponent) error {
	bundleSKU = strings.TrimSpace(bundleSKU)
	if bundleSKU == "" {
		return store.ErrInvalidInput
	}
	rows := make([]domain.BundleComponent, 0, len(components))
	for _, c := range components {
		c.BundleSKU = bundleSKU
		c.ComponentSKU = strings.TrimSpace(c.ComponentSKU)
		if c.ComponentSKU == "" || c.ComponentSKU == bundleSKU {
			return store.ErrInvalidInput
		}
		rows = append(rows, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(rows) == 0 {
		delete(s.components, bundleSKU)
		return nil
	}
	s.components[bundleSKU] = rows
	return nil
}

func (s *Store) CreateLayer(_ context.Context, layer domain.ReceiptLayer) (*domain.ReceiptLayer, error) {
	layer.SKU = strings.TrimSpace(layer.SKU)
	if layer.SKU == "" || !layer.QuantityReceived.IsPositive() || layer.UnitCost.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if layer.QuantityRemaining.IsNegative() || layer.QuantityRemaining.GreaterThan(layer.QuantityReceived) {
		return nil, store.ErrInvalidInput
	}
	if layer.SourceType == "" {
		layer.SourceType = domain.LayerSourceStockIn
	}
	if layer.ReceivedAt.IsZero() {
		layer.ReceivedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.insertLayer(layer)
	return &created, nil
}

// insertLayer assigns the next id. Caller holds the write lock.
func (s *Store) insertLayer(layer domain.ReceiptLayer) domain.ReceiptLayer {
	s.nextLayerID++
	layer.ID = s.nextLayerID
	layer.Voided = false
	if layer.CreatedAt.IsZero() {
		layer.CreatedAt = time.Now().UTC()
	}
	stored := layer
	s.layers[layer.ID] = &stored
	s.layersBySKU[layer.SKU] = append(s.layersBySKU[layer.SKU], layer.ID)
	return layer
}

func (s *Store) VoidLayer(_ context.Context, layerID int64) (*domain.ReceiptLayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	layer, ok := s.layers[layerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	layer.Voided = true
	voided := *layer
	return &voided, nil
}

func (s *Store) ListLayers(_ context.Context, sku string, includeVoided bool) ([]domain.ReceiptLayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ReceiptLayer, 0, 32)
	for _, layer := range s.layers {
		if sku != "" && layer.SKU != sku {
			continue
		}
		if layer.Voided && !includeVoided {
			continue
		}
		result = append(result, *layer)
	}
	slices.SortFunc(result, compareLayerFIFO)
	return result, nil
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, staged: make(map[int64]domain.ReceiptLayer)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) HasActiveAllocation(_ context.Context, orderID string, sku string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.activeFor(orderID, sku, nil)) > 0, nil
}

// activeFor folds committed rows plus pending for one key. Caller holds a lock.
func (s *Store) activeFor(orderID string, sku string, pending []domain.CogsAllocation) []domain.CogsAllocation {
	key := domain.AllocationKey{OrderID: orderID, SKU: sku}
	idx := s.allocationsBy[key]
	rows := make([]domain.CogsAllocation, 0, len(idx)+len(pending))
	for _, i := range idx {
		rows = append(rows, s.allocations[i])
	}
	for _, row := range pending {
		if row.OrderID == orderID && row.SKU == sku {
			rows = append(rows, row)
		}
	}
	return domain.ActiveAllocations(rows, orderID, sku)
}

func (s *Store) ListAllocations(_ context.Context, filter domain.AllocationFilter) ([]domain.CogsAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 500
	}
	result := make([]domain.CogsAllocation, 0, 32)
	for _, row := range s.allocations {
		if filter.OrderID != "" && row.OrderID != filter.OrderID {
			continue
		}
		if filter.SKU != "" && row.SKU != filter.SKU {
			continue
		}
		result = append(result, row)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) SummarizeCogs(_ context.Context, from time.Time, to time.Time) ([]domain.OrderCogs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.CogsAllocation, 0, len(s.allocations))
	for _, row := range s.allocations {
		if row.ShippedAt.Before(from) || !row.ShippedAt.Before(to) {
			continue
		}
		rows = append(rows, row)
	}
	return domain.SummarizeCogs(rows), nil
}

func (s *Store) InsertOrderLines(_ context.Context, lines []domain.ShippedOrderLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range lines {
		if line.LineID == 0 {
			s.nextLineID++
			line.LineID = s.nextLineID
		} else if line.LineID > s.nextLineID {
			s.nextLineID = line.LineID
		}
		if line.ShippedAt != nil {
			shipped := line.ShippedAt.UTC()
			line.ShippedAt = &shipped
		}
		s.orderLines = append(s.orderLines, line)
	}
	return nil
}

func (s *Store) ListShippedOrderLines(_ context.Context, query domain.OrderLineQuery) ([]domain.ShippedOrderLine, error) {
	if query.Limit < 1 {
		return nil, store.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.ShippedOrderLine, 0, query.Limit)
	for _, line := range s.orderLines {
		if line.ShippedAt == nil || line.StatusGroup == domain.StatusGroupCancelled {
			continue
		}
		if line.ShippedAt.Before(query.From) || !line.ShippedAt.Before(query.To) {
			continue
		}
		if query.After != nil && compareLineToCursor(line, *query.After) <= 0 {
			continue
		}
		matched = append(matched, line)
	}
	slices.SortFunc(matched, compareOrderLine)
	if len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}
	return matched, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleViewer
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func compareLayerFIFO(a domain.ReceiptLayer, b domain.ReceiptLayer) int {
	if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func compareOrderLine(a domain.ShippedOrderLine, b domain.ShippedOrderLine) int {
	if c := a.ShippedAt.Compare(*b.ShippedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.OrderID, b.OrderID); c != 0 {
		return c
	}
	return cmp.Compare(a.LineID, b.LineID)
}

func compareLineToCursor(line domain.ShippedOrderLine, cursor domain.OrderLineCursor) int {
	return compareOrderLine(line, domain.ShippedOrderLine{
		LineID:    cursor.LineID,
		OrderID:   cursor.OrderID,
		ShippedAt: &cursor.ShippedAt,
	})
}
