package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/store"
	"opsdash/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

// dbtx is implemented by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, sku string) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, is_bundle, base_cost_per_unit
		FROM inventory_items
		WHERE sku = $1
	`, sku).Scan(&item.SKU, &item.Name, &item.IsBundle, &item.BaseCostPerUnit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListBundleComponents(ctx context.Context, bundleSKU string) ([]domain.BundleComponent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bundle_sku, component_sku, quantity_per_unit
		FROM bundle_components
		WHERE bundle_sku = $1
		ORDER BY component_sku
	`, bundleSKU)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	components := make([]domain.BundleComponent, 0, 8)
	for rows.Next() {
		var c domain.BundleComponent
		if err := rows.Scan(&c.BundleSKU, &c.ComponentSKU, &c.QuantityPerUnit); err != nil {
			return nil, err
		}
		components = append(components, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return components, nil
}

func (s *Store) UpsertItem(ctx context.Context, item domain.InventoryItem) error {
	item.SKU = strings.TrimSpace(item.SKU)
	if item.SKU == "" || item.BaseCostPerUnit.IsNegative() {
		return store.ErrInvalidInput
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_items (sku, name, is_bundle, base_cost_per_unit, created_at, updated_at)
		VALUES ($1,$2,$3,$4,now(),now())
		ON CONFLICT (sku)
		DO UPDATE SET name = EXCLUDED.name, is_bundle = EXCLUDED.is_bundle,
			base_cost_per_unit = EXCLUDED.base_cost_per_unit, updated_at = now()
	`, item.SKU, item.Name, item.IsBundle, item.BaseCostPerUnit)
	return err
}

func (s *Store) ReplaceBundleComponents(ctx context.Context, bundleSKU string, components []domain.BundleComponent) error {
	bundleSKU = strings.TrimSpace(bundleSKU)
	if bundleSKU == "" {
		return store.ErrInvalidInput
	}
	for _, c := range components {
		sku := strings.TrimSpace(c.ComponentSKU)
		if sku == "" || sku == bundleSKU {
			return store.ErrInvalidInput
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bundle_components WHERE bundle_sku = $1`, bundleSKU); err != nil {
		return err
	}
	for _, c := range components {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bundle_components (bundle_sku, component_sku, quantity_per_unit)
			VALUES ($1,$2,$3)
			ON CONFLICT (bundle_sku, component_sku)
			DO UPDATE SET quantity_per_unit = bundle_components.quantity_per_unit + EXCLUDED.quantity_per_unit
		`, bundleSKU, strings.TrimSpace(c.ComponentSKU), c.QuantityPerUnit); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const layerColumns = `id, sku, quantity_received, quantity_remaining, unit_cost, received_at, source_type, source_ref, voided, created_at`

func scanLayer(scanner interface{ Scan(dest ...any) error }) (domain.ReceiptLayer, error) {
	var (
		layer      domain.ReceiptLayer
		sourceType string
		sourceRef  sql.NullString
	)
	err := scanner.Scan(
		&layer.ID, &layer.SKU, &layer.QuantityReceived, &layer.QuantityRemaining, &layer.UnitCost,
		&layer.ReceivedAt, &sourceType, &sourceRef, &layer.Voided, &layer.CreatedAt,
	)
	if err != nil {
		return domain.ReceiptLayer{}, err
	}
	layer.SourceType = domain.LayerSource(sourceType)
	layer.SourceRef = sourceRef.String
	layer.ReceivedAt = layer.ReceivedAt.UTC()
	layer.CreatedAt = layer.CreatedAt.UTC()
	return layer, nil
}

func (s *Store) CreateLayer(ctx context.Context, layer domain.ReceiptLayer) (*domain.ReceiptLayer, error) {
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

	created, err := scanLayer(s.db.QueryRowContext(ctx, `
		INSERT INTO receipt_layers (sku, quantity_received, quantity_remaining, unit_cost, received_at, source_type, source_ref, voided, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,false,now())
		RETURNING `+layerColumns,
		layer.SKU, layer.QuantityReceived, layer.QuantityRemaining, layer.UnitCost,
		layer.ReceivedAt, string(layer.SourceType), nullIfEmpty(layer.SourceRef),
	))
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) VoidLayer(ctx context.Context, layerID int64) (*domain.ReceiptLayer, error) {
	layer, err := scanLayer(s.db.QueryRowContext(ctx, `
		UPDATE receipt_layers
		SET voided = true
		WHERE id = $1
		RETURNING `+layerColumns, layerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &layer, nil
}

func (s *Store) ListLayers(ctx context.Context, sku string, includeVoided bool) ([]domain.ReceiptLayer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+layerColumns+`
		FROM receipt_layers
		WHERE ($1 = '' OR sku = $1)
			AND ($2 OR voided = false)
		ORDER BY received_at ASC, id ASC
	`, sku, includeVoided)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	layers := make([]domain.ReceiptLayer, 0, 32)
	for rows.Next() {
		layer, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return layers, nil
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueSKUs(skus []string) []string {
	out := make([]string, 0, len(skus))
	for _, sku := range skus {
		if sku = strings.TrimSpace(sku); sku != "" {
			out = append(out, sku)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
