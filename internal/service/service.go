package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"opsdash/backend/internal/archive"
	"opsdash/backend/internal/cache"
	"opsdash/backend/internal/config"
	"opsdash/backend/internal/costing"
	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/notify"
	"opsdash/backend/internal/report"
	"opsdash/backend/internal/store"
	"opsdash/backend/internal/xid"
)

const (
	moduleName = "service"
	dateLayout = "2006-01-02"

	ExportCSV  = "csv"
	ExportXLSX = "xlsx"
)

var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Options carries the optional collaborators of a Service. Nil fields fall
// back to in-process or no-op implementations.
type Options struct {
	Cache     cache.SummaryCache
	CacheTTL  time.Duration
	Archive   archive.Sink
	Publisher notify.Publisher
	Logger    *logrus.Logger
}

type Service struct {
	repo      store.Repository
	engine    *costing.Engine
	runner    *costing.Runner
	cache     cache.SummaryCache
	cacheTTL  time.Duration
	archive   archive.Sink
	publisher notify.Publisher
	logger    *logrus.Logger
	validate  *validator.Validate
}

func New(repo store.Repository, engine *costing.Engine, runner *costing.Runner, opts Options) *Service {
	if opts.Cache == nil {
		opts.Cache = cache.NewMemorySummaryCache()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.Archive == nil {
		opts.Archive = archive.NoopSink{}
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.NoopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Service{
		repo:      repo,
		engine:    engine,
		runner:    runner,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		archive:   opts.Archive,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		validate:  validator.New(),
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func (s *Service) validateRequest(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	return nil
}

// RunCostingBatch allocates every eligible shipped line in the date range.
// The summary is cached, archived as a workbook and announced on the event
// topic; archive and publish failures are logged and do not fail the run.
func (s *Service) RunCostingBatch(ctx context.Context, req domain.CostingRunRequest) (domain.BatchSummary, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.BatchSummary{}, err
	}
	req.StartDate = strings.TrimSpace(req.StartDate)
	req.EndDate = strings.TrimSpace(req.EndDate)
	method, err := costing.ValidateMethod(req.Method)
	if err != nil {
		return domain.BatchSummary{}, err
	}
	req.Method = method
	if err := s.validateRequest(req); err != nil {
		return domain.BatchSummary{}, err
	}

	summary, err := s.runner.Run(ctx, req)
	if summary == nil {
		return domain.BatchSummary{}, err
	}
	// Partial summaries are kept too so an interrupted run stays inspectable.
	s.finishRun(ctx, summary)
	if err != nil {
		return *summary, err
	}
	return *summary, nil
}

func (s *Service) finishRun(ctx context.Context, summary *domain.BatchSummary) {
	// Side effects must outlive a cancelled request.
	ctx = context.WithoutCancel(ctx)

	if err := s.cache.Set(ctx, summary, s.cacheTTL); err != nil {
		config.LogError(s.logger, moduleName, "finishRun", "cache summary", summary.RunID, err)
	}

	var archiveURI string
	workbook, err := report.SummaryXLSX(*summary)
	if err != nil {
		config.LogError(s.logger, moduleName, "finishRun", "render summary workbook", summary.RunID, err)
	} else {
		archiveURI, err = s.archive.Put(ctx, ArchiveObjectName(summary.RunID), report.ContentTypeXLSX, workbook)
		if err != nil {
			config.LogError(s.logger, moduleName, "finishRun", "archive summary", summary.RunID, err)
		}
	}

	if err := s.publisher.PublishRunCompleted(ctx, notify.RunCompletedEvent{
		Event:      notify.EventRunCompleted,
		RunID:      summary.RunID,
		ArchiveURI: archiveURI,
		Summary:    *summary,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		config.LogError(s.logger, moduleName, "finishRun", "publish run completed", summary.RunID, err)
	}

	s.logAudit(ctx, "costing_run", "costing_run", summary.RunID, fmt.Sprintf(
		"from=%s,to=%s,total=%d,successful=%d,skipped=%d,failed=%d,truncated=%t",
		summary.StartDate, summary.EndDate, summary.Total, summary.Successful, summary.Skipped, summary.Failed, summary.Truncated,
	))
}

func ArchiveObjectName(runID string) string {
	return "costing-runs/" + runID + ".xlsx"
}

func (s *Service) GetRun(ctx context.Context, runID string) (domain.BatchSummary, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.BatchSummary{}, store.ErrInvalidInput
	}
	summary, ok, err := s.cache.Get(ctx, runID)
	if err != nil {
		return domain.BatchSummary{}, err
	}
	if !ok {
		return domain.BatchSummary{}, store.ErrNotFound
	}
	return *summary, nil
}

type Export struct {
	FileName    string
	ContentType string
	Data        []byte
}

func (s *Service) ExportRun(ctx context.Context, runID string, format string) (Export, error) {
	summary, err := s.GetRun(ctx, runID)
	if err != nil {
		return Export{}, err
	}

	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportCSV
	}
	var (
		data        []byte
		contentType string
	)
	switch format {
	case ExportCSV:
		data, err = report.SummaryCSV(summary)
		contentType = report.ContentTypeCSV
	case ExportXLSX:
		data, err = report.SummaryXLSX(summary)
		contentType = report.ContentTypeXLSX
	default:
		return Export{}, store.ErrInvalidInput
	}
	if err != nil {
		return Export{}, err
	}
	return Export{FileName: report.FileName(summary.RunID, format), ContentType: contentType, Data: data}, nil
}

func (s *Service) AllocateLine(ctx context.Context, req domain.AllocateLineRequest) (domain.AllocationResult, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.AllocationResult{}, err
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.SKU = strings.TrimSpace(req.SKU)
	if err := s.validateRequest(req); err != nil {
		return domain.AllocationResult{}, err
	}

	qty, err := decimal.NewFromString(strings.TrimSpace(req.Quantity))
	if err != nil || !qty.IsPositive() {
		return domain.AllocationResult{}, store.ErrInvalidInput
	}
	shippedAt, err := parseTimestamp(req.ShippedAt)
	if err != nil {
		return domain.AllocationResult{}, err
	}

	result, err := s.engine.Allocate(ctx, domain.AllocationRequest{
		OrderID:   req.OrderID,
		SKU:       req.SKU,
		Quantity:  qty,
		ShippedAt: shippedAt,
	})
	if err != nil {
		return domain.AllocationResult{}, err
	}
	if len(result.Allocations) > 0 {
		s.logAudit(ctx, "cogs_allocate", "order_line", req.OrderID+"/"+req.SKU, fmt.Sprintf("qty=%s,rows=%d", qty, len(result.Allocations)))
	}
	return *result, nil
}

func (s *Service) Reverse(ctx context.Context, req domain.ReversalRequest) (domain.ReversalResult, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.ReversalResult{}, err
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.SKU = strings.TrimSpace(req.SKU)
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validateRequest(req); err != nil {
		return domain.ReversalResult{}, err
	}

	result, err := s.engine.Reverse(ctx, req)
	if err != nil {
		return domain.ReversalResult{}, err
	}
	if len(result.Reversals) > 0 {
		s.logAudit(ctx, "cogs_reverse", "order_line", req.OrderID+"/"+req.SKU, fmt.Sprintf("rows=%d,reason=%s", len(result.Reversals), req.Reason))
	}
	return *result, nil
}

func (s *Service) ListAllocations(ctx context.Context, orderID string, sku string, limit int) (domain.AllocationListResponse, error) {
	rows, err := s.repo.ListAllocations(ctx, domain.AllocationFilter{
		OrderID: strings.TrimSpace(orderID),
		SKU:     strings.TrimSpace(sku),
		Limit:   limit,
	})
	if err != nil {
		return domain.AllocationListResponse{}, err
	}
	return domain.AllocationListResponse{Allocations: rows}, nil
}

func (s *Service) ExportAllocations(ctx context.Context, orderID string, sku string) (Export, error) {
	list, err := s.ListAllocations(ctx, orderID, sku, 0)
	if err != nil {
		return Export{}, err
	}
	data, err := report.AllocationsXLSX(list.Allocations)
	if err != nil {
		return Export{}, err
	}
	return Export{FileName: "cogs-allocations.xlsx", ContentType: report.ContentTypeXLSX, Data: data}, nil
}

func (s *Service) ReceiveLayer(ctx context.Context, req domain.LayerReceiveRequest) (domain.ReceiptLayer, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.ReceiptLayer{}, err
	}
	req.SKU = strings.TrimSpace(req.SKU)
	req.SourceType = strings.TrimSpace(req.SourceType)
	req.SourceRef = strings.TrimSpace(req.SourceRef)
	if err := s.validateRequest(req); err != nil {
		return domain.ReceiptLayer{}, err
	}

	qty, err := decimal.NewFromString(strings.TrimSpace(req.Quantity))
	if err != nil || !qty.IsPositive() {
		return domain.ReceiptLayer{}, store.ErrInvalidInput
	}
	unitCost, err := decimal.NewFromString(strings.TrimSpace(req.UnitCost))
	if err != nil || unitCost.IsNegative() {
		return domain.ReceiptLayer{}, store.ErrInvalidInput
	}

	receivedAt := time.Now().UTC()
	if strings.TrimSpace(req.ReceivedAt) != "" {
		parsed, err := time.Parse(dateLayout, req.ReceivedAt)
		if err != nil {
			return domain.ReceiptLayer{}, store.ErrInvalidInput
		}
		receivedAt = parsed.UTC()
	}
	source := domain.LayerSourceStockIn
	if req.SourceType != "" {
		source = domain.LayerSource(req.SourceType)
	}

	layer, err := s.repo.CreateLayer(ctx, domain.ReceiptLayer{
		SKU:               req.SKU,
		QuantityReceived:  qty,
		QuantityRemaining: qty,
		UnitCost:          unitCost,
		ReceivedAt:        receivedAt,
		SourceType:        source,
		SourceRef:         req.SourceRef,
	})
	if err != nil {
		return domain.ReceiptLayer{}, err
	}
	s.logAudit(ctx, "layer_receive", "receipt_layer", fmt.Sprint(layer.ID), fmt.Sprintf("sku=%s,qty=%s,unit_cost=%s", layer.SKU, qty, unitCost))
	return *layer, nil
}

func (s *Service) VoidLayer(ctx context.Context, layerID int64) (domain.ReceiptLayer, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.ReceiptLayer{}, err
	}
	if layerID < 1 {
		return domain.ReceiptLayer{}, store.ErrInvalidInput
	}
	layer, err := s.repo.VoidLayer(ctx, layerID)
	if err != nil {
		return domain.ReceiptLayer{}, err
	}
	s.logAudit(ctx, "layer_void", "receipt_layer", fmt.Sprint(layer.ID), fmt.Sprintf("sku=%s,remaining=%s", layer.SKU, layer.QuantityRemaining))
	return *layer, nil
}

func (s *Service) ListLayers(ctx context.Context, sku string, includeVoided bool) (domain.LayerListResponse, error) {
	layers, err := s.repo.ListLayers(ctx, strings.TrimSpace(sku), includeVoided)
	if err != nil {
		return domain.LayerListResponse{}, err
	}
	return domain.LayerListResponse{Layers: layers}, nil
}

// CogsReport returns net quantity and cost per (order, sku) for lines shipped
// in [from, to], reversals included.
func (s *Service) CogsReport(ctx context.Context, from string, to string) (domain.CogsReport, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if to == "" {
		to = from
	}
	start, end, err := costing.ParseDateRange(from, to)
	if err != nil {
		return domain.CogsReport{}, err
	}
	orders, err := s.repo.SummarizeCogs(ctx, start, end)
	if err != nil {
		return domain.CogsReport{}, err
	}
	return domain.CogsReport{From: from, To: to, Orders: orders}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse(dateLayout, date)
		if err != nil {
			return nil, store.ErrInvalidInput
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}

// parseTimestamp accepts RFC 3339 or a bare date taken as UTC midnight.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, costing.ErrInvalidDate
}
