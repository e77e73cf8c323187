package costing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/xid"
)

const (
	DefaultPageSize  = 1000
	DefaultMaxPages  = 100
	DefaultMaxIssues = 200

	dateLayout = "2006-01-02"
)

// OrderLineSource pages shipped order lines by keyset.
type OrderLineSource interface {
	ListShippedOrderLines(ctx context.Context, query domain.OrderLineQuery) ([]domain.ShippedOrderLine, error)
}

type Allocator interface {
	Allocate(ctx context.Context, req domain.AllocationRequest) (*domain.AllocationResult, error)
}

type RunnerConfig struct {
	PageSize  int
	MaxPages  int
	MaxIssues int
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.PageSize < 1 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxPages < 1 {
		c.MaxPages = DefaultMaxPages
	}
	if c.MaxIssues < 1 {
		c.MaxIssues = DefaultMaxIssues
	}
	return c
}

// Runner allocates every eligible shipped line in a date range. Individual
// line failures are recorded in the summary and never stop the run.
type Runner struct {
	lines     OrderLineSource
	guard     *Guard
	allocator Allocator
	cfg       RunnerConfig
	logger    *logrus.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewRunner(lines OrderLineSource, lookup ActiveLookup, allocator Allocator, cfg RunnerConfig, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		lines:     lines,
		guard:     NewGuard(lookup),
		allocator: allocator,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ParseDateRange parses inclusive YYYY-MM-DD bounds into the half-open UTC
// interval [start 00:00, end+1 00:00).
func ParseDateRange(start string, end string) (time.Time, time.Time, error) {
	from, err := time.Parse(dateLayout, strings.TrimSpace(start))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %q", ErrInvalidDate, start)
	}
	last, err := time.Parse(dateLayout, strings.TrimSpace(end))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end %q", ErrInvalidDate, end)
	}
	if from.After(last) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s is after %s", ErrInvalidDateRange, start, end)
	}
	return from, last.AddDate(0, 0, 1), nil
}

type lineClass struct {
	line   domain.ShippedOrderLine
	reason string
	detail string
}

// Run validates the request, then pages through the range. Validation errors
// return before any work. A cancelled context stops between lines and
// returns the partial summary together with the context error.
func (r *Runner) Run(ctx context.Context, req domain.CostingRunRequest) (*domain.BatchSummary, error) {
	method, err := ValidateMethod(req.Method)
	if err != nil {
		return nil, err
	}
	from, to, err := ParseDateRange(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	summary := &domain.BatchSummary{
		RunID:           xid.New("run"),
		Method:          method,
		StartDate:       strings.TrimSpace(req.StartDate),
		EndDate:         strings.TrimSpace(req.EndDate),
		SkippedByReason: map[string]int{},
		FailedByReason:  map[string]int{},
		Errors:          []domain.BatchIssue{},
		StartedAt:       r.now(),
	}

	ctx, span := r.tracer.Start(ctx, "costing.Run", trace.WithAttributes(
		attribute.String("run_id", summary.RunID),
		attribute.String("start_date", summary.StartDate),
		attribute.String("end_date", summary.EndDate),
	))
	defer span.End()

	log := r.logger.WithField("run_id", summary.RunID)
	log.WithFields(logrus.Fields{"from": summary.StartDate, "to": summary.EndDate}).Info("costing run started")

	err = r.run(ctx, log, summary, domain.OrderLineQuery{From: from, To: to, Limit: r.cfg.PageSize})
	summary.FinishedAt = r.now()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "costing run interrupted")
		log.WithError(err).Warn("costing run interrupted")
		return summary, err
	}

	span.SetAttributes(
		attribute.Int("total", summary.Total),
		attribute.Int("successful", summary.Successful),
		attribute.Int("failed", summary.Failed),
	)
	log.WithFields(logrus.Fields{
		"total":      summary.Total,
		"eligible":   summary.Eligible,
		"successful": summary.Successful,
		"skipped":    summary.Skipped,
		"failed":     summary.Failed,
		"pages":      summary.PagesFetched,
	}).Info("costing run finished")
	return summary, nil
}

func (r *Runner) run(ctx context.Context, log *logrus.Entry, summary *domain.BatchSummary, query domain.OrderLineQuery) error {
	for {
		if summary.PagesFetched >= r.cfg.MaxPages {
			summary.Truncated = true
			log.WithField("max_pages", r.cfg.MaxPages).Warn("costing run hit page ceiling; remaining lines not processed")
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		log.WithField("page", summary.PagesFetched+1).Debug("costing phase: fetching")
		page, err := r.lines.ListShippedOrderLines(ctx, query)
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", summary.PagesFetched+1, err)
		}
		summary.PagesFetched++
		summary.Total += len(page)

		log.WithField("lines", len(page)).Debug("costing phase: classifying")
		classified, err := r.classify(ctx, page)
		if err != nil {
			return err
		}

		log.Debug("costing phase: allocating")
		for _, c := range classified {
			if c.reason == domain.ReasonError {
				summary.Failed++
				summary.FailedByReason[c.reason]++
				r.addIssue(summary, c.line, c.reason, c.detail)
				continue
			}
			if c.reason != "" {
				r.skip(summary, c.line, c.reason, "")
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			summary.Eligible++
			if err := r.allocateLine(ctx, log, summary, c.line); err != nil {
				return err
			}
		}

		if len(page) < query.Limit {
			break
		}
		last := page[len(page)-1]
		query.After = &domain.OrderLineCursor{ShippedAt: *last.ShippedAt, OrderID: last.OrderID, LineID: last.LineID}
	}
	return nil
}

// classify tags each line with a skip reason, or none when it is eligible.
// Order of checks: already allocated, missing sku, invalid quantity.
func (r *Runner) classify(ctx context.Context, page []domain.ShippedOrderLine) ([]lineClass, error) {
	out := make([]lineClass, 0, len(page))
	for _, line := range page {
		allocated, err := r.guard.IsAllocated(ctx, line.OrderID, line.SKU)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out = append(out, lineClass{line: line, reason: domain.ReasonError, detail: err.Error()})
			continue
		}
		switch {
		case allocated:
			out = append(out, lineClass{line: line, reason: domain.ReasonAlreadyAllocated})
		case strings.TrimSpace(line.SKU) == "":
			out = append(out, lineClass{line: line, reason: domain.ReasonMissingSKU})
		case line.Quantity == nil || !line.Quantity.IsPositive():
			out = append(out, lineClass{line: line, reason: domain.ReasonInvalidQuantity})
		default:
			out = append(out, lineClass{line: line})
		}
	}
	return out, nil
}

// allocateLine only returns an error when the run itself must stop.
func (r *Runner) allocateLine(ctx context.Context, log *logrus.Entry, summary *domain.BatchSummary, line domain.ShippedOrderLine) error {
	result, err := r.allocator.Allocate(ctx, domain.AllocationRequest{
		OrderID:   line.OrderID,
		SKU:       line.SKU,
		Quantity:  *line.Quantity,
		ShippedAt: *line.ShippedAt,
	})
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return ctx.Err()
		}
		reason := ReasonFor(err)
		summary.Failed++
		summary.FailedByReason[reason]++
		r.addIssue(summary, line, reason, err.Error())
		log.WithFields(logrus.Fields{"order_id": line.OrderID, "sku": line.SKU, "reason": reason}).WithError(err).Warn("costing line failed")
		return nil
	}
	if result.AllSkipped() {
		r.skip(summary, line, domain.ReasonAlreadyAllocated, "")
		return nil
	}
	summary.Successful++
	return nil
}

func (r *Runner) skip(summary *domain.BatchSummary, line domain.ShippedOrderLine, reason string, detail string) {
	summary.Skipped++
	summary.SkippedByReason[reason]++
	r.addIssue(summary, line, reason, detail)
}

func (r *Runner) addIssue(summary *domain.BatchSummary, line domain.ShippedOrderLine, reason string, detail string) {
	if len(summary.Errors) >= r.cfg.MaxIssues {
		summary.ErrorsDropped++
		return
	}
	summary.Errors = append(summary.Errors, domain.BatchIssue{
		OrderID:    line.OrderID,
		SKU:        line.SKU,
		ReasonCode: reason,
		Detail:     detail,
	})
}

func uniqueSorted(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}
