package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"opsdash/backend/internal/app"
	"opsdash/backend/internal/config"
	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/service"
)

type options struct {
	from    string
	to      string
	method  string
	reverse bool
	orderID string
	sku     string
	reason  string
	confirm string
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("cogs-batch", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.from, "from", "", "First shipped date to cost (YYYY-MM-DD)")
	fs.StringVar(&opts.to, "to", "", "Last shipped date to cost, inclusive (YYYY-MM-DD)")
	fs.StringVar(&opts.method, "method", domain.CostingMethodFIFO, "Costing method")
	fs.BoolVar(&opts.reverse, "reverse", false, "Reverse one order line instead of running a batch")
	fs.StringVar(&opts.orderID, "order-id", "", "Order id to reverse (with -reverse)")
	fs.StringVar(&opts.sku, "sku", "", "SKU to reverse (with -reverse)")
	fs.StringVar(&opts.reason, "reason", "manual reversal", "Reversal reason")
	fs.StringVar(&opts.confirm, "confirm", "", "Type REVERSE to proceed with -reverse")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.reverse {
		if strings.TrimSpace(opts.orderID) == "" || strings.TrimSpace(opts.sku) == "" {
			return options{}, errors.New("-order-id and -sku are required with -reverse")
		}
		if strings.TrimSpace(opts.confirm) != "REVERSE" {
			return options{}, errors.New("set -confirm=REVERSE to proceed")
		}
		return opts, nil
	}
	if strings.TrimSpace(opts.from) == "" {
		return options{}, errors.New("-from is required")
	}
	if strings.TrimSpace(opts.to) == "" {
		opts.to = opts.from
	}
	return opts, nil
}

// execute runs as the system admin and prints the result as JSON.
func execute(ctx context.Context, svc *service.Service, opts options, out io.Writer) error {
	ctx = service.WithActor(ctx, domain.Actor{Username: "cogs-batch", Role: domain.RoleAdmin})
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if opts.reverse {
		result, err := svc.Reverse(ctx, domain.ReversalRequest{OrderID: opts.orderID, SKU: opts.sku, Reason: opts.reason})
		if err != nil {
			return err
		}
		return enc.Encode(result)
	}

	summary, err := svc.RunCostingBatch(ctx, domain.CostingRunRequest{StartDate: opts.from, EndDate: opts.to, Method: opts.method})
	if summary.RunID != "" {
		if encErr := enc.Encode(summary); encErr != nil && err == nil {
			err = encErr
		}
	}
	return err
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}()

	if err := execute(ctx, stack.Service, opts, os.Stdout); err != nil {
		config.LogError(logger, "cogs-batch", "main", "execute", opts.orderID, err)
		_ = stack.Close()
		os.Exit(1)
	}
}
