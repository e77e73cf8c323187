package app

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"opsdash/backend/internal/config"
	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/service"
	"opsdash/backend/internal/store/memory"
)

func TestBuildFallsBackToInProcessBackends(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctx := context.Background()

	a, err := Build(ctx, config.Config{BatchPageSize: 10, BatchMaxPages: 2, BatchMaxIssues: 5, SummaryCacheTTLMinutes: 5}, logger)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer func() { _ = a.Close() }()

	if _, ok := a.Repo.(*memory.Store); !ok {
		t.Fatalf("expected memory repository, got %T", a.Repo)
	}

	admin := service.WithActor(ctx, domain.Actor{Username: "admin", Role: domain.RoleAdmin})
	summary, err := a.Service.RunCostingBatch(admin, domain.CostingRunRequest{StartDate: "2024-01-01", EndDate: "2024-01-31"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := a.Service.GetRun(ctx, summary.RunID); err != nil {
		t.Fatalf("expected run summary in the in-process cache: %v", err)
	}
}

func TestSeedAdminSkipsPopulatedUserTable(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctx := context.Background()

	repo := memory.New()
	a := &App{Repo: repo, logger: logger}
	if err := a.SeedAdmin(ctx, "first-password"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	users, err := repo.ListUsers(ctx)
	if err != nil || len(users) != 1 || users[0].Role != domain.RoleAdmin {
		t.Fatalf("expected one seeded admin, got %+v err %v", users, err)
	}

	if err := a.SeedAdmin(ctx, "second-password"); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	again, _ := repo.ListUsers(ctx)
	if len(again) != 1 || again[0].Password != users[0].Password {
		t.Fatalf("expected existing admin to be left alone")
	}
}
