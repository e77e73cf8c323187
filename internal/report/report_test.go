package report

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/xuri/excelize/v2"

	"opsdash/backend/internal/domain"
)

func sampleSummary() domain.BatchSummary {
	return domain.BatchSummary{
		RunID:           "run-1",
		Method:          domain.CostingMethodFIFO,
		StartDate:       "2024-06-01",
		EndDate:         "2024-06-30",
		Total:           3,
		Eligible:        2,
		Successful:      1,
		Skipped:         1,
		Failed:          1,
		SkippedByReason: map[string]int{domain.ReasonMissingSKU: 1},
		FailedByReason:  map[string]int{domain.ReasonInsufficientStock: 1},
		Errors: []domain.BatchIssue{
			{OrderID: "ORD-1", ReasonCode: domain.ReasonMissingSKU},
			{OrderID: "ORD-2", SKU: "SKU-A", ReasonCode: domain.ReasonInsufficientStock, Detail: "needed 8, available 5"},
		},
	}
}

func TestSummaryCSVQuotesDetails(t *testing.T) {
	data, err := SummaryCSV(sampleSummary())
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("csv output not parseable: %v", err)
	}
	last := records[len(records)-1]
	if last[0] != "issue" || last[3] != "needed 8, available 5" {
		t.Fatalf("unexpected last record: %v", last)
	}
}

func TestSummaryXLSXRoundTrip(t *testing.T) {
	summary := sampleSummary()
	data, err := SummaryXLSX(summary)
	if err != nil {
		t.Fatalf("xlsx: %v", err)
	}

	issues, err := ReadIssues(data)
	if err != nil {
		t.Fatalf("read issues: %v", err)
	}
	if len(issues) != len(summary.Errors) {
		t.Fatalf("expected %d issues, got %d", len(summary.Errors), len(issues))
	}
	for i := range issues {
		if issues[i] != summary.Errors[i] {
			t.Fatalf("issue %d mismatch: %+v vs %+v", i, issues[i], summary.Errors[i])
		}
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	value, err := f.GetCellValue(summarySheet, "B2")
	if err != nil || value != "run-1" {
		t.Fatalf("expected run id in B2, got %q %v", value, err)
	}
}
