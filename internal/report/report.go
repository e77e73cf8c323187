package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"opsdash/backend/internal/domain"
)

const (
	ContentTypeCSV  = "text/csv; charset=utf-8"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	summarySheet     = "Summary"
	issuesSheet      = "Issues"
	allocationsSheet = "Allocations"
)

// SummaryCSV renders a run as section,key,value rows followed by one row per
// recorded issue.
func SummaryCSV(summary domain.BatchSummary) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{{"section", "key", "value", "detail"}}
	for _, kv := range summaryPairs(summary) {
		rows = append(rows, []string{"summary", kv[0], kv[1], ""})
	}
	for _, reason := range sortedKeys(summary.SkippedByReason) {
		rows = append(rows, []string{"skipped", reason, strconv.Itoa(summary.SkippedByReason[reason]), ""})
	}
	for _, reason := range sortedKeys(summary.FailedByReason) {
		rows = append(rows, []string{"failed", reason, strconv.Itoa(summary.FailedByReason[reason]), ""})
	}
	for _, issue := range summary.Errors {
		rows = append(rows, []string{"issue", issue.OrderID + "/" + issue.SKU, issue.ReasonCode, issue.Detail})
	}

	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SummaryXLSX renders a run as a workbook with a Summary sheet and an
// Issues sheet.
func SummaryXLSX(summary domain.BatchSummary) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	row := 1
	setRow(f, summarySheet, row, "Field", "Value")
	for _, kv := range summaryPairs(summary) {
		row++
		setRow(f, summarySheet, row, kv[0], kv[1])
	}
	for _, reason := range sortedKeys(summary.SkippedByReason) {
		row++
		setRow(f, summarySheet, row, "skipped:"+reason, summary.SkippedByReason[reason])
	}
	for _, reason := range sortedKeys(summary.FailedByReason) {
		row++
		setRow(f, summarySheet, row, "failed:"+reason, summary.FailedByReason[reason])
	}

	if _, err := f.NewSheet(issuesSheet); err != nil {
		return nil, err
	}
	setRow(f, issuesSheet, 1, "OrderID", "SKU", "ReasonCode", "Detail")
	for i, issue := range summary.Errors {
		setRow(f, issuesSheet, i+2, issue.OrderID, issue.SKU, issue.ReasonCode, issue.Detail)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AllocationsXLSX renders ledger rows, reversals included, one per line.
func AllocationsXLSX(rows []domain.CogsAllocation) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", allocationsSheet); err != nil {
		return nil, err
	}
	setRow(f, allocationsSheet, 1, "ID", "OrderID", "SKU", "LineSKU", "ShippedAt", "Quantity", "UnitCost", "Cost", "LayerID", "IsReversal", "ReversesID", "Method")
	for i, a := range rows {
		setRow(f, allocationsSheet, i+2,
			a.ID, a.OrderID, a.SKU, a.LineSKU, a.ShippedAt.Format(time.RFC3339),
			a.QuantityAllocated.String(), a.UnitCostUsed.String(), a.CostAllocated.String(),
			a.LayerID, a.IsReversal, a.ReversesID, a.Method,
		)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadIssues loads the Issues sheet of a summary workbook.
func ReadIssues(data []byte) ([]domain.BatchIssue, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(issuesSheet)
	if err != nil {
		return nil, err
	}
	issues := make([]domain.BatchIssue, 0, len(rows))
	for i, row := range rows {
		if i == 0 {
			continue
		}
		for len(row) < 4 {
			row = append(row, "")
		}
		issues = append(issues, domain.BatchIssue{OrderID: row[0], SKU: row[1], ReasonCode: row[2], Detail: row[3]})
	}
	return issues, nil
}

func setRow(f *excelize.File, sheet string, row int, values ...any) {
	for col, value := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			continue
		}
		_ = f.SetCellValue(sheet, cell, value)
	}
}

func summaryPairs(s domain.BatchSummary) [][2]string {
	return [][2]string{
		{"run_id", s.RunID},
		{"method", s.Method},
		{"start_date", s.StartDate},
		{"end_date", s.EndDate},
		{"total", strconv.Itoa(s.Total)},
		{"eligible", strconv.Itoa(s.Eligible)},
		{"successful", strconv.Itoa(s.Successful)},
		{"skipped", strconv.Itoa(s.Skipped)},
		{"failed", strconv.Itoa(s.Failed)},
		{"pages_fetched", strconv.Itoa(s.PagesFetched)},
		{"truncated", strconv.FormatBool(s.Truncated)},
		{"errors_dropped", strconv.Itoa(s.ErrorsDropped)},
		{"started_at", formatTime(s.StartedAt)},
		{"finished_at", formatTime(s.FinishedAt)},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// FileName returns the download or archive name for a run export.
func FileName(runID string, format string) string {
	return fmt.Sprintf("costing-run-%s.%s", runID, format)
}
