// Package export appends analysis runs to a Google Sheet and uploads
// JSON reports to Drive, using a service account. The Drive scope is
// limited to files this app creates.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"lapio/internal/advisor"
)

var scopes = []string{
	"https://www.googleapis.com/auth/spreadsheets",
	"https://www.googleapis.com/auth/drive.file",
}

// sheetHeaders is the header row written to a fresh sheet.
var sheetHeaders = []any{
	"Date", "Ticker", "Price", "RSI", "1W%", "1M%",
	"SMA20", "SMA50", "BTC Corr", "Recommendation",
	"Confidence", "Reasoning", "Key Risk", "BTC Trend",
}

// Exporter writes analysis results to the configured spreadsheet.
type Exporter struct {
	credentialsPath string
	spreadsheetID   string
	driveFolderID   string

	// extra client options, used by tests to point at a fake endpoint
	opts []option.ClientOption
}

// NewExporter creates an exporter. driveFolderID may be empty, in which
// case report uploads land in the service account's root.
func NewExporter(credentialsPath, spreadsheetID, driveFolderID string) *Exporter {
	return &Exporter{
		credentialsPath: credentialsPath,
		spreadsheetID:   spreadsheetID,
		driveFolderID:   driveFolderID,
	}
}

// Configured reports whether the sheet export can run.
func (e *Exporter) Configured() bool {
	return e.credentialsPath != "" && e.spreadsheetID != ""
}

// Missing names the settings that block the export, for the status
// endpoint.
func (e *Exporter) Missing() []string {
	var missing []string
	if e.credentialsPath == "" {
		missing = append(missing, "SHEETS_CREDENTIALS")
	}
	if e.spreadsheetID == "" {
		missing = append(missing, "SHEETS_SPREADSHEET_ID")
	}
	return missing
}

// SheetURL is the browser link to the configured spreadsheet.
func (e *Exporter) SheetURL() string {
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/edit", e.spreadsheetID)
}

func (e *Exporter) clientOptions() []option.ClientOption {
	if len(e.opts) > 0 {
		return e.opts
	}
	return []option.ClientOption{
		option.WithScopes(scopes...),
		option.WithCredentialsFile(e.credentialsPath),
	}
}

// AppendAnalysis appends one row per analyzed ticker, writing the
// header row first when the sheet is empty. It returns the spreadsheet
// URL. Tickers whose signals carry an error are skipped.
func (e *Exporter) AppendAnalysis(ctx context.Context, results map[string]advisor.Result) (string, error) {
	if !e.Configured() {
		return "", fmt.Errorf("sheets export not configured: missing %v", e.Missing())
	}
	svc, err := sheets.NewService(ctx, e.clientOptions()...)
	if err != nil {
		return "", fmt.Errorf("creating sheets client: %w", err)
	}

	existing, err := svc.Spreadsheets.Values.Get(e.spreadsheetID, "Sheet1!A1:A1").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("reading sheet: %w", err)
	}

	var rows [][]any
	if len(existing.Values) == 0 {
		rows = append(rows, sheetHeaders)
	}

	runDate := time.Now().UTC().Format("2006-01-02")
	tickers := make([]string, 0, len(results))
	for t := range results {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	for _, t := range tickers {
		r := results[t]
		if r.Err != "" {
			continue
		}
		rows = append(rows, rowFor(runDate, r))
	}

	if len(rows) > 0 {
		_, err = svc.Spreadsheets.Values.
			Append(e.spreadsheetID, "Sheet1!A1", &sheets.ValueRange{Values: rows}).
			ValueInputOption("USER_ENTERED").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("appending rows: %w", err)
		}
	}
	return e.SheetURL(), nil
}

// UploadReport stores the full analysis as a JSON file in Drive and
// returns its web link.
func (e *Exporter) UploadReport(ctx context.Context, results map[string]advisor.Result) (string, error) {
	if e.credentialsPath == "" {
		return "", fmt.Errorf("drive upload not configured: missing SHEETS_CREDENTIALS")
	}
	svc, err := drive.NewService(ctx, e.clientOptions()...)
	if err != nil {
		return "", fmt.Errorf("creating drive client: %w", err)
	}

	content, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", err
	}
	meta := &drive.File{
		Name:     fmt.Sprintf("btc-miner-analysis-%s.json", time.Now().UTC().Format("2006-01-02")),
		MimeType: "application/json",
	}
	if e.driveFolderID != "" {
		meta.Parents = []string{e.driveFolderID}
	}

	file, err := svc.Files.Create(meta).
		Media(bytes.NewReader(content)).
		Fields("id", "webViewLink").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("uploading report: %w", err)
	}
	return file.WebViewLink, nil
}

// rowFor flattens a result into sheet cells. Unavailable optional
// signals become empty cells.
func rowFor(runDate string, r advisor.Result) []any {
	return []any{
		runDate,
		r.Ticker,
		r.CurrentPrice,
		optCell(r.RSI),
		optCell(r.WeekReturnPct),
		optCell(r.MonthReturnPct),
		r.SMA20,
		optCell(r.SMA50),
		optCell(r.BTCCorrelation),
		r.Recommendation.Recommendation,
		r.Confidence,
		r.Reasoning,
		r.KeyRisk,
		r.BTCTrend,
	}
}

func optCell(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
