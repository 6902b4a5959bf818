// Package sheets implements the remote table gateway over the Google
// Sheets v4 API. All durable state lives in one spreadsheet; this client is
// the only channel to it.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"tagdesk/internal/store"
)

const (
	defaultMaxReadAttempts = 4
	baseBackoff            = 500 * time.Millisecond
)

// Client talks to one spreadsheet. Every call waits on a shared rate
// limiter first: the API is quota-limited and a burst of handlers must not
// blow through it. Reads are retried with exponential backoff on transient
// failures; writes are attempted exactly once — a write whose response was
// lost must surface as an error, not be resent.
type Client struct {
	svc             *sheetsapi.Service
	spreadsheetID   string
	limiter         *rate.Limiter
	maxReadAttempts int
}

// Config carries what the client needs to reach the spreadsheet.
type Config struct {
	CredentialsPath string
	SpreadsheetID   string
	// RatePerSecond/Burst bound outbound API calls across all handlers.
	RatePerSecond float64
	Burst         int
}

// NewClient authenticates with the service-account credentials file and
// binds to the configured spreadsheet.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("spreadsheet id is required")
	}
	svc, err := sheetsapi.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsPath),
		option.WithScopes(sheetsapi.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	return &Client{
		svc:             svc,
		spreadsheetID:   cfg.SpreadsheetID,
		limiter:         rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		maxReadAttempts: defaultMaxReadAttempts,
	}, nil
}

// ListWorksheets returns the worksheet titles in spreadsheet order.
func (c *Client) ListWorksheets(ctx context.Context) ([]string, error) {
	var names []string
	err := c.retryRead(ctx, "list worksheets", func() error {
		resp, err := c.svc.Spreadsheets.Get(c.spreadsheetID).
			Fields("sheets.properties.title").
			Context(ctx).Do()
		if err != nil {
			return err
		}
		names = names[:0]
		for _, sh := range resp.Sheets {
			if sh.Properties != nil {
				names = append(names, sh.Properties.Title)
			}
		}
		return nil
	})
	return names, err
}

// ReadAll returns every populated row of the worksheet, header row first.
func (c *Client) ReadAll(ctx context.Context, sheet string) ([][]string, error) {
	var rows [][]string
	err := c.retryRead(ctx, "read "+sheet, func() error {
		resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rangeRef(sheet)).
			Context(ctx).Do()
		if err != nil {
			return err
		}
		rows = stringRows(resp.Values)
		return nil
	})
	return rows, err
}

// WriteAll replaces the whole worksheet content with rows. The sheet is
// cleared first so stale trailing rows cannot survive a shrink.
func (c *Client) WriteAll(ctx context.Context, sheet string, rows [][]string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, rangeRef(sheet), &sheetsapi.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return mapAPIError(err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rangeRef(sheet)+"!A1", valueRange(rows)).
		ValueInputOption("USER_ENTERED").
		Context(ctx).Do()
	return mapAPIError(err)
}

// CreateWithHeader adds a new worksheet and writes its header row.
func (c *Client) CreateWithHeader(ctx context.Context, sheet string, header []string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req := &sheetsapi.BatchUpdateSpreadsheetRequest{
		Requests: []*sheetsapi.Request{{
			AddSheet: &sheetsapi.AddSheetRequest{
				Properties: &sheetsapi.SheetProperties{Title: sheet},
			},
		}},
	}
	if _, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return mapAPIError(err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rangeRef(sheet)+"!A1", valueRange([][]string{header})).
		ValueInputOption("USER_ENTERED").
		Context(ctx).Do()
	return mapAPIError(err)
}

// AppendRow writes one row at the first empty position of the worksheet.
func (c *Client) AppendRow(ctx context.Context, sheet string, row []string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rangeRef(sheet), valueRange([][]string{row})).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	return mapAPIError(err)
}

// retryRead runs an idempotent read with bounded exponential backoff.
func (c *Client) retryRead(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxReadAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		lastErr = mapAPIError(lastErr)
		if !transient(lastErr) || attempt == c.maxReadAttempts-1 {
			return lastErr
		}
		delay := backoffDelay(attempt)
		log.Printf("sheets: %s failed (attempt %d/%d), retrying in %v: %v",
			op, attempt+1, c.maxReadAttempts, delay, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoffDelay(attempt int) time.Duration {
	return baseBackoff << attempt
}

// transient reports whether the error is worth retrying: quota pushback,
// timeouts and server-side failures. Anything else (bad range, permission
// denied) will not get better on its own.
func transient(err error) bool {
	if errors.Is(err, store.ErrWorksheetNotFound) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Network-level failures come back as plain errors.
	return true
}

// mapAPIError normalizes the API's "no such range" shape onto the store's
// worksheet-not-found sentinel so callers can create the sheet and retry.
func mapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 400 && strings.Contains(apiErr.Message, "Unable to parse range") {
			return fmt.Errorf("%w: %s", store.ErrWorksheetNotFound, apiErr.Message)
		}
		if apiErr.Code == 404 {
			return fmt.Errorf("%w: %s", store.ErrWorksheetNotFound, apiErr.Message)
		}
	}
	return err
}

// rangeRef quotes a worksheet title for use in an A1 range reference.
func rangeRef(sheet string) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'"
}

func stringRows(values [][]interface{}) [][]string {
	rows := make([][]string, len(values))
	for i, row := range values {
		cells := make([]string, len(row))
		for j, cell := range row {
			cells[j] = fmt.Sprint(cell)
		}
		rows[i] = cells
	}
	return rows
}

func valueRange(rows [][]string) *sheetsapi.ValueRange {
	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		cells := make([]interface{}, len(row))
		for j, cell := range row {
			cells[j] = cell
		}
		values[i] = cells
	}
	return &sheetsapi.ValueRange{Values: values}
}
