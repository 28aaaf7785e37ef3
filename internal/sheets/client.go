// ABOUTME: Thin client for the Google Sheets values API over HTTP
// ABOUTME: Maps worksheet rows to records using the header row as column names

package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/sheetbridge/sheetbridge/internal/store"
)

// ErrNotConfigured is returned when the client lacks credentials or a sheet id.
var ErrNotConfigured = errors.New("remote source not configured")

// DefaultBaseURL is the production Sheets API endpoint.
const DefaultBaseURL = "https://sheets.googleapis.com"

// Source is the remote tabular capability consumed by the sync scheduler,
// the write-back path, and the DLQ retry worker.
type Source interface {
	// Pull fetches all rows from the remote worksheet.
	Pull(ctx context.Context) ([]store.Record, error)
	// Push appends rows to the remote worksheet.
	Push(ctx context.Context, rows []store.Record) error
	// Configured reports whether remote calls can be attempted at all.
	Configured() bool
}

// HTTPError carries a non-2xx response from the Sheets API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("sheets api: http %d: %s", e.StatusCode, e.Body)
}

// Client talks to the Sheets values API with a static bearer token.
// Credential acquisition and refresh are external concerns.
type Client struct {
	baseURL    string
	token      string
	sheetID    string
	worksheet  string
	batchSize  int
	httpClient *http.Client
}

// Options configure a Client.
type Options struct {
	BaseURL   string
	Token     string
	SheetID   string
	Worksheet string
	// BatchSize caps how many rows one append request carries.
	BatchSize  int
	HTTPClient *http.Client
}

// NewClient creates a Sheets client. A missing token or sheet id yields a
// client whose calls return ErrNotConfigured.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Worksheet == "" {
		opts.Worksheet = "Sheet1"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    opts.BaseURL,
		token:      opts.Token,
		sheetID:    opts.SheetID,
		worksheet:  opts.Worksheet,
		batchSize:  opts.BatchSize,
		httpClient: opts.HTTPClient,
	}
}

// Configured reports whether the client has credentials and a target sheet.
func (c *Client) Configured() bool {
	return c != nil && c.token != "" && c.sheetID != ""
}

func (c *Client) valuesRange() string {
	return c.worksheet + "!A:Z"
}

// Pull fetches the worksheet and maps data rows to records keyed by the
// header row. Cells beyond a short row read as nil.
func (c *Client) Pull(ctx context.Context) ([]store.Record, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s",
		c.baseURL, url.PathEscape(c.sheetID), url.PathEscape(c.valuesRange()))

	var payload struct {
		Values [][]any `json:"values"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &payload); err != nil {
		return nil, err
	}
	if len(payload.Values) == 0 {
		return nil, nil
	}

	header := make([]string, len(payload.Values[0]))
	for i, cell := range payload.Values[0] {
		header[i] = fmt.Sprintf("%v", cell)
	}

	records := make([]store.Record, 0, len(payload.Values)-1)
	for _, raw := range payload.Values[1:] {
		rec := make(store.Record, len(header))
		for i, name := range header {
			if i < len(raw) {
				rec[name] = raw[i]
			} else {
				rec[name] = nil
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// Push appends rows to the worksheet, chunked by the configured batch size.
func (c *Client) Push(ctx context.Context, rows []store.Record) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if len(rows) == 0 {
		return nil
	}

	endpoint := fmt.Sprintf(
		"%s/v4/spreadsheets/%s/values/%s:append?valueInputOption=USER_ENTERED&insertDataOption=INSERT_ROWS",
		c.baseURL, url.PathEscape(c.sheetID), url.PathEscape(c.valuesRange()))

	for start := 0; start < len(rows); start += c.batchSize {
		end := min(start+c.batchSize, len(rows))

		values := make([][]any, 0, end-start)
		for _, rec := range rows[start:end] {
			values = append(values, recordValues(rec))
		}

		body := map[string]any{"values": values}
		if err := c.do(ctx, http.MethodPost, endpoint, body, nil); err != nil {
			return err
		}
	}
	return nil
}

// recordValues flattens a record into a cell slice in sorted column order,
// since records carry no column ordering of their own.
func recordValues(rec store.Record) []any {
	names := make([]string, 0, len(rec))
	for name := range rec {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]any, len(names))
	for i, name := range names {
		values[i] = rec[name]
	}
	return values
}

// do executes one API call, decoding the JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling sheets api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
