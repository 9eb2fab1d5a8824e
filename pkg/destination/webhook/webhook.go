// Package webhook delivers rowsets as JSON requests to an operator-supplied
// URL. Large rowsets are split into sequential batches so receivers never
// see unbounded bodies.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/destination"
	"github.com/JailtonJunior94/datadispatch/pkg/httpclient"
)

type payload struct {
	JobID      string                      `json:"jobId"`
	JobName    string                      `json:"jobName"`
	Group      string                      `json:"group,omitempty"`
	RunAt      time.Time                   `json:"runAt"`
	Batch      int                         `json:"batch"`
	BatchCount int                         `json:"batchCount"`
	RowCount   int                         `json:"rowCount"`
	Connection *destination.ConnectionInfo `json:"connection,omitempty"`
	Rows       []destination.Row           `json:"rows"`
}

type multiPayload struct {
	JobID      string             `json:"jobId"`
	JobName    string             `json:"jobName"`
	Group      string             `json:"group,omitempty"`
	RunAt      time.Time          `json:"runAt"`
	Batch      int                `json:"batch"`
	BatchCount int                `json:"batchCount"`
	RowCount   int                `json:"rowCount"`
	Items      []destination.Item `json:"items"`
}

// Adapter posts rowsets to the configured webhook URL.
type Adapter struct {
	client httpclient.HTTPClient
}

// Option configures the adapter.
type Option func(*Adapter)

// WithClient replaces the HTTP client, mainly for tests.
func WithClient(client httpclient.HTTPClient) Option {
	return func(a *Adapter) {
		if client != nil {
			a.client = client
		}
	}
}

// New creates the webhook adapter. The default client retries transient
// failures at the transport level.
func New(options ...Option) *Adapter {
	a := &Adapter{}
	for _, option := range options {
		option(a)
	}
	if a.client == nil {
		a.client = httpclient.New(
			httpclient.WithMaxRetries(2),
			httpclient.WithBackoff(time.Second),
		)
	}
	return a
}

// Name identifies the destination type this adapter serves.
func (a *Adapter) Name() string { return string(catalog.DestinationWebhook) }

// Send posts the rows of one connection, split into batches when the
// destination configures a batch size.
func (a *Adapter) Send(ctx context.Context, rows []destination.Row, dest catalog.Destination, meta destination.Meta) (destination.Result, error) {
	cfg := dest.Webhook
	if cfg == nil || strings.TrimSpace(cfg.URL) == "" {
		return destination.Result{Success: false, Message: "webhook url not configured"},
			fmt.Errorf("%w: webhook destination requires a url", catalog.ErrConfigInvalid)
	}

	batches := batchRows(rows, cfg.BatchSize)
	for i, batch := range batches {
		body := payload{
			JobID:      meta.JobID,
			JobName:    meta.JobName,
			Group:      meta.Group,
			RunAt:      meta.RunAt,
			Batch:      i + 1,
			BatchCount: len(batches),
			RowCount:   len(batch),
			Connection: connectionRef(meta),
			Rows:       batch,
		}
		if err := httpclient.SendJSON(ctx, a.client, method(cfg.Method), cfg.URL, cfg.Headers, body); err != nil {
			return destination.Result{Success: false, Message: fmt.Sprintf("batch %d/%d failed: %v", i+1, len(batches), err)},
				fmt.Errorf("%w: webhook delivery: %w", catalog.ErrAdapterFailed, err)
		}
	}

	return destination.Result{
		Success: true,
		Message: fmt.Sprintf("delivered %d rows in %d request(s)", len(rows), len(batches)),
	}, nil
}

// SendMulti posts the full multi-connection accumulator. Items are grouped
// so each request stays under the configured batch size; an item larger
// than the batch size travels alone.
func (a *Adapter) SendMulti(ctx context.Context, items []destination.Item, dest catalog.Destination, meta destination.Meta) (destination.Result, error) {
	cfg := dest.Webhook
	if cfg == nil || strings.TrimSpace(cfg.URL) == "" {
		return destination.Result{Success: false, Message: "webhook url not configured"},
			fmt.Errorf("%w: webhook destination requires a url", catalog.ErrConfigInvalid)
	}

	batches := batchItems(items, cfg.BatchSize)
	for i, batch := range batches {
		body := multiPayload{
			JobID:      meta.JobID,
			JobName:    meta.JobName,
			Group:      meta.Group,
			RunAt:      meta.RunAt,
			Batch:      i + 1,
			BatchCount: len(batches),
			RowCount:   destination.TotalRows(batch),
			Items:      batch,
		}
		if err := httpclient.SendJSON(ctx, a.client, method(cfg.Method), cfg.URL, cfg.Headers, body); err != nil {
			return destination.Result{Success: false, Message: fmt.Sprintf("batch %d/%d failed: %v", i+1, len(batches), err)},
				fmt.Errorf("%w: webhook delivery: %w", catalog.ErrAdapterFailed, err)
		}
	}

	return destination.Result{
		Success: true,
		Message: fmt.Sprintf("delivered %d connections in %d request(s)", len(items), len(batches)),
	}, nil
}

func method(configured string) string {
	m := strings.ToUpper(strings.TrimSpace(configured))
	if m == "" {
		return http.MethodPost
	}
	return m
}

func connectionRef(meta destination.Meta) *destination.ConnectionInfo {
	if meta.ConnectionID == "" && meta.ConnectionName == "" {
		return nil
	}
	return &destination.ConnectionInfo{
		ID:            meta.ConnectionID,
		Name:          meta.ConnectionName,
		Host:          meta.Server,
		Database:      meta.Database,
		FinancialYear: meta.FinancialYear,
		Partner:       meta.Partner,
	}
}

// batchRows splits rows into chunks of at most size. Size zero or negative
// means a single chunk. Empty input still yields one empty chunk so the
// receiver hears about empty results.
func batchRows(rows []destination.Row, size int) [][]destination.Row {
	if size <= 0 || len(rows) <= size {
		return [][]destination.Row{rows}
	}
	var out [][]destination.Row
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

// batchItems groups whole items so each group's row total stays at or under
// size. Items are never split.
func batchItems(items []destination.Item, size int) [][]destination.Item {
	if size <= 0 {
		return [][]destination.Item{items}
	}
	var out [][]destination.Item
	var current []destination.Item
	currentRows := 0
	for _, item := range items {
		rows := len(item.Rows())
		if len(current) > 0 && currentRows+rows > size {
			out = append(out, current)
			current = nil
			currentRows = 0
		}
		current = append(current, item)
		currentRows += rows
	}
	if len(current) > 0 || len(out) == 0 {
		out = append(out, current)
	}
	return out
}
