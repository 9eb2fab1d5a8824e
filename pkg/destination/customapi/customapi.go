// Package customapi delivers rowsets wrapped in a versioned envelope to a
// partner-controlled API, authenticating with a bearer token.
package customapi

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

const source = "datadispatch"

type envelope struct {
	Source     string                      `json:"source"`
	Version    int                         `json:"version"`
	JobID      string                      `json:"jobId"`
	JobName    string                      `json:"jobName"`
	Group      string                      `json:"group,omitempty"`
	RunAt      time.Time                   `json:"runAt"`
	SentAt     time.Time                   `json:"sentAt"`
	RowCount   int                         `json:"rowCount"`
	Connection *destination.ConnectionInfo `json:"connection,omitempty"`
	Rows       []destination.Row           `json:"rows,omitempty"`
	Items      []destination.Item          `json:"items,omitempty"`
}

// Adapter posts enveloped rowsets to the configured API.
type Adapter struct {
	client httpclient.HTTPClient
	now    func() time.Time
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

// WithClock replaces the sentAt clock in tests.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates the custom API adapter.
func New(options ...Option) *Adapter {
	a := &Adapter{now: time.Now}
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
func (a *Adapter) Name() string { return string(catalog.DestinationCustomAPI) }

// Send posts one connection's rowset.
func (a *Adapter) Send(ctx context.Context, rows []destination.Row, dest catalog.Destination, meta destination.Meta) (destination.Result, error) {
	cfg := dest.CustomAPI
	if cfg == nil || strings.TrimSpace(cfg.URL) == "" {
		return destination.Result{Success: false, Message: "custom API url not configured"},
			fmt.Errorf("%w: customApi destination requires a url", catalog.ErrConfigInvalid)
	}

	body := a.envelope(meta)
	body.RowCount = len(rows)
	body.Connection = connectionRef(meta)
	body.Rows = rows

	if err := a.post(ctx, cfg, body); err != nil {
		return destination.Result{Success: false, Message: err.Error()},
			fmt.Errorf("%w: custom API delivery: %w", catalog.ErrAdapterFailed, err)
	}
	return destination.Result{Success: true, Message: fmt.Sprintf("delivered %d rows", len(rows))}, nil
}

// SendMulti posts the whole accumulator in one envelope.
func (a *Adapter) SendMulti(ctx context.Context, items []destination.Item, dest catalog.Destination, meta destination.Meta) (destination.Result, error) {
	cfg := dest.CustomAPI
	if cfg == nil || strings.TrimSpace(cfg.URL) == "" {
		return destination.Result{Success: false, Message: "custom API url not configured"},
			fmt.Errorf("%w: customApi destination requires a url", catalog.ErrConfigInvalid)
	}

	body := a.envelope(meta)
	body.RowCount = destination.TotalRows(items)
	body.Items = items

	if err := a.post(ctx, cfg, body); err != nil {
		return destination.Result{Success: false, Message: err.Error()},
			fmt.Errorf("%w: custom API delivery: %w", catalog.ErrAdapterFailed, err)
	}
	return destination.Result{Success: true, Message: fmt.Sprintf("delivered %d connections", len(items))}, nil
}

func (a *Adapter) envelope(meta destination.Meta) envelope {
	return envelope{
		Source:  source,
		Version: 1,
		JobID:   meta.JobID,
		JobName: meta.JobName,
		Group:   meta.Group,
		RunAt:   meta.RunAt,
		SentAt:  a.now().UTC(),
	}
}

func (a *Adapter) post(ctx context.Context, cfg *catalog.CustomAPIConfig, body envelope) error {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for key, value := range cfg.Headers {
		headers[key] = value
	}
	if token := strings.TrimSpace(cfg.AuthToken); token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	m := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if m == "" {
		m = http.MethodPost
	}
	return httpclient.SendJSON(ctx, a.client, m, cfg.URL, headers, body)
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
