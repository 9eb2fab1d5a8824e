// Package sheets envia rowsets para planilhas Google (Sheets API v4). Cada
// conexão pode cair numa aba própria via o formato de nome de aba das
// settings; um rate limiter do lado do cliente respeita a quota de escrita
// da API.
package sheets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/destination"
)

const clearedRetention = 24 * time.Hour

// Adapter escreve rowsets em planilhas Google.
type Adapter struct {
	mu       sync.Mutex
	services map[string]*sheetsapi.Service
	cleared  map[string]time.Time
	limiter  *rate.Limiter
	extra    []option.ClientOption
}

// Option configura o adapter.
type Option func(*Adapter)

// WithRateLimit substitui o limite de chamadas à API (default 1/s).
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(a *Adapter) {
		if limit > 0 && burst > 0 {
			a.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithClientOptions adiciona opções de cliente da API, usado nos testes para
// apontar o serviço a um endpoint fake sem autenticação.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(a *Adapter) {
		a.extra = append(a.extra, opts...)
	}
}

// New cria o adapter de Google Sheets.
func New(options ...Option) *Adapter {
	a := &Adapter{
		services: make(map[string]*sheetsapi.Service),
		cleared:  make(map[string]time.Time),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// Name identifica o tipo de destino servido.
func (a *Adapter) Name() string { return string(catalog.DestinationGoogleSheets) }

// Send escreve o rowset de uma conexão na aba resolvida para ela.
func (a *Adapter) Send(ctx context.Context, rows []destination.Row, dest catalog.Destination, meta destination.Meta) (destination.Result, error) {
	cfg := dest.Sheets
	if cfg == nil || strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return destination.Result{Success: false, Message: "spreadsheet id not configured"},
			fmt.Errorf("%w: googleSheets destination requires a spreadsheetId", catalog.ErrConfigInvalid)
	}

	svc, err := a.service(ctx, cfg.CredentialsFile)
	if err != nil {
		return destination.Result{Success: false, Message: err.Error()},
			fmt.Errorf("%w: google sheets: %w", catalog.ErrAdapterFailed, err)
	}

	info := connectionInfo(meta)
	sheetName := destination.SheetName(meta.SheetNameFormat, meta, info, fallbackName(cfg, info))
	if err := a.write(ctx, svc, cfg, sheetName, rows, meta.RunAt); err != nil {
		return destination.Result{Success: false, Message: err.Error()},
			fmt.Errorf("%w: google sheets: %w", catalog.ErrAdapterFailed, err)
	}

	return destination.Result{
		Success: true,
		Message: fmt.Sprintf("wrote %d rows to sheet %q", len(rows), sheetName),
	}, nil
}

// SendMulti escreve o acumulador inteiro, uma aba por conexão.
func (a *Adapter) SendMulti(ctx context.Context, items []destination.Item, dest catalog.Destination, meta destination.Meta) (destination.Result, error) {
	cfg := dest.Sheets
	if cfg == nil || strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return destination.Result{Success: false, Message: "spreadsheet id not configured"},
			fmt.Errorf("%w: googleSheets destination requires a spreadsheetId", catalog.ErrConfigInvalid)
	}

	svc, err := a.service(ctx, cfg.CredentialsFile)
	if err != nil {
		return destination.Result{Success: false, Message: err.Error()},
			fmt.Errorf("%w: google sheets: %w", catalog.ErrAdapterFailed, err)
	}

	written := 0
	sheetsTouched := 0
	for _, item := range items {
		rows := item.Rows()
		if len(rows) == 0 {
			continue
		}
		sheetName := destination.SheetName(meta.SheetNameFormat, meta, item.Connection, fallbackName(cfg, item.Connection))
		if err := a.write(ctx, svc, cfg, sheetName, rows, meta.RunAt); err != nil {
			return destination.Result{Success: false, Message: fmt.Sprintf("sheet %q: %v", sheetName, err)},
				fmt.Errorf("%w: google sheets: %w", catalog.ErrAdapterFailed, err)
		}
		written += len(rows)
		sheetsTouched++
	}

	return destination.Result{
		Success: true,
		Message: fmt.Sprintf("wrote %d rows across %d sheet(s)", written, sheetsTouched),
	}, nil
}

// write garante a aba e aplica o modo de escrita. No modo overwrite a aba é
// limpa só no primeiro dispatch de cada run; flushes seguintes do mesmo run
// continuam por append, preservando o que o streaming já entregou.
func (a *Adapter) write(ctx context.Context, svc *sheetsapi.Service, cfg *catalog.SheetsConfig, sheetName string, rows []destination.Row, runAt time.Time) error {
	created, err := a.ensureSheet(ctx, svc, cfg.SpreadsheetID, sheetName)
	if err != nil {
		return err
	}

	header := destination.Columns(rows)
	values := renderValues(header, rows)

	if cfg.WriteMode == catalog.WriteModeOverwrite {
		key := clearKey(cfg.SpreadsheetID, sheetName, runAt)
		if !a.wasCleared(key) {
			if err := a.clearAndWrite(ctx, svc, cfg.SpreadsheetID, sheetName, header, values); err != nil {
				return err
			}
			a.markCleared(key)
			return nil
		}
		return a.append(ctx, svc, cfg.SpreadsheetID, sheetName, nil, values)
	}

	if created {
		return a.append(ctx, svc, cfg.SpreadsheetID, sheetName, header, values)
	}
	return a.append(ctx, svc, cfg.SpreadsheetID, sheetName, nil, values)
}

func (a *Adapter) ensureSheet(ctx context.Context, svc *sheetsapi.Service, spreadsheetID, title string) (bool, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return false, err
	}
	spreadsheet, err := svc.Spreadsheets.Get(spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("load spreadsheet: %w", err)
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == title {
			return false, nil
		}
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return false, err
	}
	request := &sheetsapi.BatchUpdateSpreadsheetRequest{
		Requests: []*sheetsapi.Request{{
			AddSheet: &sheetsapi.AddSheetRequest{
				Properties: &sheetsapi.SheetProperties{Title: title},
			},
		}},
	}
	if _, err := svc.Spreadsheets.BatchUpdate(spreadsheetID, request).Context(ctx).Do(); err != nil {
		return false, fmt.Errorf("create sheet %q: %w", title, err)
	}
	return true, nil
}

func (a *Adapter) clearAndWrite(ctx context.Context, svc *sheetsapi.Service, spreadsheetID, sheetName string, header []string, values [][]interface{}) error {
	rng := a1Sheet(sheetName)
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := svc.Spreadsheets.Values.Clear(spreadsheetID, rng, &sheetsapi.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("clear sheet %q: %w", sheetName, err)
	}

	payload := make([][]interface{}, 0, len(values)+1)
	payload = append(payload, headerRow(header))
	payload = append(payload, values...)

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	vr := &sheetsapi.ValueRange{Values: payload}
	if _, err := svc.Spreadsheets.Values.Update(spreadsheetID, rng+"!A1", vr).ValueInputOption("RAW").Context(ctx).Do(); err != nil {
		return fmt.Errorf("write sheet %q: %w", sheetName, err)
	}
	return nil
}

func (a *Adapter) append(ctx context.Context, svc *sheetsapi.Service, spreadsheetID, sheetName string, header []string, values [][]interface{}) error {
	payload := make([][]interface{}, 0, len(values)+1)
	if len(header) > 0 {
		payload = append(payload, headerRow(header))
	}
	payload = append(payload, values...)
	if len(payload) == 0 {
		return nil
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	vr := &sheetsapi.ValueRange{Values: payload}
	_, err := svc.Spreadsheets.Values.Append(spreadsheetID, a1Sheet(sheetName)+"!A1", vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append to sheet %q: %w", sheetName, err)
	}
	return nil
}

func (a *Adapter) service(ctx context.Context, credentialsFile string) (*sheetsapi.Service, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if svc, ok := a.services[credentialsFile]; ok {
		return svc, nil
	}

	opts := []option.ClientOption{option.WithScopes(sheetsapi.SpreadsheetsScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	opts = append(opts, a.extra...)

	svc, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	a.services[credentialsFile] = svc
	return svc, nil
}

func (a *Adapter) wasCleared(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.cleared[key]
	return ok
}

func (a *Adapter) markCleared(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	for k, at := range a.cleared {
		if now.Sub(at) > clearedRetention {
			delete(a.cleared, k)
		}
	}
	a.cleared[key] = now
}

func clearKey(spreadsheetID, sheetName string, runAt time.Time) string {
	return spreadsheetID + "|" + sheetName + "|" + runAt.UTC().Format(time.RFC3339Nano)
}

func fallbackName(cfg *catalog.SheetsConfig, info destination.ConnectionInfo) string {
	if strings.TrimSpace(cfg.SheetName) != "" {
		return cfg.SheetName
	}
	if info.Name != "" {
		return info.Name
	}
	return "data"
}

func connectionInfo(meta destination.Meta) destination.ConnectionInfo {
	return destination.ConnectionInfo{
		ID:            meta.ConnectionID,
		Name:          meta.ConnectionName,
		Host:          meta.Server,
		Database:      meta.Database,
		FinancialYear: meta.FinancialYear,
		Partner:       meta.Partner,
	}
}

// a1Sheet cita o título para ranges A1; aspas simples internas dobram.
func a1Sheet(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func headerRow(header []string) []interface{} {
	out := make([]interface{}, len(header))
	for i, col := range header {
		out[i] = col
	}
	return out
}

func renderValues(header []string, rows []destination.Row) [][]interface{} {
	out := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		cells := make([]interface{}, len(header))
		for i, col := range header {
			cells[i] = cellValue(row[col])
		}
		out = append(out, cells)
	}
	return out
}

// cellValue mantém números e booleanos nativos; tipos sem representação na
// API viram texto.
func cellValue(v any) interface{} {
	switch value := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(value)
	case time.Time:
		return value.Format(time.RFC3339)
	default:
		return value
	}
}
