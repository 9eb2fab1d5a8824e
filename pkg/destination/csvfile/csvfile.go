// Package csvfile writes rowsets to delimited text files. Multi-connection
// dispatches share one file with a leading "connection" column.
package csvfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/destination"
)

const connectionColumn = "connection"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Adapter writes rowsets to a CSV file. A mutex serialises writes because
// overlapping flushes may target the same path.
type Adapter struct {
	mu sync.Mutex
}

// New creates the CSV adapter.
func New() *Adapter { return &Adapter{} }

// Name identifies the destination type this adapter serves.
func (a *Adapter) Name() string { return string(catalog.DestinationCSV) }

// Send writes one connection's rowset. Columns are the sorted union of the
// row keys.
func (a *Adapter) Send(ctx context.Context, rows []destination.Row, dest catalog.Destination, meta destination.Meta) (destination.Result, error) {
	cfg := dest.CSV
	if cfg == nil || strings.TrimSpace(cfg.Path) == "" {
		return destination.Result{Success: false, Message: "csv path not configured"},
			fmt.Errorf("%w: csv destination requires a path", catalog.ErrConfigInvalid)
	}
	if err := ctx.Err(); err != nil {
		return destination.Result{Success: false, Message: err.Error()}, err
	}

	header := destination.Columns(rows)
	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		record := make([]string, len(header))
		for i, col := range header {
			record[i] = destination.CellString(row[col])
		}
		records = append(records, record)
	}

	if err := a.writeRecords(cfg, header, records); err != nil {
		return destination.Result{Success: false, Message: err.Error()},
			fmt.Errorf("%w: csv: %w", catalog.ErrAdapterFailed, err)
	}
	return destination.Result{
		Success: true,
		Message: fmt.Sprintf("wrote %d rows to %s", len(records), cfg.Path),
	}, nil
}

// SendMulti writes the whole accumulator into one file, prefixing each row
// with the connection name.
func (a *Adapter) SendMulti(ctx context.Context, items []destination.Item, dest catalog.Destination, meta destination.Meta) (destination.Result, error) {
	cfg := dest.CSV
	if cfg == nil || strings.TrimSpace(cfg.Path) == "" {
		return destination.Result{Success: false, Message: "csv path not configured"},
			fmt.Errorf("%w: csv destination requires a path", catalog.ErrConfigInvalid)
	}
	if err := ctx.Err(); err != nil {
		return destination.Result{Success: false, Message: err.Error()}, err
	}

	var all []destination.Row
	for _, item := range items {
		all = append(all, item.Rows()...)
	}
	columns := destination.Columns(all)
	header := append([]string{connectionColumn}, columns...)

	var records [][]string
	for _, item := range items {
		for _, row := range item.Rows() {
			record := make([]string, len(header))
			record[0] = item.Connection.Name
			for i, col := range columns {
				record[i+1] = destination.CellString(row[col])
			}
			records = append(records, record)
		}
	}

	if err := a.writeRecords(cfg, header, records); err != nil {
		return destination.Result{Success: false, Message: err.Error()},
			fmt.Errorf("%w: csv: %w", catalog.ErrAdapterFailed, err)
	}
	return destination.Result{
		Success: true,
		Message: fmt.Sprintf("wrote %d rows from %d connection(s) to %s", len(records), len(items), cfg.Path),
	}, nil
}

func (a *Adapter) writeRecords(cfg *catalog.CSVConfig, header []string, records [][]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	mode := cfg.WriteMode
	if mode != catalog.WriteModeAppend {
		mode = catalog.WriteModeOverwrite
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create destination directory: %w", err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if mode == catalog.WriteModeAppend {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(cfg.Path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open csv file: %w", err)
	}
	defer func() { _ = file.Close() }()

	needHeader := true
	if mode == catalog.WriteModeAppend {
		if info, statErr := file.Stat(); statErr == nil && info.Size() > 0 {
			needHeader = false
		}
	}

	if needHeader && strings.EqualFold(cfg.Encoding, "utf8bom") {
		if _, err := file.Write(utf8BOM); err != nil {
			return fmt.Errorf("write bom: %w", err)
		}
	}

	w := csv.NewWriter(file)
	if needHeader {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, record := range records {
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
