// Package excelfile writes rowsets to .xlsx workbooks. In multi-connection
// dispatches each connection lands on its own worksheet.
package excelfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/destination"
)

const defaultSheet = "data"

type sheetData struct {
	name string
	rows []destination.Row
}

// Adapter writes rowsets to a workbook on the local filesystem. A single
// mutex serialises workbook access; excelize files are not safe for
// concurrent use and two flushes may target the same path.
type Adapter struct {
	mu sync.Mutex
}

// New creates the Excel adapter.
func New() *Adapter { return &Adapter{} }

// Name identifies the destination type this adapter serves.
func (a *Adapter) Name() string { return string(catalog.DestinationExcel) }

// Send writes one connection's rowset. The worksheet name comes from the
// sheet-name format when configured, else the connection name.
func (a *Adapter) Send(ctx context.Context, rows []destination.Row, dest catalog.Destination, meta destination.Meta) (destination.Result, error) {
	cfg := dest.Excel
	if cfg == nil || strings.TrimSpace(cfg.Path) == "" {
		return destination.Result{Success: false, Message: "excel path not configured"},
			fmt.Errorf("%w: excel destination requires a path", catalog.ErrConfigInvalid)
	}
	if err := ctx.Err(); err != nil {
		return destination.Result{Success: false, Message: err.Error()}, err
	}

	info := connectionInfo(meta)
	name := destination.SheetName(meta.SheetNameFormat, meta, info, fallbackName(info))
	if err := a.writeSheets(cfg, []sheetData{{name: name, rows: rows}}); err != nil {
		return destination.Result{Success: false, Message: err.Error()},
			fmt.Errorf("%w: excel: %w", catalog.ErrAdapterFailed, err)
	}

	return destination.Result{
		Success: true,
		Message: fmt.Sprintf("wrote %d rows to %s", len(rows), cfg.Path),
	}, nil
}

// SendMulti writes the whole accumulator, one worksheet per connection.
// Items without rows are skipped.
func (a *Adapter) SendMulti(ctx context.Context, items []destination.Item, dest catalog.Destination, meta destination.Meta) (destination.Result, error) {
	cfg := dest.Excel
	if cfg == nil || strings.TrimSpace(cfg.Path) == "" {
		return destination.Result{Success: false, Message: "excel path not configured"},
			fmt.Errorf("%w: excel destination requires a path", catalog.ErrConfigInvalid)
	}
	if err := ctx.Err(); err != nil {
		return destination.Result{Success: false, Message: err.Error()}, err
	}

	var sheets []sheetData
	total := 0
	for _, item := range items {
		rows := item.Rows()
		if len(rows) == 0 {
			continue
		}
		name := destination.SheetName(meta.SheetNameFormat, meta, item.Connection, fallbackName(item.Connection))
		sheets = append(sheets, sheetData{name: name, rows: rows})
		total += len(rows)
	}
	if len(sheets) == 0 {
		return destination.Result{Success: true, Message: "no rows to write"}, nil
	}

	if err := a.writeSheets(cfg, sheets); err != nil {
		return destination.Result{Success: false, Message: err.Error()},
			fmt.Errorf("%w: excel: %w", catalog.ErrAdapterFailed, err)
	}

	return destination.Result{
		Success: true,
		Message: fmt.Sprintf("wrote %d rows across %d sheet(s) to %s", total, len(sheets), cfg.Path),
	}, nil
}

func (a *Adapter) writeSheets(cfg *catalog.ExcelConfig, sheets []sheetData) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, existed, err := openWorkbook(cfg.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	mode := cfg.WriteMode
	if mode != catalog.WriteModeAppend {
		mode = catalog.WriteModeOverwrite
	}

	for _, sheet := range sheets {
		if err := writeSheet(f, sheet.name, sheet.rows, mode); err != nil {
			return err
		}
	}

	// Workbooks we created carry excelize's default sheet. Drop it unless a
	// connection actually wrote there.
	if !existed {
		keep := false
		for _, sheet := range sheets {
			if sheet.name == "Sheet1" {
				keep = true
			}
		}
		if !keep {
			if idx, err := f.GetSheetIndex("Sheet1"); err == nil && idx >= 0 {
				_ = f.DeleteSheet("Sheet1")
			}
		}
	}
	if idx, err := f.GetSheetIndex(sheets[0].name); err == nil && idx >= 0 {
		f.SetActiveSheet(idx)
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create destination directory: %w", err)
		}
	}
	if err := f.SaveAs(cfg.Path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, name string, rows []destination.Row, mode catalog.WriteMode) error {
	idx, err := f.GetSheetIndex(name)
	if err != nil {
		return fmt.Errorf("resolve sheet %q: %w", name, err)
	}
	exists := idx >= 0

	if exists && mode == catalog.WriteModeOverwrite {
		// DeleteSheet refuses to drop the last worksheet, so rebuild via a
		// rename: old content moves aside, a fresh sheet takes the name, and
		// only then the old one goes.
		const tmp = "__rewrite"
		_ = f.DeleteSheet(tmp)
		if err := f.SetSheetName(name, tmp); err != nil {
			return fmt.Errorf("reset sheet %q: %w", name, err)
		}
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("recreate sheet %q: %w", name, err)
		}
		if err := f.DeleteSheet(tmp); err != nil {
			return fmt.Errorf("drop old sheet %q: %w", name, err)
		}
		exists = false
	}
	if !exists {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %q: %w", name, err)
		}
	}

	next := 1
	needHeader := true
	if exists {
		existing, err := f.GetRows(name)
		if err != nil {
			return fmt.Errorf("read sheet %q: %w", name, err)
		}
		next = len(existing) + 1
		needHeader = len(existing) == 0
	}

	header := destination.Columns(rows)
	if needHeader {
		cells := make([]interface{}, len(header))
		for i, col := range header {
			cells[i] = col
		}
		if err := setRow(f, name, next, cells); err != nil {
			return err
		}
		next++
	}
	for _, row := range rows {
		cells := make([]interface{}, len(header))
		for i, col := range header {
			cells[i] = cellValue(row[col])
		}
		if err := setRow(f, name, next, cells); err != nil {
			return err
		}
		next++
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, cells []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("write row %d of %q: %w", row, sheet, err)
	}
	return nil
}

func openWorkbook(path string) (*excelize.File, bool, error) {
	if _, err := os.Stat(path); err == nil {
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("open workbook: %w", err)
		}
		return f, true, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	return excelize.NewFile(), false, nil
}

func fallbackName(info destination.ConnectionInfo) string {
	if info.Name != "" {
		return info.Name
	}
	return defaultSheet
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

// cellValue keeps native types so numbers and dates stay real cells.
func cellValue(v any) interface{} {
	switch value := v.(type) {
	case []byte:
		return string(value)
	default:
		return v
	}
}
