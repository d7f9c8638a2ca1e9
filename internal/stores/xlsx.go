package stores

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/jonesrussell/north-cloud/store-locator/internal/checkpoint"
)

// SheetName is the worksheet holding exported stores.
const SheetName = "Stores"

// XLSXExporter writes a single-sheet workbook.
type XLSXExporter struct {
	Path string
}

func (e *XLSXExporter) Format() string { return FormatXLSX }

func (e *XLSXExporter) Export(_ context.Context, stores []Store) (string, error) {
	f := excelize.NewFile()
	defer f.Close()

	// Rename Sheet1 to Stores
	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return "", fmt.Errorf("rename sheet: %w", err)
	}

	if err := setRow(f, 1, Columns); err != nil {
		return "", err
	}
	for i := range stores {
		if err := setRow(f, i+2, stores[i].Row()); err != nil {
			return "", err
		}
	}

	err := checkpoint.WriteAtomic(e.Path, func(w io.Writer) error {
		return f.Write(w)
	})
	if err != nil {
		return "", err
	}
	return e.Path, nil
}

func setRow(f *excelize.File, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err = f.SetSheetRow(SheetName, cell, &cells); err != nil {
		return fmt.Errorf("write row %d: %w", row, err)
	}
	return nil
}
