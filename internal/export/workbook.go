package export

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"
)

// Sheet headers the export tool expects, row 1 columns A through F. Column
// D is deliberately blank; E/F hold the target/source pairs.
var sheetHeaders = []string{"Data Source", "Filter Name", "Filter Value", "", "Field", "Source Field"}

// WriteWorkbook writes the query workbook: one worksheet per sheet, the
// header row, the case filter in A2:C2, and one mapping row per pair with
// the target column in E and the source field in F, starting at row 2 and
// sorted by target column. The export tool expects exactly this layout.
func WriteWorkbook(path string, sheets []Sheet) error {
	if len(sheets) == 0 {
		return fmt.Errorf("export: no sheets to write")
	}

	f := excelize.NewFile()
	defer f.Close()

	for i, sh := range sheets {
		title := sh.Title
		if title == "" {
			title = sh.CaseType
		}
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), title); err != nil {
				return fmt.Errorf("export: name sheet %q: %w", title, err)
			}
		} else {
			if _, err := f.NewSheet(title); err != nil {
				return fmt.Errorf("export: add sheet %q: %w", title, err)
			}
		}

		for col, h := range sheetHeaders {
			if h == "" {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(col+1, 1)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(title, cell, h); err != nil {
				return fmt.Errorf("export: write header on %q: %w", title, err)
			}
		}

		if err := f.SetCellValue(title, "A2", "case"); err != nil {
			return err
		}
		if err := f.SetCellValue(title, "B2", "type"); err != nil {
			return err
		}
		if err := f.SetCellValue(title, "C2", sh.CaseType); err != nil {
			return err
		}

		rows := make([]Row, len(sh.Rows))
		copy(rows, sh.Rows)
		sort.SliceStable(rows, func(a, b int) bool { return rows[a].Target < rows[b].Target })

		// Mapping rows share row 2 with the case filter; E/F do not clash
		// with A:C.
		for idx, row := range rows {
			n := idx + 2
			if err := f.SetCellValue(title, fmt.Sprintf("E%d", n), row.Target); err != nil {
				return fmt.Errorf("export: write row %d on %q: %w", n, title, err)
			}
			if err := f.SetCellValue(title, fmt.Sprintf("F%d", n), row.Source); err != nil {
				return fmt.Errorf("export: write row %d on %q: %w", n, title, err)
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("export: save workbook %s: %w", path, err)
	}
	return nil
}
