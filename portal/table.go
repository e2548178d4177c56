package portal

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// labelSeparator joins parent and leaf header texts into one column label.
const labelSeparator = " - "

// ExtractTable flattens a rendered report table into one field-name -> text
// map per body row.
//
// The header may span multiple physical rows, with rowspan/colspan expressing
// a parent/child column hierarchy. A virtual matrix sized
// [headerRows x totalColumns] is filled top to bottom: each header cell is
// stamped into every slot covered by its rowspan x colspan extent, and each
// column's final label is the distinct texts in that column joined top to
// bottom ("Parent - Leaf" for nested columns, the leaf text alone otherwise).
// Body cells are then zipped 1:1 by position against the labels; labeling is
// positional only, so a header-text change upstream renames fields without
// breaking extraction. Rows with no data cells are dropped.
func ExtractTable(tableHTML string) ([]map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(tableHTML))
	if err != nil {
		return nil, fmt.Errorf("parsing table html: %w", err)
	}

	headerRows, bodyRows := splitRows(doc)
	if len(headerRows) == 0 {
		return nil, fmt.Errorf("table has no header row")
	}

	labels, err := flattenHeader(headerRows)
	if err != nil {
		return nil, err
	}

	var rows []map[string]string
	for _, tr := range bodyRows {
		cells := tr.Find("td")
		if cells.Length() == 0 {
			continue
		}

		row := make(map[string]string, len(labels))
		cells.Each(func(i int, cell *goquery.Selection) {
			if i < len(labels) {
				row[labels[i]] = cellText(cell)
			}
		})
		rows = append(rows, row)
	}

	return rows, nil
}

// splitRows separates header rows from body rows. Rows inside thead, or
// leading rows made of th cells, form the header.
func splitRows(doc *goquery.Document) (header, body []*goquery.Selection) {
	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		isHeader := tr.ParentsFiltered("thead").Length() > 0 ||
			(len(body) == 0 && tr.Find("th").Length() > 0 && tr.Find("td").Length() == 0)
		if isHeader {
			header = append(header, tr)
		} else {
			body = append(body, tr)
		}
	})
	return header, body
}

// flattenHeader builds the per-column labels from the header rows.
func flattenHeader(headerRows []*goquery.Selection) ([]string, error) {
	totalCols := 0
	headerRows[0].Find("th, td").Each(func(_ int, cell *goquery.Selection) {
		totalCols += spanAttr(cell, "colspan")
	})
	if totalCols == 0 {
		return nil, fmt.Errorf("header row has no columns")
	}

	matrix := make([][]string, len(headerRows))
	filled := make([][]bool, len(headerRows))
	for i := range matrix {
		matrix[i] = make([]string, totalCols)
		filled[i] = make([]bool, totalCols)
	}

	for r, tr := range headerRows {
		col := 0
		var stampErr error
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			if stampErr != nil {
				return
			}
			// Advance past slots already claimed by an earlier cell's span.
			for col < totalCols && filled[r][col] {
				col++
			}
			if col >= totalCols {
				stampErr = fmt.Errorf("header cell overflows %d columns in row %d", totalCols, r)
				return
			}

			text := cellText(cell)
			rowSpan := spanAttr(cell, "rowspan")
			colSpan := spanAttr(cell, "colspan")
			for dr := 0; dr < rowSpan && r+dr < len(headerRows); dr++ {
				for dc := 0; dc < colSpan && col+dc < totalCols; dc++ {
					matrix[r+dr][col+dc] = text
					filled[r+dr][col+dc] = true
				}
			}
			col += colSpan
		})
		if stampErr != nil {
			return nil, stampErr
		}
	}

	labels := make([]string, totalCols)
	for c := 0; c < totalCols; c++ {
		var parts []string
		for r := 0; r < len(headerRows); r++ {
			text := matrix[r][c]
			if text == "" {
				continue
			}
			if len(parts) == 0 || parts[len(parts)-1] != text {
				parts = append(parts, text)
			}
		}
		labels[c] = strings.Join(parts, labelSeparator)
	}
	return labels, nil
}

// spanAttr reads a rowspan/colspan attribute, defaulting to 1.
func spanAttr(cell *goquery.Selection, name string) int {
	val, ok := cell.Attr(name)
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func cellText(cell *goquery.Selection) string {
	return strings.Join(strings.Fields(cell.Text()), " ")
}

// FieldLabel builds the flattened label for a child column under a parent,
// matching the separator ExtractTable uses.
func FieldLabel(parent, leaf string) string {
	if parent == "" {
		return leaf
	}
	return parent + labelSeparator + leaf
}
