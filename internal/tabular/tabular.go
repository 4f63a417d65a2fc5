// Package tabular reads raw source files (CSV, TSV, XLSX) into an in-memory
// string table for the transforms.
package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Table is a raw table with a header row. Every row has len(Columns) cells.
type Table struct {
	Columns []string
	Rows    [][]string

	index map[string]int
}

// New builds a Table, padding or truncating rows to the header width.
func New(columns []string, rows [][]string) *Table {
	t := &Table{Columns: columns, index: make(map[string]int, len(columns))}
	for i, c := range columns {
		if _, dup := t.index[c]; !dup {
			t.index[c] = i
		}
	}
	t.Rows = make([][]string, 0, len(rows))
	for _, r := range rows {
		if len(r) != len(columns) {
			fixed := make([]string, len(columns))
			copy(fixed, r)
			r = fixed
		}
		t.Rows = append(t.Rows, r)
	}
	return t
}

// Index returns the position of col, or -1.
func (t *Table) Index(col string) int {
	if i, ok := t.index[col]; ok {
		return i
	}
	return -1
}

// Has reports whether col is in the header.
func (t *Table) Has(col string) bool {
	return t.Index(col) >= 0
}

// Missing returns the subset of cols absent from the header, in input order.
func (t *Table) Missing(cols ...string) []string {
	var out []string
	for _, c := range cols {
		if !t.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Value returns the trimmed cell at row for col, or "" when col is absent.
func (t *Table) Value(row int, col string) string {
	i := t.Index(col)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(t.Rows[row][i])
}

// Column returns every value of col.
func (t *Table) Column(col string) []string {
	out := make([]string, len(t.Rows))
	for r := range t.Rows {
		out[r] = t.Value(r, col)
	}
	return out
}

// ReadFile reads path as XLSX when it has an .xlsx extension, and as
// delimited text otherwise.
func ReadFile(path string) (*Table, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return ReadXLSX(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "tabular: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	return ReadDelimited(f)
}

// ReadDelimited reads delimited text, sniffing the delimiter from the header line.
func ReadDelimited(r io.Reader) (*Table, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4096)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, eris.Wrap(err, "tabular: peek header")
	}
	if len(head) == 0 {
		return nil, eris.New("tabular: empty input")
	}

	reader := csv.NewReader(br)
	reader.Comma = SniffDelimiter(head)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "tabular: read rows")
	}
	if len(records) == 0 {
		return nil, eris.New("tabular: missing header row")
	}

	header := records[0]
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	rows := records[1:]
	// Drop fully blank trailing lines.
	for len(rows) > 0 && isBlank(rows[len(rows)-1]) {
		rows = rows[:len(rows)-1]
	}
	return New(header, rows), nil
}

var candidateDelimiters = []rune{'\t', ',', ';', '|'}

// SniffDelimiter picks the candidate delimiter that occurs most often in the
// first line of sample. Ties favor the earlier candidate; default is comma.
func SniffDelimiter(sample []byte) rune {
	line := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		line = sample[:i]
	}

	best, bestCount := ',', 0
	for _, d := range candidateDelimiters {
		if n := bytes.Count(line, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
