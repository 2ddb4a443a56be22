package session

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ShowAllQuery is the sentinel filter query meaning "no filter".
const ShowAllQuery = "show entire table"

// Column describes one dataset column with a sniffed type.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransformMeta summarises a sandboxed row mutation.
type TransformMeta struct {
	RowsBefore int `json:"rowsBefore"`
	RowsAfter  int `json:"rowsAfter"`
	Removed    int `json:"removed"`
	Added      int `json:"added"`
	Modified   int `json:"modified"`
}

// View is the mutable tabular state filters and transforms operate on.
type View struct {
	mu         sync.RWMutex
	name       string
	columns    []Column
	rows       []map[string]interface{}
	query      string
	matched    int
	topN       int
	sortColumn string
	sortDir    string
	updatedAt  time.Time
}

// ViewInfo is the read-only summary included in session snapshots and prompt
// context.
type ViewInfo struct {
	Name     string                   `json:"name,omitempty"`
	Columns  []Column                 `json:"columns"`
	RowCount int                      `json:"rowCount"`
	Matched  int                      `json:"matched"`
	Query    string                   `json:"query,omitempty"`
	TopN     int                      `json:"topN,omitempty"`
	Preview  []map[string]interface{} `json:"preview,omitempty"`
}

// NewView builds a view over already-parsed rows.
func NewView(columns []Column, rows []map[string]interface{}) *View {
	return &View{
		columns:   columns,
		rows:      rows,
		matched:   len(rows),
		updatedAt: time.Now().UTC(),
	}
}

// LoadCSV parses CSV input into a fresh view. The first record is the header;
// cell types are sniffed as number or string per column.
func LoadCSV(r io.Reader) (*View, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	var rows []map[string]interface{}
	numeric := make([]bool, len(header))
	for i := range numeric {
		numeric[i] = true
	}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(rows)+2, err)
		}
		row := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i >= len(record) {
				row[col] = ""
				continue
			}
			cell := record[i]
			if n, err := strconv.ParseFloat(cell, 64); err == nil && cell != "" {
				row[col] = n
			} else {
				row[col] = cell
				if cell != "" {
					numeric[i] = false
				}
			}
		}
		rows = append(rows, row)
	}
	columns := make([]Column, len(header))
	for i, col := range header {
		typ := "string"
		if numeric[i] {
			typ = "number"
		}
		columns[i] = Column{Name: col, Type: typ}
	}
	// Mixed columns settle as strings so downstream code sees one type.
	for _, row := range rows {
		for i, col := range header {
			if numeric[i] {
				continue
			}
			if n, ok := row[col].(float64); ok {
				row[col] = strconv.FormatFloat(n, 'f', -1, 64)
			}
		}
	}
	return NewView(columns, rows), nil
}

// SetName labels the view with its source, usually the uploaded filename.
func (v *View) SetName(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.name = name
}

// Name returns the view's source label.
func (v *View) Name() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.name
}

// Columns returns a copy of the column metadata.
func (v *View) Columns() []Column {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]Column(nil), v.columns...)
}

// ColumnNames returns just the column names.
func (v *View) ColumnNames() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.columns))
	for i, c := range v.columns {
		out[i] = c.Name
	}
	return out
}

// Rows returns a shallow copy of the row slice.
func (v *View) Rows() []map[string]interface{} {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]map[string]interface{}(nil), v.rows...)
}

// RowCount returns the number of rows.
func (v *View) RowCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.rows)
}

// ApplyQuery records the active filter and recounts matches. The sentinel
// query clears the filter. Matching is token containment over cell text; the
// rows themselves are untouched.
func (v *View) ApplyQuery(query string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	query = strings.TrimSpace(query)
	if query == "" || strings.EqualFold(query, ShowAllQuery) {
		v.query = ""
		v.matched = len(v.rows)
		v.updatedAt = time.Now().UTC()
		return v.matched
	}
	v.query = query
	tokens := strings.Fields(strings.ToLower(query))
	matched := 0
	for _, row := range v.rows {
		if rowMatches(row, tokens) {
			matched++
		}
	}
	v.matched = matched
	v.updatedAt = time.Now().UTC()
	return matched
}

func rowMatches(row map[string]interface{}, tokens []string) bool {
	for _, tok := range tokens {
		hit := false
		for _, val := range row {
			if strings.Contains(strings.ToLower(fmt.Sprint(val)), tok) {
				hit = true
				break
			}
		}
		if hit {
			return true
		}
	}
	return false
}

// Query returns the active filter, empty when unfiltered.
func (v *View) Query() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.query
}

// SetTopN limits the displayed rows. Returns false when the view already has
// that limit, which callers report as a skipped no-op.
func (v *View) SetTopN(n int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.topN == n {
		return false
	}
	v.topN = n
	v.updatedAt = time.Now().UTC()
	return true
}

// TopN returns the current display limit, zero for unlimited.
func (v *View) TopN() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.topN
}

// HasColumn reports whether the view carries the named column.
func (v *View) HasColumn(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, c := range v.columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// Sort orders rows by the named column. Returns false when the view is
// already sorted that way, which callers report as a skipped no-op.
func (v *View) Sort(column, direction string) bool {
	if direction != "desc" {
		direction = "asc"
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sortColumn == column && v.sortDir == direction {
		return false
	}
	desc := direction == "desc"
	sort.SliceStable(v.rows, func(i, j int) bool {
		less := cellLess(v.rows[i][column], v.rows[j][column])
		if desc {
			return !less && !cellEqual(v.rows[i][column], v.rows[j][column])
		}
		return less
	})
	v.sortColumn = column
	v.sortDir = direction
	v.updatedAt = time.Now().UTC()
	return true
}

func cellLess(a, b interface{}) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func cellEqual(a, b interface{}) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// ReplaceRows swaps in transformed rows and rebuilds column metadata from the
// first row when columns changed.
func (v *View) ReplaceRows(rows []map[string]interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rows = rows
	if len(rows) > 0 {
		known := make(map[string]bool, len(v.columns))
		for _, c := range v.columns {
			known[c.Name] = true
		}
		for name, val := range rows[0] {
			if known[name] {
				continue
			}
			typ := "string"
			if _, ok := val.(float64); ok {
				typ = "number"
			}
			v.columns = append(v.columns, Column{Name: name, Type: typ})
		}
	}
	v.matched = len(rows)
	v.query = ""
	v.sortColumn = ""
	v.sortDir = ""
	v.updatedAt = time.Now().UTC()
}

// Info builds the snapshot summary with a short preview.
func (v *View) Info() *ViewInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	info := &ViewInfo{
		Name:     v.name,
		Columns:  append([]Column(nil), v.columns...),
		RowCount: len(v.rows),
		Matched:  v.matched,
		Query:    v.query,
		TopN:     v.topN,
	}
	n := 5
	if len(v.rows) < n {
		n = len(v.rows)
	}
	for i := 0; i < n; i++ {
		row := make(map[string]interface{}, len(v.rows[i]))
		for k, val := range v.rows[i] {
			row[k] = val
		}
		info.Preview = append(info.Preview, row)
	}
	return info
}
