package table

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// Row maps column names to scalar values. Valid cell values are nil, bool,
// int64, float64, string and time.Time.
type Row map[string]any

// Table is the in-memory tabular dataset passed between pipeline stages.
// Column order is preserved; every row holds a value (possibly nil) for
// every declared column. A Table is owned by a single pipeline run and is
// never shared across runs.
type Table struct {
	cols []string
	rows []Row
}

func New(cols ...string) *Table {
	return &Table{cols: slices.Clone(cols)}
}

func (t *Table) Columns() []string {
	return slices.Clone(t.cols)
}

func (t *Table) Len() int {
	return len(t.rows)
}

func (t *Table) HasColumn(name string) bool {
	return slices.Contains(t.cols, name)
}

// Append adds a row. Keys not declared as columns are rejected; declared
// columns missing from the row are stored as nil.
func (t *Table) Append(r Row) error {
	for k := range r {
		if !slices.Contains(t.cols, k) {
			return fmt.Errorf("row has undeclared column %q", k)
		}
	}
	clean := make(Row, len(t.cols))
	for _, c := range t.cols {
		clean[c] = r[c]
	}
	t.rows = append(t.rows, clean)
	return nil
}

// Row returns the i-th row. The returned map is the backing store; transform
// stages mutate it in place.
func (t *Table) Row(i int) Row {
	return t.rows[i]
}

func (t *Table) Rows() []Row {
	return t.rows
}

// AddColumn appends a derived column computed per row. Adding an existing
// column overwrites its values but keeps its position.
func (t *Table) AddColumn(name string, fn func(Row) any) {
	if !slices.Contains(t.cols, name) {
		t.cols = append(t.cols, name)
	}
	for _, r := range t.rows {
		r[name] = fn(r)
	}
}

// SetConst adds a column holding the same value in every row.
func (t *Table) SetConst(name string, v any) {
	t.AddColumn(name, func(Row) any { return v })
}

// Rename changes a column name in place; a no-op if old is absent.
func (t *Table) Rename(old, new string) {
	i := slices.Index(t.cols, old)
	if i < 0 {
		return
	}
	t.cols[i] = new
	for _, r := range t.rows {
		r[new] = r[old]
		delete(r, old)
	}
}

// NormalizeColumns rewrites every column name to lower snake case.
func (t *Table) NormalizeColumns() {
	for _, c := range t.cols {
		t.Rename(c, NormalizeName(c))
	}
}

// NormalizeName lowercases a column name and replaces separators and case
// boundaries with underscores: "Purchase Amount (USD)" -> "purchase_amount_usd".
func NormalizeName(name string) string {
	var b strings.Builder
	prevUnderscore := true
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			prevUnderscore = false
		default:
			if !prevUnderscore {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// Filter returns a new Table holding only rows matching pred. Row maps are
// shared with the receiver; callers documented as filters only.
func (t *Table) Filter(pred func(Row) bool) *Table {
	out := New(t.cols...)
	for _, r := range t.rows {
		if pred(r) {
			out.rows = append(out.rows, r)
		}
	}
	return out
}

// Partition splits the table into rows matching pred and the remainder.
// Together the two halves hold every input row exactly once.
func (t *Table) Partition(pred func(Row) bool) (in, out *Table) {
	in, out = New(t.cols...), New(t.cols...)
	for _, r := range t.rows {
		if pred(r) {
			in.rows = append(in.rows, r)
		} else {
			out.rows = append(out.rows, r)
		}
	}
	return in, out
}

// Head returns at most n leading rows.
func (t *Table) Head(n int) *Table {
	if n > len(t.rows) {
		n = len(t.rows)
	}
	out := New(t.cols...)
	out.rows = t.rows[:n]
	return out
}

// EveryNth keeps every step-th row starting from the first. A step below 2
// returns the table unchanged. Used to cap merged datasets while keeping
// even representation across the original order.
func (t *Table) EveryNth(step int) *Table {
	if step < 2 {
		return t
	}
	out := New(t.cols...)
	for i := 0; i < len(t.rows); i += step {
		out.rows = append(out.rows, t.rows[i])
	}
	return out
}

// Concat appends the rows of all tables into one. Every table must declare
// the identical column set in the same order; callers add defaulted columns
// to branches before merging.
func Concat(tables ...*Table) (*Table, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables to concatenate")
	}
	first := tables[0]
	out := New(first.cols...)
	for i, t := range tables {
		if !slices.Equal(t.cols, first.cols) {
			return nil, fmt.Errorf("mismatched columns in part %d: %v vs %v", i+1, t.cols, first.cols)
		}
		out.rows = append(out.rows, t.rows...)
	}
	return out, nil
}

// LeftJoin joins right onto the receiver over the given key columns. Every
// left row appears at least once; unmatched rows carry nil for the right-side
// columns, and duplicated right keys duplicate left rows per the key's
// cardinality.
func (t *Table) LeftJoin(right *Table, keys ...string) *Table {
	extra := make([]string, 0, len(right.cols))
	for _, c := range right.cols {
		if !slices.Contains(t.cols, c) {
			extra = append(extra, c)
		}
	}
	out := New(append(t.Columns(), extra...)...)

	index := make(map[string][]Row)
	for _, r := range right.rows {
		k := joinKey(r, keys)
		index[k] = append(index[k], r)
	}

	for _, l := range t.rows {
		matches := index[joinKey(l, keys)]
		if len(matches) == 0 {
			merged := make(Row, len(out.cols))
			for _, c := range t.cols {
				merged[c] = l[c]
			}
			for _, c := range extra {
				merged[c] = nil
			}
			out.rows = append(out.rows, merged)
			continue
		}
		for _, r := range matches {
			merged := make(Row, len(out.cols))
			for _, c := range t.cols {
				merged[c] = l[c]
			}
			for _, c := range extra {
				merged[c] = r[c]
			}
			out.rows = append(out.rows, merged)
		}
	}
	return out
}

func joinKey(r Row, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%v", r[k])
	}
	return strings.Join(parts, "\x1f")
}
