package table

import (
	"math"
	"slices"
)

// floats collects the numeric values of a column, skipping nil and
// non-numeric cells.
func (t *Table) floats(col string) []float64 {
	out := make([]float64, 0, len(t.rows))
	for _, r := range t.rows {
		if f, ok := AsFloat(r[col]); ok {
			out = append(out, f)
		}
	}
	return out
}

// Mean returns the arithmetic mean of a numeric column, or 0 when the column
// holds no numeric values.
func (t *Table) Mean(col string) float64 {
	vals := t.floats(col)
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// Std returns the sample standard deviation (ddof=1) of a numeric column.
func (t *Table) Std(col string) float64 {
	vals := t.floats(col)
	if len(vals) < 2 {
		return 0
	}
	mean := t.Mean(col)
	var ss float64
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vals)-1))
}

// Max returns the maximum of a numeric column, or 0 for an empty column.
func (t *Table) Max(col string) float64 {
	vals := t.floats(col)
	if len(vals) == 0 {
		return 0
	}
	return slices.Max(vals)
}

// Min returns the minimum of a numeric column, or 0 for an empty column.
func (t *Table) Min(col string) float64 {
	vals := t.floats(col)
	if len(vals) == 0 {
		return 0
	}
	return slices.Min(vals)
}

// Quantile returns the q-th quantile (0..1) of a numeric column using linear
// interpolation between closest ranks, matching the default of most tabular
// libraries.
func (t *Table) Quantile(col string, q float64) float64 {
	vals := t.floats(col)
	if len(vals) == 0 {
		return 0
	}
	slices.Sort(vals)
	if q <= 0 {
		return vals[0]
	}
	if q >= 1 {
		return vals[len(vals)-1]
	}
	pos := q * float64(len(vals)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return vals[lo]
	}
	frac := pos - float64(lo)
	return vals[lo]*(1-frac) + vals[hi]*frac
}
