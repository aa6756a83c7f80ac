// Package transform holds the pure tabular transforms shared by the
// pipelines: categorical bucketing, clamped composite scoring and the small
// arithmetic helpers the per-pipeline heuristics are built from. Transforms
// never perform I/O and never change row counts; filtering belongs to the
// branch stages.
package transform

import (
	"math"
	"strings"

	"github.com/datajourney/etl/table"
)

// Bucket maps v to the label of the half-open interval (edges[i], edges[i+1]]
// it falls into. len(edges) must be len(labels)+1. Values outside the overall
// range return "" (no label).
func Bucket(v float64, edges []float64, labels []string) string {
	for i := 0; i < len(labels); i++ {
		if v > edges[i] && v <= edges[i+1] {
			return labels[i]
		}
	}
	return ""
}

// BucketColumn derives dst by bucketing the numeric column src. A nil or
// non-numeric source cell yields a nil label; every numeric cell inside the
// bin range yields a non-nil label.
func BucketColumn(t *table.Table, src, dst string, edges []float64, labels []string) {
	t.AddColumn(dst, func(r table.Row) any {
		f, ok := table.AsFloat(r[src])
		if !ok {
			return nil
		}
		if lbl := Bucket(f, edges, labels); lbl != "" {
			return lbl
		}
		return nil
	})
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ClampScore bounds a composite score to the documented 0..100 range.
func ClampScore(v float64) float64 {
	return Clamp(v, 0, 100)
}

// SafeDiv divides num by den, substituting fallback when the denominator is
// zero instead of producing an infinity.
func SafeDiv(num, den, fallback float64) float64 {
	if den == 0 {
		return fallback
	}
	return num / den
}

// PctDeviation returns the percentage deviation of v from base, 0 when the
// base is not positive.
func PctDeviation(v, base float64) float64 {
	if base <= 0 {
		return 0
	}
	return (v - base) / base * 100
}

// Round2 rounds to two decimals, the precision the derived percentage
// columns are persisted with.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// TitleCase uppercases the first letter of each hyphen- or space-separated
// word, leaving the rest lowercased.
func TitleCase(s string) string {
	word := func(w string) string {
		if w == "" {
			return w
		}
		return strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	for _, sep := range []string{" ", "-"} {
		parts := strings.Split(s, sep)
		for i, p := range parts {
			parts[i] = word(p)
		}
		s = strings.Join(parts, sep)
	}
	return s
}
