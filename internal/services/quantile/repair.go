package quantile

import (
	"math"
	"sort"
)

// Warning codes emitted by Repair.
const (
	WarnCrossingFixed   = "quantile_crossing_fixed"
	WarnMinWidth        = "interval_min_width_enforced"
	WarnMaxWidthClamped = "interval_max_width_clamped"
	WarnInvalidReplaced = "invalid_values_replaced"
)

// Config bounds the 10/90 interval width. A zero bound is disabled.
type Config struct {
	MinIntervalWidth float64
	MaxIntervalWidth float64
}

// Result of a repair pass. Paths is a new map; inputs are never modified.
type Result struct {
	Paths         map[float64][]float64
	Warnings      []string
	CrossingSteps int
	InvalidValues int
	WidenedSteps  int
	NarrowedSteps int
}

// Repair makes every step monotone across levels, clamps to [0,1] and
// enforces interval-width bounds around the median. Steps are independent.
func Repair(paths map[float64][]float64, cfg Config) Result {
	levels := make([]float64, 0, len(paths))
	horizon := -1
	for q, p := range paths {
		levels = append(levels, q)
		if horizon < 0 || len(p) < horizon {
			horizon = len(p)
		}
	}
	sort.Float64s(levels)
	if horizon < 0 {
		horizon = 0
	}

	res := Result{Paths: make(map[float64][]float64, len(levels))}
	for _, q := range levels {
		res.Paths[q] = make([]float64, horizon)
	}

	col := make([]float64, len(levels))
	for t := 0; t < horizon; t++ {
		for i, q := range levels {
			col[i] = paths[q][t]
		}
		res.InvalidValues += replaceNonFinite(col)

		if !sort.Float64sAreSorted(col) {
			sort.Float64s(col)
			res.CrossingSteps++
		}
		for i := range col {
			col[i] = clamp01(col[i])
		}

		switch enforceWidth(levels, col, cfg) {
		case widened:
			res.WidenedSteps++
		case narrowed:
			res.NarrowedSteps++
		}

		for i, q := range levels {
			res.Paths[q][t] = col[i]
		}
	}

	if res.InvalidValues > 0 {
		res.Warnings = append(res.Warnings, WarnInvalidReplaced)
	}
	if res.CrossingSteps > 0 {
		res.Warnings = append(res.Warnings, WarnCrossingFixed)
	}
	if res.WidenedSteps > 0 {
		res.Warnings = append(res.Warnings, WarnMinWidth)
	}
	if res.NarrowedSteps > 0 {
		res.Warnings = append(res.Warnings, WarnMaxWidthClamped)
	}
	return res
}

// IsMonotone reports whether every step of paths is non-decreasing across
// levels and inside [0,1].
func IsMonotone(paths map[float64][]float64) bool {
	levels := make([]float64, 0, len(paths))
	for q := range paths {
		levels = append(levels, q)
	}
	sort.Float64s(levels)
	if len(levels) == 0 {
		return true
	}
	for t := range paths[levels[0]] {
		prev := 0.0
		for _, q := range levels {
			p := paths[q]
			if t >= len(p) {
				return false
			}
			v := p[t]
			if math.IsNaN(v) || v < prev || v > 1 {
				return false
			}
			prev = v
		}
	}
	return true
}

type widthAction int

const (
	untouched widthAction = iota
	widened
	narrowed
)

func enforceWidth(levels, col []float64, cfg Config) widthAction {
	lo, hi, mid := -1, -1, -1
	for i, q := range levels {
		switch q {
		case 0.1:
			lo = i
		case 0.9:
			hi = i
		case 0.5:
			mid = i
		}
	}
	if lo < 0 || hi < 0 {
		return untouched
	}
	median := (col[lo] + col[hi]) / 2
	if mid >= 0 {
		median = col[mid]
	}
	width := col[hi] - col[lo]

	target := width
	action := untouched
	if cfg.MinIntervalWidth > 0 && width < cfg.MinIntervalWidth {
		target, action = cfg.MinIntervalWidth, widened
	} else if cfg.MaxIntervalWidth > 0 && width > cfg.MaxIntervalWidth {
		target, action = cfg.MaxIntervalWidth, narrowed
	}
	if action == untouched {
		return untouched
	}
	col[lo] = clamp01(median - target/2)
	col[hi] = clamp01(median + target/2)
	// levels strictly inside the interval must stay within it
	for i := lo + 1; i < hi; i++ {
		col[i] = math.Min(math.Max(col[i], col[lo]), col[hi])
	}
	return action
}

func replaceNonFinite(col []float64) int {
	finite := make([]float64, 0, len(col))
	for _, v := range col {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == len(col) {
		return 0
	}
	fill := 0.5
	if len(finite) > 0 {
		sort.Float64s(finite)
		fill = finite[len(finite)/2]
	}
	n := 0
	for i, v := range col {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			col[i] = fill
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
