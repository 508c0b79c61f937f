package util

import (
    "math"
    "sort"
)

// Quantile returns the type-7 empirical quantile of xs at level q: rank
// (n-1)*q, linear interpolation between the neighbouring order statistics.
// xs is not modified. Returns NaN for empty input.
func Quantile(xs []float64, q float64) float64 {
    n := len(xs)
    if n == 0 {
        return math.NaN()
    }
    sorted := append([]float64(nil), xs...)
    sort.Float64s(sorted)
    if q <= 0 {
        return sorted[0]
    }
    if q >= 1 {
        return sorted[n-1]
    }
    rank := float64(n-1) * q
    lo := int(math.Floor(rank))
    hi := int(math.Ceil(rank))
    if lo == hi {
        return sorted[lo]
    }
    frac := rank - float64(lo)
    return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Mean of xs; NaN for empty input.
func Mean(xs []float64) float64 {
    if len(xs) == 0 {
        return math.NaN()
    }
    s := 0.0
    for _, x := range xs {
        s += x
    }
    return s / float64(len(xs))
}

// Variance is the unbiased sample variance; 0 when fewer than two points.
func Variance(xs []float64) float64 {
    if len(xs) < 2 {
        return 0
    }
    m := Mean(xs)
    s := 0.0
    for _, x := range xs {
        d := x - m
        s += d * d
    }
    return s / float64(len(xs)-1)
}

// Logit maps p in (0,1) to the real line after clipping to [eps, 1-eps].
func Logit(p, eps float64) float64 {
    p = Clip(p, eps, 1-eps)
    return math.Log(p / (1 - p))
}

// Sigmoid is the inverse of Logit.
func Sigmoid(x float64) float64 {
    if x >= 0 {
        return 1 / (1 + math.Exp(-x))
    }
    e := math.Exp(x)
    return e / (1 + e)
}

// Clip bounds v to [lo, hi].
func Clip(v, lo, hi float64) float64 {
    if v < lo {
        return lo
    }
    if v > hi {
        return hi
    }
    return v
}

// AllFinite reports whether every value is neither NaN nor Inf.
func AllFinite(xs []float64) bool {
    for _, x := range xs {
        if math.IsNaN(x) || math.IsInf(x, 0) {
            return false
        }
    }
    return true
}
