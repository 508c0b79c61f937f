package util

import (
    "fmt"
    "strconv"
    "strings"
)

// StepSeconds converts a sampling frequency such as "30s", "5m", "1h" or "1d"
// into seconds.
func StepSeconds(freq string) (int64, error) {
    f := strings.TrimSpace(strings.ToLower(freq))
    if f == "" {
        return 0, fmt.Errorf("empty freq")
    }
    unit := f[len(f)-1]
    num := f[:len(f)-1]
    if num == "" {
        num = "1"
    }
    n, err := strconv.ParseInt(num, 10, 64)
    if err != nil || n <= 0 {
        return 0, fmt.Errorf("invalid freq %q", freq)
    }
    switch unit {
    case 's':
        return n, nil
    case 'm':
        return n * 60, nil
    case 'h':
        return n * 3600, nil
    case 'd':
        return n * 86400, nil
    default:
        return 0, fmt.Errorf("invalid freq unit %q", freq)
    }
}

// MaxGap returns the largest difference between consecutive timestamps.
func MaxGap(ts []int64) int64 {
    var gap int64
    for i := 1; i < len(ts); i++ {
        if d := ts[i] - ts[i-1]; d > gap {
            gap = d
        }
    }
    return gap
}
