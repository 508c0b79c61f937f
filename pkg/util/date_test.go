package util

import "testing"

func TestStepSeconds(t *testing.T) {
    cases := map[string]int64{"30s": 30, "5m": 300, "1h": 3600, "1d": 86400, "m": 60}
    for in, want := range cases {
        got, err := StepSeconds(in)
        if err != nil {
            t.Fatalf("%s: %v", in, err)
        }
        if got != want {
            t.Fatalf("%s: got %d want %d", in, got, want)
        }
    }
    for _, bad := range []string{"", "0m", "5w", "xm"} {
        if _, err := StepSeconds(bad); err == nil {
            t.Fatalf("expected error for %q", bad)
        }
    }
}

func TestMaxGap(t *testing.T) {
    if g := MaxGap([]int64{0, 60, 120, 600, 660}); g != 480 {
        t.Fatalf("unexpected gap %d", g)
    }
    if g := MaxGap(nil); g != 0 {
        t.Fatalf("unexpected gap %d", g)
    }
}
