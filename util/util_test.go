package util

import "testing"

func TestLimiterCheck(t *testing.T) {
	cases := []struct {
		name string
		lim  Limiter
		v    float64
		want bool
	}{
		{"zero value passes anything", Limiter{}, 1e9, true},
		{"inside", Limiter{Min: -5, Max: 5}, 0, true},
		{"at lower bound", Limiter{Min: -5, Max: 5}, -5, true},
		{"at upper bound", Limiter{Min: -5, Max: 5}, 5, true},
		{"below", Limiter{Min: -5, Max: 5}, -5.001, false},
		{"above", Limiter{Min: -5, Max: 5}, 5.001, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.lim.Check(tc.v); got != tc.want {
				t.Errorf("Check(%v) = %v, want %v", tc.v, got, tc.want)
			}
		})
	}
}

func TestLimiterClamp(t *testing.T) {
	l := Limiter{Min: 0, Max: 100}
	if got := l.Clamp(-1); got != 0 {
		t.Errorf("Clamp(-1) = %v, want 0", got)
	}
	if got := l.Clamp(101); got != 100 {
		t.Errorf("Clamp(101) = %v, want 100", got)
	}
	if got := l.Clamp(50); got != 50 {
		t.Errorf("Clamp(50) = %v, want 50", got)
	}
}
