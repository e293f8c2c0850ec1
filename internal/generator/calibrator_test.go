package generator

import (
	"math"
	"testing"
)

func ratePtr(v float64) *float64 { return &v }

func TestCalibrate(t *testing.T) {
	tests := []struct {
		name  string
		base  float64
		count int
		rate  *float64
		want  float64
	}{
		{"no history", 0.75, 0, nil, 0.75},
		{"frequency boost", 0.75, 2, nil, 0.85},
		{"frequency boost capped", 0.60, 100, nil, 0.75},
		{"perfect success record", 0.60, 0, ratePtr(1.0), 0.75},
		{"total failure record", 0.60, 0, ratePtr(0.0), 0.45},
		{"neutral success rate", 0.60, 0, ratePtr(0.5), 0.60},
		{"combined boost and adjustment", 0.70, 3, ratePtr(0.8), 0.94},
		{"clamped at one", 0.95, 10, ratePtr(1.0), 1.0},
		{"clamped at zero", 0.05, 0, ratePtr(0.0), 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Calibrate(tt.base, tt.count, tt.rate)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Calibrate(%v, %d, %v) = %v, want %v", tt.base, tt.count, tt.rate, got, tt.want)
			}
		})
	}
}

func TestCalibrateAlwaysInUnitInterval(t *testing.T) {
	for base := -0.5; base <= 1.5; base += 0.1 {
		for count := 0; count <= 20; count += 5 {
			for rate := 0.0; rate <= 1.0; rate += 0.25 {
				got := Calibrate(base, count, ratePtr(rate))
				if got < 0 || got > 1 {
					t.Fatalf("Calibrate(%v, %d, %v) = %v, out of [0,1]", base, count, rate, got)
				}
			}
		}
	}
}
