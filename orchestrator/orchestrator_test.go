package orchestrator

import "testing"

func TestFeeForAppliesPercentToTheFullPot(t *testing.T) {
	cases := []struct {
		name       string
		stake, pct float64
		want       float64
	}{
		{"3% of a 20 pot", 10, 3, 0.6},
		{"zero stake charges no fee", 0, 3, 0},
		{"zero percent charges no fee", 10, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := feeFor(tc.stake, tc.pct); got != tc.want {
				t.Fatalf("feeFor(%v, %v) = %v, want %v", tc.stake, tc.pct, got, tc.want)
			}
		})
	}
}

func TestRoundCentsRoundsHalfUp(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0.605, 0.61},
		{0.604, 0.6},
		{1.995, 2.0},
		{0, 0},
	}
	for _, tc := range cases {
		if got := roundCents(tc.in); got != tc.want {
			t.Fatalf("roundCents(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
