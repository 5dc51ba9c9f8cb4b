package queue

import (
	"testing"
	"time"
)

func TestRetryDelayBounds(t *testing.T) {
	floor, ceiling := time.Second, 30*time.Second

	tests := []struct {
		name    string
		attempt int
		lo, hi  time.Duration
	}{
		{"negative clamps to first", -3, time.Second, 1300 * time.Millisecond},
		{"first attempt", 1, time.Second, 1300 * time.Millisecond},
		{"third attempt", 3, 2800 * time.Millisecond, 5200 * time.Millisecond},
		{"deep attempt caps at ceiling", 10, 21 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 25; i++ {
				d := RetryDelay(tt.attempt, floor, ceiling)
				if d < tt.lo || d > tt.hi {
					t.Fatalf("RetryDelay(%d) = %v, want within [%v, %v]", tt.attempt, d, tt.lo, tt.hi)
				}
			}
		})
	}
}

func TestPollJitterSpreads(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := PollJitter(base)
		if d < base || d > base+base/2 {
			t.Fatalf("PollJitter = %v, want within [%v, %v]", d, base, base+base/2)
		}
	}

	if got := PollJitter(0); got != 0 {
		t.Errorf("PollJitter(0) = %v", got)
	}
}
