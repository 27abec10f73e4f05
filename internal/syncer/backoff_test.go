package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DeterministicWithoutJitter(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{-1, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		got := cfg.Delay(tt.attempt)
		assert.InDelta(t, float64(tt.want), float64(got), float64(time.Microsecond), "attempt %d", tt.attempt)
	}
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.5}

	for range 100 {
		d := cfg.Delay(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second+time.Nanosecond)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	d := DefaultBackoff()
	assert.Equal(t, 2*time.Second, d.Initial)
	assert.Equal(t, 5*time.Minute, d.Max)

	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)
}
