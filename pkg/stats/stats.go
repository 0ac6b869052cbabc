// Package stats talks to the jump-stats service that produces duel metrics.
package stats

import (
	"context"
)

// Sample is one simulated jump. Metric (distance) decides a duel; the rest is for display.
type Sample struct {
	Metric   float64 `json:"distance"`
	MaxSpeed float64 `json:"max_val"`
	PreSpeed float64 `json:"pre"`
	Strafes  int     `json:"strafes"`
	Sync     float64 `json:"sync"`
	Color    string  `json:"color,omitempty"`
}

// Sampler returns n independent samples for mode in a single call.
type Sampler interface {
	Samples(ctx context.Context, mode string, n int) ([]Sample, error)
}
