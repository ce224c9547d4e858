package field

import (
	"errors"
	"fmt"
	"math"
)

// Climatology is the per-channel mean and standard deviation that defines
// the normalized state space. It is loaded once and never mutated.
type Climatology struct {
	Mean []float64
	Std  []float64
}

// NewClimatology validates mean and std.
func NewClimatology(mean, std []float64) (*Climatology, error) {
	if len(mean) != len(std) {
		return nil, fmt.Errorf("climatology mean %d vs std %d: %w", len(mean), len(std), ErrShape)
	}
	if len(mean) == 0 {
		return nil, errors.New("climatology: empty")
	}
	for c, s := range std {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("climatology: std[%d] = %v must be positive", c, s)
		}
		if math.IsNaN(mean[c]) || math.IsInf(mean[c], 0) {
			return nil, fmt.Errorf("climatology: mean[%d] = %v", c, mean[c])
		}
	}
	return &Climatology{Mean: append([]float64(nil), mean...), Std: append([]float64(nil), std...)}, nil
}

// Channels is the number of channels described.
func (c *Climatology) Channels() int { return len(c.Mean) }

func (c *Climatology) check(f *Field) error {
	if f.Channels != len(c.Mean) {
		return fmt.Errorf("field has %d channels, climatology %d: %w", f.Channels, len(c.Mean), ErrShape)
	}
	return nil
}

// Normalize returns (f - mean) / std per channel.
func (c *Climatology) Normalize(f *Field) (*Field, error) {
	if err := c.check(f); err != nil {
		return nil, err
	}
	out := New(f.Channels, f.Grid)
	for ch := 0; ch < f.Channels; ch++ {
		src, dst := f.Channel(ch), out.Channel(ch)
		m, s := c.Mean[ch], c.Std[ch]
		for i, v := range src {
			dst[i] = (v - m) / s
		}
	}
	return out, nil
}

// Denormalize returns z * std + mean per channel.
func (c *Climatology) Denormalize(z *Field) (*Field, error) {
	if err := c.check(z); err != nil {
		return nil, err
	}
	out := New(z.Channels, z.Grid)
	for ch := 0; ch < z.Channels; ch++ {
		src, dst := z.Channel(ch), out.Channel(ch)
		m, s := c.Mean[ch], c.Std[ch]
		for i, v := range src {
			dst[i] = v*s + m
		}
	}
	return out, nil
}

// Variance returns std² for channel ch.
func (c *Climatology) Variance(ch int) float64 { return c.Std[ch] * c.Std[ch] }
