package observation

import (
	"fmt"
	"path/filepath"

	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/ncio"
)

// Mask is the observation operator H: 1 where a channel is observed at a
// grid point, 0 elsewhere. One pattern is shared by every window step.
type Mask struct {
	*field.Field
}

// MaskPath is where the pattern for obsType lives under dir.
func MaskPath(dir, obsType string) string {
	return filepath.Join(dir, fmt.Sprintf("mask_%s.nc", obsType))
}

// LoadMask reads the "mask" variable at path and broadcasts it to
// channels×g. Accepted shapes are (C, lat, lon), (1, lat, lon) and
// (lat, lon).
func LoadMask(path string, channels int, g field.Grid) (*Mask, error) {
	a, err := ncio.Read(path, "mask")
	if err != nil {
		return nil, fmt.Errorf("load mask: %w", err)
	}
	return NewMask(a, channels, g)
}

// NewMask validates and broadcasts a.
func NewMask(a ncio.Array, channels int, g field.Grid) (*Mask, error) {
	var layers int
	switch {
	case len(a.Shape) == 2 && a.Shape[0] == g.NLat && a.Shape[1] == g.NLon:
		layers = 1
	case len(a.Shape) == 3 && a.Shape[1] == g.NLat && a.Shape[2] == g.NLon &&
		(a.Shape[0] == 1 || a.Shape[0] == channels):
		layers = a.Shape[0]
	default:
		return nil, fmt.Errorf("mask shape %v for %d channels on %s: %w", a.Shape, channels, g, field.ErrShape)
	}
	for i, v := range a.Data {
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("mask value %v at %d: want 0 or 1", v, i)
		}
	}
	f := field.New(channels, g)
	n := g.Size()
	for c := 0; c < channels; c++ {
		src := a.Data
		if layers > 1 {
			src = a.Data[c*n : (c+1)*n]
		}
		copy(f.Channel(c), src[:n])
	}
	return &Mask{Field: f}, nil
}

// Count is the number of observed points.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}
