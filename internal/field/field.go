// Package field defines the gridded multi-channel atmospheric state and the
// climatology used to move it between physical and normalized units.
package field

import (
	"errors"
	"fmt"
	"math"
)

// ErrShape is returned when two arrays that must agree in shape do not.
var ErrShape = errors.New("shape mismatch")

// Grid is an equiangular latitude/longitude grid. Latitude index 0 is the
// north pole and NLat-1 the south pole; longitudes start at 0° and do not
// repeat the periodic point.
type Grid struct {
	NLat int
	NLon int
}

// Global is the 0.25° ERA5 grid the surrogate models are trained on.
var Global = Grid{NLat: 721, NLon: 1440}

// Size is the number of points on one horizontal slice.
func (g Grid) Size() int { return g.NLat * g.NLon }

// Latitude returns the latitude of row j in degrees.
func (g Grid) Latitude(j int) float64 {
	if g.NLat == 1 {
		return 0
	}
	return 90 - 180*float64(j)/float64(g.NLat-1)
}

// LatWeights returns cos(latitude) per row normalized to unit mean.
func (g Grid) LatWeights() []float64 {
	w := make([]float64, g.NLat)
	var sum float64
	for j := range w {
		w[j] = math.Cos(g.Latitude(j) * math.Pi / 180)
		if w[j] < 0 {
			w[j] = 0
		}
		sum += w[j]
	}
	if sum == 0 {
		for j := range w {
			w[j] = 1
		}
		return w
	}
	mean := sum / float64(g.NLat)
	for j := range w {
		w[j] /= mean
	}
	return w
}

func (g Grid) String() string { return fmt.Sprintf("%dx%d", g.NLat, g.NLon) }

// Field is a [channel][lat][lon] array stored row-major in Data.
type Field struct {
	Channels int
	Grid     Grid
	Data     []float64
}

// New returns a zero field.
func New(channels int, g Grid) *Field {
	return &Field{Channels: channels, Grid: g, Data: make([]float64, channels*g.Size())}
}

// FromData wraps data without copying it.
func FromData(channels int, g Grid, data []float64) (*Field, error) {
	if len(data) != channels*g.Size() {
		return nil, fmt.Errorf("field data length %d for %d channels on %s: %w", len(data), channels, g, ErrShape)
	}
	return &Field{Channels: channels, Grid: g, Data: data}, nil
}

// Len is the total number of values.
func (f *Field) Len() int { return len(f.Data) }

// Channel returns the slice backing channel c.
func (f *Field) Channel(c int) []float64 {
	n := f.Grid.Size()
	return f.Data[c*n : (c+1)*n]
}

// Index returns the flat offset of (c, j, k).
func (f *Field) Index(c, j, k int) int {
	return (c*f.Grid.NLat+j)*f.Grid.NLon + k
}

// At returns the value at (c, j, k).
func (f *Field) At(c, j, k int) float64 { return f.Data[f.Index(c, j, k)] }

// Set stores v at (c, j, k).
func (f *Field) Set(c, j, k int, v float64) { f.Data[f.Index(c, j, k)] = v }

// Clone returns a deep copy.
func (f *Field) Clone() *Field {
	out := &Field{Channels: f.Channels, Grid: f.Grid, Data: make([]float64, len(f.Data))}
	copy(out.Data, f.Data)
	return out
}

// SameShape reports whether f and o have identical channel count and grid.
func (f *Field) SameShape(o *Field) bool {
	return f.Channels == o.Channels && f.Grid == o.Grid
}

// CheckShape returns ErrShape unless o matches f.
func (f *Field) CheckShape(o *Field) error {
	if !f.SameShape(o) {
		return fmt.Errorf("field %dx%s vs %dx%s: %w", f.Channels, f.Grid, o.Channels, o.Grid, ErrShape)
	}
	return nil
}

// Concat stacks fields along the channel axis.
func Concat(fields ...*Field) (*Field, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("concat: no fields: %w", ErrShape)
	}
	g := fields[0].Grid
	channels := 0
	for _, f := range fields {
		if f.Grid != g {
			return nil, fmt.Errorf("concat grid %s vs %s: %w", f.Grid, g, ErrShape)
		}
		channels += f.Channels
	}
	out := New(channels, g)
	off := 0
	for _, f := range fields {
		copy(out.Data[off:], f.Data)
		off += len(f.Data)
	}
	return out, nil
}

// Slice returns a copy of channels [from, to).
func (f *Field) Slice(from, to int) (*Field, error) {
	if from < 0 || to > f.Channels || from >= to {
		return nil, fmt.Errorf("slice channels [%d,%d) of %d: %w", from, to, f.Channels, ErrShape)
	}
	n := f.Grid.Size()
	out := New(to-from, f.Grid)
	copy(out.Data, f.Data[from*n:to*n])
	return out, nil
}
