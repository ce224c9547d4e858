// Package covariance implements the background-error covariance operator:
// a fixed per-channel isotropic smoothing applied in spherical-harmonic
// space that maps the control vector to a spatially correlated increment.
package covariance

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/sht"
)

// HalfPad is the half-width, in grid rows, of the kernel patch.
const HalfPad = 5

// ErrLengthScale is returned for malformed length-scale input.
var ErrLengthScale = errors.New("invalid length scale")

// damping scales the increments of channels 4..7 (z50..z200).
var damping = map[int]float64{4: 0.6, 5: 0.6, 6: 0.7, 7: 0.8}

// Operator is built once per run and is safe for concurrent use.
type Operator struct {
	tr       *sht.Transform
	channels int
	// filter[c][l] = 2π·sqrt(4π/(2l+1)) · kernel_c(l, m=0)
	filter  [][]float64
	scale   []float64
	workers int
	pool    sync.Pool
}

// New builds the spectral cache for one length scale per channel.
// workers bounds the number of channels transformed concurrently.
func New(tr *sht.Transform, lenScale []float64, workers int) (*Operator, error) {
	if len(lenScale) == 0 {
		return nil, fmt.Errorf("no channels: %w", ErrLengthScale)
	}
	for c, v := range lenScale {
		if !(v > 0) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("channel %d: %v: %w", c, v, ErrLengthScale)
		}
	}
	if workers < 1 {
		workers = 1
	}
	g := tr.Grid()
	op := &Operator{
		tr:       tr,
		channels: len(lenScale),
		filter:   make([][]float64, len(lenScale)),
		scale:    make([]float64, len(lenScale)),
		workers:  workers,
	}
	op.pool.New = func() any { return newScratch(tr) }

	sph := make([]float64, tr.LMax())
	for l := range sph {
		sph[l] = 2 * math.Pi * math.Sqrt(4*math.Pi/float64(2*l+1))
	}

	ws := tr.NewWorkspace()
	kernel := make([]float64, g.Size())
	rows := HalfPad
	if rows > g.NLat {
		rows = g.NLat
	}
	for c, ls := range lenScale {
		for i := range kernel {
			kernel[i] = 0
		}
		for i := 0; i < rows; i++ {
			v := math.Exp(-float64(i*i) / (2 * ls * ls))
			row := kernel[i*g.NLon : (i+1)*g.NLon]
			for k := range row {
				row[k] = v
			}
		}
		coeffs := ws.Forward(kernel, nil)
		op.filter[c] = make([]float64, tr.LMax())
		for l := range op.filter[c] {
			op.filter[c][l] = sph[l] * real(coeffs.At(l, 0))
		}
		op.scale[c] = 1
		if d, ok := damping[c]; ok {
			op.scale[c] = d
		}
	}
	return op, nil
}

// Channels is the number of channels the operator was built for.
func (op *Operator) Channels() int { return op.channels }

type scratch struct {
	ws     *sht.Workspace
	coeffs *sht.Coeffs
}

func newScratch(tr *sht.Transform) *scratch {
	return &scratch{ws: tr.NewWorkspace(), coeffs: tr.NewCoeffs()}
}

// Transform returns xbNorm + L·w, the background plus the filtered
// increment. Transform(0, xb) equals xb exactly.
func (op *Operator) Transform(w, xbNorm *field.Field) (*field.Field, error) {
	if err := w.CheckShape(xbNorm); err != nil {
		return nil, err
	}
	out, err := op.Increment(w)
	if err != nil {
		return nil, err
	}
	floats.Add(out.Data, xbNorm.Data)
	return out, nil
}

// Increment returns L·w.
func (op *Operator) Increment(w *field.Field) (*field.Field, error) {
	if err := op.check(w); err != nil {
		return nil, err
	}
	out := field.New(w.Channels, w.Grid)
	op.each(func(s *scratch, c int) {
		op.filterChannel(s, w.Channel(c), out.Channel(c), c)
	})
	return out, nil
}

// Adjoint returns Lᵀ·g. With W the diagonal latitude quadrature weights,
// L = c·G·W with G symmetric, so Lᵀ = W·L·W⁻¹.
func (op *Operator) Adjoint(g *field.Field) (*field.Field, error) {
	if err := op.check(g); err != nil {
		return nil, err
	}
	grid := g.Grid
	weights := op.tr.Weights()
	out := field.New(g.Channels, grid)
	op.each(func(s *scratch, c int) {
		src := g.Channel(c)
		tmp := make([]float64, len(src))
		for j := 0; j < grid.NLat; j++ {
			w := weights[j]
			for k := 0; k < grid.NLon; k++ {
				i := j*grid.NLon + k
				if w > 0 {
					tmp[i] = src[i] / w
				}
			}
		}
		dst := out.Channel(c)
		op.filterChannel(s, tmp, dst, c)
		for j := 0; j < grid.NLat; j++ {
			row := dst[j*grid.NLon : (j+1)*grid.NLon]
			floats.Scale(weights[j], row)
		}
	})
	return out, nil
}

func (op *Operator) check(f *field.Field) error {
	if f.Channels != op.channels || f.Grid != op.tr.Grid() {
		return fmt.Errorf("operator %dx%s, field %dx%s: %w",
			op.channels, op.tr.Grid(), f.Channels, f.Grid, field.ErrShape)
	}
	return nil
}

func (op *Operator) filterChannel(s *scratch, src, dst []float64, c int) {
	coeffs := s.ws.Forward(src, s.coeffs)
	filt := op.filter[c]
	mmax := coeffs.MMax
	for l := 0; l < coeffs.LMax; l++ {
		f := complex(filt[l], 0)
		for m := 0; m <= l && m < mmax; m++ {
			coeffs.Data[l*mmax+m] *= f
		}
	}
	s.ws.Inverse(coeffs, dst)
	if sc := op.scale[c]; sc != 1 {
		floats.Scale(sc, dst)
	}
}

// each runs fn for every channel on a bounded set of goroutines. Channels
// write disjoint slices, so results do not depend on scheduling.
func (op *Operator) each(fn func(s *scratch, c int)) {
	jobs := make(chan int)
	var wg sync.WaitGroup
	n := op.workers
	if n > op.channels {
		n = op.channels
	}
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := op.pool.Get().(*scratch)
			defer op.pool.Put(s)
			for c := range jobs {
				fn(s, c)
			}
		}()
	}
	for c := 0; c < op.channels; c++ {
		jobs <- c
	}
	close(jobs)
	wg.Wait()
}
