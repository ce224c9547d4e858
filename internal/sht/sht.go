// Package sht implements the real spherical-harmonic transform on an
// equiangular latitude/longitude grid that includes both poles.
//
// Harmonics are orthonormal on the unit sphere. Latitude integrals use
// Clenshaw-Curtis quadrature in cos(colatitude); the band limit is chosen so
// that forward-then-inverse is exact for fields band-limited to LMax.
package sht

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/lox/neuralda/internal/field"
)

// maxCachedLegendre bounds the size of the precomputed Legendre table.
// Larger grids recompute the values per latitude on every call.
const maxCachedLegendre = 1 << 24

// Transform holds the grid geometry and quadrature for one grid size. It is
// safe for concurrent use; per-goroutine scratch lives in a Workspace.
type Transform struct {
	grid    field.Grid
	lmax    int
	mmax    int
	cost    []float64
	sint    []float64
	weights []float64
	plm     [][]float64
}

// New prepares a transform for g. The grid needs at least three latitudes
// and four longitudes.
func New(g field.Grid) (*Transform, error) {
	if g.NLat < 3 || g.NLon < 4 {
		return nil, fmt.Errorf("sht: grid %s too small", g)
	}
	n := g.NLat - 1
	lmax := n/2 + 1
	mmax := lmax
	if half := g.NLon / 2; mmax > half {
		mmax = half
	}
	t := &Transform{
		grid:    g,
		lmax:    lmax,
		mmax:    mmax,
		cost:    make([]float64, g.NLat),
		sint:    make([]float64, g.NLat),
		weights: clenshawCurtis(n),
	}
	for j := 0; j < g.NLat; j++ {
		theta := math.Pi * float64(j) / float64(n)
		t.cost[j] = math.Cos(theta)
		t.sint[j] = math.Sin(theta)
	}
	// Pin the poles so that sin θ is exactly zero there.
	t.sint[0], t.sint[n] = 0, 0
	t.cost[0], t.cost[n] = 1, -1

	if g.NLat*lmax*mmax <= maxCachedLegendre {
		t.plm = make([][]float64, g.NLat)
		for j := range t.plm {
			t.plm[j] = make([]float64, lmax*mmax)
			legendre(t.cost[j], t.sint[j], lmax, mmax, t.plm[j])
		}
	}
	return t, nil
}

// Grid returns the grid the transform was built for.
func (t *Transform) Grid() field.Grid { return t.grid }

// LMax is the number of degrees retained (l = 0..LMax-1).
func (t *Transform) LMax() int { return t.lmax }

// MMax is the number of orders retained (m = 0..MMax-1).
func (t *Transform) MMax() int { return t.mmax }

// Weights returns the latitude quadrature weights. They sum to 2.
func (t *Transform) Weights() []float64 { return t.weights }

// Coeffs are spectral coefficients a(l,m) for 0 ≤ m ≤ l < LMax, m < MMax.
type Coeffs struct {
	LMax int
	MMax int
	Data []complex128
}

// NewCoeffs allocates zero coefficients sized for t.
func (t *Transform) NewCoeffs() *Coeffs {
	return &Coeffs{LMax: t.lmax, MMax: t.mmax, Data: make([]complex128, t.lmax*t.mmax)}
}

// At returns a(l,m).
func (c *Coeffs) At(l, m int) complex128 { return c.Data[l*c.MMax+m] }

// Set stores a(l,m).
func (c *Coeffs) Set(l, m int, v complex128) { c.Data[l*c.MMax+m] = v }

// Workspace carries the FFT plan and scratch buffers for one goroutine.
type Workspace struct {
	t    *Transform
	fft  *fourier.FFT
	spec []complex128
	plm  []float64
}

// NewWorkspace returns scratch space for t.
func (t *Transform) NewWorkspace() *Workspace {
	ws := &Workspace{
		t:    t,
		fft:  fourier.NewFFT(t.grid.NLon),
		spec: make([]complex128, t.grid.NLon/2+1),
	}
	if t.plm == nil {
		ws.plm = make([]float64, t.lmax*t.mmax)
	}
	return ws
}

func (ws *Workspace) legendreAt(j int) []float64 {
	t := ws.t
	if t.plm != nil {
		return t.plm[j]
	}
	legendre(t.cost[j], t.sint[j], t.lmax, t.mmax, ws.plm)
	return ws.plm
}

// Forward computes the coefficients of grid (NLat*NLon values, row-major)
// into dst, allocating it when nil.
func (ws *Workspace) Forward(grid []float64, dst *Coeffs) *Coeffs {
	t := ws.t
	nlon := t.grid.NLon
	if dst == nil {
		dst = t.NewCoeffs()
	} else {
		for i := range dst.Data {
			dst.Data[i] = 0
		}
	}
	dphi := 2 * math.Pi / float64(nlon)
	for j := 0; j < t.grid.NLat; j++ {
		w := t.weights[j] * dphi
		if w == 0 {
			continue
		}
		ws.fft.Coefficients(ws.spec, grid[j*nlon:(j+1)*nlon])
		p := ws.legendreAt(j)
		for m := 0; m < t.mmax; m++ {
			fm := ws.spec[m] * complex(w, 0)
			for l := m; l < t.lmax; l++ {
				idx := l*t.mmax + m
				dst.Data[idx] += complex(p[idx], 0) * fm
			}
		}
	}
	return dst
}

// Inverse synthesizes the grid for c into dst, allocating it when nil.
func (ws *Workspace) Inverse(c *Coeffs, dst []float64) []float64 {
	t := ws.t
	nlon := t.grid.NLon
	if dst == nil {
		dst = make([]float64, t.grid.Size())
	}
	for j := 0; j < t.grid.NLat; j++ {
		for i := range ws.spec {
			ws.spec[i] = 0
		}
		p := ws.legendreAt(j)
		for m := 0; m < t.mmax; m++ {
			var g complex128
			for l := m; l < t.lmax; l++ {
				idx := l*t.mmax + m
				g += complex(p[idx], 0) * c.Data[idx]
			}
			ws.spec[m] = g
		}
		ws.spec[0] = complex(real(ws.spec[0]), 0)
		ws.fft.Sequence(dst[j*nlon:(j+1)*nlon], ws.spec)
	}
	return dst
}

// Forward is a convenience wrapper that allocates a workspace.
func (t *Transform) Forward(grid []float64) *Coeffs {
	return t.NewWorkspace().Forward(grid, nil)
}

// Inverse is a convenience wrapper that allocates a workspace.
func (t *Transform) Inverse(c *Coeffs) []float64 {
	return t.NewWorkspace().Inverse(c, nil)
}

// legendre fills out[l*mmax+m] with the orthonormal associated Legendre
// function P̄(l,m)(x), x = cos θ, s = sin θ, normalized so that
// P̄(l,m)·e^{imφ} has unit norm on the sphere.
func legendre(x, s float64, lmax, mmax int, out []float64) {
	for i := range out {
		out[i] = 0
	}
	pmm := 1 / math.Sqrt(4*math.Pi)
	for m := 0; m < mmax; m++ {
		if m > 0 {
			pmm *= math.Sqrt(float64(2*m+1)/float64(2*m)) * s
		}
		out[m*mmax+m] = pmm
		if m+1 >= lmax {
			continue
		}
		p1 := math.Sqrt(float64(2*m+3)) * x * pmm
		out[(m+1)*mmax+m] = p1
		p2 := pmm
		for l := m + 2; l < lmax; l++ {
			fl, fm := float64(l), float64(m)
			a := math.Sqrt((4*fl*fl - 1) / (fl*fl - fm*fm))
			b := math.Sqrt(((fl-1)*(fl-1) - fm*fm) / (4*(fl-1)*(fl-1) - 1))
			p := a * (x*p1 - b*p2)
			out[l*mmax+m] = p
			p2, p1 = p1, p
		}
	}
}

// clenshawCurtis returns the n+1 Clenshaw-Curtis weights for ∫_{-1}^{1} on
// the nodes cos(jπ/n).
func clenshawCurtis(n int) []float64 {
	w := make([]float64, n+1)
	half := n / 2
	for j := 0; j <= n; j++ {
		sum := 0.0
		for k := 1; k <= half; k++ {
			b := 2.0
			if 2*k == n {
				b = 1
			}
			sum += b / float64(4*k*k-1) * math.Cos(2*float64(k*j)*math.Pi/float64(n))
		}
		c := 2.0
		if j == 0 || j == n {
			c = 1
		}
		w[j] = c / float64(n) * (1 - sum)
	}
	return w
}
