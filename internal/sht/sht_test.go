package sht

import (
	"math"
	"math/cmplx"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lox/neuralda/internal/field"
)

func TestClenshawCurtisWeights(t *testing.T) {
	for _, n := range []int{2, 5, 8, 20} {
		w := clenshawCurtis(n)
		var sum, m2 float64
		for j, v := range w {
			if v <= 0 {
				t.Errorf("n=%d: weight[%d] = %v, want > 0", n, j, v)
			}
			x := math.Cos(float64(j) * math.Pi / float64(n))
			sum += v
			m2 += v * x * x
		}
		assert.InDelta(t, 2.0, sum, 1e-12, "n=%d weight sum", n)
		assert.InDelta(t, 2.0/3.0, m2, 1e-12, "n=%d second moment", n)
	}
}

func TestConstantField(t *testing.T) {
	tr, err := New(field.Grid{NLat: 9, NLon: 16})
	if err != nil {
		t.Fatal(err)
	}
	grid := make([]float64, tr.Grid().Size())
	for i := range grid {
		grid[i] = 1
	}
	c := tr.Forward(grid)
	assert.InDelta(t, math.Sqrt(4*math.Pi), real(c.At(0, 0)), 1e-12)
	for l := 1; l < c.LMax; l++ {
		for m := 0; m <= l && m < c.MMax; m++ {
			if cmplx.Abs(c.At(l, m)) > 1e-12 {
				t.Errorf("a(%d,%d) = %v, want 0", l, m, c.At(l, m))
			}
		}
	}
}

func TestRoundTripBandLimited(t *testing.T) {
	grids := []field.Grid{
		{NLat: 9, NLon: 16},
		{NLat: 13, NLon: 24},
		{NLat: 10, NLon: 12},
	}
	for _, g := range grids {
		t.Run(g.String(), func(t *testing.T) {
			tr, err := New(g)
			if err != nil {
				t.Fatal(err)
			}
			r := rand.New(rand.NewPCG(7, uint64(g.NLat)))
			want := tr.NewCoeffs()
			for l := 0; l < tr.LMax(); l++ {
				for m := 0; m <= l && m < tr.MMax(); m++ {
					v := complex(r.NormFloat64(), r.NormFloat64())
					if m == 0 {
						v = complex(real(v), 0)
					}
					want.Set(l, m, v)
				}
			}

			ws := tr.NewWorkspace()
			grid := ws.Inverse(want, nil)
			got := ws.Forward(grid, nil)
			for i := range want.Data {
				if cmplx.Abs(got.Data[i]-want.Data[i]) > 1e-10 {
					t.Fatalf("coeff %d: got %v, want %v", i, got.Data[i], want.Data[i])
				}
			}

			back := ws.Inverse(got, nil)
			for i := range grid {
				assert.InDelta(t, grid[i], back[i], 1e-10)
			}
		})
	}
}

func TestNewRejectsTinyGrid(t *testing.T) {
	if _, err := New(field.Grid{NLat: 2, NLon: 8}); err == nil {
		t.Error("expected error for 2 latitudes")
	}
}

func TestLegendreOrthonormal(t *testing.T) {
	tr, err := New(field.Grid{NLat: 17, NLon: 32})
	if err != nil {
		t.Fatal(err)
	}
	// ∫ P̄(l,m) P̄(l',m) dx = δ / 2π under the exact quadrature.
	lmax, mmax := tr.LMax(), tr.MMax()
	for m := 0; m < mmax; m++ {
		for l := m; l < lmax; l++ {
			for l2 := m; l2 < lmax; l2++ {
				var sum float64
				for j := range tr.weights {
					p := tr.plm[j]
					sum += tr.weights[j] * p[l*mmax+m] * p[l2*mmax+m]
				}
				want := 0.0
				if l == l2 {
					want = 1 / (2 * math.Pi)
				}
				assert.InDelta(t, want, sum, 1e-12, "l=%d l'=%d m=%d", l, l2, m)
			}
		}
	}
}
