package observation

import (
	"fmt"
	"path/filepath"

	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/ncio"
)

// ErrorCovariance is the diagonal observation-error covariance over a
// window in normalized units. It is spatially uniform, so only one
// variance per (step, channel) is stored.
type ErrorCovariance struct {
	v [][]float64
}

// NewErrorCovariance builds R from the normalized observation standard
// deviation and the per-step model-error variances q, where q[k-1][c] is
// added to every step k ≥ 1.
func NewErrorCovariance(obsStd float64, channels int, q [][]float64) (*ErrorCovariance, error) {
	if !(obsStd > 0) {
		return nil, fmt.Errorf("obs std %v must be positive", obsStd)
	}
	base := obsStd * obsStd
	v := make([][]float64, len(q)+1)
	v[0] = make([]float64, channels)
	for c := range v[0] {
		v[0][c] = base
	}
	for k, qk := range q {
		if len(qk) != channels {
			return nil, fmt.Errorf("q%d has %d channels, want %d: %w", k+1, len(qk), channels, field.ErrShape)
		}
		v[k+1] = make([]float64, channels)
		for c, x := range qk {
			v[k+1][c] = base + x
		}
	}
	return &ErrorCovariance{v: v}, nil
}

// Steps is the window length R covers.
func (r *ErrorCovariance) Steps() int { return len(r.v) }

// Variance returns R at window step t for channel c.
func (r *ErrorCovariance) Variance(t, c int) float64 { return r.v[t][c] }

// LoadQ reads q1..q<daWin-1> from coeffDir and reduces each to its
// per-channel horizontal mean divided by the climatological variance.
func LoadQ(coeffDir string, daWin int, clim *field.Climatology) ([][]float64, error) {
	channels := clim.Channels()
	q := make([][]float64, 0, max(daWin-1, 0))
	for k := 1; k < daWin; k++ {
		path := filepath.Join(coeffDir, fmt.Sprintf("q%d.nc", k))
		a, err := ncio.Read(path, "q")
		if err != nil {
			return nil, fmt.Errorf("load q%d: %w", k, err)
		}
		if len(a.Shape) == 0 || a.Shape[0] != channels {
			return nil, fmt.Errorf("q%d shape %v, want %d leading channels: %w", k, a.Shape, channels, field.ErrShape)
		}
		per := len(a.Data) / channels
		row := make([]float64, channels)
		for c := range row {
			var sum float64
			for _, x := range a.Data[c*per : (c+1)*per] {
				sum += x
			}
			row[c] = sum / float64(per) / clim.Variance(c)
		}
		q = append(q, row)
	}
	return q, nil
}
