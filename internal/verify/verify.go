// Package verify scores states against truth and accumulates the per-cycle
// background and analysis metric series.
package verify

import (
	"fmt"
	"math"

	"github.com/lox/neuralda/internal/field"
)

// WRMSE returns the per-channel latitude-weighted RMSE of two normalized
// fields, rescaled to physical units by std.
func WRMSE(pred, truth *field.Field, std []float64) ([]float64, error) {
	sq, err := weighted(pred, truth, std, func(d float64) float64 { return d * d })
	if err != nil {
		return nil, err
	}
	for c, v := range sq {
		sq[c] = math.Sqrt(v) * std[c]
	}
	return sq, nil
}

// Bias returns the per-channel latitude-weighted mean of pred − truth in
// physical units.
func Bias(pred, truth *field.Field, std []float64) ([]float64, error) {
	b, err := weighted(pred, truth, std, func(d float64) float64 { return d })
	if err != nil {
		return nil, err
	}
	for c := range b {
		b[c] *= std[c]
	}
	return b, nil
}

// MSE is the unweighted mean squared difference over all channels and
// points.
func MSE(pred, truth *field.Field) (float64, error) {
	if err := pred.CheckShape(truth); err != nil {
		return 0, err
	}
	var sum float64
	for i, v := range pred.Data {
		d := v - truth.Data[i]
		sum += d * d
	}
	return sum / float64(len(pred.Data)), nil
}

func weighted(pred, truth *field.Field, std []float64, fn func(float64) float64) ([]float64, error) {
	if err := pred.CheckShape(truth); err != nil {
		return nil, err
	}
	if len(std) != pred.Channels {
		return nil, fmt.Errorf("std has %d channels, field %d: %w", len(std), pred.Channels, field.ErrShape)
	}
	g := pred.Grid
	w := g.LatWeights()
	out := make([]float64, pred.Channels)
	for c := range out {
		p, t := pred.Channel(c), truth.Channel(c)
		var sum float64
		for j := 0; j < g.NLat; j++ {
			row := j * g.NLon
			var rs float64
			for k := 0; k < g.NLon; k++ {
				rs += fn(p[row+k] - t[row+k])
			}
			sum += w[j] * rs
		}
		out[c] = sum / float64(g.Size())
	}
	return out, nil
}

// Snapshot is one diagnostic evaluation of a normalized state.
type Snapshot struct {
	WRMSE []float64
	Bias  []float64
	MSE   float64
}

// Evaluate scores pred against truth, both normalized.
func Evaluate(pred, truth *field.Field, std []float64) (Snapshot, error) {
	wrmse, err := WRMSE(pred, truth, std)
	if err != nil {
		return Snapshot{}, err
	}
	bias, err := Bias(pred, truth, std)
	if err != nil {
		return Snapshot{}, err
	}
	mse, err := MSE(pred, truth)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{WRMSE: wrmse, Bias: bias, MSE: mse}, nil
}

// RMSE returns the plain per-channel RMSE of two physical-unit fields.
func RMSE(pred, truth *field.Field) ([]float64, error) {
	if err := pred.CheckShape(truth); err != nil {
		return nil, err
	}
	out := make([]float64, pred.Channels)
	for c := range out {
		p, t := pred.Channel(c), truth.Channel(c)
		var sum float64
		for i, v := range p {
			d := v - t[i]
			sum += d * d
		}
		out[c] = math.Sqrt(sum / float64(len(p)))
	}
	return out, nil
}
