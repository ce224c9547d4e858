// Package assim produces the analysis for one assimilation window.
package assim

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/lox/neuralda/internal/covariance"
	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/forecast"
	"github.com/lox/neuralda/internal/observation"
)

// Cost holds the terms of the variational cost.
type Cost struct {
	Total float64
	Jb    float64
	Jo    float64
}

// Problem is everything the cost function for one window depends on. All
// fields are in normalized units.
type Problem struct {
	Cov    *covariance.Operator
	Flow   forecast.StepModel
	Clim   *field.Climatology
	XbNorm *field.Field
	YoNorm field.Window
	H      *observation.Mask
	R      *observation.ErrorCovariance
}

// CostFunction evaluates J(w) = ½‖w‖² + ½ Σ_t Σ H⊙(x̂_t − y_t)²/R_t, where
// x̂_0 = xb + L·w and x̂_{t+1} is one flow step from x̂_t.
type CostFunction struct {
	p     Problem
	daWin int
}

func NewCostFunction(p Problem) (*CostFunction, error) {
	if len(p.YoNorm) == 0 {
		return nil, fmt.Errorf("cost function: empty observation window: %w", field.ErrShape)
	}
	if p.R.Steps() < len(p.YoNorm) {
		return nil, fmt.Errorf("cost function: R covers %d of %d steps: %w", p.R.Steps(), len(p.YoNorm), field.ErrShape)
	}
	if p.Cov.Channels() != p.XbNorm.Channels {
		return nil, fmt.Errorf("cost function: operator has %d channels, background %d: %w", p.Cov.Channels(), p.XbNorm.Channels, field.ErrShape)
	}
	if err := p.XbNorm.CheckShape(p.H.Field); err != nil {
		return nil, fmt.Errorf("cost function: mask: %w", err)
	}
	for t, yo := range p.YoNorm {
		if err := p.XbNorm.CheckShape(yo); err != nil {
			return nil, fmt.Errorf("cost function: observations step %d: %w", t, err)
		}
	}
	return &CostFunction{p: p, daWin: len(p.YoNorm)}, nil
}

// Dim is the length of the control vector.
func (f *CostFunction) Dim() int { return f.p.XbNorm.Len() }

// State returns x̂_0 = xb + L·w.
func (f *CostFunction) State(w []float64) (*field.Field, error) {
	wf, err := field.FromData(f.p.XbNorm.Channels, f.p.XbNorm.Grid, w)
	if err != nil {
		return nil, err
	}
	return f.p.Cov.Transform(wf, f.p.XbNorm)
}

// Cost evaluates J(w) without its gradient.
func (f *CostFunction) Cost(ctx context.Context, w []float64) (Cost, error) {
	c, _, err := f.eval(ctx, w, false)
	return c, err
}

// Evaluate returns J(w) and ∇J(w). When the flow model is a
// forecast.AdjointModel the residuals of every window step are carried
// back through it; otherwise the trajectory is held fixed and only the
// first step contributes through L.
func (f *CostFunction) Evaluate(ctx context.Context, w []float64) (Cost, []float64, error) {
	return f.eval(ctx, w, true)
}

// ObsCost is Jo of the trajectory started at xhat.
func (f *CostFunction) ObsCost(ctx context.Context, xhat *field.Field) (float64, error) {
	traj, err := f.trajectory(ctx, xhat)
	if err != nil {
		return 0, err
	}
	jo, _ := f.residuals(traj, false)
	return jo, nil
}

func (f *CostFunction) eval(ctx context.Context, w []float64, withGrad bool) (Cost, []float64, error) {
	x0, err := f.State(w)
	if err != nil {
		return Cost{}, nil, err
	}
	traj, err := f.trajectory(ctx, x0)
	if err != nil {
		return Cost{}, nil, err
	}
	jb := 0.5 * floats.Dot(w, w)
	jo, r := f.residuals(traj, withGrad)
	cost := Cost{Total: jb + jo, Jb: jb, Jo: jo}
	if !withGrad {
		return cost, nil, nil
	}

	lambda := r[len(r)-1]
	adj, ok := f.p.Flow.(forecast.AdjointModel)
	if !ok {
		lambda = r[0]
	} else {
		for t := len(r) - 2; t >= 0; t-- {
			back, err := f.adjointStep(ctx, adj, traj[t], lambda)
			if err != nil {
				return Cost{}, nil, err
			}
			floats.Add(back.Data, r[t].Data)
			lambda = back
		}
	}
	lt, err := f.p.Cov.Adjoint(lambda)
	if err != nil {
		return Cost{}, nil, err
	}
	grad := make([]float64, len(w))
	floats.AddTo(grad, w, lt.Data)
	return cost, grad, nil
}

// trajectory integrates x0 through the window in normalized units.
func (f *CostFunction) trajectory(ctx context.Context, x0 *field.Field) ([]*field.Field, error) {
	traj := make([]*field.Field, f.daWin)
	traj[0] = x0
	for t := 1; t < f.daWin; t++ {
		phys, err := f.p.Clim.Denormalize(traj[t-1])
		if err != nil {
			return nil, err
		}
		next, err := f.p.Flow.Propagate(ctx, phys, 1)
		if err != nil {
			return nil, fmt.Errorf("flow step %d: %w", t, err)
		}
		if traj[t], err = f.p.Clim.Normalize(next); err != nil {
			return nil, err
		}
	}
	return traj, nil
}

// residuals returns Jo and, when wanted, H⊙(x̂_t − y_t)/R_t per step.
func (f *CostFunction) residuals(traj []*field.Field, want bool) (float64, []*field.Field) {
	var jo float64
	var out []*field.Field
	if want {
		out = make([]*field.Field, len(traj))
	}
	n := f.p.XbNorm.Grid.Size()
	h := f.p.H.Data
	for t, x := range traj {
		yo := f.p.YoNorm[t]
		var r *field.Field
		if want {
			r = field.New(x.Channels, x.Grid)
			out[t] = r
		}
		for c := 0; c < x.Channels; c++ {
			inv := 1 / f.p.R.Variance(t, c)
			off := c * n
			for i := off; i < off+n; i++ {
				if h[i] == 0 {
					continue
				}
				d := x.Data[i] - yo.Data[i]
				jo += h[i] * d * d * inv
				if want {
					r.Data[i] = h[i] * d * inv
				}
			}
		}
	}
	return 0.5 * jo, out
}

// adjointStep maps a normalized cotangent on x̂_{t+1} back to x̂_t:
// S·Mᵀ(S·x̂_t + m)·S⁻¹·λ with S the climatological std.
func (f *CostFunction) adjointStep(ctx context.Context, adj forecast.AdjointModel, xt, lambda *field.Field) (*field.Field, error) {
	clim := f.p.Clim
	phys, err := clim.Denormalize(xt)
	if err != nil {
		return nil, err
	}
	ct := lambda.Clone()
	for c := 0; c < ct.Channels; c++ {
		floats.Scale(1/clim.Std[c], ct.Channel(c))
	}
	back, err := adj.Adjoint(ctx, phys, ct)
	if err != nil {
		return nil, fmt.Errorf("flow adjoint: %w", err)
	}
	if err := back.CheckShape(lambda); err != nil {
		return nil, fmt.Errorf("flow adjoint: %w", err)
	}
	for c := 0; c < back.Channels; c++ {
		floats.Scale(clim.Std[c], back.Channel(c))
	}
	return back, nil
}
