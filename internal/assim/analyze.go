package assim

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/lox/neuralda/internal/covariance"
	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/forecast"
	"github.com/lox/neuralda/internal/logger"
	"github.com/lox/neuralda/internal/metrics"
	"github.com/lox/neuralda/internal/observation"
	"github.com/lox/neuralda/internal/verify"
)

// Options tunes the minimizer.
type Options struct {
	// Nit is the number of outer iterations.
	Nit int
	// InnerIterations bounds the quasi-Newton iterations per outer step.
	InnerIterations int
	// History is the L-BFGS memory.
	History int
	// OnIteration, when set, sees every outer iteration.
	OnIteration func(Iteration)
}

// Iteration is the state before outer step Outer (Outer == Nit is the
// final state).
type Iteration struct {
	Outer    int
	Cost     Cost
	Snapshot verify.Snapshot
}

// Input is one window to analyze. Xb is in physical units.
type Input struct {
	Mode Mode
	Cov  *covariance.Operator
	Flow forecast.StepModel
	Clim *field.Climatology
	Xb   *field.Field
	Obs  *observation.Bundle
	H    *observation.Mask
	R    *observation.ErrorCovariance
}

// Result is the analysis and its diagnostics against the window's first
// truth state.
type Result struct {
	Xa         *field.Field
	Background verify.Snapshot
	Analysis   verify.Snapshot
	Iterations []Iteration
	Elapsed    time.Duration
}

// Analyze produces the analysis for in.
func Analyze(ctx context.Context, in Input, opts Options) (*Result, error) {
	if opts.InnerIterations <= 0 {
		opts.InnerIterations = 5
	}
	if opts.History <= 0 {
		opts.History = 10
	}
	if len(in.Obs.GT) == 0 {
		return nil, fmt.Errorf("analyze: empty truth window: %w", field.ErrShape)
	}
	xbNorm, err := in.Clim.Normalize(in.Xb)
	if err != nil {
		return nil, fmt.Errorf("normalize background: %w", err)
	}
	gtNorm, err := in.Clim.Normalize(in.Obs.GT[0])
	if err != nil {
		return nil, fmt.Errorf("normalize truth: %w", err)
	}

	start := time.Now()
	var res *Result
	switch in.Mode {
	case ModeFreeRun:
		res, err = freeRun(xbNorm, gtNorm, in)
	case ModeSC4DVar:
		res, err = sc4dvar(ctx, xbNorm, gtNorm, in, opts)
	default:
		return nil, fmt.Errorf("analyze: %s: %w", in.Mode, ErrUnsupportedMode)
	}
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)
	logger.Log.Infof("assim: %s DA finished. Time consumed: %d (s)", in.Obs.Time.Format(time.RFC3339), int(res.Elapsed.Seconds()))
	return res, nil
}

func freeRun(xbNorm, gtNorm *field.Field, in Input) (*Result, error) {
	sn, err := verify.Evaluate(xbNorm, gtNorm, in.Clim.Std)
	if err != nil {
		return nil, err
	}
	logProgress(-1, sn, nil)
	return &Result{Xa: in.Xb.Clone(), Background: sn, Analysis: sn}, nil
}

func sc4dvar(ctx context.Context, xbNorm, gtNorm *field.Field, in Input, opts Options) (*Result, error) {
	yoNorm, err := in.Clim.NormalizeWindow(in.Obs.Yo)
	if err != nil {
		return nil, fmt.Errorf("normalize observations: %w", err)
	}
	cf, err := NewCostFunction(Problem{
		Cov:    in.Cov,
		Flow:   in.Flow,
		Clim:   in.Clim,
		XbNorm: xbNorm,
		YoNorm: yoNorm,
		H:      in.H,
		R:      in.R,
	})
	if err != nil {
		return nil, err
	}

	// One continuous L-BFGS run; its state at every InnerIterations-th
	// major iteration is the result of an outer iteration.
	points := [][]float64{make([]float64, cf.Dim())}
	if opts.Nit > 0 {
		steps, err := minimize(ctx, cf, points[0], opts)
		if err != nil {
			return nil, err
		}
		points = append(points, steps...)
	}

	res := &Result{}
	for kk, w := range points {
		xhat, err := cf.State(w)
		if err != nil {
			return nil, err
		}
		sn, err := verify.Evaluate(xhat, gtNorm, in.Clim.Std)
		if err != nil {
			return nil, err
		}
		cost, err := cf.Cost(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("outer iteration %d: %w", kk, err)
		}
		logProgress(kk, sn, &cost)
		metrics.CostTerms.WithLabelValues("total").Set(cost.Total)
		metrics.CostTerms.WithLabelValues("obs").Set(cost.Jo)
		metrics.CostTerms.WithLabelValues("bg").Set(cost.Jb)

		it := Iteration{Outer: kk, Cost: cost, Snapshot: sn}
		res.Iterations = append(res.Iterations, it)
		if opts.OnIteration != nil {
			opts.OnIteration(it)
		}
		if kk == 0 {
			res.Background = sn
		}
		if kk == opts.Nit {
			res.Analysis = sn
		}
	}

	if opts.Nit == 0 {
		// No step was taken; skip the normalize round trip.
		res.Xa = in.Xb.Clone()
		return res, nil
	}
	xhat, err := cf.State(points[opts.Nit])
	if err != nil {
		return nil, err
	}
	if res.Xa, err = in.Clim.Denormalize(xhat); err != nil {
		return nil, err
	}
	return res, nil
}

// minimize runs Nit·InnerIterations L-BFGS iterations from w0 and returns
// the control vector after each block of InnerIterations. The quasi-Newton
// history carries across blocks. A line-search failure or convergence ends
// the run early; the remaining blocks repeat the best point found.
func minimize(ctx context.Context, cf *CostFunction, w0 []float64, opts Options) ([][]float64, error) {
	ev := &memo{ctx: ctx, cf: cf}
	rec := &outerRecorder{every: opts.InnerIterations}
	p := optimize.Problem{
		Func:   ev.fn,
		Grad:   ev.grad,
		Status: ev.status,
	}
	settings := &optimize.Settings{
		MajorIterations: opts.Nit * opts.InnerIterations,
		Recorder:        rec,
	}
	method := &optimize.LBFGS{Store: opts.History, Linesearcher: &optimize.MoreThuente{}}

	result, err := optimize.Minimize(p, w0, settings, method)
	if ev.err != nil {
		return nil, ev.err
	}
	if result == nil || len(result.X) != len(w0) {
		if err == nil {
			err = fmt.Errorf("minimizer returned no location")
		}
		return nil, fmt.Errorf("minimize: %w", err)
	}
	if err != nil {
		logger.Log.Warnf("assim: minimizer stopped early: %v", err)
	} else {
		logger.Log.Debugf("assim: minimizer %s after %d iterations", result.Status, result.Stats.MajorIterations)
	}

	points := rec.points
	if len(points) > opts.Nit {
		points = points[:opts.Nit]
	}
	for len(points) < opts.Nit {
		points = append(points, result.X)
	}
	return points, nil
}

// outerRecorder copies the location at every major iteration that closes
// a block of every iterations. The terminating iteration is not recorded
// by gonum; minimize takes it from the result.
type outerRecorder struct {
	every  int
	points [][]float64
}

func (r *outerRecorder) Init() error {
	r.points = r.points[:0]
	return nil
}

func (r *outerRecorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op != optimize.MajorIteration || stats.MajorIterations%r.every != 0 {
		return nil
	}
	r.points = append(r.points, append([]float64(nil), loc.X...))
	return nil
}

// memo caches the most recent evaluation so that the function and
// gradient calls at one point share a single model integration. The
// first evaluation error poisons all later calls.
type memo struct {
	ctx  context.Context
	cf   *CostFunction
	x    []float64
	cost Cost
	g    []float64
	err  error
}

func (m *memo) at(x []float64) bool {
	if m.x == nil || len(m.x) != len(x) {
		return false
	}
	for i, v := range x {
		if m.x[i] != v {
			return false
		}
	}
	return true
}

func (m *memo) eval(x []float64) {
	if m.err != nil || m.at(x) {
		return
	}
	cost, g, err := m.cf.Evaluate(m.ctx, x)
	if err != nil {
		m.err = err
		return
	}
	m.x = append(m.x[:0], x...)
	m.cost, m.g = cost, g
}

// status stops the minimizer once an evaluation has failed.
func (m *memo) status() (optimize.Status, error) {
	if m.err != nil {
		return optimize.Failure, m.err
	}
	return optimize.NotTerminated, nil
}

func (m *memo) fn(x []float64) float64 {
	m.eval(x)
	if m.err != nil {
		return math.NaN()
	}
	return m.cost.Total
}

func (m *memo) grad(grad, x []float64) {
	m.eval(x)
	if m.err != nil {
		for i := range grad {
			grad[i] = math.NaN()
		}
		return
	}
	copy(grad, m.g)
}

func logProgress(kk int, sn verify.Snapshot, cost *Cost) {
	var rmse, bias float64
	if field.Z500 >= 0 && field.Z500 < len(sn.WRMSE) {
		rmse, bias = sn.WRMSE[field.Z500], sn.Bias[field.Z500]
		metrics.Z500WRMSE.WithLabelValues("latest").Set(rmse)
	}
	if cost == nil {
		logger.Log.Infof("assim: MSE (total): %.4g RMSE (z500): %.4g Bias (z500): %.4g", sn.MSE, rmse, bias)
		return
	}
	logger.Log.Infof("assim: iter: %d, MSE (total): %.4g RMSE (z500): %.4g Bias (z500): %.4g loss: %.4g loss obs: %.4g loss bg: %.4g",
		kk, sn.MSE, rmse, bias, cost.Total, cost.Jo, cost.Jb)
}
