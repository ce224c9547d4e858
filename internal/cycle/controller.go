// Package cycle drives the observe, assimilate and forecast loop through
// time and keeps it resumable.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lox/neuralda/internal/assim"
	"github.com/lox/neuralda/internal/checkpoint"
	"github.com/lox/neuralda/internal/config"
	"github.com/lox/neuralda/internal/covariance"
	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/forecast"
	"github.com/lox/neuralda/internal/logger"
	"github.com/lox/neuralda/internal/metrics"
	"github.com/lox/neuralda/internal/observation"
	"github.com/lox/neuralda/internal/store"
	"github.com/lox/neuralda/internal/verify"
)

// Deps are the collaborators of a Controller. Journal is optional.
type Deps struct {
	Obs         *observation.Model
	Cov         *covariance.Operator
	Clim        *field.Climatology
	Flow        forecast.StepModel
	Forecast    forecast.StepModel
	Checkpoints *checkpoint.Store
	Journal     *store.Store
}

// State is what carries over from one cycle to the next.
type State struct {
	Time   time.Time
	Xb     *field.Field
	Series *verify.Series
}

// Diagnostics describes one completed cycle.
type Diagnostics struct {
	// Index counts cycles from the configured start time.
	Index  int
	Time   time.Time
	Xb     *field.Field
	Xa     *field.Field
	Obs    *observation.Bundle
	Result *assim.Result
}

// Controller runs the cycles of one configured run.
type Controller struct {
	cfg  *config.Config
	deps Deps
	mode assim.Mode
	name string
	grid field.Grid
}

func New(cfg *config.Config, deps Deps) (*Controller, error) {
	mode, err := assim.ParseMode(cfg.DAMode)
	if err != nil {
		return nil, err
	}
	if deps.Obs == nil || deps.Cov == nil || deps.Clim == nil || deps.Flow == nil || deps.Forecast == nil || deps.Checkpoints == nil {
		return nil, errors.New("cycle: missing dependency")
	}
	if deps.Obs.DAWin() != cfg.DAWin {
		return nil, fmt.Errorf("observation window %d, configured %d: %w", deps.Obs.DAWin(), cfg.DAWin, config.ErrInvalid)
	}
	return &Controller{cfg: cfg, deps: deps, mode: mode, name: cfg.RunName(), grid: cfg.Grid()}, nil
}

// Name is the run name keying checkpoints and journal entries.
func (c *Controller) Name() string { return c.name }

// index is the number of cycles between the start time and t.
func (c *Controller) index(t time.Time) int {
	return int(t.Sub(c.cfg.StartTime) / c.cfg.CycleTime)
}

// Init returns the state to cycle from: the run's checkpoint when one
// exists, otherwise a cold start.
func (c *Controller) Init(ctx context.Context) (*State, error) {
	cp, err := c.deps.Checkpoints.Load(c.name, c.deps.Clim.Channels(), c.grid)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		xb, err := c.coldStart(ctx)
		if err != nil {
			return nil, fmt.Errorf("cold start: %w", err)
		}
		return &State{Time: c.cfg.StartTime.UTC(), Xb: xb, Series: verify.NewSeries()}, nil
	}

	off := cp.Time.Sub(c.cfg.StartTime)
	if off < 0 || off%c.cfg.CycleTime != 0 {
		return nil, fmt.Errorf("checkpoint time %s is not a cycle of this run: %w", cp.Time.Format(time.RFC3339), checkpoint.ErrCorrupt)
	}
	series, err := c.deps.Checkpoints.LoadSeries(c.name)
	if err != nil {
		return nil, fmt.Errorf("load series: %w", err)
	}
	// The checkpointed cycle runs again, so its entries go.
	series.Truncate(c.index(cp.Time))
	logger.Log.Infof("cycle: resuming %s at %s", c.name, cp.Time.Format(time.RFC3339))
	return &State{Time: cp.Time, Xb: cp.Xb, Series: series}, nil
}

// coldStart forecasts the background at the start time from the truth
// InitLag steps earlier.
func (c *Controller) coldStart(ctx context.Context) (*field.Field, error) {
	start := c.cfg.StartTime.UTC()
	t0 := start.Add(-time.Duration(c.cfg.InitLag) * observation.Step)
	logger.Log.Infof("cycle: cold start from %s", t0.Format(time.RFC3339))

	x0, err := c.deps.Obs.FetchState(ctx, t0)
	if err != nil {
		return nil, err
	}
	xb, err := c.deps.Forecast.Propagate(ctx, x0, c.cfg.InitLag)
	if err != nil {
		return nil, err
	}
	gt, err := c.deps.Obs.FetchState(ctx, start)
	if err != nil {
		return nil, err
	}

	rmse, err := verify.RMSE(xb, gt)
	if err != nil {
		return nil, err
	}
	xbNorm, err := c.deps.Clim.Normalize(xb)
	if err != nil {
		return nil, err
	}
	gtNorm, err := c.deps.Clim.Normalize(gt)
	if err != nil {
		return nil, err
	}
	mse, err := verify.MSE(xbNorm, gtNorm)
	if err != nil {
		return nil, err
	}
	logger.Log.Infof("cycle: xb rmse per layer %.4g", rmse)
	logger.Log.Infof("cycle: xb mse: %.3g", mse)
	return xb, nil
}

// RunOneCycle analyzes the window at s.Time and forecasts the next
// background. It does not touch the checkpoint store.
func (c *Controller) RunOneCycle(ctx context.Context, s *State) (*State, *Diagnostics, error) {
	started := time.Now()
	stamp := s.Time.Format(time.RFC3339)
	logger.Log.Infof("cycle: current time %s", stamp)

	logger.Log.Debugf("cycle: obtaining observations for %s", stamp)
	bundle, h, r, err := c.deps.Obs.GetObsInfo(ctx, s.Time)
	if err != nil {
		return nil, nil, fmt.Errorf("observations %s: %w", stamp, err)
	}

	logger.Log.Debugf("cycle: assimilating %s", stamp)
	res, err := assim.Analyze(ctx, assim.Input{
		Mode: c.mode,
		Cov:  c.deps.Cov,
		Flow: c.deps.Flow,
		Clim: c.deps.Clim,
		Xb:   s.Xb,
		Obs:  bundle,
		H:    h,
		R:    r,
	}, assim.Options{
		Nit:             c.cfg.Nit,
		InnerIterations: c.cfg.InnerIterations,
		History:         c.cfg.History,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("analyze %s: %w", stamp, err)
	}

	logger.Log.Debugf("cycle: integrating %s", stamp)
	xb, err := c.deps.Forecast.Propagate(ctx, res.Xa, c.cfg.BackgroundSteps())
	if err != nil {
		return nil, nil, fmt.Errorf("forecast %s: %w", stamp, err)
	}

	series := s.Series.Clone()
	series.AppendBackground(res.Background)
	series.AppendAnalysis(res.Analysis)

	metrics.CyclesCompleted.WithLabelValues(c.mode.String()).Inc()
	metrics.CycleDuration.Observe(time.Since(started).Seconds())
	if z := field.Z500; z >= 0 && z < len(res.Analysis.WRMSE) {
		metrics.Z500WRMSE.WithLabelValues("background").Set(res.Background.WRMSE[z])
		metrics.Z500WRMSE.WithLabelValues("analysis").Set(res.Analysis.WRMSE[z])
	}

	next := &State{Time: s.Time.Add(c.cfg.CycleTime), Xb: xb, Series: series}
	d := &Diagnostics{
		Index:  c.index(s.Time),
		Time:   s.Time,
		Xb:     s.Xb,
		Xa:     res.Xa,
		Obs:    bundle,
		Result: res,
	}
	return next, d, nil
}

// CommitCheckpoint persists the cycle described by d when its index falls
// on the save interval. next is the state RunOneCycle returned for d; the
// checkpoint itself holds d's time and background so that a resume runs
// that cycle again.
func (c *Controller) CommitCheckpoint(next *State, d *Diagnostics) error {
	if d.Index%c.cfg.SaveInterval != 0 {
		return nil
	}
	cp := c.deps.Checkpoints
	if err := cp.SaveSeries(c.name, next.Series); err != nil {
		return fmt.Errorf("save series: %w", err)
	}
	if err := cp.SaveCheckpoint(c.name, d.Time, d.Xb); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	logger.Log.Infof("cycle: checkpoint saved at %s", d.Time.Format(time.RFC3339))
	if c.cfg.SaveField {
		if err := cp.SaveFields(c.name, d.Time, d.Xb, d.Xa); err != nil {
			return err
		}
		logger.Log.Debugf("cycle: saved intermediate fields")
	}
	if c.cfg.SaveGT {
		if err := cp.SaveGT(d.Time, d.Obs.GT); err != nil {
			return err
		}
		logger.Log.Debugf("cycle: saved ground truth")
	}
	if c.cfg.SaveObs {
		if err := cp.SaveObs(d.Time, d.Obs.Yo); err != nil {
			return err
		}
		logger.Log.Debugf("cycle: saved observations")
	}
	return nil
}

// Run cycles from the initial state until the next cycle would pass the
// end time, then saves the metric series. Cancellation is honored between
// cycles.
func (c *Controller) Run(ctx context.Context) (*State, error) {
	var run *store.Run
	if c.deps.Journal != nil {
		var err error
		if run, err = c.deps.Journal.StartRun(c.name, c.mode.String()); err != nil {
			return nil, fmt.Errorf("start run: %w", err)
		}
	}

	s, err := c.run(ctx)
	if c.deps.Journal != nil {
		if jerr := c.deps.Journal.CompleteRun(run, err); jerr != nil {
			logger.Log.Warnf("cycle: complete run: %v", jerr)
		}
	}
	return s, err
}

func (c *Controller) run(ctx context.Context) (*State, error) {
	s, err := c.Init(ctx)
	if err != nil {
		return nil, err
	}
	end := c.cfg.EndTime.UTC()
	for !s.Time.Add(c.cfg.CycleTime).After(end) {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		next, d, err := c.RunOneCycle(ctx, s)
		if err != nil {
			return s, err
		}
		if err := c.CommitCheckpoint(next, d); err != nil {
			return s, err
		}
		c.journal(d)
		s = next
	}

	logger.Log.Infof("cycle: DA complete")
	if err := c.deps.Checkpoints.SaveSeries(c.name, s.Series); err != nil {
		return s, fmt.Errorf("save series: %w", err)
	}
	return s, nil
}

// journal records d. Journal failures are logged, never fatal.
func (c *Controller) journal(d *Diagnostics) {
	if c.deps.Journal == nil {
		return
	}
	res := d.Result
	entry := store.Cycle{
		RunName:   c.name,
		ValidTime: d.Time,
		Mode:      c.mode.String(),
		Duration:  res.Elapsed,
		BgMSE:     res.Background.MSE,
		AnaMSE:    res.Analysis.MSE,
	}
	if z := field.Z500; z >= 0 && z < len(res.Analysis.WRMSE) {
		entry.BgZ500WRMSE = res.Background.WRMSE[z]
		entry.AnaZ500WRMSE = res.Analysis.WRMSE[z]
	}
	its := make([]store.Iteration, 0, len(res.Iterations))
	for _, it := range res.Iterations {
		si := store.Iteration{
			Outer:     it.Outer,
			LossTotal: it.Cost.Total,
			LossBg:    it.Cost.Jb,
			LossObs:   it.Cost.Jo,
			MSE:       it.Snapshot.MSE,
		}
		if z := field.Z500; z >= 0 && z < len(it.Snapshot.WRMSE) {
			si.Z500WRMSE = it.Snapshot.WRMSE[z]
		}
		its = append(its, si)
	}
	if _, err := c.deps.Journal.RecordCycle(entry, its); err != nil {
		logger.Log.Warnf("cycle: journal %s: %v", d.Time.Format(time.RFC3339), err)
	}
}
