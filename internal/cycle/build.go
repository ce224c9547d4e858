package cycle

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/lox/neuralda/internal/archive"
	"github.com/lox/neuralda/internal/checkpoint"
	"github.com/lox/neuralda/internal/config"
	"github.com/lox/neuralda/internal/covariance"
	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/forecast"
	"github.com/lox/neuralda/internal/logger"
	"github.com/lox/neuralda/internal/ncio"
	"github.com/lox/neuralda/internal/observation"
	"github.com/lox/neuralda/internal/sht"
	"github.com/lox/neuralda/internal/store"
)

// Inputs are the static arrays a run is built from.
type Inputs struct {
	Clim     *field.Climatology
	LenScale []float64
	Mask     *observation.Mask
	Q        [][]float64
}

// LoadInputs reads the climatology, length scales, observation mask and
// model-error coefficients for a state of the given channel count.
func LoadInputs(cfg *config.Config, channels int) (*Inputs, error) {
	mean, err := readVector(filepath.Join(cfg.ClimDir, "layer_mean.nc"), "mean", channels)
	if err != nil {
		return nil, err
	}
	std, err := readVector(filepath.Join(cfg.ClimDir, "layer_std.nc"), "std", channels)
	if err != nil {
		return nil, err
	}
	clim, err := field.NewClimatology(mean, std)
	if err != nil {
		return nil, fmt.Errorf("climatology: %w", err)
	}
	lenScale, err := readVector(filepath.Join(cfg.CoeffDir, "len_scale.nc"), "len_scale", channels)
	if err != nil {
		return nil, err
	}
	mask, err := observation.LoadMask(observation.MaskPath(cfg.MaskDir, cfg.ObsType), channels, cfg.Grid())
	if err != nil {
		return nil, err
	}
	q, err := observation.LoadQ(cfg.CoeffDir, cfg.DAWin, clim)
	if err != nil {
		return nil, err
	}
	logger.Log.Infof("cycle: loaded inputs: %d channels, %d observed points, %d q terms", channels, mask.Count(), len(q))
	return &Inputs{Clim: clim, LenScale: lenScale, Mask: mask, Q: q}, nil
}

func readVector(path, name string, n int) ([]float64, error) {
	a, err := ncio.Read(path, name)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if len(a.Data) != n {
		return nil, fmt.Errorf("%s has %d values, want %d: %w", path, len(a.Data), n, field.ErrShape)
	}
	return a.Data, nil
}

// Engines are the inference engines behind the two models.
type Engines struct {
	Flow     forecast.Engine
	Forecast forecast.Engine
}

// Sources are the archives truth and observations come from. Obs is nil
// for synthetic observations.
type Sources struct {
	Truth archive.Source
	Obs   archive.Source
}

// Build wires a Controller from its inputs. journal may be nil.
func Build(cfg *config.Config, in *Inputs, src Sources, engines Engines, cps *checkpoint.Store, journal *store.Store) (*Controller, error) {
	channels := in.Clim.Channels()
	r, err := observation.NewErrorCovariance(cfg.ObsStd, channels, in.Q)
	if err != nil {
		return nil, err
	}
	obs, err := observation.New(cfg.ObservationConfig(), src.Truth, src.Obs, in.Clim, in.Mask, r)
	if err != nil {
		return nil, err
	}

	tr, err := sht.New(cfg.Grid())
	if err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	cov, err := covariance.New(tr, in.LenScale, workers)
	if err != nil {
		return nil, err
	}

	out := cfg.OutChannels(channels)
	flow, err := forecast.NewIntegrator("flow", engines.Flow, obs, in.Clim, cfg.Grid(), out)
	if err != nil {
		return nil, err
	}
	fc, err := forecast.NewIntegrator("forecast", engines.Forecast, obs, in.Clim, cfg.Grid(), out)
	if err != nil {
		return nil, err
	}

	return New(cfg, Deps{
		Obs:         obs,
		Cov:         cov,
		Clim:        in.Clim,
		Flow:        flow,
		Forecast:    fc,
		Checkpoints: cps,
		Journal:     journal,
	})
}
