// Package observation supplies the observations, truth, observation
// operator and error covariance for one assimilation window, and the
// auxiliary state the forecast model is conditioned on.
package observation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lox/neuralda/internal/archive"
	"github.com/lox/neuralda/internal/field"
)

// Step is the spacing between window steps.
const Step = 6 * time.Hour

// ErrNoAuxState is returned by NextState before any state was fetched.
var ErrNoAuxState = errors.New("no state fetched yet")

// Config holds the observation settings.
type Config struct {
	DAWin int
	// ObsStd is the observation error standard deviation in normalized
	// units.
	ObsStd float64
	// Synthetic derives observations from truth plus noise. Otherwise they
	// are read from the observation archive.
	Synthetic bool
	Seed      uint64
}

// Bundle is one window of observations and truth starting at Time.
type Bundle struct {
	Time time.Time
	Yo   field.Window
	GT   field.Window
}

// Model is the observation model for one run.
type Model struct {
	cfg   Config
	truth archive.Source
	obs   archive.Source
	clim  *field.Climatology
	mask  *Mask
	r     *ErrorCovariance

	mu       sync.Mutex
	last     time.Time
	haveLast bool
}

// New builds the model. obs may be nil in synthetic mode.
func New(cfg Config, truth, obs archive.Source, clim *field.Climatology, mask *Mask, r *ErrorCovariance) (*Model, error) {
	if cfg.DAWin < 1 {
		return nil, fmt.Errorf("da_win %d must be at least 1", cfg.DAWin)
	}
	if !cfg.Synthetic && obs == nil {
		return nil, errors.New("real observations need an observation archive")
	}
	if r.Steps() != cfg.DAWin {
		return nil, fmt.Errorf("error covariance covers %d steps, da_win %d: %w", r.Steps(), cfg.DAWin, field.ErrShape)
	}
	if mask.Channels != clim.Channels() {
		return nil, fmt.Errorf("mask has %d channels, climatology %d: %w", mask.Channels, clim.Channels(), field.ErrShape)
	}
	return &Model{cfg: cfg, truth: truth, obs: obs, clim: clim, mask: mask, r: r}, nil
}

// DAWin is the window length in steps.
func (m *Model) DAWin() int { return m.cfg.DAWin }

// GetObsGT fetches truth at t + k·Step for k < DAWin and the matching
// observations.
func (m *Model) GetObsGT(ctx context.Context, t time.Time) (*Bundle, error) {
	b := &Bundle{Time: t, GT: make(field.Window, m.cfg.DAWin), Yo: make(field.Window, m.cfg.DAWin)}
	for k := 0; k < m.cfg.DAWin; k++ {
		ts := t.Add(time.Duration(k) * Step)
		gt, err := m.truth.State(ctx, ts)
		if err != nil {
			return nil, fmt.Errorf("fetch truth %s: %w", ts.Format(time.RFC3339), err)
		}
		if gt.Channels != m.clim.Channels() {
			return nil, fmt.Errorf("truth %s has %d channels: %w", ts.Format(time.RFC3339), gt.Channels, field.ErrShape)
		}
		b.GT[k] = gt
		m.setLast(ts)
	}

	if m.cfg.Synthetic {
		rng := rand.New(rand.NewPCG(m.cfg.Seed, uint64(t.Unix())))
		for k, gt := range b.GT {
			yo := gt.Clone()
			for c := 0; c < yo.Channels; c++ {
				sd := math.Sqrt(m.obsVar(c))
				ch := yo.Channel(c)
				for i := range ch {
					ch[i] += sd * rng.NormFloat64()
				}
			}
			b.Yo[k] = yo
		}
		return b, nil
	}

	for k := range b.Yo {
		ts := t.Add(time.Duration(k) * Step)
		yo, err := m.obs.State(ctx, ts)
		if err != nil {
			return nil, fmt.Errorf("fetch observations %s: %w", ts.Format(time.RFC3339), err)
		}
		if err := yo.CheckShape(b.GT[k]); err != nil {
			return nil, fmt.Errorf("observations %s: %w", ts.Format(time.RFC3339), err)
		}
		b.Yo[k] = yo
	}
	return b, nil
}

// obsVar is the physical-unit observation variance of channel c.
func (m *Model) obsVar(c int) float64 {
	return m.cfg.ObsStd * m.cfg.ObsStd * m.clim.Variance(c)
}

// GetObsMask returns H. The pattern does not vary with t.
func (m *Model) GetObsMask(t time.Time) *Mask { return m.mask }

// ErrorCovariance returns the static R.
func (m *Model) ErrorCovariance() *ErrorCovariance { return m.r }

// GetObsInfo gathers everything the analysis of the window at t needs.
func (m *Model) GetObsInfo(ctx context.Context, t time.Time) (*Bundle, *Mask, *ErrorCovariance, error) {
	b, err := m.GetObsGT(ctx, t)
	if err != nil {
		return nil, nil, nil, err
	}
	return b, m.GetObsMask(t), m.r, nil
}

// FetchState returns the single truth state at t.
func (m *Model) FetchState(ctx context.Context, t time.Time) (*field.Field, error) {
	f, err := m.truth.State(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("fetch state %s: %w", t.Format(time.RFC3339), err)
	}
	m.setLast(t)
	return f, nil
}

// NextState returns the truth one Step after the most recently fetched
// time. It does not move that time.
func (m *Model) NextState(ctx context.Context) (*field.Field, error) {
	m.mu.Lock()
	last, ok := m.last, m.haveLast
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoAuxState
	}
	ts := last.Add(Step)
	f, err := m.truth.State(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("fetch aux state %s: %w", ts.Format(time.RFC3339), err)
	}
	return f, nil
}

// LastFetched is the time of the most recent truth fetch.
func (m *Model) LastFetched() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.haveLast
}

func (m *Model) setLast(t time.Time) {
	m.mu.Lock()
	m.last, m.haveLast = t, true
	m.mu.Unlock()
}
