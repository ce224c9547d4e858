// Package forecast advances atmospheric states with a pretrained neural
// surrogate model.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/metrics"
)

// ErrSteps is returned for a non-positive step count.
var ErrSteps = errors.New("step count must be at least 1")

// StepModel advances a physical-unit state by nSteps model steps.
type StepModel interface {
	Propagate(ctx context.Context, state *field.Field, nSteps int) (*field.Field, error)
}

// AdjointModel is a StepModel that can also apply the transpose of its
// one-step Jacobian. Adjoint returns J(state)ᵀ·cotangent in physical units.
type AdjointModel interface {
	StepModel
	Adjoint(ctx context.Context, state, cotangent *field.Field) (*field.Field, error)
}

// Engine runs one inference step. input is shaped (1, 2C, H, W) and output
// (1, K, H, W), both flattened row-major.
type Engine interface {
	Run(ctx context.Context, input, output []float32) error
}

// AuxSource supplies the second state the model is conditioned on.
type AuxSource interface {
	NextState(ctx context.Context) (*field.Field, error)
}

// Integrator is a StepModel over an Engine. Calls are serialized since the
// input and output buffers are reused.
type Integrator struct {
	name        string
	engine      Engine
	aux         AuxSource
	clim        *field.Climatology
	grid        field.Grid
	outChannels int

	mu  sync.Mutex
	in  []float32
	out []float32
}

// NewIntegrator builds an integrator named name (used in logs and
// metrics) for a model emitting outChannels channels.
func NewIntegrator(name string, e Engine, aux AuxSource, clim *field.Climatology, g field.Grid, outChannels int) (*Integrator, error) {
	c := clim.Channels()
	if outChannels < c {
		return nil, fmt.Errorf("model %s emits %d channels, need at least %d: %w", name, outChannels, c, field.ErrShape)
	}
	n := g.Size()
	return &Integrator{
		name:        name,
		engine:      e,
		aux:         aux,
		clim:        clim,
		grid:        g,
		outChannels: outChannels,
		in:          make([]float32, 2*c*n),
		out:         make([]float32, outChannels*n),
	}, nil
}

// Name identifies the integrator.
func (it *Integrator) Name() string { return it.name }

// Propagate runs nSteps model steps from state. The first input pairs state
// with the auxiliary state; each later input is the leading 2C output
// channels, or, for models that emit fewer, the second half of the
// previous input followed by the leading C output channels.
func (it *Integrator) Propagate(ctx context.Context, state *field.Field, nSteps int) (*field.Field, error) {
	if nSteps < 1 {
		return nil, fmt.Errorf("propagate %s: %d: %w", it.name, nSteps, ErrSteps)
	}
	c := it.clim.Channels()
	if state.Channels != c || state.Grid != it.grid {
		return nil, fmt.Errorf("propagate %s: state %dx%s: %w", it.name, state.Channels, state.Grid, field.ErrShape)
	}
	aux, err := it.aux.NextState(ctx)
	if err != nil {
		return nil, fmt.Errorf("propagate %s: %w", it.name, err)
	}
	if err := state.CheckShape(aux); err != nil {
		return nil, fmt.Errorf("propagate %s: aux state: %w", it.name, err)
	}
	z, err := it.clim.Normalize(state)
	if err != nil {
		return nil, err
	}
	za, err := it.clim.Normalize(aux)
	if err != nil {
		return nil, err
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	half := c * it.grid.Size()
	toFloat32(it.in[:half], z.Data)
	toFloat32(it.in[half:], za.Data)

	for step := 0; step < nSteps; step++ {
		start := time.Now()
		if err := it.engine.Run(ctx, it.in, it.out); err != nil {
			return nil, fmt.Errorf("propagate %s: step %d: %w", it.name, step, err)
		}
		metrics.ModelSteps.WithLabelValues(it.name).Inc()
		metrics.ModelStepLatency.WithLabelValues(it.name).Observe(time.Since(start).Seconds())
		if step == nSteps-1 {
			break
		}
		if it.outChannels >= 2*c {
			copy(it.in, it.out[:2*half])
		} else {
			copy(it.in[:half], it.in[half:])
			copy(it.in[half:], it.out[:half])
		}
	}

	next := field.New(c, it.grid)
	for i, v := range it.out[:half] {
		next.Data[i] = float64(v)
	}
	return it.clim.Denormalize(next)
}

func toFloat32(dst []float32, src []float64) {
	for i, v := range src {
		dst[i] = float32(v)
	}
}
