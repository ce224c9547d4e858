package forecast

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/logger"
)

// InitRuntime loads the ONNX Runtime shared library. It must be called once
// before any ONNX engine is built.
func InitRuntime(libPath string) error {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

// ShutdownRuntime releases the ONNX Runtime environment.
func ShutdownRuntime() {
	if err := ort.DestroyEnvironment(); err != nil {
		logger.Log.Warnf("forecast: destroy onnxruntime: %v", err)
	}
}

// ONNXConfig describes one model artifact.
type ONNXConfig struct {
	Path        string
	InputName   string
	OutputName  string
	Channels    int
	OutChannels int
	Grid        field.Grid
}

// ONNX is an Engine backed by an ONNX Runtime session with fixed,
// pre-allocated input and output tensors.
type ONNX struct {
	session *ort.AdvancedSession
	in      *ort.Tensor[float32]
	out     *ort.Tensor[float32]
}

func NewONNX(cfg ONNXConfig) (*ONNX, error) {
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}
	h, w := int64(cfg.Grid.NLat), int64(cfg.Grid.NLon)
	in, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(2*cfg.Channels), h, w))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.OutChannels), h, w))
	if err != nil {
		in.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(cfg.Path,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.Value{in}, []ort.Value{out}, nil)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("load model %s: %w", cfg.Path, err)
	}
	logger.Log.Infof("forecast: loaded %s (%d -> %d channels on %s)", cfg.Path, 2*cfg.Channels, cfg.OutChannels, cfg.Grid)
	return &ONNX{session: session, in: in, out: out}, nil
}

func (e *ONNX) Run(ctx context.Context, input, output []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := e.in.GetData()
	if len(input) != len(dst) {
		return fmt.Errorf("input has %d values, tensor %d: %w", len(input), len(dst), field.ErrShape)
	}
	copy(dst, input)
	if err := e.session.Run(); err != nil {
		return fmt.Errorf("run session: %w", err)
	}
	src := e.out.GetData()
	if len(output) != len(src) {
		return fmt.Errorf("output has %d values, tensor %d: %w", len(output), len(src), field.ErrShape)
	}
	copy(output, src)
	return nil
}

// Close releases the session and its tensors.
func (e *ONNX) Close() error {
	var first error
	for _, d := range []interface{ Destroy() error }{e.session, e.in, e.out} {
		if err := d.Destroy(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
