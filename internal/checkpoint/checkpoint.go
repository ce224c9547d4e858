// Package checkpoint persists the cycle state and metric series of a run
// so that an interrupted run can resume where it left off.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/ncio"
	"github.com/lox/neuralda/internal/verify"
)

var (
	// ErrIncomplete means only part of a checkpoint is on disk.
	ErrIncomplete = errors.New("incomplete checkpoint")
	// ErrCorrupt means a checkpoint file exists but cannot be used.
	ErrCorrupt = errors.New("corrupt checkpoint")
)

const (
	timeFile = "current_time.txt"
	xbFile   = "xb.nc"
	// validTimeAttr stamps xb.nc with the time it belongs to so a pair
	// torn by a crash between the two renames is detected on load.
	validTimeAttr = "valid_time"
)

var fieldDims = []string{"channel", "lat", "lon"}

// Checkpoint is the resumable cycle state.
type Checkpoint struct {
	Time time.Time
	Xb   *field.Field
}

// Store lays out run directories under a results root. Truth and
// observation dumps go to a separate intermediate directory.
type Store struct {
	results      string
	intermediate string
}

func New(resultsDir, intermediateDir string) *Store {
	return &Store{results: resultsDir, intermediate: intermediateDir}
}

// Dir is the directory holding run's files.
func (s *Store) Dir(run string) string { return filepath.Join(s.results, run) }

// Stamp formats t for use in file names.
func Stamp(t time.Time) string { return t.UTC().Format("2006-01-02T15") }

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Load returns the checkpoint of run, or nil when the run has none.
func (s *Store) Load(run string, channels int, g field.Grid) (*Checkpoint, error) {
	dir := s.Dir(run)
	tp, xp := filepath.Join(dir, timeFile), filepath.Join(dir, xbFile)
	hasTime, err := exists(tp)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", tp, err)
	}
	hasXb, err := exists(xp)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", xp, err)
	}
	switch {
	case !hasTime && !hasXb:
		return nil, nil
	case !hasXb:
		return nil, fmt.Errorf("%s without %s: %w", tp, xbFile, ErrIncomplete)
	case !hasTime:
		return nil, fmt.Errorf("%s without %s: %w", xp, timeFile, ErrIncomplete)
	}

	raw, err := os.ReadFile(tp)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", tp, err)
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", tp, err, ErrCorrupt)
	}
	a, err := ncio.Read(xp, "xb")
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrCorrupt)
	}
	stamped, err := time.Parse(time.RFC3339, a.Attrs[validTimeAttr])
	if err != nil {
		return nil, fmt.Errorf("%s %s %q: %w", xp, validTimeAttr, a.Attrs[validTimeAttr], ErrCorrupt)
	}
	if !stamped.Equal(t) {
		return nil, fmt.Errorf("%s valid at %s, %s says %s: %w", xp, stamped.UTC().Format(time.RFC3339), timeFile, t.UTC().Format(time.RFC3339), ErrCorrupt)
	}
	if len(a.Shape) != 3 || a.Shape[0] != channels || a.Shape[1] != g.NLat || a.Shape[2] != g.NLon {
		return nil, fmt.Errorf("%s shape %v, want [%d %d %d]: %w", xp, a.Shape, channels, g.NLat, g.NLon, ErrCorrupt)
	}
	xb, err := field.FromData(channels, g, a.Data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrCorrupt)
	}
	return &Checkpoint{Time: t.UTC(), Xb: xb}, nil
}

// SaveCheckpoint writes xb stamped with t, and then t itself.
func (s *Store) SaveCheckpoint(run string, t time.Time, xb *field.Field) error {
	dir := s.Dir(run)
	a := ncio.Array{
		Shape: []int{xb.Channels, xb.Grid.NLat, xb.Grid.NLon},
		Data:  xb.Data,
		Attrs: map[string]string{validTimeAttr: t.UTC().Format(time.RFC3339)},
	}
	if err := ncio.Write(filepath.Join(dir, xbFile), "xb", fieldDims, a); err != nil {
		return fmt.Errorf("save xb: %w", err)
	}
	tp := filepath.Join(dir, timeFile)
	tmp := tp + ".tmp"
	if err := os.WriteFile(tmp, []byte(t.UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, tp); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// SaveFields writes the background and analysis valid at t.
func (s *Store) SaveFields(run string, t time.Time, xb, xa *field.Field) error {
	dir := s.Dir(run)
	if err := writeField(filepath.Join(dir, "xb_"+Stamp(t)+".nc"), "xb", xb); err != nil {
		return err
	}
	return writeField(filepath.Join(dir, "xa_"+Stamp(t)+".nc"), "xa", xa)
}

// SaveGT writes the truth window starting at t.
func (s *Store) SaveGT(t time.Time, gt field.Window) error {
	return s.writeWindow("gt", t, gt)
}

// SaveObs writes the observation window starting at t.
func (s *Store) SaveObs(t time.Time, yo field.Window) error {
	return s.writeWindow("obs", t, yo)
}

func (s *Store) writeWindow(name string, t time.Time, w field.Window) error {
	if len(w) == 0 {
		return fmt.Errorf("write %s: empty window", name)
	}
	f := w[0]
	a := ncio.Array{
		Shape: []int{len(w), f.Channels, f.Grid.NLat, f.Grid.NLon},
		Data:  w.Stack(),
	}
	path := filepath.Join(s.intermediate, fmt.Sprintf("%s_%s.nc", name, Stamp(t)))
	if err := ncio.Write(path, name, []string{"step", "channel", "lat", "lon"}, a); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

func writeField(path, name string, f *field.Field) error {
	a := ncio.Array{Shape: []int{f.Channels, f.Grid.NLat, f.Grid.NLon}, Data: f.Data}
	if err := ncio.Write(path, name, fieldDims, a); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// LoadSeries reads whatever metric series run has saved. Missing files
// yield empty series.
func (s *Store) LoadSeries(run string) (*verify.Series, error) {
	out := verify.NewSeries()
	for _, key := range verify.Keys {
		path := filepath.Join(s.Dir(run), key+".nc")
		ok, err := exists(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !ok {
			continue
		}
		a, err := ncio.Read(path, key)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrCorrupt)
		}
		if verify.IsScalar(key) {
			if len(a.Shape) != 1 {
				return nil, fmt.Errorf("%s shape %v: %w", path, a.Shape, ErrCorrupt)
			}
			out.Scalars[key] = a.Data
			continue
		}
		if len(a.Shape) != 2 {
			return nil, fmt.Errorf("%s shape %v: %w", path, a.Shape, ErrCorrupt)
		}
		rows := make([][]float64, a.Shape[0])
		n := a.Shape[1]
		for i := range rows {
			rows[i] = a.Data[i*n : (i+1)*n : (i+1)*n]
		}
		out.Vectors[key] = rows
	}
	return out, nil
}

// SaveSeries writes every non-empty series of run.
func (s *Store) SaveSeries(run string, series *verify.Series) error {
	for _, key := range verify.Keys {
		path := filepath.Join(s.Dir(run), key+".nc")
		var a ncio.Array
		var dims []string
		if verify.IsScalar(key) {
			v := series.Scalars[key]
			if len(v) == 0 {
				continue
			}
			a = ncio.Array{Shape: []int{len(v)}, Data: v}
			dims = []string{"cycle"}
		} else {
			rows := series.Vectors[key]
			if len(rows) == 0 {
				continue
			}
			n := len(rows[0])
			data := make([]float64, 0, len(rows)*n)
			for i, r := range rows {
				if len(r) != n {
					return fmt.Errorf("save %s: row %d has %d values, want %d: %w", key, i, len(r), n, field.ErrShape)
				}
				data = append(data, r...)
			}
			a = ncio.Array{Shape: []int{len(rows), n}, Data: data}
			dims = []string{"cycle", "channel"}
		}
		if err := ncio.Write(path, key, dims, a); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return nil
}
