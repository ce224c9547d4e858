// Package archive fetches full atmospheric states by valid time from an
// ERA5-style NetCDF archive laid out as <root>/<YYYY>/<YYYY-MM-DDTHH>.nc.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"

	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/metrics"
	"github.com/lox/neuralda/internal/ncio"
)

// ErrNotFound is returned when the archive has no state for a time.
var ErrNotFound = errors.New("state not found")

// Source returns the full state valid at t.
type Source interface {
	State(ctx context.Context, t time.Time) (*field.Field, error)
}

// Key is the archive-relative path of the file holding time t.
func Key(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d/%s.nc", t.Year(), t.Format("2006-01-02T15"))
}

// surfaceVars maps surface channels to their archive variable names.
var surfaceVars = map[string]string{
	"u10":  "u10",
	"v10":  "v10",
	"t2m":  "t2m",
	"mslp": "msl",
}

// Decode reads one state file and returns it on grid g in channel order.
// Pressure-level variables are reordered by the file's "level" coordinate
// when present.
func Decode(path string, g field.Grid) (*field.Field, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer nc.Close()

	levelIndex := make([]int, len(field.PressureLevels))
	for i := range levelIndex {
		levelIndex[i] = i
	}
	if lev, err := ncio.ReadVar(nc, "level"); err == nil {
		for i, want := range field.PressureLevels {
			levelIndex[i] = -1
			for k, v := range lev.Data {
				if int(v+0.5) == want {
					levelIndex[i] = k
					break
				}
			}
			if levelIndex[i] < 0 {
				return nil, fmt.Errorf("decode %s: pressure level %d missing", path, want)
			}
		}
	}

	out := field.New(field.NumChannels, g)
	n := g.Size()
	c := 0
	for _, name := range field.SingleLevel {
		a, err := ncio.ReadVar(nc, surfaceVars[name])
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if err := checkHorizontal(a, g, 1); err != nil {
			return nil, fmt.Errorf("decode %s: %s: %w", path, name, err)
		}
		copy(out.Channel(c), a.Data[:n])
		c++
	}
	for _, name := range field.MultiLevel {
		a, err := ncio.ReadVar(nc, name)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		levels := len(a.Data) / max(n, 1)
		if err := checkHorizontal(a, g, levels); err != nil {
			return nil, fmt.Errorf("decode %s: %s: %w", path, name, err)
		}
		for _, k := range levelIndex {
			if k >= levels {
				return nil, fmt.Errorf("decode %s: %s has %d levels: %w", path, name, levels, field.ErrShape)
			}
			copy(out.Channel(c), a.Data[k*n:(k+1)*n])
			c++
		}
	}
	return out, nil
}

// checkHorizontal verifies that a ends in (lat, lon) matching g and holds
// exactly slices horizontal slices. Leading singleton dimensions such as a
// time axis are accepted.
func checkHorizontal(a ncio.Array, g field.Grid, slices int) error {
	r := len(a.Shape)
	if r < 2 || a.Shape[r-2] != g.NLat || a.Shape[r-1] != g.NLon {
		return fmt.Errorf("shape %v on grid %s: %w", a.Shape, g, field.ErrShape)
	}
	if slices < 1 || len(a.Data) != slices*g.Size() {
		return fmt.Errorf("shape %v: %w", a.Shape, field.ErrShape)
	}
	return nil
}

// decodeStream copies r into a temporary file and decodes it. The NetCDF
// reader needs random access, so remote objects are spooled to disk.
func decodeStream(r io.Reader, g field.Grid) (*field.Field, error) {
	f, err := os.CreateTemp("", "neuralda-*.nc")
	if err != nil {
		return nil, fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return nil, fmt.Errorf("spool: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp: %w", err)
	}
	return Decode(f.Name(), g)
}

func observe(source string, start time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	metrics.StateFetches.WithLabelValues(source, status).Inc()
	metrics.FetchLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())
}
