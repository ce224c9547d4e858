package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/util"

	"github.com/lox/neuralda/internal/field"
)

var testGrid = field.Grid{NLat: 3, NLon: 4}

// value is the synthetic content of channel-like slot (v, level, j, k).
func value(v, level, j, k int) float32 {
	return float32(v*1000 + level*10 + j*4 + k)
}

// writeState writes an archive file whose "level" coordinate is stored in
// descending pressure order.
func writeState(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	cw, err := netcdf.OpenWriter(path, netcdf.KindCDF)
	if err != nil {
		t.Fatal(err)
	}
	attrs, _ := util.NewOrderedMap(nil, nil)

	nlev := len(field.PressureLevels)
	levels := make([]int32, nlev)
	for i := range levels {
		levels[i] = int32(field.PressureLevels[nlev-1-i])
	}
	add := func(name string, vals interface{}, dims ...string) {
		if err := cw.AddVar(name, api.Variable{Values: vals, Dimensions: dims, Attributes: attrs}); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	add("level", levels, "level")
	for v, name := range []string{"u10", "v10", "t2m", "msl"} {
		grid := make([][]float32, testGrid.NLat)
		for j := range grid {
			grid[j] = make([]float32, testGrid.NLon)
			for k := range grid[j] {
				grid[j][k] = value(v, 0, j, k)
			}
		}
		add(name, grid, "lat", "lon")
	}
	for v, name := range field.MultiLevel {
		vol := make([][][]float32, nlev)
		for i := range vol {
			// File index i holds pressure level nlev-1-i.
			lev := nlev - 1 - i
			vol[i] = make([][]float32, testGrid.NLat)
			for j := range vol[i] {
				vol[i][j] = make([]float32, testGrid.NLon)
				for k := range vol[i][j] {
					vol[i][j][k] = value(10+v, lev, j, k)
				}
			}
		}
		add(name, vol, "level", "lat", "lon")
	}
	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestKey(t *testing.T) {
	got := Key(time.Date(2018, 1, 2, 6, 0, 0, 0, time.UTC))
	if got != "2018/2018-01-02T06.nc" {
		t.Errorf("Key = %q, want %q", got, "2018/2018-01-02T06.nc")
	}
}

func TestLocalDecode(t *testing.T) {
	root := t.TempDir()
	ts := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	writeState(t, filepath.Join(root, Key(ts)))

	f, err := NewLocal(root, testGrid).State(context.Background(), ts)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if f.Channels != field.NumChannels {
		t.Fatalf("Channels = %d, want %d", f.Channels, field.NumChannels)
	}
	tests := []struct {
		channel string
		v, lev  int
	}{
		{"u10", 0, 0},
		{"mslp", 3, 0},
		{"z50", 10, 0},
		{"z500", 10, 7},
		{"q1000", 11, 12},
		{"t850", 14, 10},
	}
	for _, tt := range tests {
		c := field.ChannelIndex(tt.channel)
		for j := 0; j < testGrid.NLat; j++ {
			for k := 0; k < testGrid.NLon; k++ {
				want := float64(value(tt.v, tt.lev, j, k))
				if got := f.At(c, j, k); got != want {
					t.Errorf("%s(%d,%d) = %v, want %v", tt.channel, j, k, got, want)
				}
			}
		}
	}
}

func TestLocalNotFound(t *testing.T) {
	_, err := NewLocal(t.TempDir(), testGrid).State(context.Background(), time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLocalWrongGrid(t *testing.T) {
	root := t.TempDir()
	ts := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	writeState(t, filepath.Join(root, Key(ts)))

	_, err := NewLocal(root, field.Grid{NLat: 5, NLon: 4}).State(context.Background(), ts)
	if !errors.Is(err, field.ErrShape) {
		t.Errorf("err = %v, want ErrShape", err)
	}
}

type countingSource struct {
	calls atomic.Int32
	err   error
}

func (s *countingSource) State(ctx context.Context, t time.Time) (*field.Field, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	f := field.New(1, testGrid)
	f.Data[0] = float64(t.Hour())
	return f, nil
}

func TestCachedHit(t *testing.T) {
	src := &countingSource{}
	c := NewCached(src, 2)
	ctx := context.Background()
	t0 := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	t6 := t0.Add(6 * time.Hour)
	t12 := t0.Add(12 * time.Hour)

	a, _ := c.State(ctx, t0)
	a.Data[0] = 99 // callers may mutate their copy
	b, _ := c.State(ctx, t0)
	if b.Data[0] != 0 {
		t.Errorf("cached value = %v, want 0", b.Data[0])
	}
	if got := src.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}

	c.State(ctx, t6)
	c.State(ctx, t12) // evicts t0
	c.State(ctx, t0)
	if got := src.calls.Load(); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	src := &countingSource{err: ErrNotFound}
	c := NewCached(src, 4)
	ts := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	for range 2 {
		if _, err := c.State(context.Background(), ts); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	}
	if got := src.calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestOpenUnknownKind(t *testing.T) {
	if _, err := Open(Options{Kind: "gopher"}, testGrid); err == nil {
		t.Error("expected error")
	}
}
