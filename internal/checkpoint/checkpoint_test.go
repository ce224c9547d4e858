package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/verify"
)

var testGrid = field.Grid{NLat: 3, NLon: 4}

func testField(channels int, base float64) *field.Field {
	f := field.New(channels, testGrid)
	for i := range f.Data {
		f.Data[i] = base + float64(i)/7
	}
	return f
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := New(t.TempDir(), t.TempDir())
	ts := time.Date(2018, 1, 1, 12, 0, 0, 0, time.UTC)

	cp, err := s.Load("run", 2, testGrid)
	if err != nil || cp != nil {
		t.Fatalf("Load on empty dir = %v, %v; want nil, nil", cp, err)
	}

	xb := testField(2, 1)
	if err := s.SaveCheckpoint("run", ts, xb); err != nil {
		t.Fatal(err)
	}
	cp, err = s.Load("run", 2, testGrid)
	if err != nil {
		t.Fatal(err)
	}
	if !cp.Time.Equal(ts) {
		t.Errorf("Time = %s, want %s", cp.Time, ts)
	}
	assert.Equal(t, xb.Data, cp.Xb.Data)
}

func TestLoadIncomplete(t *testing.T) {
	tests := []struct {
		name   string
		remove string
	}{
		{"missing xb", xbFile},
		{"missing time", timeFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(t.TempDir(), t.TempDir())
			if err := s.SaveCheckpoint("run", time.Now(), testField(2, 0)); err != nil {
				t.Fatal(err)
			}
			if err := os.Remove(filepath.Join(s.Dir("run"), tt.remove)); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Load("run", 2, testGrid); !errors.Is(err, ErrIncomplete) {
				t.Errorf("err = %v, want ErrIncomplete", err)
			}
		})
	}
}

func TestLoadCorrupt(t *testing.T) {
	t.Run("bad time", func(t *testing.T) {
		s := New(t.TempDir(), t.TempDir())
		if err := s.SaveCheckpoint("run", time.Now(), testField(2, 0)); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(s.Dir("run"), timeFile), []byte("yesterday"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Load("run", 2, testGrid); !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})
	t.Run("wrong shape", func(t *testing.T) {
		s := New(t.TempDir(), t.TempDir())
		if err := s.SaveCheckpoint("run", time.Now(), testField(3, 0)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Load("run", 2, testGrid); !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})
	t.Run("xb from a later save", func(t *testing.T) {
		s := New(t.TempDir(), t.TempDir())
		t0 := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
		if err := s.SaveCheckpoint("run", t0, testField(2, 0)); err != nil {
			t.Fatal(err)
		}
		// Crash after the next save renamed xb.nc but before the time file.
		next := New(t.TempDir(), t.TempDir())
		if err := next.SaveCheckpoint("run", t0.Add(12*time.Hour), testField(2, 42)); err != nil {
			t.Fatal(err)
		}
		if err := os.Rename(filepath.Join(next.Dir("run"), xbFile), filepath.Join(s.Dir("run"), xbFile)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Load("run", 2, testGrid); !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})
	t.Run("unstamped xb", func(t *testing.T) {
		s := New(t.TempDir(), t.TempDir())
		if err := s.SaveCheckpoint("run", time.Now(), testField(2, 0)); err != nil {
			t.Fatal(err)
		}
		if err := writeField(filepath.Join(s.Dir("run"), xbFile), "xb", testField(2, 1)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Load("run", 2, testGrid); !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})
	t.Run("garbage xb", func(t *testing.T) {
		s := New(t.TempDir(), t.TempDir())
		if err := s.SaveCheckpoint("run", time.Now(), testField(2, 0)); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(s.Dir("run"), xbFile), []byte("not netcdf"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Load("run", 2, testGrid); !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})
}

func TestSeriesRoundTrip(t *testing.T) {
	s := New(t.TempDir(), t.TempDir())
	series := verify.NewSeries()
	for i := range 3 {
		sn := verify.Snapshot{WRMSE: []float64{float64(i), 1}, Bias: []float64{-1, float64(i)}, MSE: float64(i) / 2}
		series.AppendBackground(sn)
		if i < 2 {
			series.AppendAnalysis(sn)
		}
	}
	if err := s.SaveSeries("run", series); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadSeries("run")
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range verify.Keys {
		if got.Len(k) != series.Len(k) {
			t.Errorf("Len(%s) = %d, want %d", k, got.Len(k), series.Len(k))
		}
	}
	assert.Equal(t, series.Vectors[verify.BgWRMSE], got.Vectors[verify.BgWRMSE])
	assert.Equal(t, series.Scalars[verify.AnaMSE], got.Scalars[verify.AnaMSE])
}

func TestLoadSeriesMissing(t *testing.T) {
	got, err := New(t.TempDir(), t.TempDir()).LoadSeries("run")
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range verify.Keys {
		if got.Len(k) != 0 {
			t.Errorf("Len(%s) = %d, want 0", k, got.Len(k))
		}
	}
}

func TestSaveFieldsAndWindows(t *testing.T) {
	results, inter := t.TempDir(), t.TempDir()
	s := New(results, inter)
	ts := time.Date(2018, 1, 2, 0, 0, 0, 0, time.UTC)
	if err := s.SaveFields("run", ts, testField(2, 0), testField(2, 1)); err != nil {
		t.Fatal(err)
	}
	w := field.Window{testField(2, 0), testField(2, 5)}
	if err := s.SaveGT(ts, w); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveObs(ts, w); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{
		filepath.Join(results, "run", "xb_2018-01-02T00.nc"),
		filepath.Join(results, "run", "xa_2018-01-02T00.nc"),
		filepath.Join(inter, "gt_2018-01-02T00.nc"),
		filepath.Join(inter, "obs_2018-01-02T00.nc"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s: %v", filepath.Base(p), err)
		}
	}
}
