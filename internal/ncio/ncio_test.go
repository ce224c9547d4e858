package ncio

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestWriteRead(t *testing.T) {
	tests := []struct {
		name  string
		dims  []string
		shape []int
	}{
		{"vector", []string{"channel"}, []int{4}},
		{"matrix", []string{"cycle", "channel"}, []int{3, 2}},
		{"field", []string{"channel", "lat", "lon"}, []int{2, 3, 4}},
		{"window", []string{"step", "channel", "lat", "lon"}, []int{2, 2, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Array{Shape: tt.shape}
			n := a.Len()
			a.Data = make([]float64, n)
			for i := range a.Data {
				a.Data[i] = float64(i)*0.5 - 3
			}
			path := filepath.Join(t.TempDir(), tt.name+".nc")
			if err := Write(path, "v", tt.dims, a); err != nil {
				t.Fatalf("Write: %v", err)
			}
			got, err := Read(path, "v")
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if !reflect.DeepEqual(got.Shape, tt.shape) {
				t.Errorf("Shape = %v, want %v", got.Shape, tt.shape)
			}
			if !reflect.DeepEqual(got.Data, a.Data) {
				t.Errorf("Data = %v, want %v", got.Data, a.Data)
			}
		})
	}
}

func TestWriteRejectsBadShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.nc")
	if err := Write(path, "v", []string{"a"}, Array{Shape: []int{3}, Data: []float64{1, 2}}); err == nil {
		t.Error("expected error for short data")
	}
	if err := Write(path, "v", []string{"a", "b"}, Array{Shape: []int{2}, Data: []float64{1, 2}}); err == nil {
		t.Error("expected error for dims/shape mismatch")
	}
}

func TestReadMissingFile(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "missing.nc"), "v"); err == nil {
		t.Error("expected error")
	}
}

func TestWriteReadAttrs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attrs.nc")
	a := Array{
		Shape: []int{2},
		Data:  []float64{1, 2},
		Attrs: map[string]string{"valid_time": "2018-01-01T00:00:00Z", "units": "m"},
	}
	if err := Write(path, "v", []string{"channel"}, a); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path, "v")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for k, want := range a.Attrs {
		if got.Attrs[k] != want {
			t.Errorf("Attrs[%q] = %q, want %q", k, got.Attrs[k], want)
		}
	}
	if got.Attrs["long_name"] != "v" {
		t.Errorf("long_name = %q, want v", got.Attrs["long_name"])
	}
}
