// Package ncio reads and writes flat float64 arrays as NetCDF variables.
package ncio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
)

// ErrUnsupportedType is returned for variable types that cannot be widened
// to float64.
var ErrUnsupportedType = errors.New("unsupported netcdf variable type")

// Array is a dense row-major array with its shape. Attrs carries the
// variable's string attributes.
type Array struct {
	Shape []int
	Data  []float64
	Attrs map[string]string
}

// Len returns the number of elements implied by Shape.
func (a Array) Len() int {
	n := 1
	for _, s := range a.Shape {
		n *= s
	}
	return n
}

// Read opens path and returns variable name as a float64 array. Packed
// integer variables are unpacked with their scale_factor and add_offset
// attributes.
func Read(path, name string) (Array, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return Array{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer nc.Close()
	return ReadVar(nc, name)
}

// ReadVar reads variable name from an open group.
func ReadVar(nc api.Group, name string) (Array, error) {
	v, err := nc.GetVariable(name)
	if err != nil {
		return Array{}, fmt.Errorf("get variable %s: %w", name, err)
	}
	var a Array
	if err := flatten(reflect.ValueOf(v.Values), &a, 0); err != nil {
		return Array{}, fmt.Errorf("variable %s: %w", name, err)
	}
	if a.Len() != len(a.Data) {
		return Array{}, fmt.Errorf("variable %s: ragged array", name)
	}
	a.Attrs = stringAttrs(v.Attributes)
	scale, hasScale := attrFloat(v.Attributes, "scale_factor")
	offset, hasOffset := attrFloat(v.Attributes, "add_offset")
	if hasScale || hasOffset {
		if !hasScale {
			scale = 1
		}
		for i, x := range a.Data {
			a.Data[i] = x*scale + offset
		}
	}
	return a, nil
}

func flatten(v reflect.Value, a *Array, depth int) error {
	if v.Kind() != reflect.Slice {
		// Scalar variable.
		x, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("%s: %w", v.Type(), ErrUnsupportedType)
		}
		a.Data = append(a.Data, x)
		return nil
	}
	if len(a.Shape) == depth {
		a.Shape = append(a.Shape, v.Len())
	}
	switch s := v.Interface().(type) {
	case []float64:
		a.Data = append(a.Data, s...)
		return nil
	case []float32:
		for _, x := range s {
			a.Data = append(a.Data, float64(x))
		}
		return nil
	case []int16:
		for _, x := range s {
			a.Data = append(a.Data, float64(x))
		}
		return nil
	case []int32:
		for _, x := range s {
			a.Data = append(a.Data, float64(x))
		}
		return nil
	case []int8:
		for _, x := range s {
			a.Data = append(a.Data, float64(x))
		}
		return nil
	case []uint8:
		for _, x := range s {
			a.Data = append(a.Data, float64(x))
		}
		return nil
	}
	for i := 0; i < v.Len(); i++ {
		if err := flatten(v.Index(i), a, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func toFloat(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	}
	return 0, false
}

func stringAttrs(attrs api.AttributeMap) map[string]string {
	out := map[string]string{}
	if attrs == nil {
		return out
	}
	for _, k := range attrs.Keys() {
		if raw, ok := attrs.Get(k); ok {
			if str, ok := raw.(string); ok {
				out[k] = str
			}
		}
	}
	return out
}

func attrFloat(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	raw, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() == reflect.Slice {
		if rv.Len() == 0 {
			return 0, false
		}
		rv = rv.Index(0)
	}
	return toFloat(rv)
}

// Write stores a as variable name with the given dimension names in a new
// NetCDF file at path. The file is written to a temporary name and renamed
// so a crash never leaves a truncated array behind.
func Write(path, name string, dims []string, a Array) error {
	if len(dims) != len(a.Shape) {
		return fmt.Errorf("write %s: %d dims for shape %v", name, len(dims), a.Shape)
	}
	if a.Len() != len(a.Data) {
		return fmt.Errorf("write %s: shape %v holds %d values, have %d", name, a.Shape, a.Len(), len(a.Data))
	}
	if len(a.Shape) == 0 || len(a.Shape) > 4 {
		return fmt.Errorf("write %s: rank %d not supported", name, len(a.Shape))
	}
	if a.Len() == 0 {
		return fmt.Errorf("write %s: empty array", name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	cw, err := netcdf.OpenWriter(tmp, netcdf.KindCDF)
	if err != nil {
		return fmt.Errorf("open writer %s: %w", tmp, err)
	}
	keys := []string{"long_name"}
	values := map[string]interface{}{"long_name": name}
	extra := make([]string, 0, len(a.Attrs))
	for k := range a.Attrs {
		if k != "long_name" {
			extra = append(extra, k)
		}
	}
	slices.Sort(extra)
	for _, k := range extra {
		keys = append(keys, k)
		values[k] = a.Attrs[k]
	}
	attrs, err := util.NewOrderedMap(keys, values)
	if err != nil {
		cw.Close()
		return fmt.Errorf("attributes: %w", err)
	}
	if err := cw.AddVar(name, api.Variable{
		Values:     nest(a.Data, a.Shape),
		Dimensions: dims,
		Attributes: attrs,
	}); err != nil {
		cw.Close()
		return fmt.Errorf("add variable %s: %w", name, err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// nest reslices flat data into nested slices of len(shape) dimensions
// without copying values.
func nest(data []float64, shape []int) interface{} {
	switch len(shape) {
	case 0:
		return data[0]
	case 1:
		return data
	case 2:
		out := make([][]float64, shape[0])
		n := shape[1]
		for i := range out {
			out[i] = data[i*n : (i+1)*n]
		}
		return out
	case 3:
		out := make([][][]float64, shape[0])
		n := shape[1] * shape[2]
		for i := range out {
			out[i] = nest(data[i*n:(i+1)*n], shape[1:]).([][]float64)
		}
		return out
	default:
		out := make([][][][]float64, shape[0])
		n := len(data) / shape[0]
		for i := range out {
			out[i] = nest(data[i*n:(i+1)*n], shape[1:4]).([][][]float64)
		}
		return out
	}
}
