package field

import "fmt"

// Window is a sequence of fields sampled at a fixed integration step.
type Window []*Field

// Stack returns the window as one flat array shaped [step][channel][lat][lon].
func (w Window) Stack() []float64 {
	if len(w) == 0 {
		return nil
	}
	n := w[0].Len()
	out := make([]float64, 0, n*len(w))
	for _, f := range w {
		out = append(out, f.Data...)
	}
	return out
}

// NormalizeWindow normalizes every step of w.
func (c *Climatology) NormalizeWindow(w Window) (Window, error) {
	out := make(Window, len(w))
	for i, f := range w {
		z, err := c.Normalize(f)
		if err != nil {
			return nil, fmt.Errorf("normalize step %d: %w", i, err)
		}
		out[i] = z
	}
	return out, nil
}
