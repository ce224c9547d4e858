package verify

// Series keys, also used as checkpoint file names.
const (
	BgWRMSE  = "bg_wrmse"
	AnaWRMSE = "ana_wrmse"
	BgMSE    = "bg_mse"
	AnaMSE   = "ana_mse"
	BgBias   = "bg_bias"
	AnaBias  = "ana_bias"
)

// Keys lists every series in a stable order.
var Keys = []string{BgWRMSE, AnaWRMSE, BgMSE, AnaMSE, BgBias, AnaBias}

// IsScalar reports whether key holds one value per cycle rather than a
// per-channel vector.
func IsScalar(key string) bool { return key == BgMSE || key == AnaMSE }

// Series accumulates one entry per cycle for each key.
type Series struct {
	Vectors map[string][][]float64
	Scalars map[string][]float64
}

func NewSeries() *Series {
	s := &Series{Vectors: map[string][][]float64{}, Scalars: map[string][]float64{}}
	for _, k := range Keys {
		if IsScalar(k) {
			s.Scalars[k] = nil
		} else {
			s.Vectors[k] = nil
		}
	}
	return s
}

// AppendBackground records the pre-analysis snapshot.
func (s *Series) AppendBackground(sn Snapshot) {
	s.Vectors[BgWRMSE] = append(s.Vectors[BgWRMSE], sn.WRMSE)
	s.Vectors[BgBias] = append(s.Vectors[BgBias], sn.Bias)
	s.Scalars[BgMSE] = append(s.Scalars[BgMSE], sn.MSE)
}

// AppendAnalysis records the post-analysis snapshot.
func (s *Series) AppendAnalysis(sn Snapshot) {
	s.Vectors[AnaWRMSE] = append(s.Vectors[AnaWRMSE], sn.WRMSE)
	s.Vectors[AnaBias] = append(s.Vectors[AnaBias], sn.Bias)
	s.Scalars[AnaMSE] = append(s.Scalars[AnaMSE], sn.MSE)
}

// Len returns the number of entries under key.
func (s *Series) Len(key string) int {
	if IsScalar(key) {
		return len(s.Scalars[key])
	}
	return len(s.Vectors[key])
}

// Truncate drops entries beyond the first n of every key.
func (s *Series) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	for k, v := range s.Vectors {
		if len(v) > n {
			s.Vectors[k] = v[:n]
		}
	}
	for k, v := range s.Scalars {
		if len(v) > n {
			s.Scalars[k] = v[:n]
		}
	}
}

// Clone returns a copy whose slices can be appended to independently.
func (s *Series) Clone() *Series {
	out := NewSeries()
	for k, v := range s.Vectors {
		rows := make([][]float64, len(v))
		for i, r := range v {
			rows[i] = append([]float64(nil), r...)
		}
		out.Vectors[k] = rows
	}
	for k, v := range s.Scalars {
		out.Scalars[k] = append([]float64(nil), v...)
	}
	return out
}
