package estimators

import (
	"context"

	"gonum.org/v1/gonum/stat"
)

func init() {
	Register("StandardScaler", func() Estimator { return NewStandardScaler() })
}

var _ Transformer = &StandardScaler{}

// StandardScaler removes the mean and scales features to unit variance.
type StandardScaler struct {
	WithMean bool
	WithStd  bool

	Mean  []float64
	Scale []float64
}

func NewStandardScaler() *StandardScaler {
	return &StandardScaler{WithMean: true, WithStd: true}
}

func (s *StandardScaler) Name() string        { return "StandardScaler" }
func (s *StandardScaler) Type() EstimatorType { return TypeTransformer }
func (s *StandardScaler) String() string      { return Describe(s) }

func (s *StandardScaler) GetParams(deep bool) Params {
	return Params{"with_mean": s.WithMean, "with_std": s.WithStd}
}

func (s *StandardScaler) SetParams(params Params) error {
	for k, v := range params {
		var err error
		switch k {
		case "with_mean":
			s.WithMean, err = boolParam(k, v)
		case "with_std":
			s.WithStd, err = boolParam(k, v)
		default:
			err = unknownParam(s, k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *StandardScaler) Clone() Estimator {
	return &StandardScaler{WithMean: s.WithMean, WithStd: s.WithStd}
}

// Fit computes per feature mean and population standard deviation; y is ignored.
func (s *StandardScaler) Fit(ctx context.Context, X [][]float64, y []float64) error {
	features, err := checkXY(X, nil, false)
	if err != nil {
		return err
	}
	s.Mean = make([]float64, features)
	s.Scale = make([]float64, features)
	col := make([]float64, len(X))
	for j := 0; j < features; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		if std == 0 {
			// constant features are left unscaled
			std = 1
		}
		s.Scale[j] = std
	}
	return nil
}

func (s *StandardScaler) Transform(X [][]float64) ([][]float64, error) {
	if s.Mean == nil {
		return nil, notFitted(s)
	}
	if _, err := checkXY(X, nil, false); err != nil {
		return nil, err
	}
	out := make([][]float64, len(X))
	for i, row := range X {
		if len(row) != len(s.Mean) {
			return nil, featureMismatch(s, len(row), len(s.Mean))
		}
		out[i] = make([]float64, len(row))
		for j, v := range row {
			if s.WithMean {
				v -= s.Mean[j]
			}
			if s.WithStd {
				v /= s.Scale[j]
			}
			out[i][j] = v
		}
	}
	return out, nil
}
