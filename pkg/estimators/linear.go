package estimators

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func init() {
	Register("LinearRegression", func() Estimator { return NewLinearRegression() })
}

var (
	_ Regressor = &LinearRegression{}
	_ Scorer    = &LinearRegression{}
)

// LinearRegression is ordinary least squares, with an L2 penalty when Alpha > 0.
type LinearRegression struct {
	FitIntercept bool
	Alpha        float64

	Coef      []float64
	Intercept float64
	Fitted    bool
}

func NewLinearRegression() *LinearRegression {
	return &LinearRegression{FitIntercept: true}
}

func (m *LinearRegression) Name() string        { return "LinearRegression" }
func (m *LinearRegression) Type() EstimatorType { return TypeRegressor }
func (m *LinearRegression) String() string      { return Describe(m) }

func (m *LinearRegression) GetParams(deep bool) Params {
	return Params{"fit_intercept": m.FitIntercept, "alpha": m.Alpha}
}

func (m *LinearRegression) SetParams(params Params) error {
	for k, v := range params {
		var err error
		switch k {
		case "fit_intercept":
			m.FitIntercept, err = boolParam(k, v)
		case "alpha":
			m.Alpha, err = floatParam(k, v)
		default:
			err = unknownParam(m, k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *LinearRegression) Clone() Estimator {
	return &LinearRegression{FitIntercept: m.FitIntercept, Alpha: m.Alpha}
}

func (m *LinearRegression) Fit(ctx context.Context, X [][]float64, y []float64) error {
	features, err := checkXY(X, y, true)
	if err != nil {
		return err
	}
	if m.Alpha < 0 {
		return invalidValue("alpha", m.Alpha)
	}
	n := len(X)
	xmean := make([]float64, features)
	ymean := 0.0
	if m.FitIntercept {
		col := make([]float64, n)
		for j := 0; j < features; j++ {
			for i := range X {
				col[i] = X[i][j]
			}
			xmean[j] = stat.Mean(col, nil)
		}
		ymean = stat.Mean(y, nil)
	}

	// ridge as least squares on [X; sqrt(alpha) I]
	rows := n
	if m.Alpha > 0 {
		rows += features
	}
	a := mat.NewDense(rows, features, nil)
	b := mat.NewVecDense(rows, nil)
	for i, row := range X {
		for j, v := range row {
			a.Set(i, j, v-xmean[j])
		}
		b.SetVec(i, y[i]-ymean)
	}
	if m.Alpha > 0 {
		penalty := math.Sqrt(m.Alpha)
		for j := 0; j < features; j++ {
			a.Set(n+j, j, penalty)
		}
	}
	var w mat.VecDense
	if err := w.SolveVec(a, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return err
		}
	}
	m.Coef = make([]float64, features)
	for j := range m.Coef {
		m.Coef[j] = w.AtVec(j)
	}
	m.Intercept = 0
	if m.FitIntercept {
		m.Intercept = ymean - floats.Dot(xmean, m.Coef)
	}
	m.Fitted = true
	return nil
}

func (m *LinearRegression) Predict(X [][]float64) ([]float64, error) {
	if !m.Fitted {
		return nil, notFitted(m)
	}
	if _, err := checkXY(X, nil, false); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(m.Coef) {
			return nil, featureMismatch(m, len(row), len(m.Coef))
		}
		out[i] = floats.Dot(row, m.Coef) + m.Intercept
	}
	return out, nil
}

// Score is the coefficient of determination of the predictions.
func (m *LinearRegression) Score(X [][]float64, y []float64, sampleWeight []float64) (float64, error) {
	pred, err := m.Predict(X)
	if err != nil {
		return 0, err
	}
	return R2Score(y, pred, sampleWeight)
}
