package estimators

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"

	"kubegems.io/modelkit/pkg/errors"
)

func init() {
	Register("LogisticRegression", func() Estimator { return NewLogisticRegression() })
}

var (
	_ ProbabilisticClassifier = &LogisticRegression{}
	_ Scorer                  = &LogisticRegression{}
)

// LogisticRegression is a multinomial logistic regression trained by full batch gradient descent.
// C is the inverse of the L2 regularization strength.
type LogisticRegression struct {
	C            float64
	MaxIter      int
	LearningRate float64
	Tol          float64
	FitIntercept bool

	ClassLabels []float64
	Coef        [][]float64
	Intercept   []float64
	NIter       int
}

func NewLogisticRegression() *LogisticRegression {
	return &LogisticRegression{C: 1.0, MaxIter: 100, LearningRate: 0.1, Tol: 1e-4, FitIntercept: true}
}

func (m *LogisticRegression) Name() string        { return "LogisticRegression" }
func (m *LogisticRegression) Type() EstimatorType { return TypeClassifier }
func (m *LogisticRegression) String() string      { return Describe(m) }
func (m *LogisticRegression) Classes() []float64  { return m.ClassLabels }

func (m *LogisticRegression) GetParams(deep bool) Params {
	return Params{
		"C":             m.C,
		"max_iter":      m.MaxIter,
		"learning_rate": m.LearningRate,
		"tol":           m.Tol,
		"fit_intercept": m.FitIntercept,
	}
}

func (m *LogisticRegression) SetParams(params Params) error {
	for k, v := range params {
		var err error
		switch k {
		case "C":
			m.C, err = floatParam(k, v)
		case "max_iter":
			m.MaxIter, err = intParam(k, v)
		case "learning_rate":
			m.LearningRate, err = floatParam(k, v)
		case "tol":
			m.Tol, err = floatParam(k, v)
		case "fit_intercept":
			m.FitIntercept, err = boolParam(k, v)
		default:
			err = unknownParam(m, k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *LogisticRegression) Clone() Estimator {
	return &LogisticRegression{C: m.C, MaxIter: m.MaxIter, LearningRate: m.LearningRate, Tol: m.Tol, FitIntercept: m.FitIntercept}
}

func (m *LogisticRegression) Fit(ctx context.Context, X [][]float64, y []float64) error {
	features, err := checkXY(X, y, true)
	if err != nil {
		return err
	}
	if m.C <= 0 {
		return errors.NewInvalidParameterError(fmt.Sprintf("penalty term must be positive; got (C=%v)", m.C))
	}
	classes := uniqueSorted(y)
	if len(classes) < 2 {
		return errors.NewInvalidParameterError(fmt.Sprintf(
			"this solver needs samples of at least 2 classes in the data, but the data contains only one class: %v", classes))
	}
	k, n := len(classes), float64(len(X))
	index := make(map[float64]int, k)
	for i, c := range classes {
		index[c] = i
	}
	labels := make([]int, len(y))
	for i, v := range y {
		labels[i] = index[v]
	}

	coef := make([][]float64, k)
	for c := range coef {
		coef[c] = make([]float64, features)
	}
	intercept := make([]float64, k)
	gradW := make([][]float64, k)
	for c := range gradW {
		gradW[c] = make([]float64, features)
	}
	gradB := make([]float64, k)
	probs := make([]float64, k)
	lambda := 1 / (m.C * n)

	m.NIter = 0
	for iter := 0; iter < m.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for c := range gradW {
			floats.Scale(0, gradW[c])
		}
		floats.Scale(0, gradB)
		for i, row := range X {
			softmax(coef, intercept, row, probs)
			for c := 0; c < k; c++ {
				diff := probs[c]
				if labels[i] == c {
					diff -= 1
				}
				floats.AddScaled(gradW[c], diff/n, row)
				gradB[c] += diff / n
			}
		}
		maxStep := 0.0
		for c := 0; c < k; c++ {
			floats.AddScaled(gradW[c], lambda, coef[c])
			floats.AddScaled(coef[c], -m.LearningRate, gradW[c])
			maxStep = math.Max(maxStep, m.LearningRate*floats.Norm(gradW[c], math.Inf(1)))
			if m.FitIntercept {
				intercept[c] -= m.LearningRate * gradB[c]
				maxStep = math.Max(maxStep, math.Abs(m.LearningRate*gradB[c]))
			}
		}
		m.NIter = iter + 1
		if maxStep < m.Tol {
			break
		}
	}
	m.ClassLabels, m.Coef, m.Intercept = classes, coef, intercept
	return nil
}

func (m *LogisticRegression) PredictProba(X [][]float64) ([][]float64, error) {
	if m.Coef == nil {
		return nil, notFitted(m)
	}
	if _, err := checkXY(X, nil, false); err != nil {
		return nil, err
	}
	out := make([][]float64, len(X))
	for i, row := range X {
		if len(row) != len(m.Coef[0]) {
			return nil, featureMismatch(m, len(row), len(m.Coef[0]))
		}
		out[i] = make([]float64, len(m.ClassLabels))
		softmax(m.Coef, m.Intercept, row, out[i])
	}
	return out, nil
}

func (m *LogisticRegression) Predict(X [][]float64) ([]float64, error) {
	proba, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(proba))
	for i, p := range proba {
		out[i] = m.ClassLabels[floats.MaxIdx(p)]
	}
	return out, nil
}

// Score is the mean accuracy of the predictions.
func (m *LogisticRegression) Score(X [][]float64, y []float64, sampleWeight []float64) (float64, error) {
	pred, err := m.Predict(X)
	if err != nil {
		return 0, err
	}
	return AccuracyScore(y, pred, sampleWeight)
}

func softmax(coef [][]float64, intercept []float64, row []float64, into []float64) {
	for c := range coef {
		into[c] = floats.Dot(coef[c], row) + intercept[c]
	}
	top := floats.Max(into)
	sum := 0.0
	for c := range into {
		into[c] = math.Exp(into[c] - top)
		sum += into[c]
	}
	floats.Scale(1/sum, into)
}

func uniqueSorted(values []float64) []float64 {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}
