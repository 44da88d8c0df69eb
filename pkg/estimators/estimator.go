// Package estimators implements a small set of trainable models with a
// uniform parameter and fit API that the estimator flavor and autologging work on.
package estimators

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"kubegems.io/modelkit/pkg/errors"
)

type EstimatorType string

const (
	TypeClassifier  EstimatorType = "classifier"
	TypeRegressor   EstimatorType = "regressor"
	TypeTransformer EstimatorType = "transformer"
)

// Params maps parameter names to values. Nested estimator params use the "<step>__<param>" form.
type Params map[string]any

// Estimator is a model that can be fitted on a feature matrix and targets.
type Estimator interface {
	Name() string
	Type() EstimatorType
	GetParams(deep bool) Params
	SetParams(params Params) error
	// Fit trains the estimator. Callers use the package level Fit so training hooks apply.
	Fit(ctx context.Context, X [][]float64, y []float64) error
	// Clone returns an unfitted estimator with the same params.
	Clone() Estimator
}

type Predictor interface {
	Estimator
	Predict(X [][]float64) ([]float64, error)
}

type Classifier interface {
	Predictor
	Classes() []float64
}

type ProbabilisticClassifier interface {
	Classifier
	PredictProba(X [][]float64) ([][]float64, error)
}

type Regressor interface {
	Predictor
}

type Scorer interface {
	Score(X [][]float64, y []float64, sampleWeight []float64) (float64, error)
}

type Transformer interface {
	Estimator
	Transform(X [][]float64) ([][]float64, error)
}

// capabilities is implemented by wrappers whose abilities depend on what they wrap.
type capabilities interface {
	CanPredict() bool
	CanPredictProba() bool
}

func CanPredict(est Estimator) bool {
	if c, ok := est.(capabilities); ok {
		return c.CanPredict()
	}
	_, ok := est.(Predictor)
	return ok
}

func CanPredictProba(est Estimator) bool {
	if c, ok := est.(capabilities); ok {
		return c.CanPredictProba()
	}
	_, ok := est.(ProbabilisticClassifier)
	return ok
}

func IsClassifier(est Estimator) bool { return est.Type() == TypeClassifier }

func IsRegressor(est Estimator) bool { return est.Type() == TypeRegressor }

type FitFunc func(ctx context.Context, est Estimator, X [][]float64, y []float64) error

// FitHook wraps training of every estimator fitted through Fit with the context, including
// estimators fitted by meta-estimators. next runs the remaining hooks and the training itself.
type FitHook func(ctx context.Context, est Estimator, X [][]float64, y []float64, next FitFunc) error

type fitHookKey struct{}

// WithFitHook returns a context whose Fit calls run through hook, outside of hooks already installed.
func WithFitHook(ctx context.Context, hook FitHook) context.Context {
	hooks, _ := ctx.Value(fitHookKey{}).([]FitHook)
	next := make([]FitHook, 0, len(hooks)+1)
	next = append(next, hook)
	next = append(next, hooks...)
	return context.WithValue(ctx, fitHookKey{}, next)
}

// Fit trains est through the fit hooks carried by ctx.
func Fit(ctx context.Context, est Estimator, X [][]float64, y []float64) error {
	hooks, _ := ctx.Value(fitHookKey{}).([]FitHook)
	return runHooks(hooks)(ctx, est, X, y)
}

func runHooks(hooks []FitHook) FitFunc {
	if len(hooks) == 0 {
		return func(ctx context.Context, est Estimator, X [][]float64, y []float64) error {
			return est.Fit(ctx, X, y)
		}
	}
	return func(ctx context.Context, est Estimator, X [][]float64, y []float64) error {
		return hooks[0](ctx, est, X, y, runHooks(hooks[1:]))
	}
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Estimator{}
)

// Register makes an estimator constructible by name, used when decoding saved estimators.
func Register(name string, factory func() Estimator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

func New(name string) (Estimator, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, errors.NewInvalidParameterError(fmt.Sprintf("unknown estimator %s", name))
	}
	return factory(), nil
}

// Describe renders an estimator with its params, like "LinearRegression(alpha=0, fit_intercept=true)".
func Describe(est Estimator) string {
	params := est.GetParams(false)
	keys := maps.Keys(params)
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return est.Name() + "(" + strings.Join(parts, ", ") + ")"
}

func unknownParam(est Estimator, key string) error {
	return errors.NewInvalidParameterError(fmt.Sprintf("invalid parameter %s for estimator %s", key, est.Name()))
}

func checkXY(X [][]float64, y []float64, needY bool) (int, error) {
	if len(X) == 0 {
		return 0, errors.NewInvalidParameterError("found array with 0 samples")
	}
	features := len(X[0])
	for i, row := range X {
		if len(row) != features {
			return 0, errors.NewInvalidParameterError(fmt.Sprintf("row %d has %d features, expected %d", i, len(row), features))
		}
	}
	if needY && len(y) != len(X) {
		return 0, errors.NewInvalidParameterError(fmt.Sprintf("found input variables with inconsistent numbers of samples: [%d, %d]", len(X), len(y)))
	}
	return features, nil
}

func notFitted(est Estimator) error {
	return errors.NewInvalidStateError(fmt.Sprintf("this %s instance is not fitted yet", est.Name()))
}

func featureMismatch(est Estimator, got, want int) error {
	return errors.NewInvalidParameterError(fmt.Sprintf("X has %d features, but %s is expecting %d features as input", got, est.Name(), want))
}
