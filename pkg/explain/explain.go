// Package explain attributes the predictions of a model to its input features with
// Shapley values estimated over sampled feature permutations.
package explain

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	apierrors "kubegems.io/modelkit/pkg/errors"
)

const (
	AlgorithmPermutation = "permutation"

	DefaultPermutations  = 10
	DefaultMaxBackground = 100
)

// PredictFunc returns one prediction per row of X.
type PredictFunc func(X [][]float64) ([]float64, error)

// Explainer estimates Shapley values of Predict against a background dataset. Features that are
// not yet revealed take their values from the background rows, and the predictions are averaged.
type Explainer struct {
	Predict      PredictFunc `json:"-"`
	Background   [][]float64 `json:"background"`
	FeatureNames []string    `json:"feature_names,omitempty"`
	Algorithm    string      `json:"algorithm"`
	// Permutations is the number of orderings sampled per row; each is also walked in reverse.
	Permutations int   `json:"permutations"`
	Seed         int64 `json:"seed"`
}

type Option func(*Explainer)

func WithFeatureNames(names []string) Option {
	return func(e *Explainer) { e.FeatureNames = names }
}

func WithPermutations(n int) Option {
	return func(e *Explainer) { e.Permutations = n }
}

func WithSeed(seed int64) Option {
	return func(e *Explainer) { e.Seed = seed }
}

func NewPermutationExplainer(predict PredictFunc, background [][]float64, opts ...Option) (*Explainer, error) {
	e := &Explainer{
		Predict:      predict,
		Background:   background,
		Algorithm:    AlgorithmPermutation,
		Permutations: DefaultPermutations,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Explainer) Validate() error {
	if e.Algorithm != AlgorithmPermutation {
		return apierrors.NewInvalidParameterError(fmt.Sprintf("unsupported explainer algorithm %q", e.Algorithm))
	}
	if e.Permutations < 1 {
		return apierrors.NewInvalidParameterError(fmt.Sprintf("permutations must be positive, got %d", e.Permutations))
	}
	if len(e.Background) == 0 || len(e.Background[0]) == 0 {
		return apierrors.NewInvalidParameterError("the background dataset must have at least one row and one feature")
	}
	features := len(e.Background[0])
	for i, row := range e.Background {
		if len(row) != features {
			return apierrors.NewInvalidParameterError(fmt.Sprintf("background row %d has %d features, expected %d", i, len(row), features))
		}
	}
	if len(e.FeatureNames) > 0 && len(e.FeatureNames) != features {
		return apierrors.NewInvalidParameterError(fmt.Sprintf("got %d feature names for %d features", len(e.FeatureNames), features))
	}
	return nil
}

func (e *Explainer) NumFeatures() int {
	return len(e.Background[0])
}

// Explanation holds one row of Shapley values per explained row. For every row the values sum
// to the prediction of that row minus BaseValue.
type Explanation struct {
	BaseValue    float64     `json:"base_value"`
	Values       [][]float64 `json:"values"`
	FeatureNames []string    `json:"feature_names,omitempty"`
	Data         [][]float64 `json:"data"`
}

// Explain computes the Shapley values of every row of X.
func (e *Explainer) Explain(ctx context.Context, X [][]float64) (*Explanation, error) {
	if e.Predict == nil {
		return nil, apierrors.NewInvalidStateError("explainer has no model to explain")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	features := e.NumFeatures()
	basePred, err := e.predict(e.Background)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(e.Seed))
	explanation := &Explanation{
		BaseValue:    stat.Mean(basePred, nil),
		Values:       make([][]float64, len(X)),
		FeatureNames: e.FeatureNames,
		Data:         make([][]float64, len(X)),
	}
	for i, row := range X {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(row) != features {
			return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("row %d has %d features, expected %d", i, len(row), features))
		}
		values := make([]float64, features)
		for p := 0; p < e.Permutations; p++ {
			order := rng.Perm(features)
			reversed := slices.Clone(order)
			for a, b := 0, len(reversed)-1; a < b; a, b = a+1, b-1 {
				reversed[a], reversed[b] = reversed[b], reversed[a]
			}
			for _, o := range [][]int{order, reversed} {
				if err := e.walk(row, o, values); err != nil {
					return nil, err
				}
			}
		}
		floats.Scale(1/float64(2*e.Permutations), values)
		explanation.Values[i] = values
		explanation.Data[i] = slices.Clone(row)
	}
	return explanation, nil
}

// walk reveals the features of row in order and adds each marginal contribution to values.
func (e *Explainer) walk(row []float64, order []int, values []float64) error {
	background := len(e.Background)
	batch := make([][]float64, 0, (len(order)+1)*background)
	masked := make([][]float64, background)
	for b := range masked {
		masked[b] = slices.Clone(e.Background[b])
	}
	for step := 0; step <= len(order); step++ {
		if step > 0 {
			feature := order[step-1]
			for b := range masked {
				masked[b][feature] = row[feature]
			}
		}
		for b := range masked {
			batch = append(batch, slices.Clone(masked[b]))
		}
	}
	pred, err := e.predict(batch)
	if err != nil {
		return err
	}
	prev := stat.Mean(pred[:background], nil)
	for step, feature := range order {
		cur := stat.Mean(pred[(step+1)*background:(step+2)*background], nil)
		values[feature] += cur - prev
		prev = cur
	}
	return nil
}

func (e *Explainer) predict(X [][]float64) ([]float64, error) {
	pred, err := e.Predict(X)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if len(pred) != len(X) {
		return nil, apierrors.NewInvalidStateError(fmt.Sprintf("model returned %d predictions for %d rows", len(pred), len(X)))
	}
	return pred, nil
}

// SampleRows returns X when it has at most limit rows, otherwise limit rows drawn without replacement.
func SampleRows(X [][]float64, limit int, seed int64) [][]float64 {
	if limit <= 0 || len(X) <= limit {
		return X
	}
	idx := rand.New(rand.NewSource(seed)).Perm(len(X))[:limit]
	slices.Sort(idx)
	out := make([][]float64, limit)
	for i, j := range idx {
		out[i] = X[j]
	}
	return out
}
