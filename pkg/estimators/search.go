package estimators

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"

	"kubegems.io/modelkit/pkg/data"
	"kubegems.io/modelkit/pkg/errors"
)

func init() {
	Register("GridSearchCV", func() Estimator { return &GridSearchCV{CV: DefaultCV, Refit: true} })
}

const DefaultCV = 5

var (
	_ ParameterSearch         = &GridSearchCV{}
	_ ProbabilisticClassifier = &GridSearchCV{}
	_ Scorer                  = &GridSearchCV{}
)

// ParameterSearch is a meta-estimator that fits copies of a seed estimator over candidate params.
type ParameterSearch interface {
	Estimator
	// SeedEstimator is the estimator the candidates were cloned from.
	SeedEstimator() Estimator
	// Results has a row per candidate, with "params" and "rank_test_score" columns.
	Results() *data.Frame
	Best() (est Estimator, params Params, score float64)
}

func IsParameterSearch(est Estimator) bool {
	_, ok := est.(ParameterSearch)
	return ok
}

// GridSearchCV scores every combination of ParamGrid with k-fold cross validation
// and refits the best one on the whole data.
type GridSearchCV struct {
	Estimator Estimator
	ParamGrid map[string][]any
	CV        int
	// Scoring names a metric from Scoring; empty uses the estimator's Score.
	Scoring string
	Refit   bool

	BestEstimator Estimator
	BestParams    Params
	BestScore     float64
	BestIndex     int
	CVResults     *data.Frame
}

func NewGridSearchCV(est Estimator, grid map[string][]any) *GridSearchCV {
	return &GridSearchCV{Estimator: est, ParamGrid: grid, CV: DefaultCV, Refit: true}
}

func (g *GridSearchCV) Name() string   { return "GridSearchCV" }
func (g *GridSearchCV) String() string { return Describe(g) }

func (g *GridSearchCV) Type() EstimatorType {
	if g.Estimator == nil {
		return ""
	}
	return g.Estimator.Type()
}

func (g *GridSearchCV) SeedEstimator() Estimator { return g.Estimator }
func (g *GridSearchCV) Results() *data.Frame     { return g.CVResults }

func (g *GridSearchCV) Best() (Estimator, Params, float64) {
	return g.BestEstimator, g.BestParams, g.BestScore
}

func (g *GridSearchCV) CanPredict() bool {
	return g.Refit && g.Estimator != nil && CanPredict(g.Estimator)
}

func (g *GridSearchCV) CanPredictProba() bool {
	return g.Refit && g.Estimator != nil && CanPredictProba(g.Estimator)
}

func (g *GridSearchCV) GetParams(deep bool) Params {
	params := Params{
		"cv":         g.CV,
		"scoring":    g.Scoring,
		"refit":      g.Refit,
		"param_grid": formatGrid(g.ParamGrid),
	}
	if g.Estimator != nil {
		params["estimator"] = g.Estimator
		if deep {
			for k, v := range g.Estimator.GetParams(true) {
				params["estimator__"+k] = v
			}
		}
	}
	return params
}

func (g *GridSearchCV) SetParams(params Params) error {
	for k, v := range params {
		var err error
		switch {
		case k == "cv":
			g.CV, err = intParam(k, v)
		case k == "scoring":
			g.Scoring, err = stringParam(k, v)
		case k == "refit":
			g.Refit, err = boolParam(k, v)
		case strings.HasPrefix(k, "estimator__") && g.Estimator != nil:
			err = g.Estimator.SetParams(Params{strings.TrimPrefix(k, "estimator__"): v})
		default:
			err = unknownParam(g, k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *GridSearchCV) Clone() Estimator {
	out := &GridSearchCV{ParamGrid: g.ParamGrid, CV: g.CV, Scoring: g.Scoring, Refit: g.Refit}
	if g.Estimator != nil {
		out.Estimator = g.Estimator.Clone()
	}
	return out
}

// Candidates expands the grid in sorted key order, the last key varying fastest.
func (g *GridSearchCV) Candidates() []Params {
	keys := maps.Keys(g.ParamGrid)
	slices.Sort(keys)
	out := []Params{{}}
	for _, k := range keys {
		next := make([]Params, 0, len(out)*len(g.ParamGrid[k]))
		for _, base := range out {
			for _, v := range g.ParamGrid[k] {
				p := maps.Clone(base)
				p[k] = v
				next = append(next, p)
			}
		}
		out = next
	}
	return out
}

type candidateResult struct {
	params     Params
	scores     []float64
	fitTimes   []float64
	scoreTimes []float64
}

func (g *GridSearchCV) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if g.Estimator == nil {
		return errors.NewInvalidParameterError("GridSearchCV requires an estimator")
	}
	if _, err := checkXY(X, y, true); err != nil {
		return err
	}
	if g.CV < 2 || g.CV > len(X) {
		return invalidValue("cv", g.CV)
	}
	score, err := g.scorer()
	if err != nil {
		return err
	}
	if !CanPredict(g.Estimator) {
		return errors.NewInvalidParameterError(fmt.Sprintf("estimator %s cannot predict and cannot be scored", g.Estimator.Name()))
	}
	folds := kFold(len(X), g.CV)
	candidates := g.Candidates()
	results := make([]candidateResult, len(candidates))
	for i, params := range candidates {
		res := candidateResult{params: params}
		for _, test := range folds {
			if err := ctx.Err(); err != nil {
				return err
			}
			trainX, trainY, testX, testY := split(X, y, test)
			est := g.Estimator.Clone()
			if err := est.SetParams(params); err != nil {
				return err
			}
			start := time.Now()
			if err := Fit(ctx, est, trainX, trainY); err != nil {
				return fmt.Errorf("fit candidate %v: %w", params, err)
			}
			res.fitTimes = append(res.fitTimes, time.Since(start).Seconds())
			start = time.Now()
			s, err := score(est.(Predictor), testX, testY)
			if err != nil {
				return fmt.Errorf("score candidate %v: %w", params, err)
			}
			res.scoreTimes = append(res.scoreTimes, time.Since(start).Seconds())
			res.scores = append(res.scores, s)
		}
		results[i] = res
	}

	g.CVResults = g.resultsFrame(results)
	means, _ := g.CVResults.Float64Column("mean_test_score")
	g.BestIndex = floatsArgMax(means)
	g.BestScore = means[g.BestIndex]
	g.BestParams = candidates[g.BestIndex]
	g.BestEstimator = nil
	if !g.Refit {
		return nil
	}
	best := g.Estimator.Clone()
	if err := best.SetParams(g.BestParams); err != nil {
		return err
	}
	if err := Fit(ctx, best, X, y); err != nil {
		return fmt.Errorf("refit best estimator: %w", err)
	}
	g.BestEstimator = best
	return nil
}

func (g *GridSearchCV) scorer() (func(est Predictor, X [][]float64, y []float64) (float64, error), error) {
	if g.Scoring != "" {
		return Scoring(g.Scoring)
	}
	return func(est Predictor, X [][]float64, y []float64) (float64, error) {
		s, ok := est.(Scorer)
		if !ok {
			return 0, errors.NewInvalidParameterError(fmt.Sprintf("estimator %s has no score, set scoring", est.Name()))
		}
		return s.Score(X, y, nil)
	}, nil
}

func (g *GridSearchCV) resultsFrame(results []candidateResult) *data.Frame {
	keys := maps.Keys(g.ParamGrid)
	slices.Sort(keys)
	columns := []string{"mean_fit_time", "std_fit_time", "mean_score_time", "std_score_time"}
	for _, k := range keys {
		columns = append(columns, "param_"+k)
	}
	columns = append(columns, "params")
	for i := 0; i < g.CV; i++ {
		columns = append(columns, fmt.Sprintf("split%d_test_score", i))
	}
	columns = append(columns, "mean_test_score", "std_test_score", "rank_test_score")

	means := make([]float64, len(results))
	for i, res := range results {
		means[i] = stat.Mean(res.scores, nil)
	}
	ranks := minRanks(means)

	rows := make([][]any, len(results))
	for i, res := range results {
		meanFit, stdFit := stat.PopMeanStdDev(res.fitTimes, nil)
		meanScore, stdScore := stat.PopMeanStdDev(res.scoreTimes, nil)
		row := []any{meanFit, stdFit, meanScore, stdScore}
		for _, k := range keys {
			row = append(row, res.params[k])
		}
		row = append(row, res.params)
		for _, s := range res.scores {
			row = append(row, s)
		}
		_, std := stat.PopMeanStdDev(res.scores, nil)
		row = append(row, means[i], std, ranks[i])
		rows[i] = row
	}
	return &data.Frame{Columns: columns, Data: rows}
}

func (g *GridSearchCV) fitted() (Predictor, error) {
	if !g.Refit {
		return nil, errors.NewUnsupportedError("GridSearchCV was initialized with refit=false, predictions are only available after refitting on the best parameters")
	}
	if g.BestEstimator == nil {
		return nil, notFitted(g)
	}
	p, ok := g.BestEstimator.(Predictor)
	if !ok {
		return nil, errors.NewUnsupportedError(fmt.Sprintf("%s cannot predict", g.BestEstimator.Name()))
	}
	return p, nil
}

func (g *GridSearchCV) Predict(X [][]float64) ([]float64, error) {
	p, err := g.fitted()
	if err != nil {
		return nil, err
	}
	return p.Predict(X)
}

func (g *GridSearchCV) PredictProba(X [][]float64) ([][]float64, error) {
	p, err := g.fitted()
	if err != nil {
		return nil, err
	}
	pc, ok := p.(ProbabilisticClassifier)
	if !ok {
		return nil, errors.NewUnsupportedError(fmt.Sprintf("%s has no predict_proba", p.Name()))
	}
	return pc.PredictProba(X)
}

func (g *GridSearchCV) Classes() []float64 {
	if c, ok := g.BestEstimator.(Classifier); ok {
		return c.Classes()
	}
	return nil
}

func (g *GridSearchCV) Score(X [][]float64, y []float64, sampleWeight []float64) (float64, error) {
	p, err := g.fitted()
	if err != nil {
		return 0, err
	}
	if g.Scoring != "" && sampleWeight == nil {
		score, err := Scoring(g.Scoring)
		if err != nil {
			return 0, err
		}
		return score(p, X, y)
	}
	s, ok := p.(Scorer)
	if !ok {
		return 0, errors.NewUnsupportedError(fmt.Sprintf("%s has no score", p.Name()))
	}
	return s.Score(X, y, sampleWeight)
}

// kFold assigns sample i to test fold i%k.
func kFold(n, k int) [][]int {
	folds := make([][]int, k)
	for i := 0; i < n; i++ {
		folds[i%k] = append(folds[i%k], i)
	}
	return folds
}

func split(X [][]float64, y []float64, test []int) (trainX [][]float64, trainY []float64, testX [][]float64, testY []float64) {
	inTest := make(map[int]bool, len(test))
	for _, i := range test {
		inTest[i] = true
	}
	for i := range X {
		if inTest[i] {
			testX, testY = append(testX, X[i]), append(testY, y[i])
		} else {
			trainX, trainY = append(trainX, X[i]), append(trainY, y[i])
		}
	}
	return
}

// minRanks ranks higher scores first, ties share the lowest rank.
func minRanks(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	ranks := make([]int, len(scores))
	for pos, idx := range order {
		if pos > 0 && scores[order[pos-1]] == scores[idx] {
			ranks[idx] = ranks[order[pos-1]]
			continue
		}
		ranks[idx] = pos + 1
	}
	return ranks
}

// floatsArgMax returns the first index of the maximum.
func floatsArgMax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func formatGrid(grid map[string][]any) string {
	keys := maps.Keys(grid)
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("'%s': %v", k, grid[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
