package estimators

import (
	"bytes"
	"context"
	"math"
	"reflect"
	"testing"

	apierrors "kubegems.io/modelkit/pkg/errors"
)

func line(n int) ([][]float64, []float64) {
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		X[i] = []float64{float64(i)}
		y[i] = 2*float64(i) + 1
	}
	return X, y
}

func separable() ([][]float64, []float64) {
	X := [][]float64{{-2}, {-1.5}, {-1}, {-0.5}, {0.5}, {1}, {1.5}, {2}}
	y := []float64{0, 0, 0, 0, 1, 1, 1, 1}
	return X, y
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestLinearRegression(t *testing.T) {
	X, y := line(6)
	m := NewLinearRegression()
	if _, err := m.Predict(X); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidState) {
		t.Fatalf("Predict() before fit error = %v", err)
	}
	if err := Fit(context.Background(), m, X, y); err != nil {
		t.Fatal(err)
	}
	if !almostEqual(m.Coef[0], 2) || !almostEqual(m.Intercept, 1) {
		t.Errorf("coef = %v, intercept = %v", m.Coef, m.Intercept)
	}
	score, err := m.Score(X, y, nil)
	if err != nil || !almostEqual(score, 1) {
		t.Errorf("Score() = %v, %v", score, err)
	}
	if _, err := m.Predict([][]float64{{1, 2}}); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("Predict() with wrong features error = %v", err)
	}

	ridge := NewLinearRegression()
	if err := ridge.SetParams(Params{"alpha": "10"}); err != nil {
		t.Fatal(err)
	}
	if err := Fit(context.Background(), ridge, X, y); err != nil {
		t.Fatal(err)
	}
	if ridge.Coef[0] >= 2 || ridge.Coef[0] <= 0 {
		t.Errorf("ridge coef = %v, want shrunk towards 0", ridge.Coef)
	}
	if got, want := Describe(ridge), "LinearRegression(alpha=10, fit_intercept=true)"; got != want {
		t.Errorf("Describe() = %s, want %s", got, want)
	}
	if err := ridge.SetParams(Params{"normalize": true}); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("SetParams() unknown error = %v", err)
	}
}

func TestLogisticRegression(t *testing.T) {
	X, y := separable()
	m := NewLogisticRegression()
	if err := Fit(context.Background(), m, X, y); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m.Classes(), []float64{0, 1}) {
		t.Errorf("Classes() = %v", m.Classes())
	}
	score, err := m.Score(X, y, nil)
	if err != nil || score != 1 {
		t.Errorf("Score() = %v, %v", score, err)
	}
	proba, err := m.PredictProba(X)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range proba {
		if !almostEqual(p[0]+p[1], 1) {
			t.Errorf("row %d probabilities %v do not sum to 1", i, p)
		}
	}
	if err := Fit(context.Background(), NewLogisticRegression(), X, make([]float64, len(X))); err == nil {
		t.Error("Fit() with a single class should fail")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Fit(ctx, NewLogisticRegression(), X, y); err != context.Canceled {
		t.Errorf("Fit() with canceled context error = %v", err)
	}
}

func TestStandardScaler(t *testing.T) {
	s := NewStandardScaler()
	X := [][]float64{{0, 5}, {2, 5}, {4, 5}}
	if err := Fit(context.Background(), s, X, nil); err != nil {
		t.Fatal(err)
	}
	got, err := s.Transform(X)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]float64{{-math.Sqrt(1.5), 0}, {0, 0}, {math.Sqrt(1.5), 0}}
	for i := range want {
		for j := range want[i] {
			if !almostEqual(got[i][j], want[i][j]) {
				t.Errorf("Transform()[%d][%d] = %v, want %v", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func newScaledLogistic() *Pipeline {
	return NewPipeline(
		Step{Name: "scaler", Estimator: NewStandardScaler()},
		Step{Name: "clf", Estimator: NewLogisticRegression()},
	)
}

func TestPipeline_Params(t *testing.T) {
	p := newScaledLogistic()
	if p.Type() != TypeClassifier || !CanPredictProba(p) {
		t.Errorf("pipeline type = %s, proba = %v", p.Type(), CanPredictProba(p))
	}
	shallow := p.GetParams(false)
	if !reflect.DeepEqual(shallow, Params{"steps": "[scaler, clf]"}) {
		t.Errorf("GetParams(false) = %v", shallow)
	}
	if err := p.SetParams(Params{"clf__C": 0.5, "scaler__with_mean": false}); err != nil {
		t.Fatal(err)
	}
	deep := p.GetParams(true)
	if deep["clf__C"] != 0.5 || deep["scaler__with_mean"] != false {
		t.Errorf("GetParams(true) = %v", deep)
	}
	if _, ok := deep["clf"].(*LogisticRegression); !ok {
		t.Errorf("GetParams(true)[clf] = %T", deep["clf"])
	}
	for _, bad := range []Params{{"C": 1}, {"missing__C": 1}} {
		if err := p.SetParams(bad); err == nil {
			t.Errorf("SetParams(%v) should fail", bad)
		}
	}
}

func TestFitHooks(t *testing.T) {
	var calls []string
	record := func(prefix string) FitHook {
		return func(ctx context.Context, est Estimator, X [][]float64, y []float64, next FitFunc) error {
			calls = append(calls, prefix+est.Name())
			return next(ctx, est, X, y)
		}
	}
	ctx := WithFitHook(context.Background(), record("inner:"))
	ctx = WithFitHook(ctx, record("outer:"))

	X, y := separable()
	if err := Fit(ctx, newScaledLogistic(), X, y); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"outer:Pipeline", "inner:Pipeline",
		"outer:StandardScaler", "inner:StandardScaler",
		"outer:LogisticRegression", "inner:LogisticRegression",
	}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("hook calls = %v, want %v", calls, want)
	}
}

func TestMetrics(t *testing.T) {
	yTrue, yPred := []float64{3, -0.5, 2, 7}, []float64{2.5, 0, 2, 8}
	regression := []struct {
		name string
		fn   func(a, b, w []float64) (float64, error)
		want float64
	}{
		{name: "mse", fn: MeanSquaredError, want: 0.375},
		{name: "mae", fn: MeanAbsoluteError, want: 0.5},
		{name: "rmse", fn: RootMeanSquaredError, want: math.Sqrt(0.375)},
		{name: "r2", fn: R2Score, want: 0.9486081370449679},
	}
	for _, tt := range regression {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn(yTrue, yPred, nil)
			if err != nil || !almostEqual(got, tt.want) {
				t.Errorf("%s = %v, %v; want %v", tt.name, got, err, tt.want)
			}
		})
	}

	acc, _ := AccuracyScore([]float64{0, 1, 2, 3}, []float64{0, 2, 1, 3}, nil)
	if acc != 0.5 {
		t.Errorf("AccuracyScore() = %v", acc)
	}
	weighted, _ := AccuracyScore([]float64{0, 1}, []float64{0, 0}, []float64{3, 1})
	if weighted != 0.75 {
		t.Errorf("weighted AccuracyScore() = %v", weighted)
	}

	p, r, f1, err := PrecisionRecallF1([]float64{0, 1, 2, 0, 1, 2}, []float64{0, 2, 1, 0, 0, 1}, nil)
	if err != nil || !almostEqual(p, 2.0/9) || !almostEqual(r, 1.0/3) || !almostEqual(f1, 0.8/3) {
		t.Errorf("PrecisionRecallF1() = %v, %v, %v, %v", p, r, f1, err)
	}

	binary := []float64{0, 0, 1, 1}
	scores := []float64{0.1, 0.4, 0.35, 0.8}
	proba := [][]float64{{0.9, 0.1}, {0.6, 0.4}, {0.65, 0.35}, {0.2, 0.8}}
	auc, err := RocAucScore(binary, proba, []float64{0, 1}, nil)
	if err != nil || !almostEqual(auc, 0.75) {
		t.Errorf("RocAucScore() = %v, %v", auc, err)
	}
	fpr, tpr, rocThresholds, err := RocCurve(binary, scores, 1, nil)
	if err != nil || !reflect.DeepEqual(fpr, []float64{0, 0, 0.5, 0.5, 1}) || !reflect.DeepEqual(tpr, []float64{0, 0.5, 0.5, 1, 1}) {
		t.Errorf("RocCurve() = %v, %v, %v", fpr, tpr, err)
	}
	if len(rocThresholds) != 5 || !almostEqual(rocThresholds[0], 1.8) || !reflect.DeepEqual(rocThresholds[1:], []float64{0.8, 0.4, 0.35, 0.1}) {
		t.Errorf("RocCurve() thresholds = %v", rocThresholds)
	}
	precision, recall, thresholds, err := PrecisionRecallCurve(binary, scores, 1, nil)
	if err != nil ||
		!reflect.DeepEqual(precision, []float64{2.0 / 3, 0.5, 1, 1}) ||
		!reflect.DeepEqual(recall, []float64{1, 0.5, 0.5, 0}) ||
		!reflect.DeepEqual(thresholds, []float64{0.35, 0.4, 0.8}) {
		t.Errorf("PrecisionRecallCurve() = %v, %v, %v, %v", precision, recall, thresholds, err)
	}

	loss, err := LogLoss([]float64{0, 1}, [][]float64{{0.9, 0.1}, {0.2, 0.8}}, []float64{0, 1}, nil)
	if want := -(math.Log(0.9) + math.Log(0.8)) / 2; err != nil || !almostEqual(loss, want) {
		t.Errorf("LogLoss() = %v, %v; want %v", loss, err, want)
	}

	cm, err := ConfusionMatrix([]float64{2, 0, 2, 2, 0, 1}, []float64{0, 0, 2, 2, 0, 2}, nil, nil)
	if want := [][]float64{{2, 0, 0}, {0, 0, 1}, {1, 0, 2}}; err != nil || !reflect.DeepEqual(cm, want) {
		t.Errorf("ConfusionMatrix() = %v, %v", cm, err)
	}

	if _, err := MeanSquaredError([]float64{1}, []float64{1, 2}, nil); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("inconsistent lengths error = %v", err)
	}
}

func TestGridSearchCV(t *testing.T) {
	X, y := line(9)
	g := NewGridSearchCV(NewLinearRegression(), map[string][]any{
		"alpha":         {0.0, 1.0, 10.0},
		"fit_intercept": {true, false},
	})
	g.CV = 3

	fits := 0
	ctx := WithFitHook(context.Background(), func(ctx context.Context, est Estimator, X [][]float64, y []float64, next FitFunc) error {
		fits++
		return next(ctx, est, X, y)
	})
	if err := Fit(ctx, g, X, y); err != nil {
		t.Fatal(err)
	}
	// every candidate on every fold, the refit and the search itself
	if want := 6*3 + 1 + 1; fits != want {
		t.Errorf("fit calls = %d, want %d", fits, want)
	}
	if g.BestIndex != 0 || !reflect.DeepEqual(g.BestParams, Params{"alpha": 0.0, "fit_intercept": true}) {
		t.Errorf("best = %d %v", g.BestIndex, g.BestParams)
	}
	if !almostEqual(g.BestScore, 1) {
		t.Errorf("BestScore = %v", g.BestScore)
	}
	if g.CVResults.NumRows() != 6 {
		t.Fatalf("CVResults has %d rows", g.CVResults.NumRows())
	}
	wantColumns := []string{
		"mean_fit_time", "std_fit_time", "mean_score_time", "std_score_time",
		"param_alpha", "param_fit_intercept", "params",
		"split0_test_score", "split1_test_score", "split2_test_score",
		"mean_test_score", "std_test_score", "rank_test_score",
	}
	if !reflect.DeepEqual(g.CVResults.Columns, wantColumns) {
		t.Errorf("CVResults columns = %v", g.CVResults.Columns)
	}
	ranks, _ := g.CVResults.Column("rank_test_score")
	if ranks[0] != 1 {
		t.Errorf("rank of best candidate = %v", ranks[0])
	}
	pred, err := g.Predict([][]float64{{10}})
	if err != nil || !almostEqual(pred[0], 21) {
		t.Errorf("Predict() = %v, %v", pred, err)
	}
	if !IsParameterSearch(g) || IsParameterSearch(NewLinearRegression()) {
		t.Error("IsParameterSearch() mismatch")
	}
}

func TestMinRanks(t *testing.T) {
	got := minRanks([]float64{0.5, 0.9, 0.5, 0.1})
	if want := []int{2, 1, 2, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("minRanks() = %v, want %v", got, want)
	}
}

func TestSerialization(t *testing.T) {
	X, y := separable()
	p := newScaledLogistic()
	if err := Fit(context.Background(), p, X, y); err != nil {
		t.Fatal(err)
	}
	want, err := p.PredictProba(X)
	if err != nil {
		t.Fatal(err)
	}

	buf := &bytes.Buffer{}
	if err := EncodeGob(buf, p); err != nil {
		t.Fatal(err)
	}
	fromGob, err := DecodeGob(buf)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := MarshalEstimator(p)
	if err != nil {
		t.Fatal(err)
	}
	fromJSON, err := UnmarshalEstimator(raw)
	if err != nil {
		t.Fatal(err)
	}
	for name, est := range map[string]Estimator{"gob": fromGob, "json": fromJSON} {
		got, err := est.(ProbabilisticClassifier).PredictProba(X)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: PredictProba() = %v, want %v", name, got, want)
		}
	}

	g := NewGridSearchCV(NewLinearRegression(), map[string][]any{"alpha": {0.0, 1.0}})
	g.CV = 2
	lx, ly := line(6)
	if err := Fit(context.Background(), g, lx, ly); err != nil {
		t.Fatal(err)
	}
	raw, err = MarshalEstimator(g)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalEstimator(raw)
	if err != nil {
		t.Fatal(err)
	}
	gp, _ := g.Predict(lx)
	dp, err := decoded.(Predictor).Predict(lx)
	if err != nil || !reflect.DeepEqual(gp, dp) {
		t.Errorf("decoded search Predict() = %v, %v; want %v", dp, err, gp)
	}

	if _, err := UnmarshalEstimator([]byte(`{"type":"Unknown","value":{}}`)); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("unknown estimator error = %v", err)
	}
}
