package autolog

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sort"
	"testing"

	"golang.org/x/exp/slices"
	"k8s.io/utils/pointer"

	"kubegems.io/modelkit/pkg/data"
	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/estimators"
	"kubegems.io/modelkit/pkg/nn"
	"kubegems.io/modelkit/pkg/tracking"
	"kubegems.io/modelkit/pkg/tracking/trackingtest"
)

func classification() ([][]float64, []float64) {
	X := [][]float64{{-2, 1}, {-1.5, 0}, {-1, 1}, {-0.5, 0}, {0.5, 1}, {1, 0}, {1.5, 1}, {2, 0}}
	y := []float64{0, 0, 0, 0, 1, 1, 1, 1}
	return X, y
}

func regression() ([][]float64, []float64) {
	X := [][]float64{}
	y := []float64{}
	noise := []float64{0.1, -0.2, 0.05, 0.15, -0.1, 0.2, -0.05, -0.15, 0.1, -0.1, 0.05, 0}
	for i, n := range noise {
		x := float64(i)
		X = append(X, []float64{x})
		y = append(y, 2*x+1+n)
	}
	return X, y
}

func listRuns(t *testing.T, client *tracking.Client, tags map[string]string) []tracking.Run {
	t.Helper()
	runs, err := client.SearchRuns(context.Background(), tracking.SearchRunsOptions{Tags: tags})
	if err != nil {
		t.Fatal(err)
	}
	return runs
}

func onlyRun(t *testing.T, client *tracking.Client) tracking.Run {
	t.Helper()
	runs := listRuns(t, client, nil)
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	return runs[0]
}

func artifactNames(t *testing.T, client *tracking.Client, runID string) []string {
	t.Helper()
	files, err := client.ListArtifacts(context.Background(), runID, "")
	if err != nil {
		t.Fatal(err)
	}
	names := []string{}
	for _, f := range files {
		names = append(names, f.Path)
	}
	return names
}

func TestAutolog_Pipeline(t *testing.T) {
	client := trackingtest.NewClient(t)
	ctx, err := Autolog(context.Background(), client, EstimatorsIntegration, NewDefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	X, y := classification()
	p := estimators.NewPipeline(
		estimators.Step{Name: "scaler", Estimator: estimators.NewStandardScaler()},
		estimators.Step{Name: "clf", Estimator: estimators.NewLogisticRegression()},
	)
	if err := estimators.Fit(ctx, p, X, y); err != nil {
		t.Fatal(err)
	}

	// the inner steps are fitted within the pipeline session and get no run of their own
	run := onlyRun(t, client)
	if run.Info.Status != tracking.RunStatusFinished {
		t.Errorf("status = %s, want FINISHED", run.Info.Status)
	}
	tags := run.Data.TagsMap()
	if tags[tracking.TagAutologging] != EstimatorsIntegration || tags[tracking.TagEstimatorName] != "Pipeline" ||
		tags[tracking.TagEstimatorClass] != "kubegems.io/modelkit/pkg/estimators.Pipeline" {
		t.Errorf("tags = %v", tags)
	}
	params := run.Data.ParamsMap()
	for _, key := range []string{"steps", "scaler", "clf", "clf__C", "clf__max_iter"} {
		if _, ok := params[key]; !ok {
			t.Errorf("param %s not logged: %v", key, params)
		}
	}
	metrics := run.Data.MetricsMap()
	for _, key := range []string{"training_accuracy_score", "training_f1_score", "training_log_loss", "training_roc_auc_score", "training_score"} {
		if _, ok := metrics[key]; !ok {
			t.Errorf("metric %s not logged: %v", key, metrics)
		}
	}
	names := artifactNames(t, client, run.Info.RunID)
	for _, name := range []string{"model", "training_confusion_matrix.json", "training_roc_curve.json", "training_precision_recall_curve.json"} {
		if !slices.Contains(names, name) {
			t.Errorf("artifact %s not logged: %v", name, names)
		}
	}
	logged, err := client.LoggedModels(context.Background(), run.Info.RunID)
	if err != nil || len(logged) != 1 {
		t.Fatalf("LoggedModels() = %v, %v", logged, err)
	}
	if logged[0].Signature == nil || len(logged[0].Signature.Inputs) == 0 {
		t.Errorf("model logged without signature: %+v", logged[0])
	}
}

func TestAutolog_ExcludedEstimator(t *testing.T) {
	client := trackingtest.NewClient(t)
	ctx, err := Autolog(context.Background(), client, EstimatorsIntegration, NewDefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	X, y := classification()
	if err := estimators.Fit(ctx, estimators.NewStandardScaler(), X, y); err != nil {
		t.Fatal(err)
	}
	if runs := listRuns(t, client, nil); len(runs) != 0 {
		t.Errorf("got %d runs for a scaler, want none", len(runs))
	}
}

// failingScore is a regressor whose Score always fails.
type failingScore struct {
	*estimators.LinearRegression
}

func (f failingScore) Score(X [][]float64, y []float64, sampleWeight []float64) (float64, error) {
	return 0, errors.New("score is broken")
}

func TestAutolog_MetricFailure(t *testing.T) {
	client := trackingtest.NewClient(t)
	cfg := NewDefaultConfig()
	cfg.LogModels = false
	ctx, err := Autolog(context.Background(), client, EstimatorsIntegration, cfg)
	if err != nil {
		t.Fatal(err)
	}
	X, y := regression()
	est := failingScore{LinearRegression: estimators.NewLinearRegression()}
	if err := estimators.Fit(ctx, est, X, y); err != nil {
		t.Fatal(err)
	}
	run := onlyRun(t, client)
	if run.Info.Status != tracking.RunStatusFinished {
		t.Errorf("status = %s, want FINISHED", run.Info.Status)
	}
	metrics := run.Data.MetricsMap()
	if _, ok := metrics["training_score"]; ok {
		t.Errorf("failed metric logged: %v", metrics)
	}
	for _, key := range []string{"training_mse", "training_rmse", "training_mae", "training_r2_score"} {
		if _, ok := metrics[key]; !ok {
			t.Errorf("metric %s not logged: %v", key, metrics)
		}
	}
}

// unencodableArtifact adds an artifact that cannot be written as json to every result.
type unencodableArtifact struct {
	Integration
}

func (u unencodableArtifact) PostTraining(ctx context.Context, call *Call) Result {
	result := u.Integration.PostTraining(ctx, call)
	result.Artifacts["training_unencodable"] = math.NaN()
	return result
}

func TestAutolog_ArtifactFailure(t *testing.T) {
	client := trackingtest.NewClient(t)
	cfg := NewDefaultConfig()
	cfg.LogModels = false
	patch := &Patch{Integration: unencodableArtifact{Integration: &estimatorIntegration{}}, Client: client, Config: cfg}

	X, y := classification()
	lr := estimators.NewLogisticRegression()
	err := patch.Run(context.Background(), &fitArgs{est: lr, X: X, y: y}, func(ctx context.Context) error {
		return estimators.Fit(ctx, lr, X, y)
	})
	if err != nil {
		t.Fatal(err)
	}
	run := onlyRun(t, client)
	if run.Info.Status != tracking.RunStatusFinished {
		t.Errorf("status = %s, want FINISHED", run.Info.Status)
	}
	names := artifactNames(t, client, run.Info.RunID)
	want := []string{"training_confusion_matrix.json", "training_precision_recall_curve.json", "training_roc_curve.json"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("artifacts = %v, want %v", names, want)
	}
	if _, ok := run.Data.MetricsMap()["training_accuracy_score"]; !ok {
		t.Errorf("metrics = %v", run.Data.MetricsMap())
	}
}

func TestAutolog_TrainingError(t *testing.T) {
	client := trackingtest.NewClient(t)
	ctx, err := Autolog(context.Background(), client, EstimatorsIntegration, NewDefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	X, _ := regression()
	err = estimators.Fit(ctx, estimators.NewLinearRegression(), X, []float64{1, 2})
	if !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Fatalf("Fit() error = %v", err)
	}
	if run := onlyRun(t, client); run.Info.Status != tracking.RunStatusFailed {
		t.Errorf("status = %s, want FAILED", run.Info.Status)
	}
}

func TestAutolog_ActiveRun(t *testing.T) {
	tests := []struct {
		name       string
		exclusive  bool
		wantParams bool
	}{
		{name: "logs into the active run", wantParams: true},
		{name: "exclusive leaves the active run alone", exclusive: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := trackingtest.NewClient(t)
			cfg := NewDefaultConfig()
			cfg.Exclusive = tt.exclusive
			cfg.LogModels = false
			ctx, err := Autolog(context.Background(), client, EstimatorsIntegration, cfg)
			if err != nil {
				t.Fatal(err)
			}
			ctx, active, err := tracking.StartRun(ctx, client, tracking.StartRunOptions{})
			if err != nil {
				t.Fatal(err)
			}
			X, y := regression()
			if err := estimators.Fit(ctx, estimators.NewLinearRegression(), X, y); err != nil {
				t.Fatal(err)
			}
			run := onlyRun(t, client)
			if run.Info.RunID != active.ID() || run.Info.Status != tracking.RunStatusRunning {
				t.Errorf("run %s status = %s, want the active run still running", run.Info.RunID, run.Info.Status)
			}
			if _, ok := run.Data.ParamsMap()["alpha"]; ok != tt.wantParams {
				t.Errorf("params = %v, want logged %v", run.Data.ParamsMap(), tt.wantParams)
			}
		})
	}
}

func TestAutolog_ParameterSearch(t *testing.T) {
	client := trackingtest.NewClient(t)
	cfg := NewDefaultConfig()
	cfg.MaxTuningRuns = pointer.Int(2)
	ctx, err := Autolog(context.Background(), client, EstimatorsIntegration, cfg)
	if err != nil {
		t.Fatal(err)
	}
	X, y := regression()
	search := estimators.NewGridSearchCV(estimators.NewLinearRegression(), map[string][]any{
		"alpha": {0.0, 1.0, 10.0, 100.0},
	})
	search.CV = 3
	if err := estimators.Fit(ctx, search, X, y); err != nil {
		t.Fatal(err)
	}

	parents := listRuns(t, client, map[string]string{tracking.TagEstimatorName: "GridSearchCV"})
	if len(parents) != 1 {
		t.Fatalf("got %d search runs, want 1", len(parents))
	}
	parent := parents[0]
	params := parent.Data.ParamsMap()
	if _, ok := params["best_alpha"]; !ok {
		t.Errorf("best params not logged: %v", params)
	}
	if _, ok := params["estimator__alpha"]; ok {
		t.Errorf("search params logged deep: %v", params)
	}
	if _, ok := parent.Data.MetricsMap()["best_cv_score"]; !ok {
		t.Errorf("best_cv_score not logged: %v", parent.Data.MetricsMap())
	}
	names := artifactNames(t, client, parent.Info.RunID)
	for _, name := range []string{"model", "best_estimator", cvResultsFile} {
		if !slices.Contains(names, name) {
			t.Errorf("artifact %s not logged: %v", name, names)
		}
	}

	children := listRuns(t, client, map[string]string{tracking.TagParentRunID: parent.Info.RunID})
	if len(children) != 2 {
		t.Fatalf("got %d child runs, want 2", len(children))
	}
	ranks := []float64{}
	for _, child := range children {
		if child.Info.Status != tracking.RunStatusFinished || child.Info.StartTime != parent.Info.StartTime {
			t.Errorf("child %s status = %s start = %d", child.Info.RunID, child.Info.Status, child.Info.StartTime)
		}
		metrics := child.Data.MetricsMap()
		ranks = append(ranks, metrics["rank_test_score"])
		if _, ok := metrics["mean_test_score"]; !ok {
			t.Errorf("child metrics = %v", metrics)
		}
		if _, ok := metrics["split0_test_score"]; ok {
			t.Errorf("split scores logged as child metrics: %v", metrics)
		}
		childParams := child.Data.ParamsMap()
		if _, ok := childParams["alpha"]; !ok || childParams["fit_intercept"] != "True" {
			t.Errorf("child params = %v", childParams)
		}
		if child.Data.TagsMap()[tracking.TagEstimatorName] != "LinearRegression" {
			t.Errorf("child tags = %v", child.Data.TagsMap())
		}
	}
	sort.Float64s(ranks)
	if !reflect.DeepEqual(ranks, []float64{1, 2}) {
		t.Errorf("child ranks = %v, want the two best", ranks)
	}
}

func TestBestRows(t *testing.T) {
	results := &data.Frame{
		Columns: []string{"params", "rank_test_score"},
		Data:    [][]any{{nil, 3}, {nil, 1}, {nil, 2}, {nil, 1}},
	}
	tests := []struct {
		name  string
		limit *int
		want  []int
	}{
		{name: "all rows", want: []int{1, 3, 2, 0}},
		{name: "capped", limit: pointer.Int(3), want: []int{1, 3, 2}},
		{name: "none", limit: pointer.Int(0), want: []int{}},
		{name: "cap over size", limit: pointer.Int(10), want: []int{1, 3, 2, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bestRows(results, tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("bestRows() = %v, want %v", got, tt.want)
			}
		})
	}

	scorer := &data.Frame{Columns: []string{"rank_test_r2"}, Data: [][]any{{2}, {1}}}
	if got, _ := bestRows(scorer, nil); !reflect.DeepEqual(got, []int{1, 0}) {
		t.Errorf("bestRows() on scorer ranks = %v", got)
	}
	if _, err := bestRows(&data.Frame{Columns: []string{"params"}}, nil); err == nil {
		t.Error("bestRows() without rank column succeeded")
	}
}

func TestAutolog_Network(t *testing.T) {
	client := trackingtest.NewClient(t)
	ctx, err := Autolog(context.Background(), client, NetworkIntegration, NewDefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	net, err := nn.NewNetwork(3, []int{2, 3, 1}, nn.ReLU, nn.Identity)
	if err != nil {
		t.Fatal(err)
	}
	X := [][]float64{{0, 0}, {0, 1}, {1, 0}, {1, 1}}
	y := [][]float64{{0}, {1}, {1}, {2}}
	history, err := nn.Train(ctx, net, X, y, nn.TrainOptions{Epochs: 4, LearningRate: 0.05})
	if err != nil {
		t.Fatal(err)
	}
	if len(history.Loss) != 4 {
		t.Fatalf("history = %v", history.Loss)
	}

	run := onlyRun(t, client)
	params := run.Data.ParamsMap()
	if params["layer_sizes"] != "[2 3 1]" || params["epochs"] != "4" || params["learning_rate"] != "0.05" {
		t.Errorf("params = %v", params)
	}
	losses, err := client.GetMetricHistory(context.Background(), run.Info.RunID, "loss")
	if err != nil {
		t.Fatal(err)
	}
	steps := []int64{}
	for _, m := range losses {
		steps = append(steps, m.Step)
	}
	slices.Sort(steps)
	if !reflect.DeepEqual(steps, []int64{0, 1, 2, 3}) {
		t.Errorf("loss steps = %v", steps)
	}
	if names := artifactNames(t, client, run.Info.RunID); !slices.Contains(names, "model") {
		t.Errorf("model not logged: %v", names)
	}
}

func TestAutolog_Config(t *testing.T) {
	client := trackingtest.NewClient(t)
	ctx := context.Background()

	cfg := NewDefaultConfig()
	cfg.MaxTuningRuns = pointer.Int(-1)
	if _, err := Autolog(ctx, client, EstimatorsIntegration, cfg); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("Autolog() with negative max tuning runs error = %v", err)
	}
	if _, err := Autolog(ctx, client, "torch", NewDefaultConfig()); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("Autolog() with unknown integration error = %v", err)
	}
	if got := Integrations(); !reflect.DeepEqual(got, []string{EstimatorsIntegration, NetworkIntegration}) {
		t.Errorf("Integrations() = %v", got)
	}

	cfg = NewDefaultConfig()
	cfg.Disable = true
	disabled, err := Autolog(ctx, client, EstimatorsIntegration, cfg)
	if err != nil {
		t.Fatal(err)
	}
	X, y := regression()
	if err := estimators.Fit(disabled, estimators.NewLinearRegression(), X, y); err != nil {
		t.Fatal(err)
	}
	if runs := listRuns(t, client, nil); len(runs) != 0 {
		t.Errorf("disabled autologging created %d runs", len(runs))
	}
}
