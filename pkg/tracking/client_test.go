package tracking_test

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"

	"kubegems.io/modelkit/pkg/models"
	"kubegems.io/modelkit/pkg/tracking"
	"kubegems.io/modelkit/pkg/tracking/trackingtest"
)

func newTestClient(t *testing.T) *tracking.Client {
	return trackingtest.NewClient(t)
}

func TestClient_Logging(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	run, err := client.CreateRun(ctx, "", tracking.CreateRunOptions{RunName: "train"})
	if err != nil {
		t.Fatal(err)
	}
	runID := run.Info.RunID

	params := map[string]string{}
	for i := 0; i < 150; i++ {
		params["p"+strconv.Itoa(i)] = strconv.Itoa(i)
	}
	if err := client.LogParams(ctx, runID, params); err != nil {
		t.Fatalf("LogParams() error = %v", err)
	}
	if err := client.LogParam(ctx, runID, "fit_intercept", true); err != nil {
		t.Fatalf("LogParam() error = %v", err)
	}
	if err := client.LogMetric(ctx, runID, "loss", 0.5, 0); err != nil {
		t.Fatal(err)
	}
	if err := client.LogMetrics(ctx, runID, map[string]float64{"loss": 0.25, "acc": 0.9}, 1); err != nil {
		t.Fatal(err)
	}
	if err := client.SetTags(ctx, runID, map[string]string{"stage": "dev"}); err != nil {
		t.Fatal(err)
	}
	if err := client.SetTerminated(ctx, runID, "", 0); err != nil {
		t.Fatal(err)
	}
	if err := client.SetTerminated(ctx, runID, tracking.RunStatusRunning, 0); err == nil {
		t.Errorf("SetTerminated(RUNNING) accepted a non terminal status")
	}

	got, err := client.GetRun(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Info.Status != tracking.RunStatusFinished || got.Info.EndTime == 0 {
		t.Errorf("run info = %+v", got.Info)
	}
	gotParams := got.Data.ParamsMap()
	if len(gotParams) != 151 || gotParams["fit_intercept"] != "True" {
		t.Errorf("logged %d params, fit_intercept = %s", len(gotParams), gotParams["fit_intercept"])
	}
	if want := map[string]float64{"loss": 0.25, "acc": 0.9}; !reflect.DeepEqual(got.Data.MetricsMap(), want) {
		t.Errorf("metrics = %v, want %v", got.Data.MetricsMap(), want)
	}
	tags := got.Data.TagsMap()
	if tags["stage"] != "dev" || tags[tracking.TagRunName] != "train" {
		t.Errorf("tags = %v", tags)
	}
	history, err := client.GetMetricHistory(ctx, runID, "loss")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("loss history = %v", history)
	}
}

func TestClient_Artifacts(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	run, err := client.CreateRun(ctx, "", tracking.CreateRunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	runID := run.Info.RunID

	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{"a.txt": "a", "sub/b.txt": "bb"} {
		if err := os.WriteFile(filepath.Join(src, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := client.LogArtifacts(ctx, runID, src, "data"); err != nil {
		t.Fatalf("LogArtifacts() error = %v", err)
	}
	if err := client.LogArtifact(ctx, runID, filepath.Join(src, "a.txt"), ""); err != nil {
		t.Fatalf("LogArtifact() error = %v", err)
	}
	list, err := client.ListArtifacts(ctx, runID, "data")
	if err != nil {
		t.Fatal(err)
	}
	names := []string{}
	for _, fi := range list {
		names = append(names, fi.Path)
	}
	if want := []string{"data/a.txt", "data/sub"}; !reflect.DeepEqual(names, want) {
		t.Errorf("ListArtifacts() = %v, want %v", names, want)
	}

	dst := t.TempDir()
	local, err := client.DownloadArtifacts(ctx, runID, "data/sub", dst)
	if err != nil {
		t.Fatalf("DownloadArtifacts() error = %v", err)
	}
	content, err := os.ReadFile(filepath.Join(local, "b.txt"))
	if err != nil || string(content) != "bb" {
		t.Errorf("downloaded content = %q, %v", content, err)
	}

	uri, err := client.RunArtifactURI(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if uri != run.Info.ArtifactURI {
		t.Errorf("RunArtifactURI() = %s, want %s", uri, run.Info.ArtifactURI)
	}
}

func TestClient_RecordLoggedModel(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	run, err := client.CreateRun(ctx, "", tracking.CreateRunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	runID := run.Info.RunID
	for _, path := range []string{"model", "best_estimator"} {
		m := models.New(models.WithRunID(runID), models.WithArtifactPath(path)).
			AddFlavor("estimator", models.FlavorConfig{"serialization_format": "gob"})
		if err := client.RecordLoggedModel(ctx, runID, m); err != nil {
			t.Fatalf("RecordLoggedModel() error = %v", err)
		}
	}
	logged, err := client.LoggedModels(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 2 || logged[0].ArtifactPath != "model" || logged[1].ArtifactPath != "best_estimator" {
		t.Errorf("LoggedModels() = %+v", logged)
	}
	if _, ok := logged[0].Flavors["estimator"]; !ok {
		t.Errorf("logged model lost its flavors: %+v", logged[0])
	}
}

func TestClient_GetOrCreateExperiment(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	id, err := client.GetOrCreateExperiment(ctx, "iris")
	if err != nil {
		t.Fatal(err)
	}
	again, err := client.GetOrCreateExperiment(ctx, "iris")
	if err != nil {
		t.Fatal(err)
	}
	if id != again {
		t.Errorf("GetOrCreateExperiment() = %s then %s", id, again)
	}
	def, err := client.GetOrCreateExperiment(ctx, tracking.DefaultExperimentName)
	if err != nil || def != tracking.DefaultExperimentID {
		t.Errorf("GetOrCreateExperiment(Default) = %s, %v", def, err)
	}
}

func TestStringifyParam(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{in: nil, want: "None"},
		{in: true, want: "True"},
		{in: 0.1, want: "0.1"},
		{in: float32(0.5), want: "0.5"},
		{in: 3, want: "3"},
		{in: "lbfgs", want: "lbfgs"},
		{in: []int{1, 2}, want: "[1 2]"},
	}
	for _, tt := range tests {
		if got := tracking.StringifyParam(tt.in); got != tt.want {
			t.Errorf("StringifyParam(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
