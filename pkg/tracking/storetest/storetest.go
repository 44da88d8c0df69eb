// Package storetest holds the behavior every tracking.Store implementation shares.
package storetest

import (
	"context"
	"reflect"
	"testing"

	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/tracking"
)

// TestStore runs the conformance suite against stores created by open.
// Each subtest gets a fresh store.
func TestStore(t *testing.T, open func(t *testing.T) tracking.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s tracking.Store)
	}{
		{name: "default experiment", fn: testDefaultExperiment},
		{name: "experiments", fn: testExperiments},
		{name: "run lifecycle", fn: testRunLifecycle},
		{name: "params immutable", fn: testParamsImmutable},
		{name: "metric history", fn: testMetricHistory},
		{name: "search runs", fn: testSearchRuns},
		{name: "delete run", fn: testDeleteRun},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func testDefaultExperiment(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	exp, err := s.GetExperiment(ctx, tracking.DefaultExperimentID)
	if err != nil {
		t.Fatalf("GetExperiment() error = %v", err)
	}
	if exp.Name != tracking.DefaultExperimentName {
		t.Errorf("default experiment name = %s, want %s", exp.Name, tracking.DefaultExperimentName)
	}
	if exp.ArtifactLocation == "" {
		t.Errorf("default experiment has no artifact location")
	}
	byname, err := s.GetExperimentByName(ctx, tracking.DefaultExperimentName)
	if err != nil {
		t.Fatalf("GetExperimentByName() error = %v", err)
	}
	if byname.ExperimentID != tracking.DefaultExperimentID {
		t.Errorf("GetExperimentByName() id = %s, want %s", byname.ExperimentID, tracking.DefaultExperimentID)
	}
}

func testExperiments(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	id, err := s.CreateExperiment(ctx, "iris", "", map[string]string{"team": "ml"})
	if err != nil {
		t.Fatalf("CreateExperiment() error = %v", err)
	}
	if id == tracking.DefaultExperimentID {
		t.Errorf("CreateExperiment() reused the default experiment id")
	}
	if _, err := s.CreateExperiment(ctx, "iris", "", nil); !apierrors.IsErrCode(err, apierrors.ErrCodeResourceAlreadyExists) {
		t.Errorf("CreateExperiment() duplicate error = %v, want %s", err, apierrors.ErrCodeResourceAlreadyExists)
	}
	if _, err := s.CreateExperiment(ctx, "", "", nil); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("CreateExperiment() empty name error = %v, want %s", err, apierrors.ErrCodeInvalidParameterValue)
	}
	exp, err := s.GetExperimentByName(ctx, "iris")
	if err != nil {
		t.Fatalf("GetExperimentByName() error = %v", err)
	}
	if exp.ExperimentID != id || exp.Tags["team"] != "ml" {
		t.Errorf("GetExperimentByName() = %+v", exp)
	}
	if _, err := s.GetExperimentByName(ctx, "missing"); !apierrors.IsErrCode(err, apierrors.ErrCodeResourceDoesNotExist) {
		t.Errorf("GetExperimentByName() missing error = %v", err)
	}
	list, err := s.ListExperiments(ctx)
	if err != nil {
		t.Fatalf("ListExperiments() error = %v", err)
	}
	names := []string{}
	for _, e := range list {
		names = append(names, e.Name)
	}
	if want := []string{tracking.DefaultExperimentName, "iris"}; !reflect.DeepEqual(names, want) {
		t.Errorf("ListExperiments() names = %v, want %v", names, want)
	}
}

func testRunLifecycle(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	run, err := s.CreateRun(ctx, "", tracking.CreateRunOptions{
		RunName:   "first",
		StartTime: 1000,
		Tags:      []tracking.RunTag{{Key: "k", Value: "v"}},
	})
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if run.Info.RunID == "" || run.Info.Status != tracking.RunStatusRunning || run.Info.StartTime != 1000 {
		t.Errorf("CreateRun() info = %+v", run.Info)
	}
	if run.Info.ExperimentID != tracking.DefaultExperimentID {
		t.Errorf("CreateRun() experiment = %s, want default", run.Info.ExperimentID)
	}
	if run.Info.ArtifactURI == "" {
		t.Errorf("CreateRun() has no artifact uri")
	}
	if _, err := s.CreateRun(ctx, "404", tracking.CreateRunOptions{}); !apierrors.IsErrCode(err, apierrors.ErrCodeResourceDoesNotExist) {
		t.Errorf("CreateRun() on missing experiment error = %v", err)
	}

	info, err := s.UpdateRunInfo(ctx, run.Info.RunID, tracking.RunStatusFinished, 2000, "")
	if err != nil {
		t.Fatalf("UpdateRunInfo() error = %v", err)
	}
	if info.Status != tracking.RunStatusFinished || info.EndTime != 2000 || info.RunName != "first" {
		t.Errorf("UpdateRunInfo() = %+v", info)
	}
	if _, err := s.UpdateRunInfo(ctx, run.Info.RunID, "DONE", 0, ""); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("UpdateRunInfo() invalid status error = %v", err)
	}

	got, err := s.GetRun(ctx, run.Info.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Info.Status != tracking.RunStatusFinished {
		t.Errorf("GetRun() status = %s", got.Info.Status)
	}
	if got.Data.TagsMap()["k"] != "v" {
		t.Errorf("GetRun() tags = %v", got.Data.Tags)
	}
	if _, err := s.GetRun(ctx, "missing"); !apierrors.IsErrCode(err, apierrors.ErrCodeResourceDoesNotExist) {
		t.Errorf("GetRun() missing error = %v", err)
	}
}

func testParamsImmutable(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	run, err := s.CreateRun(ctx, "", tracking.CreateRunOptions{})
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	runID := run.Info.RunID
	params := []tracking.Param{{Key: "alpha", Value: "0.1"}, {Key: "fit_intercept", Value: "true"}}
	if err := s.LogBatch(ctx, runID, nil, params, nil); err != nil {
		t.Fatalf("LogBatch() error = %v", err)
	}
	// same value again is a no-op
	if err := s.LogBatch(ctx, runID, nil, params[:1], nil); err != nil {
		t.Errorf("LogBatch() same value error = %v", err)
	}
	err = s.LogBatch(ctx, runID, nil, []tracking.Param{{Key: "alpha", Value: "0.2"}}, nil)
	if !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("LogBatch() changed value error = %v, want %s", err, apierrors.ErrCodeInvalidParameterValue)
	}
	if err := s.LogBatch(ctx, runID, nil, nil, []tracking.RunTag{{Key: "t", Value: "1"}}); err != nil {
		t.Fatalf("LogBatch() tag error = %v", err)
	}
	if err := s.LogBatch(ctx, runID, nil, nil, []tracking.RunTag{{Key: "t", Value: "2"}}); err != nil {
		t.Fatalf("LogBatch() tag overwrite error = %v", err)
	}
	got, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	wantParams := map[string]string{"alpha": "0.1", "fit_intercept": "true"}
	if !reflect.DeepEqual(got.Data.ParamsMap(), wantParams) {
		t.Errorf("params = %v, want %v", got.Data.ParamsMap(), wantParams)
	}
	if got.Data.TagsMap()["t"] != "2" {
		t.Errorf("tag t = %s, want 2", got.Data.TagsMap()["t"])
	}
	if err := s.LogBatch(ctx, "missing", nil, params, nil); !apierrors.IsErrCode(err, apierrors.ErrCodeResourceDoesNotExist) {
		t.Errorf("LogBatch() missing run error = %v", err)
	}
}

func testMetricHistory(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	run, err := s.CreateRun(ctx, "", tracking.CreateRunOptions{})
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	runID := run.Info.RunID
	history := []tracking.Metric{
		{Key: "loss", Value: 0.9, Timestamp: 10, Step: 0},
		{Key: "loss", Value: 0.5, Timestamp: 20, Step: 1},
		{Key: "loss", Value: 0.2, Timestamp: 30, Step: 2},
	}
	for _, m := range history {
		if err := s.LogBatch(ctx, runID, []tracking.Metric{m}, nil, nil); err != nil {
			t.Fatalf("LogBatch() error = %v", err)
		}
	}
	// an older step arriving late does not replace the latest value
	late := tracking.Metric{Key: "loss", Value: 0.7, Timestamp: 40, Step: 1}
	if err := s.LogBatch(ctx, runID, []tracking.Metric{late}, nil, nil); err != nil {
		t.Fatalf("LogBatch() error = %v", err)
	}
	got, err := s.GetMetricHistory(ctx, runID, "loss")
	if err != nil {
		t.Fatalf("GetMetricHistory() error = %v", err)
	}
	want := append(history, late)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GetMetricHistory() = %v, want %v", got, want)
	}
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if v := r.Data.MetricsMap()["loss"]; v != 0.2 {
		t.Errorf("latest loss = %v, want 0.2", v)
	}
	if err := s.LogBatch(ctx, runID, []tracking.Metric{{Key: "bad key!", Value: 1}}, nil, nil); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("LogBatch() invalid key error = %v", err)
	}
}

func testSearchRuns(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	expID, err := s.CreateExperiment(ctx, "search", "", nil)
	if err != nil {
		t.Fatalf("CreateExperiment() error = %v", err)
	}
	ids := []string{}
	for i, tag := range []string{"a", "b", "a"} {
		run, err := s.CreateRun(ctx, expID, tracking.CreateRunOptions{
			StartTime: int64(100 + i),
			Tags:      []tracking.RunTag{{Key: "group", Value: tag}},
		})
		if err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
		ids = append(ids, run.Info.RunID)
	}
	if _, err := s.UpdateRunInfo(ctx, ids[0], tracking.RunStatusFailed, 200, ""); err != nil {
		t.Fatalf("UpdateRunInfo() error = %v", err)
	}
	tests := []struct {
		name string
		opts tracking.SearchRunsOptions
		want []string
	}{
		{
			name: "all newest first",
			opts: tracking.SearchRunsOptions{ExperimentIDs: []string{expID}},
			want: []string{ids[2], ids[1], ids[0]},
		},
		{
			name: "by tag",
			opts: tracking.SearchRunsOptions{ExperimentIDs: []string{expID}, Tags: map[string]string{"group": "a"}},
			want: []string{ids[2], ids[0]},
		},
		{
			name: "by status",
			opts: tracking.SearchRunsOptions{ExperimentIDs: []string{expID}, Status: tracking.RunStatusFailed},
			want: []string{ids[0]},
		},
		{
			name: "max results",
			opts: tracking.SearchRunsOptions{ExperimentIDs: []string{expID}, MaxResults: 1},
			want: []string{ids[2]},
		},
		{
			name: "default experiment is empty",
			opts: tracking.SearchRunsOptions{},
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.SearchRuns(ctx, tt.opts)
			if err != nil {
				t.Fatalf("SearchRuns() error = %v", err)
			}
			got := []string{}
			for _, r := range runs {
				got = append(got, r.Info.RunID)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SearchRuns() = %v, want %v", got, tt.want)
			}
		})
	}
}

func testDeleteRun(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	run, err := s.CreateRun(ctx, "", tracking.CreateRunOptions{})
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := s.DeleteRun(ctx, run.Info.RunID); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	runs, err := s.SearchRuns(ctx, tracking.SearchRunsOptions{})
	if err != nil {
		t.Fatalf("SearchRuns() error = %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("SearchRuns() returned deleted runs: %v", runs)
	}
	runs, err = s.SearchRuns(ctx, tracking.SearchRunsOptions{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("SearchRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Info.LifecycleStage != tracking.LifecycleStageDeleted {
		t.Errorf("SearchRuns(IncludeDeleted) = %v", runs)
	}
	if err := s.LogBatch(ctx, run.Info.RunID, nil, nil, []tracking.RunTag{{Key: "k", Value: "v"}}); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidState) {
		t.Errorf("LogBatch() on deleted run error = %v, want %s", err, apierrors.ErrCodeInvalidState)
	}
}
