// Package trackingtest provides tracking clients backed by a throwaway local store.
package trackingtest

import (
	"context"
	"path/filepath"
	"testing"

	"kubegems.io/modelkit/pkg/tracking"
	"kubegems.io/modelkit/pkg/tracking/store/leveldb"
)

// NewClient returns a client on a leveldb store with local artifacts, both under t.TempDir().
func NewClient(t *testing.T) *tracking.Client {
	t.Helper()
	dir := t.TempDir()
	s, err := leveldb.Open(context.Background(), &leveldb.Options{
		Path:                filepath.Join(dir, "tracking.db"),
		DefaultArtifactRoot: filepath.Join(dir, "artifacts"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	client := tracking.NewClient(s, nil)
	t.Cleanup(func() { client.Close() })
	return client
}

// Params returns the params of a run as a map.
func Params(t *testing.T, client *tracking.Client, runID string) map[string]string {
	t.Helper()
	run, err := client.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run %s: %v", runID, err)
	}
	out := map[string]string{}
	for _, p := range run.Data.Params {
		out[p.Key] = p.Value
	}
	return out
}

// Metrics returns the latest value of every metric of a run.
func Metrics(t *testing.T, client *tracking.Client, runID string) map[string]float64 {
	t.Helper()
	run, err := client.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run %s: %v", runID, err)
	}
	out := map[string]float64{}
	for _, m := range run.Data.Metrics {
		out[m.Key] = m.Value
	}
	return out
}

// Tags returns the tags of a run as a map.
func Tags(t *testing.T, client *tracking.Client, runID string) map[string]string {
	t.Helper()
	run, err := client.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run %s: %v", runID, err)
	}
	out := map[string]string{}
	for _, tag := range run.Data.Tags {
		out[tag.Key] = tag.Value
	}
	return out
}
