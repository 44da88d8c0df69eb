package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"kubegems.io/modelkit/pkg/tracking"
	"kubegems.io/modelkit/pkg/tracking/storetest"
)

func TestStore(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) tracking.Store {
		s, err := Open(context.Background(), &Options{Path: filepath.Join(t.TempDir(), "tracking.sqlite")})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		return s
	})
}

func TestOpen_ArtifactRoot(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, &Options{
		Path:                filepath.Join(t.TempDir(), "tracking.sqlite"),
		DefaultArtifactRoot: "s3://models/mlruns",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	id, err := s.CreateExperiment(ctx, "remote", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.CreateRun(ctx, id, tracking.CreateRunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := "s3://models/mlruns/" + id + "/" + run.Info.RunID + "/artifacts"
	if run.Info.ArtifactURI != want {
		t.Errorf("artifact uri = %s, want %s", run.Info.ArtifactURI, want)
	}
}
