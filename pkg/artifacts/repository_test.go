package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/opencontainers/go-digest"
	apierrors "kubegems.io/modelkit/pkg/errors"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRepository_LocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "artifacts")
	repo, err := NewRepository(ctx, "file://"+root, nil)
	if err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"MLmodel":              "flavors: {}\n",
		"model.gob":            "binary",
		"sub/requirements.txt": "a v1\n",
	})
	if err := repo.LogArtifacts(ctx, src, "model"); err != nil {
		t.Fatal(err)
	}
	single := filepath.Join(t.TempDir(), "cv_results.csv")
	writeFiles(t, filepath.Dir(single), map[string]string{"cv_results.csv": "a,b\n"})
	if err := repo.LogArtifact(ctx, single, ""); err != nil {
		t.Fatal(err)
	}

	infos, err := repo.ListArtifacts(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	gotPaths := []string{}
	for _, info := range infos {
		gotPaths = append(gotPaths, info.Path)
	}
	if !reflect.DeepEqual(gotPaths, []string{"cv_results.csv", "model"}) {
		t.Errorf("ListArtifacts() paths = %v", gotPaths)
	}
	if !infos[1].IsDir || infos[0].IsDir {
		t.Errorf("ListArtifacts() dir flags = %+v", infos)
	}
	if infos[0].Digest != digest.FromString("a,b\n") || infos[0].FileSize != 4 {
		t.Errorf("ListArtifacts() file info = %+v", infos[0])
	}

	infos, err = repo.ListArtifacts(ctx, "model")
	if err != nil {
		t.Fatal(err)
	}
	gotPaths = gotPaths[:0]
	for _, info := range infos {
		gotPaths = append(gotPaths, info.Path)
	}
	if !reflect.DeepEqual(gotPaths, []string{"model/MLmodel", "model/model.gob", "model/sub"}) {
		t.Errorf("ListArtifacts(model) paths = %v", gotPaths)
	}

	dst := t.TempDir()
	local, err := repo.DownloadArtifacts(ctx, "model", dst)
	if err != nil {
		t.Fatal(err)
	}
	if local != filepath.Join(dst, "model") {
		t.Errorf("DownloadArtifacts() = %s", local)
	}
	content, err := os.ReadFile(filepath.Join(local, "sub", "requirements.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "a v1\n" {
		t.Errorf("downloaded content = %q", content)
	}

	file, err := repo.DownloadArtifacts(ctx, "cv_results.csv", dst)
	if err != nil {
		t.Fatal(err)
	}
	if file != filepath.Join(dst, "cv_results.csv") {
		t.Errorf("DownloadArtifacts(file) = %s", file)
	}

	_, err = repo.DownloadArtifacts(ctx, "missing", dst)
	if !apierrors.IsErrCode(err, apierrors.ErrCodeResourceDoesNotExist) {
		t.Errorf("expected RESOURCE_DOES_NOT_EXIST, got %v", err)
	}
}

func TestNewRepository_InvalidRoot(t *testing.T) {
	if _, err := NewRepository(context.Background(), "runs:/abc", nil); err == nil {
		t.Error("expected error for runs:/ root")
	}
}

func TestLocalFSProvider_PutDigestMismatch(t *testing.T) {
	fs, err := NewLocalFSProvider(&LocalFSOptions{Basepath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	err = fs.Put(context.Background(), "a.txt", BlobContent{
		Digest:  digest.FromString("other"),
		Content: nopReadCloser("content"),
	})
	if !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("expected INVALID_PARAMETER_VALUE, got %v", err)
	}
}
