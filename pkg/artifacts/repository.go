package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/types"
)

// DefaultUploadConcurrency bounds parallel uploads of a directory.
const DefaultUploadConcurrency = 8

// Repository is the artifact store of a single run, rooted at its artifact uri.
type Repository struct {
	Root URI
	FS   FSProvider
}

// NewRepository opens the artifact repository at a file:// or s3:// root uri.
func NewRepository(ctx context.Context, root string, s3options *S3Options) (*Repository, error) {
	u, err := ParseURI(root)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case SchemeFile:
		fs, err := NewLocalFSProvider(&LocalFSOptions{Basepath: u.Path})
		if err != nil {
			return nil, err
		}
		return &Repository{Root: u, FS: fs}, nil
	case SchemeS3:
		if s3options == nil {
			s3options = NewDefaultS3Options()
		}
		opts := *s3options
		opts.Bucket = u.Bucket
		fs, err := NewS3FSProvider(ctx, &opts, u.Path)
		if err != nil {
			return nil, err
		}
		return &Repository{Root: u, FS: fs}, nil
	default:
		return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("artifact root must be a file or s3 uri, got %s", root))
	}
}

// LogArtifact uploads a local file into artifactPath, keeping its base name.
func (r *Repository) LogArtifact(ctx context.Context, localFile string, artifactPath string) error {
	return r.putFile(ctx, localFile, path.Join(cleanArtifactPath(artifactPath), filepath.Base(localFile)))
}

// LogArtifacts uploads the content of localDir into artifactPath.
func (r *Repository) LogArtifacts(ctx context.Context, localDir string, artifactPath string) error {
	log := logr.FromContextOrDiscard(ctx)
	base := cleanArtifactPath(artifactPath)

	files := []string{}
	err := filepath.WalkDir(localDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(DefaultUploadConcurrency)
	for _, file := range files {
		file := file
		eg.Go(func() error {
			rel, err := filepath.Rel(localDir, file)
			if err != nil {
				return err
			}
			return r.putFile(ctx, file, path.Join(base, filepath.ToSlash(rel)))
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	log.V(1).Info("artifacts uploaded", "root", r.Root.String(), "path", base, "files", len(files))
	return nil
}

func (r *Repository) putFile(ctx context.Context, localFile string, into string) error {
	f, err := os.Open(localFile)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return r.FS.Put(ctx, into, BlobContent{
		ContentType:   types.MediaTypeOf(into),
		ContentLength: fi.Size(),
		Digest:        d,
		Content:       io.NopCloser(f),
	})
}

// ListArtifacts lists the direct children of artifactPath, sorted by path.
func (r *Repository) ListArtifacts(ctx context.Context, artifactPath string) ([]types.FileInfo, error) {
	base := cleanArtifactPath(artifactPath)
	objects, err := r.FS.List(ctx, base, false)
	if err != nil {
		return nil, err
	}
	infos := make([]types.FileInfo, 0, len(objects))
	for _, obj := range objects {
		info := types.FileInfo{
			Path:     path.Join(base, obj.Name),
			IsDir:    obj.IsDir,
			Modified: obj.LastModified,
		}
		if !obj.IsDir {
			info.FileSize = obj.Size
			d, err := r.FS.Digest(ctx, info.Path)
			if err != nil {
				return nil, err
			}
			info.Digest = d
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, types.SortFileInfoPath)
	return infos, nil
}

// DownloadArtifacts copies artifactPath, a file or a directory, into dst and returns the local path.
func (r *Repository) DownloadArtifacts(ctx context.Context, artifactPath string, dst string) (string, error) {
	base := cleanArtifactPath(artifactPath)
	objects, err := r.FS.List(ctx, base, true)
	if err != nil {
		return "", err
	}
	if len(objects) == 0 {
		// a single file
		local := filepath.Join(dst, path.Base(base))
		if err := r.getFile(ctx, base, local); err != nil {
			return "", err
		}
		return local, nil
	}
	local := dst
	if base != "" {
		local = filepath.Join(dst, path.Base(base))
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(DefaultUploadConcurrency)
	for _, obj := range objects {
		obj := obj
		eg.Go(func() error {
			return r.getFile(ctx, path.Join(base, obj.Name), filepath.Join(local, filepath.FromSlash(obj.Name)))
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}
	return local, nil
}

func (r *Repository) getFile(ctx context.Context, artifactPath string, local string) error {
	content, err := r.FS.Get(ctx, artifactPath)
	if err != nil {
		return err
	}
	defer content.Close()
	if err := os.MkdirAll(filepath.Dir(local), DefaultDirMode); err != nil {
		return err
	}
	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, DefaultFileMode)
	if err != nil {
		return err
	}
	defer f.Close()
	if content.Digest == "" {
		_, err = io.Copy(f, content.Content)
		return err
	}
	verifier := content.Digest.Verifier()
	if _, err := io.Copy(io.MultiWriter(f, verifier), content.Content); err != nil {
		return err
	}
	if !verifier.Verified() {
		return apierrors.NewInternalError(fmt.Errorf("downloaded %s does not match digest %s", artifactPath, content.Digest))
	}
	return nil
}

// LocalPath returns the on-disk location of artifactPath for file roots.
func (r *Repository) LocalPath(artifactPath string) (string, bool) {
	if !r.Root.IsLocal() {
		return "", false
	}
	return filepath.Join(r.Root.Path, filepath.FromSlash(cleanArtifactPath(artifactPath))), true
}

func cleanArtifactPath(p string) string {
	p = strings.Trim(path.Clean("/"+filepath.ToSlash(p)), "/")
	return p
}
