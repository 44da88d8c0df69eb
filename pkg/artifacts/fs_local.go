package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/types"
)

const (
	DefaultFileMode = 0o644
	DefaultDirMode  = 0o755
)

type LocalFSOptions struct {
	Basepath string
}

func NewDefaultLocalFSOptions() *LocalFSOptions {
	return &LocalFSOptions{
		Basepath: "mlruns",
	}
}

var _ FSProvider = &LocalFSProvider{}

type LocalFSProvider struct {
	basepath string
}

func NewLocalFSProvider(options *LocalFSOptions) (*LocalFSProvider, error) {
	if err := os.MkdirAll(options.Basepath, DefaultDirMode); err != nil {
		return nil, err
	}
	return &LocalFSProvider{basepath: options.Basepath}, nil
}

func (f *LocalFSProvider) Put(ctx context.Context, path string, content BlobContent) error {
	datafile := f.local(path)
	if err := os.MkdirAll(filepath.Dir(datafile), DefaultDirMode); err != nil {
		return err
	}
	fi, err := os.OpenFile(datafile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, DefaultFileMode)
	if err != nil {
		return err
	}
	defer fi.Close()

	if content.Digest == "" {
		_, err = io.Copy(fi, content.Content)
		return err
	}
	verifier := content.Digest.Verifier()
	if _, err := io.Copy(io.MultiWriter(fi, verifier), content.Content); err != nil {
		return err
	}
	if !verifier.Verified() {
		return apierrors.NewInvalidParameterError(fmt.Sprintf("content of %s does not match digest %s", path, content.Digest))
	}
	return nil
}

func (f *LocalFSProvider) PutLocation(ctx context.Context, path string) (string, error) {
	return "", apierrors.NewUnsupportedError("PutLocation is not supported for local filesystem")
}

func (f *LocalFSProvider) Get(ctx context.Context, path string) (BlobContent, error) {
	stream, err := os.Open(f.local(path))
	if err != nil {
		if os.IsNotExist(err) {
			return BlobContent{}, apierrors.NewResourceNotFoundError(fmt.Sprintf("artifact '%s' not found", path))
		}
		return BlobContent{}, err
	}
	fi, err := stream.Stat()
	if err != nil {
		stream.Close()
		return BlobContent{}, err
	}
	return BlobContent{
		ContentType:   types.MediaTypeOf(path),
		ContentLength: fi.Size(),
		Content:       stream,
	}, nil
}

func (f *LocalFSProvider) GetLocation(ctx context.Context, path string) (string, error) {
	return "", apierrors.NewUnsupportedError("GetLocation is not supported for local filesystem")
}

func (f *LocalFSProvider) Remove(ctx context.Context, path string, recursive bool) error {
	if recursive {
		return os.RemoveAll(f.local(path))
	}
	return os.Remove(f.local(path))
}

func (f *LocalFSProvider) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(f.local(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *LocalFSProvider) List(ctx context.Context, path string, recursive bool) ([]FsObjectMeta, error) {
	root := f.local(path)
	out := []FsObjectMeta{}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		return out, nil
	}
	if recursive {
		err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			out = append(out, FsObjectMeta{
				Name:         filepath.ToSlash(rel),
				Size:         fi.Size(),
				LastModified: fi.ModTime(),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	files, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, fi := range files {
		finfo, err := fi.Info()
		if err != nil {
			return nil, err
		}
		meta := FsObjectMeta{
			Name:         fi.Name(),
			IsDir:        fi.IsDir(),
			LastModified: finfo.ModTime(),
		}
		if !fi.IsDir() {
			meta.Size = finfo.Size()
		}
		out = append(out, meta)
	}
	return out, nil
}

func (f *LocalFSProvider) Digest(ctx context.Context, path string) (digest.Digest, error) {
	fi, err := os.Open(f.local(path))
	if err != nil {
		return "", err
	}
	defer fi.Close()
	return digest.Canonical.FromReader(fi)
}

func (f *LocalFSProvider) local(path string) string {
	return filepath.Join(f.basepath, filepath.FromSlash(path))
}
