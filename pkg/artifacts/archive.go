package artifacts

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v4"
	"github.com/opencontainers/go-digest"
)

var tgz = archiver.CompressedArchive{
	Archival:    archiver.Tar{},
	Compression: archiver.Gz{},
}

// IsArchive reports whether name looks like a tar.gz model archive.
func IsArchive(name string) bool {
	return strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz")
}

// Archive packs dir into a tar.gz file at intofile and returns the archive digest.
// An empty intofile only computes the digest.
func Archive(ctx context.Context, dir string, intofile string) (digest.Digest, error) {
	files, err := archiver.FilesFromDisk(
		&archiver.FromDiskOptions{ClearAttributes: true},
		map[string]string{dir + string(os.PathSeparator): ""},
	)
	if err != nil {
		return "", err
	}

	writers := []io.Writer{}
	if intofile != "" {
		if err := os.MkdirAll(filepath.Dir(intofile), DefaultDirMode); err != nil {
			return "", err
		}
		f, err := os.Create(intofile)
		if err != nil {
			return "", err
		}
		defer f.Close()

		writers = append(writers, f)
	}
	d := digest.Canonical.Digester()
	writers = append(writers, d.Hash())

	if err := tgz.Archive(ctx, io.MultiWriter(writers...), files); err != nil {
		return "", err
	}
	return d.Digest(), nil
}

// Unarchive extracts a tar.gz stream into intodir.
func Unarchive(ctx context.Context, intodir string, r io.Reader) error {
	return tgz.Extract(ctx, r, nil, func(ctx context.Context, f archiver.File) error {
		nameinlocal := filepath.Join(intodir, f.NameInArchive)
		if !strings.HasPrefix(nameinlocal, filepath.Clean(intodir)+string(os.PathSeparator)) && nameinlocal != filepath.Clean(intodir) {
			return &os.PathError{Op: "extract", Path: f.NameInArchive, Err: os.ErrPermission}
		}
		if f.IsDir() {
			return os.MkdirAll(nameinlocal, f.Mode()|0o700)
		}
		if err := os.MkdirAll(filepath.Dir(nameinlocal), DefaultDirMode); err != nil {
			return err
		}
		srcfile, err := f.Open()
		if err != nil {
			return err
		}
		defer srcfile.Close()

		intofile, err := os.OpenFile(nameinlocal, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}
		defer intofile.Close()

		_, err = io.Copy(intofile, srcfile)
		return err
	})
}

// UnarchiveFile extracts a tar.gz file into intodir.
func UnarchiveFile(ctx context.Context, intodir string, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	return Unarchive(ctx, intodir, f)
}
