package artifacts

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"

	apierrors "kubegems.io/modelkit/pkg/errors"
)

const DefaultDownloadCacheSize = 32

// RunResolver resolves the artifact root of a run, used for runs:/ uris.
type RunResolver interface {
	RunArtifactURI(ctx context.Context, runID string) (string, error)
}

// Downloader turns model uris into local directories. Remote downloads and
// unpacked archives are kept in an LRU cache and removed on eviction.
type Downloader struct {
	S3Options *S3Options

	mu    sync.Mutex
	cache *lru.Cache[string, downloaded]
}

type downloaded struct {
	tmpdir string
	local  string
}

func NewDownloader(s3options *S3Options, size int) (*Downloader, error) {
	if size <= 0 {
		size = DefaultDownloadCacheSize
	}
	cache, err := lru.NewWithEvict(size, func(uri string, entry downloaded) {
		os.RemoveAll(entry.tmpdir)
	})
	if err != nil {
		return nil, err
	}
	return &Downloader{S3Options: s3options, cache: cache}, nil
}

var (
	defaultDownloader     *Downloader
	defaultDownloaderOnce sync.Once
)

// DefaultDownloader reads S3 settings from the environment.
func DefaultDownloader() *Downloader {
	defaultDownloaderOnce.Do(func() {
		options := NewDefaultS3Options()
		options.URL = os.Getenv("MODELKIT_S3_ENDPOINT_URL")
		options.Region = os.Getenv("AWS_REGION")
		options.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		options.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		defaultDownloader, _ = NewDownloader(options, DefaultDownloadCacheSize)
	})
	return defaultDownloader
}

// Download returns a local path holding the content of uri.
func Download(ctx context.Context, uri string, resolver RunResolver) (string, error) {
	return DefaultDownloader().Download(ctx, uri, resolver)
}

func (d *Downloader) Download(ctx context.Context, raw string, resolver RunResolver) (string, error) {
	u, err := ParseURI(raw)
	if err != nil {
		return "", apierrors.NewInvalidParameterError(err.Error())
	}
	if u.Scheme == SchemeRuns {
		if resolver == nil {
			return "", apierrors.NewInvalidParameterError(fmt.Sprintf("a tracking client is required to resolve %s", raw))
		}
		rootraw, err := resolver.RunArtifactURI(ctx, u.RunID)
		if err != nil {
			return "", err
		}
		root, err := ParseURI(rootraw)
		if err != nil {
			return "", err
		}
		u = root.Join(u.Path)
	}
	switch u.Scheme {
	case SchemeFile:
		if !IsArchive(u.Path) {
			return u.Path, nil
		}
		return d.cached(ctx, u.String(), func(into string) (string, error) {
			if err := UnarchiveFile(ctx, into, u.Path); err != nil {
				return "", err
			}
			return into, nil
		})
	case SchemeS3:
		return d.cached(ctx, u.String(), func(into string) (string, error) {
			repo, err := NewRepository(ctx, URI{Scheme: SchemeS3, Bucket: u.Bucket}.String(), d.S3Options)
			if err != nil {
				return "", err
			}
			local, err := repo.DownloadArtifacts(ctx, u.Path, into)
			if err != nil {
				return "", err
			}
			if !IsArchive(local) {
				return local, nil
			}
			unpacked := strings.TrimSuffix(strings.TrimSuffix(local, ".tar.gz"), ".tgz")
			if err := UnarchiveFile(ctx, unpacked, local); err != nil {
				return "", err
			}
			return unpacked, nil
		})
	default:
		return "", apierrors.NewUnsupportedError(fmt.Sprintf("can not download %s", raw))
	}
}

func (d *Downloader) cached(ctx context.Context, key string, fetch func(into string) (string, error)) (string, error) {
	log := logr.FromContextOrDiscard(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.cache.Get(key); ok {
		if _, err := os.Stat(entry.local); err == nil {
			log.V(1).Info("download cache hit", "uri", key, "local", entry.local)
			return entry.local, nil
		}
		d.cache.Remove(key)
	}
	tmp, err := os.MkdirTemp("", "modelkit-download-")
	if err != nil {
		return "", err
	}
	local, err := fetch(tmp)
	if err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	d.cache.Add(key, downloaded{tmpdir: tmp, local: local})
	log.V(1).Info("downloaded", "uri", key, "local", local)
	return local, nil
}
