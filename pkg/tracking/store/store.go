// Package store opens tracking stores by uri.
package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"kubegems.io/modelkit/pkg/artifacts"
	"kubegems.io/modelkit/pkg/tracking"
	"kubegems.io/modelkit/pkg/tracking/rest"
	"kubegems.io/modelkit/pkg/tracking/store/leveldb"
	"kubegems.io/modelkit/pkg/tracking/store/sqlite"
)

const (
	EnvTrackingURI  = "MODELKIT_TRACKING_URI"
	EnvArtifactRoot = "MODELKIT_ARTIFACT_ROOT"

	DefaultTrackingDir = "mlruns"
	LevelDBFileName    = "tracking.db"
)

type Options struct {
	// TrackingURI selects the store:
	//  ""/<dir>/file://<dir>  leveldb database in <dir>/tracking.db
	//  leveldb://<path>       leveldb database at path
	//  sqlite://<path>        sqlite database at path
	//  http(s)://<host>       remote tracking server
	TrackingURI string `json:"trackingURI,omitempty"`
	// ArtifactRoot is the default artifact root of new experiments in local stores.
	ArtifactRoot string               `json:"artifactRoot,omitempty"`
	S3           *artifacts.S3Options `json:"s3,omitempty"`
}

func NewDefaultOptions() *Options {
	return &Options{
		TrackingURI:  os.Getenv(EnvTrackingURI),
		ArtifactRoot: os.Getenv(EnvArtifactRoot),
		S3:           artifacts.NewDefaultS3Options(),
	}
}

func Open(ctx context.Context, options *Options) (tracking.Store, error) {
	uri := options.TrackingURI
	if uri == "" {
		uri = DefaultTrackingDir
	}
	if !strings.Contains(uri, "://") {
		return openLevelDB(ctx, filepath.Join(uri, LevelDBFileName), options.ArtifactRoot)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid tracking uri %s: %w", uri, err)
	}
	switch u.Scheme {
	case "file":
		return openLevelDB(ctx, filepath.Join(filepath.FromSlash(u.Host+u.Path), LevelDBFileName), options.ArtifactRoot)
	case "leveldb":
		return openLevelDB(ctx, filepath.FromSlash(u.Host+u.Path), options.ArtifactRoot)
	case "sqlite":
		path := filepath.FromSlash(u.Host + u.Path)
		return sqlite.Open(ctx, &sqlite.Options{Path: path, DefaultArtifactRoot: options.ArtifactRoot})
	case "http", "https":
		return rest.NewClient(rest.NewDefaultOptions(uri)), nil
	default:
		return nil, fmt.Errorf("unsupported tracking uri scheme %q", u.Scheme)
	}
}

func openLevelDB(ctx context.Context, path string, artifactRoot string) (tracking.Store, error) {
	return leveldb.Open(ctx, &leveldb.Options{Path: path, DefaultArtifactRoot: artifactRoot})
}

// NewClient opens the store selected by options and wraps it in a tracking client.
func NewClient(ctx context.Context, options *Options) (*tracking.Client, error) {
	s, err := Open(ctx, options)
	if err != nil {
		return nil, err
	}
	return tracking.NewClient(s, options.S3), nil
}
