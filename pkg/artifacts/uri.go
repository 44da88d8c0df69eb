package artifacts

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

const (
	SchemeFile = "file"
	SchemeS3   = "s3"
	SchemeRuns = "runs"
)

// URI locates a model or artifact: a local path, file://, s3://bucket/key or runs:/<run_id>/<path>.
type URI struct {
	Scheme string
	Bucket string
	RunID  string
	Path   string
}

func (u URI) String() string {
	switch u.Scheme {
	case SchemeS3:
		return fmt.Sprintf("s3://%s/%s", u.Bucket, u.Path)
	case SchemeRuns:
		if u.Path == "" {
			return fmt.Sprintf("runs:/%s", u.RunID)
		}
		return fmt.Sprintf("runs:/%s/%s", u.RunID, u.Path)
	default:
		return "file://" + filepath.ToSlash(u.Path)
	}
}

func (u URI) IsLocal() bool {
	return u.Scheme == SchemeFile
}

// Join returns a child location of u.
func (u URI) Join(elem ...string) URI {
	joined := u
	if u.Scheme == SchemeFile {
		joined.Path = filepath.Join(append([]string{u.Path}, elem...)...)
	} else {
		joined.Path = strings.TrimPrefix(path.Join(append([]string{u.Path}, elem...)...), "/")
	}
	return joined
}

func ParseURI(raw string) (URI, error) {
	if raw == "" {
		return URI{}, fmt.Errorf("invalid uri: empty")
	}
	if !strings.Contains(raw, ":/") {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return URI{}, fmt.Errorf("invalid uri: %s", err)
		}
		return URI{Scheme: SchemeFile, Path: abs}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("invalid uri: %s", err)
	}
	switch u.Scheme {
	case SchemeFile:
		if u.Host != "" && u.Host != "localhost" {
			return URI{}, fmt.Errorf("invalid uri: file uri with remote host %s", u.Host)
		}
		return URI{Scheme: SchemeFile, Path: filepath.FromSlash(u.Path)}, nil
	case SchemeS3:
		if u.Host == "" {
			return URI{}, fmt.Errorf("invalid uri: missing bucket")
		}
		return URI{Scheme: SchemeS3, Bucket: u.Host, Path: strings.TrimPrefix(u.Path, "/")}, nil
	case SchemeRuns:
		rest := strings.TrimPrefix(strings.TrimPrefix(raw, "runs:"), "/")
		rest = strings.TrimPrefix(rest, "/")
		runID, artifactPath, _ := strings.Cut(rest, "/")
		if runID == "" {
			return URI{}, fmt.Errorf("invalid uri: missing run id in %s", raw)
		}
		return URI{Scheme: SchemeRuns, RunID: runID, Path: strings.Trim(artifactPath, "/")}, nil
	default:
		return URI{}, fmt.Errorf("invalid uri: unsupported scheme %q", u.Scheme)
	}
}
