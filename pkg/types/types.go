package types

import (
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

const (
	MediaTypeModelDescriptor = "application/vnd.modelkit.mlmodel.v1+yaml"
	MediaTypeInputExample    = "application/vnd.modelkit.example.v1+json"
	MediaTypeModelData       = "application/vnd.modelkit.model.v1"
	MediaTypeArchive         = "application/vnd.modelkit.model.v1.tar+gzip"
	MediaTypeJSON            = "application/json"
	MediaTypeOctetStream     = "application/octet-stream"
)

// FileInfo describes an artifact under a run's artifact root.
type FileInfo struct {
	Path     string        `json:"path"`
	IsDir    bool          `json:"is_dir"`
	FileSize int64         `json:"file_size,omitempty"`
	Digest   digest.Digest `json:"digest,omitempty"`
	Modified time.Time     `json:"modified,omitempty"`
}

func SortFileInfoPath(a, b FileInfo) bool {
	return strings.Compare(a.Path, b.Path) < 0
}

// MediaTypeOf guesses the media type of an artifact from its file name.
func MediaTypeOf(name string) string {
	switch {
	case strings.HasSuffix(name, "MLmodel"):
		return MediaTypeModelDescriptor
	case strings.HasSuffix(name, "input_example.json"):
		return MediaTypeInputExample
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return MediaTypeArchive
	case strings.HasSuffix(name, ".json"):
		return MediaTypeJSON
	case strings.HasSuffix(name, ".gob"), strings.HasSuffix(name, ".params"):
		return MediaTypeModelData
	default:
		return MediaTypeOctetStream
	}
}
