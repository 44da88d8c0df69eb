package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"sigs.k8s.io/yaml"

	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/version"
)

const (
	MLmodelFileName = "MLmodel"
	TimeFormat      = "2006-01-02 15:04:05.000000"
)

// FlavorConfig is an opaque per flavor blob, decoded by the flavor that owns it.
type FlavorConfig map[string]any

// Decode converts the blob into a typed configuration.
func (c FlavorConfig) Decode(into any) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, into)
}

// FlavorConfigOf converts a typed configuration into a blob.
func FlavorConfigOf(v any) (FlavorConfig, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	conf := FlavorConfig{}
	if err := json.Unmarshal(raw, &conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// Model is the descriptor of a saved model directory, stored as the MLmodel file.
type Model struct {
	ArtifactPath          string                  `json:"artifact_path,omitempty"`
	RunID                 string                  `json:"run_id,omitempty"`
	UTCTimeCreated        string                  `json:"utc_time_created"`
	Flavors               map[string]FlavorConfig `json:"flavors"`
	Signature             *ModelSignature         `json:"signature,omitempty"`
	SavedInputExampleInfo map[string]any          `json:"saved_input_example_info,omitempty"`
	ModelkitVersion       string                  `json:"modelkit_version,omitempty"`
}

type Option func(*Model)

func WithRunID(runID string) Option {
	return func(m *Model) { m.RunID = runID }
}

func WithArtifactPath(path string) Option {
	return func(m *Model) { m.ArtifactPath = path }
}

func WithSignature(sig *ModelSignature) Option {
	return func(m *Model) { m.Signature = sig }
}

func WithFlavor(name string, conf FlavorConfig) Option {
	return func(m *Model) { m.AddFlavor(name, conf) }
}

func New(options ...Option) *Model {
	m := &Model{
		UTCTimeCreated:  time.Now().UTC().Format(TimeFormat),
		Flavors:         map[string]FlavorConfig{},
		ModelkitVersion: version.Get().GitVersion,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *Model) AddFlavor(name string, conf FlavorConfig) *Model {
	if m.Flavors == nil {
		m.Flavors = map[string]FlavorConfig{}
	}
	if conf == nil {
		conf = FlavorConfig{}
	}
	m.Flavors[name] = conf
	return m
}

// Flavor returns the named flavor blob; dir only appears in the error message.
func (m *Model) Flavor(name string, dir string) (FlavorConfig, error) {
	conf, ok := m.Flavors[name]
	if !ok {
		return nil, apierrors.NewFlavorNotFoundError(name, dir)
	}
	return conf, nil
}

func (m *Model) FlavorNames() []string {
	names := maps.Keys(m.Flavors)
	slices.Sort(names)
	return names
}

func (m *Model) GetInputSchema() Schema {
	if m.Signature == nil {
		return nil
	}
	return m.Signature.Inputs
}

func (m *Model) GetOutputSchema() Schema {
	if m.Signature == nil {
		return nil
	}
	return m.Signature.Outputs
}

func (m *Model) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Model) ToYAML() ([]byte, error) {
	return yaml.Marshal(m)
}

// Equal compares the canonical json forms.
func (m *Model) Equal(other *Model) bool {
	if m == nil || other == nil {
		return m == other
	}
	a, err := m.ToJSON()
	if err != nil {
		return false
	}
	b, err := other.ToJSON()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Save writes the descriptor as yaml to path.
func (m *Model) Save(path string) error {
	content, err := m.ToYAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

// Load reads a descriptor from a model directory or from the MLmodel file itself.
func Load(path string) (*Model, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.NewResourceNotFoundError(fmt.Sprintf("model descriptor not found at '%s'", path))
		}
		return nil, err
	}
	if fi.IsDir() {
		path = filepath.Join(path, MLmodelFileName)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.NewResourceNotFoundError(fmt.Sprintf("could not find an '%s' configuration file at '%s'", MLmodelFileName, filepath.Dir(path)))
		}
		return nil, err
	}
	m := &Model{}
	if err := yaml.Unmarshal(content, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if m.Flavors == nil {
		m.Flavors = map[string]FlavorConfig{}
	}
	return m, nil
}

// GetFlavorConfiguration loads the descriptor of dir and returns one flavor blob.
func GetFlavorConfiguration(dir string, flavor string) (FlavorConfig, error) {
	m, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return m.Flavor(flavor, dir)
}

// SaveFunc writes a model into a new directory at path, filling in m.
type SaveFunc func(ctx context.Context, path string, m *Model) error

// ArtifactLogger uploads a local directory under a run's artifact root.
type ArtifactLogger interface {
	LogArtifacts(ctx context.Context, runID string, localDir string, artifactPath string) error
}

// LoggedModelRecorder is implemented by sinks that keep a history of models logged to a run.
type LoggedModelRecorder interface {
	RecordLoggedModel(ctx context.Context, runID string, m *Model) error
}

// Log saves a model with save into a temporary directory and uploads it under artifactPath of the run.
func Log(ctx context.Context, logger ArtifactLogger, runID string, artifactPath string, save SaveFunc) (*Model, error) {
	log := logr.FromContextOrDiscard(ctx)

	tmp, err := os.MkdirTemp("", "modelkit-model-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	localPath := filepath.Join(tmp, "model")
	m := New(WithRunID(runID), WithArtifactPath(artifactPath))
	if err := save(ctx, localPath, m); err != nil {
		return nil, err
	}
	if err := logger.LogArtifacts(ctx, runID, localPath, artifactPath); err != nil {
		return nil, fmt.Errorf("upload model artifacts: %w", err)
	}
	if recorder, ok := logger.(LoggedModelRecorder); ok {
		if err := recorder.RecordLoggedModel(ctx, runID, m); err != nil {
			log.Info("failed to record logged model", "run", runID, "artifactPath", artifactPath, "warning", err.Error())
		}
	}
	log.V(1).Info("model logged", "run", runID, "artifactPath", artifactPath, "flavors", m.FlavorNames())
	return m, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
