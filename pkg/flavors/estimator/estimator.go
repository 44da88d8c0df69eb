// Package estimator saves, loads and logs estimators in the estimator flavor.
package estimator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/exp/slices"

	"kubegems.io/modelkit/pkg/artifacts"
	"kubegems.io/modelkit/pkg/data"
	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/estimators"
	"kubegems.io/modelkit/pkg/inference"
	"kubegems.io/modelkit/pkg/logging"
	"kubegems.io/modelkit/pkg/models"
	"kubegems.io/modelkit/pkg/version"
)

const (
	FlavorName = "estimator"

	SerializationFormatGob  = "gob"
	SerializationFormatJSON = "json"

	modelDataBaseName = "model"
)

var SupportedSerializationFormats = []string{SerializationFormatGob, SerializationFormatJSON}

func init() {
	inference.RegisterLoader(FlavorName, loadInference)
}

// Config is the estimator flavor blob of the descriptor.
type Config struct {
	ModelData           string `json:"model_data"`
	SerializationFormat string `json:"serialization_format"`
	EstimatorsVersion   string `json:"estimators_version"`
	GoVersion           string `json:"go_version"`
}

type SaveOptions struct {
	SerializationFormat string
	Signature           *models.ModelSignature
	// InputExample is a frame, a tensor or a matrix saved next to the model.
	InputExample any
	// Environment is nil, an *models.EnvironmentSpec or the path of an environment yaml.
	Environment any
}

type Option func(*SaveOptions)

func WithSerializationFormat(format string) Option {
	return func(o *SaveOptions) { o.SerializationFormat = format }
}

func WithSignature(sig *models.ModelSignature) Option {
	return func(o *SaveOptions) { o.Signature = sig }
}

func WithInputExample(example any) Option {
	return func(o *SaveOptions) { o.InputExample = example }
}

func WithEnvironment(env any) Option {
	return func(o *SaveOptions) { o.Environment = env }
}

func newSaveOptions(opts []Option) *SaveOptions {
	o := &SaveOptions{SerializationFormat: SerializationFormatGob}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SaveModel writes est into a new model directory at path.
func SaveModel(ctx context.Context, est estimators.Estimator, path string, opts ...Option) error {
	return save(ctx, est, path, models.New(), newSaveOptions(opts))
}

// LogModel saves est under artifactPath of the run and returns its descriptor.
func LogModel(ctx context.Context, logger models.ArtifactLogger, runID string, est estimators.Estimator, artifactPath string, opts ...Option) (*models.Model, error) {
	o := newSaveOptions(opts)
	return models.Log(ctx, logger, runID, artifactPath, func(ctx context.Context, path string, m *models.Model) error {
		return save(ctx, est, path, m, o)
	})
}

func save(ctx context.Context, est estimators.Estimator, path string, m *models.Model, o *SaveOptions) error {
	if !slices.Contains(SupportedSerializationFormats, o.SerializationFormat) {
		return apierrors.NewUnsupportedFormatError(o.SerializationFormat, SupportedSerializationFormats)
	}
	if _, err := os.Stat(path); err == nil {
		return apierrors.NewPathAlreadyExistsError(path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	if o.Signature != nil {
		m.Signature = o.Signature
	}
	if o.InputExample != nil {
		if err := models.SaveExample(m, o.InputExample, path); err != nil {
			return err
		}
	}

	modelData := modelDataBaseName + "." + o.SerializationFormat
	if err := writeEstimator(est, filepath.Join(path, modelData), o.SerializationFormat); err != nil {
		return err
	}
	if _, err := models.WriteEnvironment(path, o.Environment, models.DefaultEnvironment()); err != nil {
		return err
	}
	if estimators.CanPredict(est) {
		if err := inference.AddFlavor(m, FlavorName, modelData, models.EnvironmentFileName); err != nil {
			return err
		}
	}
	conf, err := models.FlavorConfigOf(Config{
		ModelData:           modelData,
		SerializationFormat: o.SerializationFormat,
		EstimatorsVersion:   version.Get().GitVersion,
		GoVersion:           strings.TrimPrefix(runtime.Version(), "go"),
	})
	if err != nil {
		return err
	}
	m.AddFlavor(FlavorName, conf)
	logr.FromContextOrDiscard(ctx).V(1).Info("estimator saved", "path", path, "estimator", est.Name(), "format", o.SerializationFormat)
	return m.Save(filepath.Join(path, models.MLmodelFileName))
}

func writeEstimator(est estimators.Estimator, file string, format string) error {
	buf := &bytes.Buffer{}
	switch format {
	case SerializationFormatGob:
		if err := estimators.EncodeGob(buf, est); err != nil {
			return err
		}
	case SerializationFormatJSON:
		raw, err := estimators.MarshalEstimator(est)
		if err != nil {
			return err
		}
		buf.Write(raw)
	default:
		return apierrors.NewUnsupportedFormatError(format, SupportedSerializationFormats)
	}
	return os.WriteFile(file, buf.Bytes(), 0o644)
}

func readEstimator(file string, format string) (estimators.Estimator, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	switch format {
	case SerializationFormatGob:
		return estimators.DecodeGob(bytes.NewReader(content))
	case SerializationFormatJSON:
		return estimators.UnmarshalEstimator(content)
	default:
		return nil, apierrors.NewUnsupportedFormatError(format, SupportedSerializationFormats)
	}
}

// LoadModel loads the estimator saved at uri, which may be a local path, a file://, s3:// or runs:/ uri.
func LoadModel(ctx context.Context, uri string, resolver artifacts.RunResolver) (estimators.Estimator, error) {
	dir, err := artifacts.Download(ctx, uri, resolver)
	if err != nil {
		return nil, err
	}
	blob, err := models.GetFlavorConfiguration(dir, FlavorName)
	if err != nil {
		return nil, err
	}
	conf := Config{}
	if err := blob.Decode(&conf); err != nil {
		return nil, fmt.Errorf("decode %s flavor: %w", FlavorName, err)
	}
	if conf.SerializationFormat == "" {
		conf.SerializationFormat = SerializationFormatGob
	}
	return readEstimator(filepath.Join(dir, conf.ModelData), conf.SerializationFormat)
}

func loadInference(ctx context.Context, dir string, descriptor *models.Model, conf inference.Config) (inference.Model, error) {
	format := SerializationFormatGob
	if blob, ok := descriptor.Flavors[FlavorName]; ok {
		fc := Config{}
		if err := blob.Decode(&fc); err == nil && fc.SerializationFormat != "" {
			format = fc.SerializationFormat
		}
	}
	if !slices.Contains(SupportedSerializationFormats, format) {
		logging.Warn(logr.FromContextOrDiscard(ctx), "unrecognized serialization format, loading as gob", "format", format)
		format = SerializationFormatGob
	}
	est, err := readEstimator(filepath.Join(dir, conf.ModelPath), format)
	if err != nil {
		return nil, err
	}
	predictor, ok := est.(estimators.Predictor)
	if !ok || !estimators.CanPredict(est) {
		return nil, apierrors.NewUnsupportedError(fmt.Sprintf("estimator %s cannot predict", est.Name()))
	}
	return &inferenceModel{predictor: predictor}, nil
}

type inferenceModel struct {
	predictor estimators.Predictor
}

func (m *inferenceModel) Predict(ctx context.Context, input any) (*data.Frame, error) {
	x, _, err := inference.Matrix(input)
	if err != nil {
		return nil, err
	}
	pred, err := m.predictor.Predict(x)
	if err != nil {
		return nil, err
	}
	return data.FrameFromColumn("prediction", pred), nil
}
