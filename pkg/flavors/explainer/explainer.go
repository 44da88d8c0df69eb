// Package explainer saves, loads and logs permutation explainers of estimators, and logs
// the Shapley values of a dataset as run artifacts.
package explainer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-logr/logr"

	"kubegems.io/modelkit/pkg/artifacts"
	"kubegems.io/modelkit/pkg/data"
	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/estimators"
	"kubegems.io/modelkit/pkg/explain"
	"kubegems.io/modelkit/pkg/flavors/estimator"
	"kubegems.io/modelkit/pkg/inference"
	"kubegems.io/modelkit/pkg/models"
	"kubegems.io/modelkit/pkg/tracking"
)

const (
	FlavorName = "explainer"

	// ExplanationArtifactPath is where LogExplanation writes by default.
	ExplanationArtifactPath = "model_explanations_shap"

	explainerFileName    = "explainer.json"
	underlyingModelDir   = "underlying_model"
	baseValuesFileName   = "base_values.json"
	shapValuesFileName   = "shap_values.json"
	featureNamesFileName = "feature_names.json"
)

func init() {
	inference.RegisterLoader(FlavorName, loadInference)
}

type Config struct {
	SerializedExplainer   string `json:"serialized_explainer"`
	Algorithm             string `json:"algorithm"`
	UnderlyingModelFlavor string `json:"underlying_model_flavor"`
	UnderlyingModelPath   string `json:"underlying_model_path"`
	GoVersion             string `json:"go_version"`
}

// Explainer explains the predictions of Model.
type Explainer struct {
	*explain.Explainer
	Model estimators.Predictor
}

func New(model estimators.Predictor, background [][]float64, opts ...explain.Option) (*Explainer, error) {
	if !estimators.CanPredict(model) {
		return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("estimator %s cannot predict", model.Name()))
	}
	e, err := explain.NewPermutationExplainer(model.Predict, background, opts...)
	if err != nil {
		return nil, err
	}
	return &Explainer{Explainer: e, Model: model}, nil
}

type SaveOptions struct {
	// SerializationFormat of the underlying estimator.
	SerializationFormat string
	Environment         any
}

type Option func(*SaveOptions)

func WithSerializationFormat(format string) Option {
	return func(o *SaveOptions) { o.SerializationFormat = format }
}

func WithEnvironment(env any) Option {
	return func(o *SaveOptions) { o.Environment = env }
}

func newSaveOptions(opts []Option) *SaveOptions {
	o := &SaveOptions{SerializationFormat: estimator.SerializationFormatGob}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SaveExplainer writes e and its underlying estimator into a new model directory at path.
func SaveExplainer(ctx context.Context, e *Explainer, path string, opts ...Option) error {
	return save(ctx, e, path, models.New(), newSaveOptions(opts))
}

func LogExplainer(ctx context.Context, logger models.ArtifactLogger, runID string, e *Explainer, artifactPath string, opts ...Option) (*models.Model, error) {
	o := newSaveOptions(opts)
	return models.Log(ctx, logger, runID, artifactPath, func(ctx context.Context, path string, m *models.Model) error {
		return save(ctx, e, path, m, o)
	})
}

func save(ctx context.Context, e *Explainer, path string, m *models.Model, o *SaveOptions) error {
	if e.Model == nil {
		return apierrors.NewInvalidParameterError("explainer has no underlying model")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return apierrors.NewPathAlreadyExistsError(path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	if err := estimator.SaveModel(ctx, e.Model, filepath.Join(path, underlyingModelDir),
		estimator.WithSerializationFormat(o.SerializationFormat), estimator.WithEnvironment(o.Environment)); err != nil {
		return fmt.Errorf("save underlying model: %w", err)
	}
	content, err := json.Marshal(e.Explainer)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(path, explainerFileName), content, 0o644); err != nil {
		return err
	}
	if _, err := models.WriteEnvironment(path, o.Environment, models.DefaultEnvironment()); err != nil {
		return err
	}
	if err := inference.AddFlavor(m, FlavorName, explainerFileName, models.EnvironmentFileName); err != nil {
		return err
	}
	conf, err := models.FlavorConfigOf(Config{
		SerializedExplainer:   explainerFileName,
		Algorithm:             e.Algorithm,
		UnderlyingModelFlavor: estimator.FlavorName,
		UnderlyingModelPath:   underlyingModelDir,
		GoVersion:             strings.TrimPrefix(runtime.Version(), "go"),
	})
	if err != nil {
		return err
	}
	m.AddFlavor(FlavorName, conf)
	logr.FromContextOrDiscard(ctx).V(1).Info("explainer saved", "path", path, "estimator", e.Model.Name(), "features", e.NumFeatures())
	return m.Save(filepath.Join(path, models.MLmodelFileName))
}

// LoadExplainer loads the explainer saved at uri together with its underlying estimator.
func LoadExplainer(ctx context.Context, uri string, resolver artifacts.RunResolver) (*Explainer, error) {
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
	return readExplainer(ctx, dir, conf)
}

func readExplainer(ctx context.Context, dir string, conf Config) (*Explainer, error) {
	if conf.UnderlyingModelFlavor != "" && conf.UnderlyingModelFlavor != estimator.FlavorName {
		return nil, apierrors.NewUnsupportedError(fmt.Sprintf("underlying model flavor %s is not supported", conf.UnderlyingModelFlavor))
	}
	if conf.SerializedExplainer == "" {
		conf.SerializedExplainer = explainerFileName
	}
	if conf.UnderlyingModelPath == "" {
		conf.UnderlyingModelPath = underlyingModelDir
	}
	est, err := estimator.LoadModel(ctx, filepath.Join(dir, conf.UnderlyingModelPath), nil)
	if err != nil {
		return nil, fmt.Errorf("load underlying model: %w", err)
	}
	predictor, ok := est.(estimators.Predictor)
	if !ok || !estimators.CanPredict(est) {
		return nil, apierrors.NewUnsupportedError(fmt.Sprintf("estimator %s cannot predict", est.Name()))
	}
	content, err := os.ReadFile(filepath.Join(dir, conf.SerializedExplainer))
	if err != nil {
		return nil, err
	}
	e := &explain.Explainer{}
	if err := json.Unmarshal(content, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", conf.SerializedExplainer, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.Predict = predictor.Predict
	return &Explainer{Explainer: e, Model: predictor}, nil
}

func loadInference(ctx context.Context, dir string, descriptor *models.Model, conf inference.Config) (inference.Model, error) {
	fc := Config{}
	if blob, ok := descriptor.Flavors[FlavorName]; ok {
		if err := blob.Decode(&fc); err != nil {
			return nil, fmt.Errorf("decode %s flavor: %w", FlavorName, err)
		}
	}
	if fc.SerializedExplainer == "" {
		fc.SerializedExplainer = conf.ModelPath
	}
	e, err := readExplainer(ctx, dir, fc)
	if err != nil {
		return nil, err
	}
	return &inferenceModel{explainer: e}, nil
}

type inferenceModel struct {
	explainer *Explainer
}

// Predict returns the Shapley values of every input row, one column per feature.
func (m *inferenceModel) Predict(ctx context.Context, input any) (*data.Frame, error) {
	x, columns, err := inference.Matrix(input)
	if err != nil {
		return nil, err
	}
	explanation, err := m.explainer.Explain(ctx, x)
	if err != nil {
		return nil, err
	}
	if len(m.explainer.FeatureNames) > 0 {
		columns = m.explainer.FeatureNames
	}
	return data.FrameFromMatrix(columns, explanation.Values), nil
}

// LogExplanation computes the Shapley values of X for predict and logs base_values.json and
// shap_values.json under artifactPath of the active run of ctx, ExplanationArtifactPath when empty.
// Without an active run a new run is started and ended. Returns the uri of the logged directory.
func LogExplanation(ctx context.Context, client *tracking.Client, predict explain.PredictFunc, X [][]float64, artifactPath string, opts ...explain.Option) (uri string, err error) {
	if artifactPath == "" {
		artifactPath = ExplanationArtifactPath
	}
	run := tracking.ActiveRunFromContext(ctx)
	if run == nil {
		if ctx, run, err = tracking.StartRun(ctx, client, tracking.StartRunOptions{}); err != nil {
			return "", err
		}
		defer func() {
			status := tracking.RunStatusFinished
			if err != nil {
				status = tracking.RunStatusFailed
			}
			if endErr := run.End(ctx, status); endErr != nil && err == nil {
				uri, err = "", endErr
			}
		}()
	}

	background := explain.SampleRows(X, explain.DefaultMaxBackground, 0)
	e, err := explain.NewPermutationExplainer(predict, background, opts...)
	if err != nil {
		return "", err
	}
	explanation, err := e.Explain(ctx, X)
	if err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp("", "modelkit-explanation-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)
	files := map[string]any{
		baseValuesFileName: explanation.BaseValue,
		shapValuesFileName: explanation.Values,
	}
	if len(explanation.FeatureNames) > 0 {
		files[featureNamesFileName] = explanation.FeatureNames
	}
	for name, v := range files {
		content, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(tmp, name), content, 0o644); err != nil {
			return "", err
		}
	}
	if err := client.LogArtifacts(ctx, run.ID(), tmp, artifactPath); err != nil {
		return "", err
	}
	root, err := client.RunArtifactURI(ctx, run.ID())
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(root, "/") + "/" + artifactPath, nil
}
