// Package network saves, loads and logs nn networks in the network flavor.
package network

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
	"kubegems.io/modelkit/pkg/inference"
	"kubegems.io/modelkit/pkg/models"
	"kubegems.io/modelkit/pkg/nn"
	"kubegems.io/modelkit/pkg/version"
)

const (
	FlavorName = "network"

	modelDataDir   = "model"
	graphFileName  = "network.json"
	paramsFileName = "network.params"
)

func init() {
	inference.RegisterLoader(FlavorName, loadInference)
}

type Config struct {
	ModelData string `json:"model_data"`
	// Training is set when the trainable params were saved too.
	Training  bool   `json:"training"`
	NNVersion string `json:"nn_version"`
	GoVersion string `json:"go_version"`
}

type SaveOptions struct {
	// Training also saves the trainable params and optimizer step, so the network can be trained further.
	Training     bool
	Signature    *models.ModelSignature
	InputExample any
	Environment  any
}

type Option func(*SaveOptions)

func WithTraining(training bool) Option {
	return func(o *SaveOptions) { o.Training = training }
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

func SaveModel(ctx context.Context, net *nn.Network, path string, opts ...Option) error {
	o := &SaveOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return save(ctx, net, path, models.New(), o)
}

func LogModel(ctx context.Context, logger models.ArtifactLogger, runID string, net *nn.Network, artifactPath string, opts ...Option) (*models.Model, error) {
	o := &SaveOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return models.Log(ctx, logger, runID, artifactPath, func(ctx context.Context, path string, m *models.Model) error {
		return save(ctx, net, path, m, o)
	})
}

func save(ctx context.Context, net *nn.Network, path string, m *models.Model, o *SaveOptions) error {
	if err := net.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return apierrors.NewPathAlreadyExistsError(path)
	}
	dataDir := filepath.Join(path, modelDataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
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

	graph, err := json.Marshal(net)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dataDir, graphFileName), graph, 0o644); err != nil {
		return err
	}
	if o.Training {
		if err := writeParams(filepath.Join(dataDir, paramsFileName), net); err != nil {
			return err
		}
	}
	if _, err := models.WriteEnvironment(path, o.Environment, models.DefaultEnvironment()); err != nil {
		return err
	}
	if err := inference.AddFlavor(m, FlavorName, modelDataDir, models.EnvironmentFileName); err != nil {
		return err
	}
	conf, err := models.FlavorConfigOf(Config{
		ModelData: modelDataDir,
		Training:  o.Training,
		NNVersion: version.Get().GitVersion,
		GoVersion: strings.TrimPrefix(runtime.Version(), "go"),
	})
	if err != nil {
		return err
	}
	m.AddFlavor(FlavorName, conf)
	logr.FromContextOrDiscard(ctx).V(1).Info("network saved", "path", path, "sizes", net.Sizes(), "training", o.Training)
	return m.Save(filepath.Join(path, models.MLmodelFileName))
}

func writeParams(file string, net *nn.Network) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()
	return nn.SaveParams(f, net)
}

type LoadOptions struct {
	// Skeleton receives the saved params instead of building a network from the saved graph.
	Skeleton *nn.Network
}

type LoadOption func(*LoadOptions)

// WithSkeleton loads the trainable params into net, which must have the saved layer sizes.
func WithSkeleton(net *nn.Network) LoadOption {
	return func(o *LoadOptions) { o.Skeleton = net }
}

// LoadModel returns the inference network saved at uri, or the skeleton with the saved params loaded.
func LoadModel(ctx context.Context, uri string, resolver artifacts.RunResolver, opts ...LoadOption) (*nn.Network, error) {
	o := &LoadOptions{}
	for _, opt := range opts {
		opt(o)
	}
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
	dataDir := filepath.Join(dir, conf.ModelData)
	if o.Skeleton == nil {
		return readGraph(filepath.Join(dataDir, graphFileName))
	}
	f, err := os.Open(filepath.Join(dataDir, paramsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.NewInvalidParameterError(fmt.Sprintf(
				"this model can't be loaded into a skeleton because a '%s' file wasn't found, save the model with training enabled", paramsFileName))
		}
		return nil, err
	}
	defer f.Close()
	if err := nn.LoadParams(f, o.Skeleton); err != nil {
		return nil, err
	}
	return o.Skeleton, nil
}

func readGraph(file string) (*nn.Network, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	net := &nn.Network{}
	if err := json.Unmarshal(content, net); err != nil {
		return nil, fmt.Errorf("decode %s: %w", file, err)
	}
	if err := net.Validate(); err != nil {
		return nil, err
	}
	return net, nil
}

func loadInference(ctx context.Context, dir string, descriptor *models.Model, conf inference.Config) (inference.Model, error) {
	modelPath := conf.ModelPath
	if modelPath == "" {
		modelPath = modelDataDir
	}
	net, err := readGraph(filepath.Join(dir, modelPath, graphFileName))
	if err != nil {
		return nil, err
	}
	return &inferenceModel{net: net}, nil
}

type inferenceModel struct {
	net *nn.Network
}

// Predict squeezes single output networks into one prediction column.
func (m *inferenceModel) Predict(ctx context.Context, input any) (*data.Frame, error) {
	if inference.IsListOrMap(input) {
		return nil, apierrors.NewInvalidParameterError("The network flavor does not support list or map input types")
	}
	x, _, err := inference.Matrix(input)
	if err != nil {
		return nil, err
	}
	out, err := m.net.Predict(x)
	if err != nil {
		return nil, err
	}
	if m.net.OutputSize() == 1 {
		col := make([]float64, len(out))
		for i, row := range out {
			col[i] = row[0]
		}
		return data.FrameFromColumn("prediction", col), nil
	}
	return data.FrameFromMatrix(nil, out), nil
}
