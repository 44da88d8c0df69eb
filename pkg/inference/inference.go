// Package inference loads any saved model that declares the inference flavor and predicts
// with it, independent of the framework that produced it.
package inference

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"kubegems.io/modelkit/pkg/artifacts"
	"kubegems.io/modelkit/pkg/data"
	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/models"
)

const FlavorName = "inference"

// Config is the inference flavor blob written next to the framework flavor.
type Config struct {
	// Loader names the registered LoaderFunc, usually the framework flavor name.
	Loader    string `json:"loader"`
	ModelPath string `json:"model_path,omitempty"`
	Env       string `json:"env,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

// AddFlavor declares that m can be loaded through the loader named loader.
func AddFlavor(m *models.Model, loader, modelPath, env string) error {
	conf, err := models.FlavorConfigOf(Config{
		Loader:    loader,
		ModelPath: modelPath,
		Env:       env,
		GoVersion: strings.TrimPrefix(runtime.Version(), "go"),
	})
	if err != nil {
		return err
	}
	m.AddFlavor(FlavorName, conf)
	return nil
}

// Model predicts on a frame, a tensor or a matrix and returns the predictions as a frame.
type Model interface {
	Predict(ctx context.Context, input any) (*data.Frame, error)
}

// LoaderFunc loads the framework model saved in dir.
type LoaderFunc func(ctx context.Context, dir string, descriptor *models.Model, conf Config) (Model, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[string]LoaderFunc{}
)

// RegisterLoader is called by flavors from init.
func RegisterLoader(name string, loader LoaderFunc) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[name] = loader
}

func Loaders() []string {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	names := maps.Keys(loaders)
	slices.Sort(names)
	return names
}

func lookupLoader(name string) (LoaderFunc, bool) {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	loader, ok := loaders[name]
	return loader, ok
}

// LoadedModel is a model with its descriptor; Predict enforces the input schema before predicting.
type LoadedModel struct {
	Descriptor *models.Model
	Path       string
	impl       Model
}

// Load resolves uri to a local directory and loads it through its inference loader.
func Load(ctx context.Context, uri string, resolver artifacts.RunResolver) (*LoadedModel, error) {
	dir, err := artifacts.Download(ctx, uri, resolver)
	if err != nil {
		return nil, err
	}
	return LoadDir(ctx, dir)
}

func LoadDir(ctx context.Context, dir string) (*LoadedModel, error) {
	log := logr.FromContextOrDiscard(ctx)

	descriptor, err := models.Load(dir)
	if err != nil {
		return nil, err
	}
	blob, err := descriptor.Flavor(FlavorName, dir)
	if err != nil {
		return nil, apierrors.NewResourceNotFoundError(fmt.Sprintf(
			"model does not have the %s flavor, it cannot be loaded generically: %s", FlavorName, dir))
	}
	conf := Config{}
	if err := blob.Decode(&conf); err != nil {
		return nil, fmt.Errorf("decode %s flavor: %w", FlavorName, err)
	}
	loader, ok := lookupLoader(conf.Loader)
	if !ok {
		return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("unknown loader %q, registered loaders are %v", conf.Loader, Loaders()))
	}
	if conf.GoVersion != "" && conf.GoVersion != strings.TrimPrefix(runtime.Version(), "go") {
		log.V(1).Info("model was saved with a different go version", "saved", conf.GoVersion, "current", runtime.Version())
	}
	impl, err := loader(ctx, dir, descriptor, conf)
	if err != nil {
		return nil, err
	}
	return &LoadedModel{Descriptor: descriptor, Path: dir, impl: impl}, nil
}

func (m *LoadedModel) Predict(ctx context.Context, input any) (*data.Frame, error) {
	if tensor, ok := input.(*data.Tensor); ok {
		if err := tensor.Validate(); err != nil {
			return nil, apierrors.NewInvalidParameterError(err.Error())
		}
	}
	if frame, ok := asFrame(input); ok {
		enforced, err := EnforceSchema(frame, m.Descriptor.GetInputSchema())
		if err != nil {
			return nil, err
		}
		input = enforced
	}
	return m.impl.Predict(ctx, input)
}

func asFrame(input any) (*data.Frame, bool) {
	switch val := input.(type) {
	case *data.Frame:
		return val, true
	case data.Frame:
		return &val, true
	default:
		return nil, false
	}
}
