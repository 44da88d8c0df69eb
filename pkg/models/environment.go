package models

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v2"

	"kubegems.io/modelkit/pkg/version"
)

const (
	EnvironmentFileName  = "environment.yaml"
	RequirementsFileName = "requirements.txt"

	ModulePath = "kubegems.io/modelkit"
)

// EnvironmentSpec pins the runtime a saved model needs to be loaded.
type EnvironmentSpec struct {
	Name         string   `yaml:"name"`
	Runtime      string   `yaml:"runtime"`
	Dependencies []string `yaml:"dependencies"`
}

// DefaultEnvironment pins the go runtime, this module and any extra dependencies.
func DefaultEnvironment(extra ...string) *EnvironmentSpec {
	deps := []string{ModulePath + " " + version.Get().GitVersion}
	return &EnvironmentSpec{
		Name:         "modelkit-env",
		Runtime:      strings.TrimPrefix(runtime.Version(), "go"),
		Dependencies: append(deps, extra...),
	}
}

func ReadEnvironment(path string) (*EnvironmentSpec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	env := &EnvironmentSpec{}
	if err := yaml.UnmarshalStrict(content, env); err != nil {
		return nil, fmt.Errorf("decode environment %s: %w", path, err)
	}
	return env, nil
}

// WriteEnvironment writes environment.yaml and requirements.txt into dir.
// env may be nil, an *EnvironmentSpec or the path of an environment yaml file.
func WriteEnvironment(dir string, env any, defaults *EnvironmentSpec) (*EnvironmentSpec, error) {
	var spec *EnvironmentSpec
	switch val := env.(type) {
	case nil:
		spec = defaults
	case *EnvironmentSpec:
		spec = val
	case EnvironmentSpec:
		spec = &val
	case string:
		read, err := ReadEnvironment(val)
		if err != nil {
			return nil, err
		}
		spec = read
	default:
		return nil, fmt.Errorf("unsupported environment type %T", env)
	}
	if spec == nil {
		spec = DefaultEnvironment()
	}
	content, err := yaml.Marshal(spec)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, EnvironmentFileName), content, 0o644); err != nil {
		return nil, err
	}
	requirements := strings.Join(spec.Dependencies, "\n")
	if requirements != "" {
		requirements += "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, RequirementsFileName), []byte(requirements), 0o644); err != nil {
		return nil, err
	}
	return spec, nil
}
