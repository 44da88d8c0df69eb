package autolog

import (
	"fmt"

	"k8s.io/utils/pointer"

	apierrors "kubegems.io/modelkit/pkg/errors"
)

const DefaultMaxTuningRuns = 5

type Config struct {
	LogModels          bool
	LogInputExamples   bool
	LogModelSignatures bool
	// Disable leaves training calls untouched.
	Disable bool
	// Exclusive keeps autologged content out of runs started by the caller.
	Exclusive bool
	// Silent drops the log lines of autologging itself.
	Silent bool
	// MaxTuningRuns caps the child runs of a parameter search, nil logs all of them.
	MaxTuningRuns *int
}

func NewDefaultConfig() Config {
	return Config{
		LogModels:          true,
		LogModelSignatures: true,
		MaxTuningRuns:      pointer.Int(DefaultMaxTuningRuns),
	}
}

func (c Config) Validate() error {
	if c.MaxTuningRuns != nil && *c.MaxTuningRuns < 0 {
		return apierrors.NewInvalidParameterError(fmt.Sprintf("max_tuning_runs must be a non-negative integer, got %d", *c.MaxTuningRuns))
	}
	return nil
}
