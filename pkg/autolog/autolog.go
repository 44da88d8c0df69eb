package autolog

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/tracking"
)

// Autolog enables the integration named name and returns the context training calls must use.
func Autolog(ctx context.Context, client *tracking.Client, name string, cfg Config) (context.Context, error) {
	if err := cfg.Validate(); err != nil {
		return ctx, err
	}
	integration, ok := Lookup(name)
	if !ok {
		return ctx, apierrors.NewInvalidParameterError(fmt.Sprintf("unknown autologging integration %s, expected one of %v", name, Integrations()))
	}
	if cfg.Disable {
		return ctx, nil
	}
	patch := &Patch{Integration: integration, Client: client, Config: cfg}
	if !cfg.Silent {
		logr.FromContextOrDiscard(ctx).V(1).Info("autologging enabled", "integration", name)
	}
	return integration.Install(ctx, patch), nil
}
