package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kubegems.io/modelkit/cmd/modelkit/config"
	"kubegems.io/modelkit/cmd/modelkit/model"
	"kubegems.io/modelkit/cmd/modelkit/runs"
	"kubegems.io/modelkit/pkg/version"
)

const ErrExitCode = 1

func main() {
	if err := NewModelkitCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(ErrExitCode)
	}
}

func NewModelkitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "modelkit",
		Short:         "modelkit tracks experiments and packages models",
		Version:       version.Get().String(),
		SilenceErrors: true,
	}
	config.RegisterFlags(cmd, config.Global)
	cmd.AddCommand(
		model.NewModelCmd(),
		runs.NewRunCmd(),
		runs.NewArtifactsCmd(),
		runs.NewExperimentCmd(),
	)
	return cmd
}
