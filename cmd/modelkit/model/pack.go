package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kubegems.io/modelkit/cmd/modelkit/config"
	"kubegems.io/modelkit/pkg/artifacts"
	"kubegems.io/modelkit/pkg/models"
	"kubegems.io/modelkit/pkg/units"
)

func NewPackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack <dir> <out.tar.gz>",
		Short: "pack a saved model directory into a tar.gz archive",
		Example: `
  modelkit model pack ./model model.tar.gz
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return errors.New("requires a model directory and an output file")
			}
			dir, into := args[0], args[1]
			if !artifacts.IsArchive(into) {
				return fmt.Errorf("output %s must end with .tar.gz or .tgz", into)
			}
			if _, err := os.Stat(filepath.Join(dir, models.MLmodelFileName)); err != nil {
				return fmt.Errorf("%s is not a saved model: %w", dir, err)
			}
			ctx, cancel, err := config.BaseContext(config.Global)
			if err != nil {
				return err
			}
			defer cancel()
			d, err := artifacts.Archive(ctx, dir, into)
			if err != nil {
				return err
			}
			fi, err := os.Stat(into)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", into, units.HumanSize(fi.Size()), d)
			return nil
		},
	}
	return cmd
}
