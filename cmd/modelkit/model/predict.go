package model

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"

	"kubegems.io/modelkit/cmd/modelkit/config"
	"kubegems.io/modelkit/pkg/data"
	"kubegems.io/modelkit/pkg/inference"
)

func NewPredictCmd() *cobra.Command {
	modelURI, input, output := "", "-", "-"
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "predict a json input with a saved model",
		Example: `
  modelkit model predict -m runs:/<run_id>/model -i input.json
  echo '{"columns":["x"],"data":[[1],[2]]}' | modelkit model predict -m ./model
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelURI == "" {
				return errors.New("--model-uri is required")
			}
			ctx, cancel, err := config.BaseContext(config.Global)
			if err != nil {
				return err
			}
			defer cancel()

			var content []byte
			if input == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
			} else {
				content, err = os.ReadFile(input)
			}
			if err != nil {
				return err
			}
			predictions, err := Predict(ctx, modelURI, content)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(inference.PredictionsResponse{Predictions: predictions})
		},
	}
	cmd.Flags().StringVarP(&modelURI, "model-uri", "m", modelURI, "uri of the model")
	cmd.Flags().StringVarP(&input, "input-path", "i", input, "json input file, - for stdin")
	cmd.Flags().StringVarP(&output, "output-path", "o", output, "file the predictions are written to, - for stdout")
	return cmd
}

func Predict(ctx context.Context, uri string, content []byte) (*data.Frame, error) {
	resolver, closer, err := resolverFor(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer closer()
	m, err := inference.Load(ctx, uri, resolver)
	if err != nil {
		return nil, err
	}
	input, err := inference.ParseInput(content, m.Descriptor.GetInputSchema())
	if err != nil {
		return nil, err
	}
	return m.Predict(ctx, input)
}
