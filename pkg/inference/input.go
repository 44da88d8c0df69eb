package inference

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/slices"

	"kubegems.io/modelkit/pkg/data"
	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/models"
)

// IsListOrMap reports inputs given as plain lists or maps instead of frames or tensors.
func IsListOrMap(input any) bool {
	switch input.(type) {
	case []any, map[string]any, map[string]*data.Tensor, []float64:
		return true
	default:
		return false
	}
}

// Matrix normalizes a frame, a tensor or a matrix into a feature matrix, with column names for frames.
func Matrix(input any) ([][]float64, []string, error) {
	switch val := input.(type) {
	case *data.Frame:
		x, err := val.Matrix()
		if err != nil {
			return nil, nil, apierrors.NewInvalidParameterError(err.Error())
		}
		return x, val.Columns, nil
	case data.Frame:
		return Matrix(&val)
	case *data.Tensor:
		x, err := val.Matrix()
		if err != nil {
			return nil, nil, apierrors.NewInvalidParameterError(err.Error())
		}
		return x, nil, nil
	case [][]float64:
		out := make([][]float64, len(val))
		for i, row := range val {
			out[i] = slices.Clone(row)
		}
		return out, nil, nil
	case []any, map[string]any:
		return nil, nil, apierrors.NewInvalidParameterError(fmt.Sprintf(
			"input of type %T is not supported, provide a frame, a tensor or a matrix", input))
	default:
		return nil, nil, apierrors.NewInvalidParameterError(fmt.Sprintf("unsupported input type %T", input))
	}
}

// EnforceSchema checks that frame has every named input of schema and orders its columns like schema.
// Tensor schemas and schemas without names leave frame as is.
func EnforceSchema(frame *data.Frame, schema models.Schema) (*data.Frame, error) {
	if err := frame.Validate(); err != nil {
		return nil, apierrors.NewInvalidParameterError(err.Error())
	}
	if len(schema) == 0 || schema.IsTensorSpec() || !schema.HasInputNames() {
		return frame, nil
	}
	names := schema.InputNames()
	missing := []string{}
	for _, name := range names {
		if frame.ColumnIndex(name) < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		extra := []string{}
		for _, c := range frame.Columns {
			if !slices.Contains(names, c) {
				extra = append(extra, c)
			}
		}
		msg := fmt.Sprintf("Model is missing inputs %v.", missing)
		if len(extra) > 0 {
			msg += fmt.Sprintf(" Note that there were extra inputs: %v", extra)
		}
		return nil, apierrors.NewInvalidParameterError(msg)
	}
	rows := make([][]any, len(frame.Data))
	for i, row := range frame.Data {
		rows[i] = make([]any, len(names))
		for j, name := range names {
			rows[i][j] = row[frame.ColumnIndex(name)]
		}
	}
	return &data.Frame{Columns: names, Data: rows}, nil
}

// ParseInput decodes a json request: a split oriented frame, or {"inputs": ...} / {"instances": ...} tensors.
func ParseInput(content []byte, schema models.Schema) (any, error) {
	keys := map[string]json.RawMessage{}
	if err := json.Unmarshal(content, &keys); err != nil {
		return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("invalid json input: %v", err))
	}
	switch {
	case keys["columns"] != nil || keys["data"] != nil:
		return models.ParseSplitFrame(content, schema)
	case keys["inputs"] != nil:
		return models.ParseTensorInput(content)
	case keys["instances"] != nil:
		return models.ParseTensorInput([]byte(`{"inputs":` + string(keys["instances"]) + `}`))
	default:
		return nil, apierrors.NewInvalidParameterError(
			"input must be a split oriented frame with 'columns' and 'data', or a tensor under 'inputs' or 'instances'")
	}
}
