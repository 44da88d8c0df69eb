package models

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kubegems.io/modelkit/pkg/data"
	apierrors "kubegems.io/modelkit/pkg/errors"
)

const (
	InputExampleFileName = "input_example.json"

	ExampleTypeDataFrame = "dataframe"
	ExampleTypeNDArray   = "ndarray"
)

var ErrTensorsNotSupported = apierrors.NewInvalidParameterError(
	"a list of tensors is not supported as input example, use a map of named tensors instead")

// InputExample is an input example converted into its json document.
type InputExample struct {
	Info     map[string]any
	Document any
}

// NewInputExample accepts frames, tensors, maps of scalars and maps of tensors.
func NewInputExample(v any) (*InputExample, error) {
	switch val := v.(type) {
	case *data.Frame:
		return frameExample(val)
	case data.Frame:
		return frameExample(&val)
	case map[string]any:
		frame, err := frameFromScalars(val)
		if err != nil {
			return nil, err
		}
		return frameExample(frame)
	case *data.Tensor:
		return tensorExample(val.Nested()), nil
	case [][]float64:
		return tensorExample(data.TensorFromMatrix(val).Nested()), nil
	case []float64:
		return tensorExample(append([]float64{}, val...)), nil
	case map[string]*data.Tensor:
		doc := map[string]any{}
		for name, t := range val {
			doc[name] = t.Nested()
		}
		return tensorExample(doc), nil
	case []*data.Tensor, []data.Tensor, [][][]float64:
		return nil, ErrTensorsNotSupported
	default:
		return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("unsupported input example type %T", v))
	}
}

func frameExample(frame *data.Frame) (*InputExample, error) {
	if err := frame.Validate(); err != nil {
		return nil, apierrors.NewInvalidParameterError(err.Error())
	}
	rows := make([][]any, len(frame.Data))
	for i, row := range frame.Data {
		rows[i] = make([]any, len(row))
		for j, cell := range row {
			rows[i][j] = encodeCell(cell)
		}
	}
	return &InputExample{
		Info: map[string]any{
			"artifact_path": InputExampleFileName,
			"type":          ExampleTypeDataFrame,
			"pandas_orient": "split",
		},
		Document: map[string]any{"columns": frame.Columns, "data": rows},
	}, nil
}

func tensorExample(inputs any) *InputExample {
	return &InputExample{
		Info: map[string]any{
			"artifact_path": InputExampleFileName,
			"type":          ExampleTypeNDArray,
			"format":        "tf-serving",
		},
		Document: map[string]any{"inputs": inputs},
	}
}

func encodeCell(v any) any {
	switch val := v.(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return v
	}
}

func frameFromScalars(values map[string]any) (*data.Frame, error) {
	columns := sortedKeys(values)
	row := make([]any, len(columns))
	for i, name := range columns {
		switch values[name].(type) {
		case []any, map[string]any, []float64, *data.Tensor:
			return nil, apierrors.NewInvalidParameterError(
				fmt.Sprintf("input example key %q is not a scalar, use a map of tensors instead", name))
		}
		row[i] = values[name]
	}
	return &data.Frame{Columns: columns, Data: [][]any{row}}, nil
}

// Save writes input_example.json into dir.
func (e *InputExample) Save(dir string) error {
	content, err := json.Marshal(e.Document)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, InputExampleFileName), content, 0o644)
}

// SaveExample writes the example into dir and records its info on m.
func SaveExample(m *Model, example any, dir string) error {
	e, err := NewInputExample(example)
	if err != nil {
		return err
	}
	if err := e.Save(dir); err != nil {
		return err
	}
	m.SavedInputExampleInfo = e.Info
	return nil
}

// ReadInputExample reads the saved example of m back from dir, coercing frame columns with
// schema when given. It returns nil when m has no example.
func ReadInputExample(dir string, m *Model, schema Schema) (any, error) {
	if m.SavedInputExampleInfo == nil {
		return nil, nil
	}
	name, _ := m.SavedInputExampleInfo["artifact_path"].(string)
	if name == "" {
		name = InputExampleFileName
	}
	content, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	switch m.SavedInputExampleInfo["type"] {
	case ExampleTypeDataFrame:
		return ParseSplitFrame(content, schema)
	case ExampleTypeNDArray:
		return ParseTensorInput(content)
	default:
		return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("unknown input example type %v", m.SavedInputExampleInfo["type"]))
	}
}

// ParseSplitFrame decodes a split oriented frame. Integral numbers become int64 unless schema says otherwise.
func ParseSplitFrame(content []byte, schema Schema) (*data.Frame, error) {
	doc := struct {
		Columns []string `json:"columns"`
		Data    [][]any  `json:"data"`
	}{}
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("invalid split oriented frame: %v", err))
	}
	frame := &data.Frame{Columns: doc.Columns, Data: doc.Data}
	if frame.Data == nil {
		frame.Data = [][]any{}
	}
	if err := frame.Validate(); err != nil {
		return nil, apierrors.NewInvalidParameterError(err.Error())
	}
	for _, row := range frame.Data {
		for j, cell := range row {
			var t DataType
			if spec, ok := schema.Lookup(frame.Columns[j]); ok {
				t = spec.Type
			}
			v, err := decodeCell(cell, t)
			if err != nil {
				return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("column %q: %v", frame.Columns[j], err))
			}
			row[j] = v
		}
	}
	return frame, nil
}

func decodeCell(v any, t DataType) (any, error) {
	switch t {
	case DataTypeBinary:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected base64 string, got %T", v)
		}
		return base64.StdEncoding.DecodeString(s)
	case DataTypeDatetime:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected datetime string, got %T", v)
		}
		return time.Parse(time.RFC3339, s)
	case DataTypeInteger:
		n, err := numberOf(v)
		if err != nil {
			return nil, err
		}
		i, err := n.Int64()
		return int32(i), err
	case DataTypeLong:
		n, err := numberOf(v)
		if err != nil {
			return nil, err
		}
		return n.Int64()
	case DataTypeFloat:
		n, err := numberOf(v)
		if err != nil {
			return nil, err
		}
		f, err := n.Float64()
		return float32(f), err
	case DataTypeDouble:
		n, err := numberOf(v)
		if err != nil {
			return nil, err
		}
		return n.Float64()
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return n.Float64()
	}
	return v, nil
}

func numberOf(v any) (json.Number, error) {
	if n, ok := v.(json.Number); ok {
		return n, nil
	}
	return "", fmt.Errorf("expected number, got %T", v)
}

// ParseTensorInput decodes {"inputs": ...} into a tensor or a map of named tensors.
func ParseTensorInput(content []byte) (any, error) {
	doc := struct {
		Inputs any `json:"inputs"`
	}{}
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("invalid tensor input: %v", err))
	}
	if named, ok := doc.Inputs.(map[string]any); ok {
		out := map[string]*data.Tensor{}
		for name, v := range named {
			t, err := data.TensorFromNested(v)
			if err != nil {
				return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("tensor %q: %v", name, err))
			}
			out[name] = t
		}
		return out, nil
	}
	t, err := data.TensorFromNested(doc.Inputs)
	if err != nil {
		return nil, apierrors.NewInvalidParameterError(err.Error())
	}
	return t, nil
}
