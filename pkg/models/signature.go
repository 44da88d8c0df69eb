package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"kubegems.io/modelkit/pkg/data"
)

type DataType string

const (
	DataTypeBoolean  DataType = "boolean"
	DataTypeInteger  DataType = "integer"
	DataTypeLong     DataType = "long"
	DataTypeFloat    DataType = "float"
	DataTypeDouble   DataType = "double"
	DataTypeString   DataType = "string"
	DataTypeBinary   DataType = "binary"
	DataTypeDatetime DataType = "datetime"
	DataTypeTensor   DataType = "tensor"
)

// Spec is one entry of a schema, either a column or a tensor.
type Spec struct {
	Name       string      `json:"name,omitempty"`
	Type       DataType    `json:"type"`
	TensorSpec *TensorSpec `json:"tensor-spec,omitempty"`
}

type TensorSpec struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

func ColSpec(t DataType, name string) Spec {
	return Spec{Name: name, Type: t}
}

func TensorSpecOf(name string, dtype string, shape ...int) Spec {
	return Spec{Name: name, Type: DataTypeTensor, TensorSpec: &TensorSpec{DType: dtype, Shape: shape}}
}

type Schema []Spec

func (s Schema) IsTensorSpec() bool {
	return len(s) > 0 && s[0].Type == DataTypeTensor
}

func (s Schema) HasInputNames() bool {
	for _, spec := range s {
		if spec.Name == "" {
			return false
		}
	}
	return len(s) > 0
}

func (s Schema) InputNames() []string {
	names := make([]string, 0, len(s))
	for _, spec := range s {
		if spec.Name != "" {
			names = append(names, spec.Name)
		}
	}
	return names
}

func (s Schema) Lookup(name string) (Spec, bool) {
	for _, spec := range s {
		if spec.Name == name {
			return spec, true
		}
	}
	return Spec{}, false
}

// ModelSignature is persisted inside the descriptor with inputs and outputs as json strings.
type ModelSignature struct {
	Inputs  Schema
	Outputs Schema
}

type signatureDocument struct {
	Inputs  string `json:"inputs"`
	Outputs string `json:"outputs,omitempty"`
}

func (s ModelSignature) MarshalJSON() ([]byte, error) {
	doc := signatureDocument{}
	inputs, err := json.Marshal(s.Inputs)
	if err != nil {
		return nil, err
	}
	doc.Inputs = string(inputs)
	if s.Outputs != nil {
		outputs, err := json.Marshal(s.Outputs)
		if err != nil {
			return nil, err
		}
		doc.Outputs = string(outputs)
	}
	return json.Marshal(doc)
}

func (s *ModelSignature) UnmarshalJSON(raw []byte) error {
	doc := signatureDocument{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	*s = ModelSignature{}
	if doc.Inputs != "" {
		if err := json.Unmarshal([]byte(doc.Inputs), &s.Inputs); err != nil {
			return fmt.Errorf("decode signature inputs: %w", err)
		}
	}
	if doc.Outputs != "" {
		if err := json.Unmarshal([]byte(doc.Outputs), &s.Outputs); err != nil {
			return fmt.Errorf("decode signature outputs: %w", err)
		}
	}
	return nil
}

func (s *ModelSignature) Equal(other *ModelSignature) bool {
	if s == nil || other == nil {
		return s == other
	}
	return reflect.DeepEqual(s.Inputs, other.Inputs) && reflect.DeepEqual(s.Outputs, other.Outputs)
}

// InferSignature infers input and output schemas. A nil output leaves Outputs empty.
func InferSignature(input, output any) (*ModelSignature, error) {
	inputs, err := InferSchema(input)
	if err != nil {
		return nil, fmt.Errorf("infer input schema: %w", err)
	}
	sig := &ModelSignature{Inputs: inputs}
	if output != nil {
		outputs, err := InferSchema(output)
		if err != nil {
			return nil, fmt.Errorf("infer output schema: %w", err)
		}
		sig.Outputs = outputs
	}
	return sig, nil
}

func InferSchema(v any) (Schema, error) {
	switch val := v.(type) {
	case *data.Frame:
		return inferFrameSchema(val)
	case data.Frame:
		return inferFrameSchema(&val)
	case *data.Tensor:
		return Schema{tensorSpecOf("", val.Shape)}, nil
	case map[string]*data.Tensor:
		schema := Schema{}
		for _, name := range sortedKeys(val) {
			schema = append(schema, tensorSpecOf(name, val[name].Shape))
		}
		return schema, nil
	case []float64:
		return Schema{ColSpec(DataTypeDouble, "")}, nil
	case [][]float64:
		cols := 0
		if len(val) > 0 {
			cols = len(val[0])
		}
		return Schema{tensorSpecOf("", []int{len(val), cols})}, nil
	case map[string]any:
		frame, err := frameFromScalars(val)
		if err != nil {
			return nil, err
		}
		return inferFrameSchema(frame)
	default:
		return nil, fmt.Errorf("can not infer schema from %T", v)
	}
}

func tensorSpecOf(name string, shape []int) Spec {
	inferred := append([]int{}, shape...)
	if len(inferred) > 0 {
		inferred[0] = -1
	}
	return TensorSpecOf(name, "float64", inferred...)
}

func inferFrameSchema(frame *data.Frame) (Schema, error) {
	schema := make(Schema, len(frame.Columns))
	for i, col := range frame.Columns {
		t := DataTypeDouble
		if len(frame.Data) > 0 {
			inferred, err := inferDataType(frame.Data[0][i])
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", col, err)
			}
			t = inferred
		}
		schema[i] = ColSpec(t, col)
	}
	return schema, nil
}

func inferDataType(v any) (DataType, error) {
	switch v.(type) {
	case bool:
		return DataTypeBoolean, nil
	case int, int32, int16, int8:
		return DataTypeInteger, nil
	case int64:
		return DataTypeLong, nil
	case float32:
		return DataTypeFloat, nil
	case float64, json.Number:
		return DataTypeDouble, nil
	case string:
		return DataTypeString, nil
	case []byte:
		return DataTypeBinary, nil
	case time.Time:
		return DataTypeDatetime, nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
