package models

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"kubegems.io/modelkit/pkg/data"
)

func TestInputExample_FrameWithSchema(t *testing.T) {
	created := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	frame := &data.Frame{
		Columns: []string{"a", "b", "c", "d", "e", "f"},
		Data:    [][]any{{int32(1), "test string", true, 3.5, created, []byte{1, 2, 3}}},
	}
	sig, err := InferSignature(frame, nil)
	if err != nil {
		t.Fatal(err)
	}
	wantSchema := Schema{
		ColSpec(DataTypeInteger, "a"),
		ColSpec(DataTypeString, "b"),
		ColSpec(DataTypeBoolean, "c"),
		ColSpec(DataTypeDouble, "d"),
		ColSpec(DataTypeDatetime, "e"),
		ColSpec(DataTypeBinary, "f"),
	}
	if !reflect.DeepEqual(sig.Inputs, wantSchema) {
		t.Fatalf("InferSignature() = %v", sig.Inputs)
	}

	dir := t.TempDir()
	m := New(WithSignature(sig))
	if err := SaveExample(m, frame, dir); err != nil {
		t.Fatal(err)
	}
	wantInfo := map[string]any{"artifact_path": InputExampleFileName, "type": "dataframe", "pandas_orient": "split"}
	if !reflect.DeepEqual(m.SavedInputExampleInfo, wantInfo) {
		t.Errorf("info = %v", m.SavedInputExampleInfo)
	}
	raw, err := os.ReadFile(filepath.Join(dir, InputExampleFileName))
	if err != nil {
		t.Fatal(err)
	}
	keys := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &keys); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys["columns"] == nil || keys["data"] == nil {
		t.Errorf("document keys = %v", keys)
	}

	got, err := ReadInputExample(dir, m, sig.Inputs)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, frame) {
		t.Errorf("ReadInputExample() = %#v, want %#v", got, frame)
	}
}

func TestInputExample_ScalarMap(t *testing.T) {
	dir := t.TempDir()
	m := New()
	if err := SaveExample(m, map[string]any{"a": 1, "b": "abc"}, dir); err != nil {
		t.Fatal(err)
	}
	got, err := ReadInputExample(dir, m, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := &data.Frame{Columns: []string{"a", "b"}, Data: [][]any{{int64(1), "abc"}}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReadInputExample() = %#v, want %#v", got, want)
	}
}

func TestInputExample_Tensors(t *testing.T) {
	values := make([]float64, 24)
	for i := range values {
		values[i] = float64(i) * 0.5
	}
	shapes := [][]int{{24}, {3, 8}, {2, 3, 4}, {3, 2, 2, 2}}
	for _, shape := range shapes {
		tensor, err := data.NewTensor(shape, values)
		if err != nil {
			t.Fatal(err)
		}
		dir := t.TempDir()
		m := New()
		if err := SaveExample(m, tensor, dir); err != nil {
			t.Fatal(err)
		}
		if m.SavedInputExampleInfo["type"] != "ndarray" || m.SavedInputExampleInfo["format"] != "tf-serving" {
			t.Errorf("info = %v", m.SavedInputExampleInfo)
		}
		got, err := ReadInputExample(dir, m, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, tensor) {
			t.Errorf("shape %v: ReadInputExample() = %v", shape, got)
		}
	}

	dir := t.TempDir()
	m := New()
	named := map[string]*data.Tensor{
		"x": {Shape: []int{2}, Data: []float64{1, 2}},
		"y": {Shape: []int{1, 2}, Data: []float64{3, 4}},
	}
	if err := SaveExample(m, named, dir); err != nil {
		t.Fatal(err)
	}
	got, err := ReadInputExample(dir, m, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, named) {
		t.Errorf("ReadInputExample() = %v", got)
	}
}

func TestInputExample_ListOfTensorsRejected(t *testing.T) {
	tensor := data.TensorFromMatrix([][]float64{{1, 2, 3}})
	_, err := NewInputExample([]*data.Tensor{tensor, tensor})
	if !errors.Is(err, ErrTensorsNotSupported) {
		t.Errorf("expected ErrTensorsNotSupported, got %v", err)
	}
}

func TestReadInputExample_None(t *testing.T) {
	got, err := ReadInputExample(t.TempDir(), New(), nil)
	if err != nil || got != nil {
		t.Errorf("ReadInputExample() = %v, %v", got, err)
	}
}
