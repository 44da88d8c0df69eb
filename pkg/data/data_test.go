package data

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestFrame_Matrix(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		want    [][]float64
		wantErr bool
	}{
		{
			name:  "numeric",
			frame: &Frame{Columns: []string{"a", "b"}, Data: [][]any{{1, 2.5}, {int64(3), true}}},
			want:  [][]float64{{1, 2.5}, {3, 1}},
		},
		{
			name:    "string cell",
			frame:   &Frame{Columns: []string{"a"}, Data: [][]any{{"x"}}},
			wantErr: true,
		},
		{
			name:    "ragged row",
			frame:   &Frame{Columns: []string{"a", "b"}, Data: [][]any{{1.0}}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.frame.Matrix()
			if (err != nil) != tt.wantErr {
				t.Errorf("Matrix() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Matrix() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewFrame_Validate(t *testing.T) {
	if _, err := NewFrame([]string{"a", "b"}, [][]any{{1}}); err == nil {
		t.Error("expected error for short row")
	}
	f, err := NewFrame([]string{"a"}, [][]any{{1}, {2}, {3}})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Head(2).NumRows(); got != 2 {
		t.Errorf("Head(2).NumRows() = %d", got)
	}
	if got := f.Head(10).NumRows(); got != 3 {
		t.Errorf("Head(10).NumRows() = %d", got)
	}
}

func TestFrameFromMatrix(t *testing.T) {
	f := FrameFromMatrix(nil, [][]float64{{1, 2}, {3, 4}})
	if !reflect.DeepEqual(f.Columns, []string{"0", "1"}) {
		t.Errorf("Columns = %v", f.Columns)
	}
	col, err := f.Float64Column("1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(col, []float64{2, 4}) {
		t.Errorf("Float64Column() = %v", col)
	}
}

func TestTensor_NestedRoundTrip(t *testing.T) {
	tensor, err := NewTensor([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(tensor.Nested())
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "[[1,2,3],[4,5,6]]" {
		t.Errorf("Nested() json = %s", raw)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	got, err := TensorFromNested(decoded)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, tensor) {
		t.Errorf("TensorFromNested() = %v, want %v", got, tensor)
	}
}

func TestTensorFromNested_Ragged(t *testing.T) {
	if _, err := TensorFromNested([]any{[]any{1.0, 2.0}, []any{3.0}}); err == nil {
		t.Error("expected error for ragged input")
	}
}

func TestNewTensor_ShapeMismatch(t *testing.T) {
	if _, err := NewTensor([]int{2, 2}, []float64{1, 2, 3}); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestTensor_Matrix(t *testing.T) {
	tests := []struct {
		name    string
		tensor  *Tensor
		want    [][]float64
		wantErr bool
	}{
		{name: "vector", tensor: &Tensor{Shape: []int{2}, Data: []float64{1, 2}}, want: [][]float64{{1}, {2}}},
		{name: "matrix", tensor: &Tensor{Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}}, want: [][]float64{{1, 2}, {3, 4}}},
		{name: "too few values", tensor: &Tensor{Shape: []int{2, 3}, Data: []float64{1, 2}}, wantErr: true},
		{name: "short vector", tensor: &Tensor{Shape: []int{3}, Data: []float64{1}}, wantErr: true},
		{name: "negative dimension", tensor: &Tensor{Shape: []int{-1, 2}, Data: []float64{}}, wantErr: true},
		{name: "rank 3", tensor: &Tensor{Shape: []int{1, 1, 1}, Data: []float64{1}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.tensor.Matrix()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Matrix() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Matrix() = %v, want %v", got, tt.want)
			}
		})
	}
}
