package data

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Frame is a table in split orientation.
type Frame struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

func NewFrame(columns []string, rows [][]any) (*Frame, error) {
	f := &Frame{Columns: columns, Data: rows}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// FrameFromMatrix names columns "0", "1", ... when columns is empty.
func FrameFromMatrix(columns []string, x [][]float64) *Frame {
	if len(columns) == 0 && len(x) > 0 {
		columns = make([]string, len(x[0]))
		for i := range columns {
			columns[i] = strconv.Itoa(i)
		}
	}
	rows := make([][]any, len(x))
	for i, row := range x {
		rows[i] = make([]any, len(row))
		for j, v := range row {
			rows[i][j] = v
		}
	}
	return &Frame{Columns: columns, Data: rows}
}

// FrameFromColumn builds a single column frame.
func FrameFromColumn(name string, values []float64) *Frame {
	rows := make([][]any, len(values))
	for i, v := range values {
		rows[i] = []any{v}
	}
	return &Frame{Columns: []string{name}, Data: rows}
}

func (f *Frame) Validate() error {
	for i, row := range f.Data {
		if len(row) != len(f.Columns) {
			return fmt.Errorf("row %d has %d values, expected %d columns", i, len(row), len(f.Columns))
		}
	}
	return nil
}

func (f *Frame) NumRows() int {
	return len(f.Data)
}

func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns the values of the named column.
func (f *Frame) Column(name string) ([]any, bool) {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return nil, false
	}
	out := make([]any, len(f.Data))
	for i, row := range f.Data {
		out[i] = row[idx]
	}
	return out, true
}

// Head returns a frame sharing the first n rows.
func (f *Frame) Head(n int) *Frame {
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return &Frame{Columns: f.Columns, Data: f.Data[:n]}
}

// Matrix converts all cells to float64.
func (f *Frame) Matrix() ([][]float64, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(f.Data))
	for i, row := range f.Data {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			fv, err := ToFloat(v)
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", f.Columns[j], i, err)
			}
			out[i][j] = fv
		}
	}
	return out, nil
}

// Float64Column returns a numeric column, or the only column when name is empty.
func (f *Frame) Float64Column(name string) ([]float64, error) {
	idx := 0
	if name != "" {
		if idx = f.ColumnIndex(name); idx < 0 {
			return nil, fmt.Errorf("column %q not found", name)
		}
	} else if len(f.Columns) != 1 {
		return nil, fmt.Errorf("frame has %d columns, expected one", len(f.Columns))
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	out := make([]float64, len(f.Data))
	for i, row := range f.Data {
		v, err := ToFloat(row[idx])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func ToFloat(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return val.Float64()
	default:
		return 0, fmt.Errorf("value %v of type %T is not numeric", v, v)
	}
}

// Tensor is a dense row-major array of float64.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

func NewTensor(shape []int, values []float64) (*Tensor, error) {
	t := &Tensor{Shape: shape, Data: values}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that the shape is non negative and holds exactly the values of Data.
func (t *Tensor) Validate() error {
	size := 1
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("invalid dimension %d in shape %v", d, t.Shape)
		}
		size *= d
	}
	if size != len(t.Data) {
		return fmt.Errorf("shape %v requires %d values, got %d", t.Shape, size, len(t.Data))
	}
	return nil
}

func TensorFromMatrix(x [][]float64) *Tensor {
	if len(x) == 0 {
		return &Tensor{Shape: []int{0, 0}}
	}
	cols := len(x[0])
	values := make([]float64, 0, len(x)*cols)
	for _, row := range x {
		values = append(values, row...)
	}
	return &Tensor{Shape: []int{len(x), cols}, Data: values}
}

// Matrix views a tensor as rows; 1-D tensors become a single column.
func (t *Tensor) Matrix() ([][]float64, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	switch len(t.Shape) {
	case 1:
		out := make([][]float64, t.Shape[0])
		for i := range out {
			out[i] = []float64{t.Data[i]}
		}
		return out, nil
	case 2:
		rows, cols := t.Shape[0], t.Shape[1]
		out := make([][]float64, rows)
		for i := range out {
			out[i] = t.Data[i*cols : (i+1)*cols]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor of rank %d can not be viewed as a matrix", len(t.Shape))
	}
}

// Nested returns the tensor as nested slices, used for json encoding.
func (t *Tensor) Nested() any {
	if len(t.Shape) == 0 {
		if len(t.Data) == 1 {
			return t.Data[0]
		}
		return []float64{}
	}
	var build func(dim, offset int) (any, int)
	build = func(dim, offset int) (any, int) {
		if dim == len(t.Shape)-1 {
			n := t.Shape[dim]
			return append([]float64{}, t.Data[offset:offset+n]...), offset + n
		}
		out := make([]any, t.Shape[dim])
		for i := range out {
			out[i], offset = build(dim+1, offset)
		}
		return out, offset
	}
	out, _ := build(0, 0)
	return out
}

// TensorFromNested parses nested json arrays of numbers.
func TensorFromNested(v any) (*Tensor, error) {
	shape := []int{}
	for cur := v; ; {
		arr, ok := cur.([]any)
		if !ok {
			break
		}
		shape = append(shape, len(arr))
		if len(arr) == 0 {
			break
		}
		cur = arr[0]
	}
	values := []float64{}
	var walk func(dim int, cur any) error
	walk = func(dim int, cur any) error {
		if dim == len(shape) {
			f, err := ToFloat(cur)
			if err != nil {
				return err
			}
			values = append(values, f)
			return nil
		}
		arr, ok := cur.([]any)
		if !ok || len(arr) != shape[dim] {
			return fmt.Errorf("ragged tensor at dimension %d", dim)
		}
		for _, item := range arr {
			if err := walk(dim+1, item); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(0, v); err != nil {
		return nil, err
	}
	return &Tensor{Shape: shape, Data: values}, nil
}
