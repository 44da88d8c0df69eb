package network

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"kubegems.io/modelkit/pkg/data"
	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/inference"
	"kubegems.io/modelkit/pkg/models"
	"kubegems.io/modelkit/pkg/nn"
	"kubegems.io/modelkit/pkg/tracking"
	"kubegems.io/modelkit/pkg/tracking/trackingtest"
)

func trainedNetwork(t *testing.T, outputs int) (*nn.Network, [][]float64) {
	t.Helper()
	X := [][]float64{{0, 0}, {0, 1}, {1, 0}, {1, 1}}
	y := make([][]float64, len(X))
	for i, row := range X {
		y[i] = make([]float64, outputs)
		for j := range y[i] {
			y[i][j] = row[0] + float64(j)*row[1]
		}
	}
	net, err := nn.NewNetwork(5, []int{2, 4, outputs}, nn.ReLU, nn.Identity)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := nn.Train(context.Background(), net, X, y, nn.TrainOptions{Epochs: 20, LearningRate: 0.05}); err != nil {
		t.Fatal(err)
	}
	return net, X
}

func assertClose(t *testing.T, got, want [][]float64) {
	t.Helper()
	for i := range want {
		for j := range want[i] {
			if math.Abs(got[i][j]-want[i][j]) > 1e-9 {
				t.Errorf("output[%d][%d] = %v, want %v", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestSaveLoadModel(t *testing.T) {
	ctx := context.Background()
	net, X := trainedNetwork(t, 1)
	want, _ := net.Predict(X)

	path := filepath.Join(t.TempDir(), "model")
	if err := SaveModel(ctx, net, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadModel(ctx, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := loaded.Predict(X)
	assertClose(t, got, want)

	if _, err := os.Stat(filepath.Join(path, modelDataDir, paramsFileName)); !os.IsNotExist(err) {
		t.Errorf("params saved without training: %v", err)
	}
	skeleton, _ := nn.NewNetwork(1, []int{2, 4, 1}, nn.ReLU, nn.Identity)
	if _, err := LoadModel(ctx, path, nil, WithSkeleton(skeleton)); !apierrors.IsErrCode(err, apierrors.ErrCodeInvalidParameterValue) {
		t.Errorf("LoadModel() with skeleton and no params error = %v", err)
	}
	if err := SaveModel(ctx, net, path); !apierrors.IsErrCode(err, apierrors.ErrCodeResourceAlreadyExists) {
		t.Errorf("second SaveModel() error = %v", err)
	}
}

func TestSaveModel_Training(t *testing.T) {
	ctx := context.Background()
	net, X := trainedNetwork(t, 1)
	want, _ := net.Predict(X)

	path := filepath.Join(t.TempDir(), "model")
	if err := SaveModel(ctx, net, path, WithTraining(true)); err != nil {
		t.Fatal(err)
	}
	conf, err := models.GetFlavorConfiguration(path, FlavorName)
	if err != nil {
		t.Fatal(err)
	}
	if conf["training"] != true || conf["model_data"] != modelDataDir {
		t.Errorf("flavor config = %v", conf)
	}
	skeleton, _ := nn.NewNetwork(1, []int{2, 4, 1}, nn.ReLU, nn.Identity)
	loaded, err := LoadModel(ctx, path, nil, WithSkeleton(skeleton))
	if err != nil {
		t.Fatal(err)
	}
	if loaded != skeleton || skeleton.Step != net.Step {
		t.Errorf("skeleton not loaded in place, step = %d want %d", skeleton.Step, net.Step)
	}
	got, _ := skeleton.Predict(X)
	assertClose(t, got, want)
}

func TestInferenceModel(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		outputs int
		columns []string
	}{
		{name: "single output is squeezed", outputs: 1, columns: []string{"prediction"}},
		{name: "multiple outputs", outputs: 2, columns: []string{"0", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net, X := trainedNetwork(t, tt.outputs)
			path := filepath.Join(t.TempDir(), "model")
			if err := SaveModel(ctx, net, path); err != nil {
				t.Fatal(err)
			}
			m, err := inference.Load(ctx, path, nil)
			if err != nil {
				t.Fatal(err)
			}
			out, err := m.Predict(ctx, data.TensorFromMatrix(X))
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(out.Columns, tt.columns) || out.NumRows() != len(X) {
				t.Errorf("predictions = %v", out)
			}
			for _, input := range []any{[]any{1.0, 2.0}, map[string]any{"x": 1.0}} {
				_, err := m.Predict(ctx, input)
				if err == nil || err.Error() != "INVALID_PARAMETER_VALUE: The network flavor does not support list or map input types" {
					t.Errorf("Predict(%T) error = %v", input, err)
				}
			}
		})
	}
}

func TestLogModel(t *testing.T) {
	ctx := context.Background()
	client := trackingtest.NewClient(t)
	run, err := client.CreateRun(ctx, "", tracking.CreateRunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	net, X := trainedNetwork(t, 1)
	if _, err := LogModel(ctx, client, run.Info.RunID, net, "model", WithTraining(true)); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadModel(ctx, "runs:/"+run.Info.RunID+"/model", client)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := net.Predict(X)
	got, _ := loaded.Predict(X)
	assertClose(t, got, want)
}
