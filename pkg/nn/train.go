package nn

import (
	"context"
	"fmt"
	"math/rand"

	"kubegems.io/modelkit/pkg/errors"
)

type TrainOptions struct {
	Epochs       int
	LearningRate float64
	BatchSize    int
	// Seed shuffles samples between epochs; zero keeps the input order.
	Seed      int64
	Callbacks []EpochCallback
}

func NewDefaultTrainOptions() TrainOptions {
	return TrainOptions{Epochs: 10, LearningRate: 0.01, BatchSize: 32}
}

// EpochCallback is called after every epoch with its mean squared error; an error stops training.
type EpochCallback func(ctx context.Context, epoch int, loss float64) error

type History struct {
	Loss []float64
}

type TrainFunc func(ctx context.Context, net *Network, X, y [][]float64, opts TrainOptions) (*History, error)

// TrainHook wraps every Train call made with the context.
type TrainHook func(ctx context.Context, net *Network, X, y [][]float64, opts TrainOptions, next TrainFunc) (*History, error)

type trainHookKey struct{}

// WithTrainHook installs hook outside of the hooks already carried by ctx.
func WithTrainHook(ctx context.Context, hook TrainHook) context.Context {
	hooks, _ := ctx.Value(trainHookKey{}).([]TrainHook)
	next := append([]TrainHook{hook}, hooks...)
	return context.WithValue(ctx, trainHookKey{}, next)
}

// Train fits net to y with mini batch gradient descent on the mean squared error.
func Train(ctx context.Context, net *Network, X, y [][]float64, opts TrainOptions) (*History, error) {
	hooks, _ := ctx.Value(trainHookKey{}).([]TrainHook)
	return chain(hooks)(ctx, net, X, y, opts)
}

func chain(hooks []TrainHook) TrainFunc {
	if len(hooks) == 0 {
		return train
	}
	return func(ctx context.Context, net *Network, X, y [][]float64, opts TrainOptions) (*History, error) {
		return hooks[0](ctx, net, X, y, opts, chain(hooks[1:]))
	}
}

func train(ctx context.Context, net *Network, X, y [][]float64, opts TrainOptions) (*History, error) {
	if err := net.Validate(); err != nil {
		return nil, err
	}
	if err := net.checkInput(X); err != nil {
		return nil, err
	}
	if len(X) == 0 || len(X) != len(y) {
		return nil, errors.NewInvalidParameterError(fmt.Sprintf("found input variables with inconsistent numbers of samples: [%d, %d]", len(X), len(y)))
	}
	for i, row := range y {
		if len(row) != net.OutputSize() {
			return nil, errors.NewInvalidParameterError(fmt.Sprintf("target row %d has %d values, network outputs %d", i, len(row), net.OutputSize()))
		}
	}
	if opts.Epochs <= 0 || opts.LearningRate <= 0 {
		return nil, errors.NewInvalidParameterError(fmt.Sprintf("epochs and learning rate must be positive, got %d and %v", opts.Epochs, opts.LearningRate))
	}
	batch := opts.BatchSize
	if batch <= 0 || batch > len(X) {
		batch = len(X)
	}

	order := make([]int, len(X))
	for i := range order {
		order[i] = i
	}
	var rng *rand.Rand
	if opts.Seed != 0 {
		rng = rand.New(rand.NewSource(opts.Seed))
	}
	grads := newGradients(net)
	history := &History{}
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}
		if rng != nil {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		total := 0.0
		for start := 0; start < len(order); start += batch {
			end := start + batch
			if end > len(order) {
				end = len(order)
			}
			grads.reset()
			for _, idx := range order[start:end] {
				total += grads.accumulate(net, X[idx], y[idx])
			}
			grads.apply(net, opts.LearningRate/float64(end-start))
			net.Step++
		}
		loss := total / float64(len(X))
		history.Loss = append(history.Loss, loss)
		for _, cb := range opts.Callbacks {
			if err := cb(ctx, epoch, loss); err != nil {
				return history, err
			}
		}
	}
	return history, nil
}

type gradients struct {
	weights [][][]float64
	bias    [][]float64
}

func newGradients(net *Network) *gradients {
	g := &gradients{}
	for _, l := range net.Layers {
		w := make([][]float64, l.Out)
		for i := range w {
			w[i] = make([]float64, l.In)
		}
		g.weights = append(g.weights, w)
		g.bias = append(g.bias, make([]float64, l.Out))
	}
	return g
}

func (g *gradients) reset() {
	for l := range g.weights {
		for i := range g.weights[l] {
			for j := range g.weights[l][i] {
				g.weights[l][i][j] = 0
			}
			g.bias[l][i] = 0
		}
	}
}

// accumulate backpropagates one sample and returns its loss.
func (g *gradients) accumulate(net *Network, x, target []float64) float64 {
	acts := net.activations(x)
	out := acts[len(acts)-1]
	outputs := float64(len(out))

	loss := 0.0
	delta := make([]float64, len(out))
	last := net.Layers[len(net.Layers)-1]
	for i := range out {
		diff := out[i] - target[i]
		loss += diff * diff / outputs
		delta[i] = 2 * diff / outputs * last.Activation.derivative(out[i])
	}
	for l := len(net.Layers) - 1; l >= 0; l-- {
		layer, input := net.Layers[l], acts[l]
		for i := range delta {
			for j := range input {
				g.weights[l][i][j] += delta[i] * input[j]
			}
			g.bias[l][i] += delta[i]
		}
		if l == 0 {
			break
		}
		prev := make([]float64, layer.In)
		below := net.Layers[l-1]
		for j := range prev {
			sum := 0.0
			for i := range delta {
				sum += layer.Weights[i][j] * delta[i]
			}
			prev[j] = sum * below.Activation.derivative(input[j])
		}
		delta = prev
	}
	return loss
}

func (g *gradients) apply(net *Network, scale float64) {
	for l, layer := range net.Layers {
		for i := range layer.Weights {
			for j := range layer.Weights[i] {
				layer.Weights[i][j] -= scale * g.weights[l][i][j]
			}
			layer.Bias[i] -= scale * g.bias[l][i]
		}
	}
}
