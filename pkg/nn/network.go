// Package nn implements small feed-forward networks trained with stochastic gradient descent.
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"kubegems.io/modelkit/pkg/errors"
)

type Activation string

const (
	ReLU     Activation = "relu"
	Sigmoid  Activation = "sigmoid"
	Identity Activation = "identity"
)

func (a Activation) Validate() error {
	switch a {
	case ReLU, Sigmoid, Identity:
		return nil
	default:
		return errors.NewInvalidParameterError(fmt.Sprintf("unknown activation %q, supported: relu, sigmoid, identity", a))
	}
}

func (a Activation) apply(z float64) float64 {
	switch a {
	case ReLU:
		return math.Max(0, z)
	case Sigmoid:
		return 1 / (1 + math.Exp(-z))
	default:
		return z
	}
}

// derivative is expressed in terms of the activation output.
func (a Activation) derivative(out float64) float64 {
	switch a {
	case ReLU:
		if out > 0 {
			return 1
		}
		return 0
	case Sigmoid:
		return out * (1 - out)
	default:
		return 1
	}
}

// Dense is a fully connected layer; Weights has one row of In values per output.
type Dense struct {
	In         int         `json:"in"`
	Out        int         `json:"out"`
	Activation Activation  `json:"activation"`
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
}

// NewDense initializes weights with Xavier uniform values and zero bias.
func NewDense(in, out int, activation Activation, rng *rand.Rand) *Dense {
	limit := math.Sqrt(6 / float64(in+out))
	weights := make([][]float64, out)
	for i := range weights {
		weights[i] = make([]float64, in)
		for j := range weights[i] {
			weights[i][j] = (rng.Float64()*2 - 1) * limit
		}
	}
	return &Dense{In: in, Out: out, Activation: activation, Weights: weights, Bias: make([]float64, out)}
}

func (d *Dense) forward(x []float64, into []float64) {
	for i, w := range d.Weights {
		into[i] = d.Activation.apply(floats.Dot(w, x) + d.Bias[i])
	}
}

type Network struct {
	Layers []*Dense `json:"layers"`
	// Step counts optimizer updates; it is kept with the training params only.
	Step int `json:"-"`
}

// NewNetwork builds layers between consecutive sizes, hidden layers use hidden and the last one output.
func NewNetwork(seed int64, sizes []int, hidden, output Activation) (*Network, error) {
	if len(sizes) < 2 {
		return nil, errors.NewInvalidParameterError("a network needs at least an input and an output size")
	}
	for _, a := range []Activation{hidden, output} {
		if err := a.Validate(); err != nil {
			return nil, err
		}
	}
	rng := rand.New(rand.NewSource(seed))
	net := &Network{}
	for i := 0; i < len(sizes)-1; i++ {
		if sizes[i] <= 0 || sizes[i+1] <= 0 {
			return nil, errors.NewInvalidParameterError(fmt.Sprintf("layer sizes must be positive: %v", sizes))
		}
		act := hidden
		if i == len(sizes)-2 {
			act = output
		}
		net.Layers = append(net.Layers, NewDense(sizes[i], sizes[i+1], act, rng))
	}
	return net, nil
}

// Sizes returns the input size followed by every layer's output size.
func (n *Network) Sizes() []int {
	if len(n.Layers) == 0 {
		return nil
	}
	sizes := []int{n.Layers[0].In}
	for _, l := range n.Layers {
		sizes = append(sizes, l.Out)
	}
	return sizes
}

func (n *Network) InputSize() int {
	if len(n.Layers) == 0 {
		return 0
	}
	return n.Layers[0].In
}

func (n *Network) OutputSize() int {
	if len(n.Layers) == 0 {
		return 0
	}
	return n.Layers[len(n.Layers)-1].Out
}

// Validate checks that layer shapes chain and match their weights.
func (n *Network) Validate() error {
	if len(n.Layers) == 0 {
		return errors.NewInvalidParameterError("network has no layers")
	}
	for i, l := range n.Layers {
		if err := l.Activation.Validate(); err != nil {
			return err
		}
		if i > 0 && n.Layers[i-1].Out != l.In {
			return errors.NewInvalidParameterError(fmt.Sprintf("layer %d expects %d inputs, previous layer has %d outputs", i, l.In, n.Layers[i-1].Out))
		}
		if len(l.Weights) != l.Out || len(l.Bias) != l.Out {
			return errors.NewInvalidParameterError(fmt.Sprintf("layer %d has %d weight rows and %d biases, expected %d", i, len(l.Weights), len(l.Bias), l.Out))
		}
		for _, row := range l.Weights {
			if len(row) != l.In {
				return errors.NewInvalidParameterError(fmt.Sprintf("layer %d has a weight row of %d values, expected %d", i, len(row), l.In))
			}
		}
	}
	return nil
}

// activations returns the input followed by every layer output for x.
func (n *Network) activations(x []float64) [][]float64 {
	outs := make([][]float64, len(n.Layers)+1)
	outs[0] = x
	for i, l := range n.Layers {
		outs[i+1] = make([]float64, l.Out)
		l.forward(outs[i], outs[i+1])
	}
	return outs
}

func (n *Network) Predict(X [][]float64) ([][]float64, error) {
	if err := n.checkInput(X); err != nil {
		return nil, err
	}
	out := make([][]float64, len(X))
	for i, row := range X {
		acts := n.activations(row)
		out[i] = acts[len(acts)-1]
	}
	return out, nil
}

func (n *Network) checkInput(X [][]float64) error {
	if len(n.Layers) == 0 {
		return errors.NewInvalidParameterError("network has no layers")
	}
	for i, row := range X {
		if len(row) != n.InputSize() {
			return errors.NewInvalidParameterError(fmt.Sprintf("input row %d has %d features, network expects %d", i, len(row), n.InputSize()))
		}
	}
	return nil
}
