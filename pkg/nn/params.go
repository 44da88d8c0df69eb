package nn

import (
	"encoding/gob"
	"fmt"
	"io"

	"golang.org/x/exp/slices"

	"kubegems.io/modelkit/pkg/errors"
)

type paramState struct {
	Sizes   []int
	Weights [][][]float64
	Bias    [][]float64
	Step    int
}

// SaveParams writes the trainable params and optimizer step of net with encoding/gob.
func SaveParams(w io.Writer, net *Network) error {
	state := paramState{Sizes: net.Sizes(), Step: net.Step}
	for _, l := range net.Layers {
		state.Weights = append(state.Weights, l.Weights)
		state.Bias = append(state.Bias, l.Bias)
	}
	return gob.NewEncoder(w).Encode(state)
}

// LoadParams reads params saved by SaveParams into net, whose layer sizes must match.
func LoadParams(r io.Reader, net *Network) error {
	state := paramState{}
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return fmt.Errorf("decode network params: %w", err)
	}
	if !slices.Equal(state.Sizes, net.Sizes()) {
		return errors.NewInvalidParameterError(fmt.Sprintf("params were saved for layer sizes %v, network has %v", state.Sizes, net.Sizes()))
	}
	for i, l := range net.Layers {
		l.Weights, l.Bias = state.Weights[i], state.Bias[i]
	}
	net.Step = state.Step
	return net.Validate()
}
