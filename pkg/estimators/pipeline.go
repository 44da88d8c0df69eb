package estimators

import (
	"context"
	"fmt"
	"strings"

	"kubegems.io/modelkit/pkg/errors"
)

func init() {
	Register("Pipeline", func() Estimator { return &Pipeline{} })
}

var (
	_ ProbabilisticClassifier = &Pipeline{}
	_ Scorer                  = &Pipeline{}
)

type Step struct {
	Name      string
	Estimator Estimator
}

// Pipeline chains transformers and a final estimator. Each step is fitted through Fit,
// so fit hooks see the inner estimators too.
type Pipeline struct {
	Steps []Step
}

func NewPipeline(steps ...Step) *Pipeline {
	return &Pipeline{Steps: steps}
}

func (p *Pipeline) Name() string   { return "Pipeline" }
func (p *Pipeline) String() string { return Describe(p) }

func (p *Pipeline) final() Estimator {
	if len(p.Steps) == 0 {
		return nil
	}
	return p.Steps[len(p.Steps)-1].Estimator
}

func (p *Pipeline) Type() EstimatorType {
	if last := p.final(); last != nil {
		return last.Type()
	}
	return ""
}

func (p *Pipeline) CanPredict() bool {
	last := p.final()
	return last != nil && CanPredict(last)
}

func (p *Pipeline) CanPredictProba() bool {
	last := p.final()
	return last != nil && CanPredictProba(last)
}

func (p *Pipeline) GetParams(deep bool) Params {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name
	}
	params := Params{"steps": "[" + strings.Join(names, ", ") + "]"}
	if !deep {
		return params
	}
	for _, s := range p.Steps {
		params[s.Name] = s.Estimator
		for k, v := range s.Estimator.GetParams(true) {
			params[s.Name+"__"+k] = v
		}
	}
	return params
}

func (p *Pipeline) SetParams(params Params) error {
	for k, v := range params {
		stepName, key, ok := strings.Cut(k, "__")
		if !ok {
			return unknownParam(p, k)
		}
		step := p.step(stepName)
		if step == nil {
			return unknownParam(p, k)
		}
		if err := step.SetParams(Params{key: v}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) step(name string) Estimator {
	for _, s := range p.Steps {
		if s.Name == name {
			return s.Estimator
		}
	}
	return nil
}

func (p *Pipeline) Clone() Estimator {
	steps := make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = Step{Name: s.Name, Estimator: s.Estimator.Clone()}
	}
	return &Pipeline{Steps: steps}
}

func (p *Pipeline) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if len(p.Steps) == 0 {
		return errors.NewInvalidParameterError("pipeline has no steps")
	}
	Xt := X
	for _, s := range p.Steps[:len(p.Steps)-1] {
		t, ok := s.Estimator.(Transformer)
		if !ok {
			return errors.NewInvalidParameterError(fmt.Sprintf("all intermediate steps should be transformers, '%s' is not", s.Name))
		}
		if err := Fit(ctx, t, Xt, y); err != nil {
			return err
		}
		var err error
		if Xt, err = t.Transform(Xt); err != nil {
			return err
		}
	}
	return Fit(ctx, p.final(), Xt, y)
}

func (p *Pipeline) transform(X [][]float64) ([][]float64, error) {
	Xt := X
	for _, s := range p.Steps[:len(p.Steps)-1] {
		t, ok := s.Estimator.(Transformer)
		if !ok {
			return nil, errors.NewInvalidParameterError(fmt.Sprintf("step '%s' is not a transformer", s.Name))
		}
		var err error
		if Xt, err = t.Transform(Xt); err != nil {
			return nil, err
		}
	}
	return Xt, nil
}

func (p *Pipeline) Predict(X [][]float64) ([]float64, error) {
	last, ok := p.final().(Predictor)
	if !ok {
		return nil, errors.NewUnsupportedError("the final step of the pipeline cannot predict")
	}
	Xt, err := p.transform(X)
	if err != nil {
		return nil, err
	}
	return last.Predict(Xt)
}

func (p *Pipeline) PredictProba(X [][]float64) ([][]float64, error) {
	last, ok := p.final().(ProbabilisticClassifier)
	if !ok {
		return nil, errors.NewUnsupportedError("the final step of the pipeline has no predict_proba")
	}
	Xt, err := p.transform(X)
	if err != nil {
		return nil, err
	}
	return last.PredictProba(Xt)
}

func (p *Pipeline) Classes() []float64 {
	if c, ok := p.final().(Classifier); ok {
		return c.Classes()
	}
	return nil
}

func (p *Pipeline) Score(X [][]float64, y []float64, sampleWeight []float64) (float64, error) {
	last, ok := p.final().(Scorer)
	if !ok {
		return 0, errors.NewUnsupportedError("the final step of the pipeline has no score")
	}
	Xt, err := p.transform(X)
	if err != nil {
		return 0, err
	}
	return last.Score(Xt, y, sampleWeight)
}
