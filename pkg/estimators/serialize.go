package estimators

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"

	"kubegems.io/modelkit/pkg/data"
)

func init() {
	gob.Register(&LinearRegression{})
	gob.Register(&LogisticRegression{})
	gob.Register(&StandardScaler{})
	gob.Register(&Pipeline{})
	gob.Register(&GridSearchCV{})
	gob.Register(Params{})
}

type gobBundle struct {
	Estimator Estimator
}

// EncodeGob writes est with encoding/gob. Only registered estimator types can be encoded.
func EncodeGob(w io.Writer, est Estimator) error {
	if err := gob.NewEncoder(w).Encode(gobBundle{Estimator: est}); err != nil {
		return fmt.Errorf("failed to encode estimator: %w", err)
	}
	return nil
}

func DecodeGob(r io.Reader) (Estimator, error) {
	bundle := gobBundle{}
	if err := gob.NewDecoder(r).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to decode estimator: %w", err)
	}
	return bundle.Estimator, nil
}

type envelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalEstimator encodes est as {"type": <name>, "value": <fields>}.
func MarshalEstimator(est Estimator) ([]byte, error) {
	if est == nil {
		return []byte("null"), nil
	}
	value, err := json.Marshal(est)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: est.Name(), Value: value})
}

func UnmarshalEstimator(raw []byte) (Estimator, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	env := envelope{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	est, err := New(env.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Value, est); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return est, nil
}

type stepJSON struct {
	Name      string          `json:"name"`
	Estimator json.RawMessage `json:"estimator"`
}

func (p *Pipeline) MarshalJSON() ([]byte, error) {
	steps := make([]stepJSON, len(p.Steps))
	for i, s := range p.Steps {
		raw, err := MarshalEstimator(s.Estimator)
		if err != nil {
			return nil, err
		}
		steps[i] = stepJSON{Name: s.Name, Estimator: raw}
	}
	return json.Marshal(map[string]any{"steps": steps})
}

func (p *Pipeline) UnmarshalJSON(raw []byte) error {
	doc := struct {
		Steps []stepJSON `json:"steps"`
	}{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	p.Steps = make([]Step, len(doc.Steps))
	for i, s := range doc.Steps {
		est, err := UnmarshalEstimator(s.Estimator)
		if err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
		p.Steps[i] = Step{Name: s.Name, Estimator: est}
	}
	return nil
}

type gridSearchJSON struct {
	Estimator     json.RawMessage  `json:"estimator"`
	ParamGrid     map[string][]any `json:"param_grid"`
	CV            int              `json:"cv"`
	Scoring       string           `json:"scoring,omitempty"`
	Refit         bool             `json:"refit"`
	BestEstimator json.RawMessage  `json:"best_estimator"`
	BestParams    Params           `json:"best_params,omitempty"`
	BestScore     float64          `json:"best_score"`
	BestIndex     int              `json:"best_index"`
	CVResults     *data.Frame      `json:"cv_results,omitempty"`
}

func (g *GridSearchCV) MarshalJSON() ([]byte, error) {
	est, err := MarshalEstimator(g.Estimator)
	if err != nil {
		return nil, err
	}
	best, err := MarshalEstimator(g.BestEstimator)
	if err != nil {
		return nil, err
	}
	return json.Marshal(gridSearchJSON{
		Estimator:     est,
		ParamGrid:     g.ParamGrid,
		CV:            g.CV,
		Scoring:       g.Scoring,
		Refit:         g.Refit,
		BestEstimator: best,
		BestParams:    g.BestParams,
		BestScore:     g.BestScore,
		BestIndex:     g.BestIndex,
		CVResults:     g.CVResults,
	})
}

func (g *GridSearchCV) UnmarshalJSON(raw []byte) error {
	doc := gridSearchJSON{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	est, err := UnmarshalEstimator(doc.Estimator)
	if err != nil {
		return err
	}
	best, err := UnmarshalEstimator(doc.BestEstimator)
	if err != nil {
		return err
	}
	*g = GridSearchCV{
		Estimator:     est,
		ParamGrid:     doc.ParamGrid,
		CV:            doc.CV,
		Scoring:       doc.Scoring,
		Refit:         doc.Refit,
		BestEstimator: best,
		BestParams:    doc.BestParams,
		BestScore:     doc.BestScore,
		BestIndex:     doc.BestIndex,
		CVResults:     doc.CVResults,
	}
	return nil
}
