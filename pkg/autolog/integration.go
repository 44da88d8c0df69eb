// Package autolog records params, metrics, artifacts and models of training calls
// made through the estimators and nn packages.
package autolog

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"kubegems.io/modelkit/pkg/tracking"
)

// Integration adapts the training calls of one framework.
type Integration interface {
	Name() string
	// Install returns a context routing the framework's training calls through patch.
	Install(ctx context.Context, patch *Patch) context.Context
	// PreTraining queues what is known before training, usually params and tags.
	PreTraining(ctx context.Context, call *Call)
	// PostTraining computes what training produced. Logging a model or creating
	// child runs happens here too, failures go into the result.
	PostTraining(ctx context.Context, call *Call) Result
}

// Call is one intercepted training call and the run it logs to.
type Call struct {
	RunID  string
	Client *tracking.Client
	Queue  *tracking.QueueingClient
	Config Config
	// Log is discarded for silent autologging.
	Log    logr.Logger
	// Args carries the framework specific arguments of the call.
	Args   any
}

func (c *Call) LogParams(params map[string]string) {
	c.Queue.LogParams(tracking.RunID(c.RunID), params)
}

func (c *Call) SetTags(tags map[string]string) {
	c.Queue.SetTags(tracking.RunID(c.RunID), tags)
}

func (c *Call) LogMetric(key string, value float64, step int64) {
	c.Queue.LogMetric(tracking.RunID(c.RunID), tracking.Metric{Key: key, Value: value, Timestamp: tracking.NowMillis(), Step: step})
}

// Result is what a training call produced. Artifacts are written as <name>.json.
type Result struct {
	Metrics   map[string]float64
	Artifacts map[string]any
	// Failures maps the name of a metric, artifact or model that could not be produced to the reason.
	Failures map[string]error
}

func NewResult() Result {
	return Result{Metrics: map[string]float64{}, Artifacts: map[string]any{}, Failures: map[string]error{}}
}

var (
	integrationsMu sync.RWMutex
	integrations   = map[string]Integration{}
)

func Register(integration Integration) {
	integrationsMu.Lock()
	defer integrationsMu.Unlock()
	integrations[integration.Name()] = integration
}

func Lookup(name string) (Integration, bool) {
	integrationsMu.RLock()
	defer integrationsMu.RUnlock()
	integration, ok := integrations[name]
	return integration, ok
}

// Integrations returns the names of the registered integrations, sorted.
func Integrations() []string {
	integrationsMu.RLock()
	defer integrationsMu.RUnlock()
	names := maps.Keys(integrations)
	slices.Sort(names)
	return names
}
