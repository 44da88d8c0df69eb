package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// RunRef names the run an operation applies to: a RunID or a *PendingRunID.
type RunRef interface {
	resolvedID() (string, bool)
}

type RunID string

func (r RunID) resolvedID() (string, bool) {
	return string(r), r != ""
}

// PendingRunID stands for a run whose creation is queued; it is resolved by the flush creating the run.
type PendingRunID struct {
	mu       sync.RWMutex
	id       string
	resolved bool
}

func (p *PendingRunID) resolvedID() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id, p.resolved
}

// ID returns the created run id, empty before the run has been created.
func (p *PendingRunID) ID() string {
	id, _ := p.resolvedID()
	return id
}

func (p *PendingRunID) resolve(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id, p.resolved = id, true
}

// PendingOperation is the handle of a flush.
type PendingOperation struct {
	once sync.Once
	wait func() error
	err  error
}

// Await blocks until the flush completes and reports its failures.
func (o *PendingOperation) Await() error {
	o.once.Do(func() { o.err = o.wait() })
	return o.err
}

type queuedRun struct {
	ref          *PendingRunID
	experimentID string
	opts         CreateRunOptions
}

type queuedOperations struct {
	metrics   []Metric
	params    []Param
	tags      []RunTag
	terminate *RunStatus
	endTime   int64
}

// QueueingClient buffers run creation and logging until Flush.
// Operations on one run are sent in the order they were queued.
type QueueingClient struct {
	Client *Client

	mu      sync.Mutex
	created []queuedRun
	order   []RunRef
	ops     map[RunRef]*queuedOperations
	last    *PendingOperation
}

func NewQueueingClient(client *Client) *QueueingClient {
	return &QueueingClient{Client: client, ops: map[RunRef]*queuedOperations{}}
}

// CreateRun queues a run creation and returns its placeholder id.
func (q *QueueingClient) CreateRun(experimentID string, opts CreateRunOptions) *PendingRunID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ref := &PendingRunID{}
	q.created = append(q.created, queuedRun{ref: ref, experimentID: experimentID, opts: opts})
	return ref
}

func (q *QueueingClient) LogParams(run RunRef, params map[string]string) {
	q.enqueue(run, func(o *queuedOperations) { o.params = append(o.params, ParamsFromMap(params)...) })
}

func (q *QueueingClient) LogMetrics(run RunRef, metrics map[string]float64, step int64) {
	ts := NowMillis()
	q.enqueue(run, func(o *queuedOperations) { o.metrics = append(o.metrics, MetricsFromMap(metrics, ts, step)...) })
}

func (q *QueueingClient) LogMetric(run RunRef, metric Metric) {
	q.enqueue(run, func(o *queuedOperations) { o.metrics = append(o.metrics, metric) })
}

func (q *QueueingClient) SetTags(run RunRef, tags map[string]string) {
	q.enqueue(run, func(o *queuedOperations) { o.tags = append(o.tags, TagsFromMap(tags)...) })
}

// SetTerminated queues the end of a run, sent after every queued batch of the run.
func (q *QueueingClient) SetTerminated(run RunRef, status RunStatus, endTime int64) {
	q.enqueue(run, func(o *queuedOperations) {
		o.terminate = &status
		o.endTime = endTime
	})
}

func (q *QueueingClient) enqueue(run RunRef, fn func(*queuedOperations)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ops == nil {
		q.ops = map[RunRef]*queuedOperations{}
	}
	ops, ok := q.ops[run]
	if !ok {
		ops = &queuedOperations{}
		q.ops[run] = ops
		q.order = append(q.order, run)
	}
	fn(ops)
}

// Flush sends everything queued so far. Pending runs are created first, in creation order.
// A synchronous flush completes before returning; otherwise the returned operation must be awaited.
// Flushes run one after another, so a flush sees the runs created by earlier ones.
func (q *QueueingClient) Flush(ctx context.Context, synchronous bool) *PendingOperation {
	q.mu.Lock()
	created, order, ops, prev := q.created, q.order, q.ops, q.last
	q.created, q.order, q.ops = nil, nil, map[RunRef]*queuedOperations{}

	do := func() error {
		if prev != nil {
			// failures are reported by the earlier flush
			_ = prev.Await()
		}
		return q.send(ctx, created, order, ops)
	}
	op := &PendingOperation{wait: do}
	if !synchronous {
		g := &errgroup.Group{}
		g.Go(do)
		op.wait = g.Wait
	}
	q.last = op
	q.mu.Unlock()
	if synchronous {
		op.Await()
	}
	return op
}

func (q *QueueingClient) send(ctx context.Context, created []queuedRun, order []RunRef, ops map[RunRef]*queuedOperations) error {
	log := logr.FromContextOrDiscard(ctx)
	var errs []error
	for _, c := range created {
		run, err := q.Client.CreateRun(ctx, c.experimentID, c.opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("create run: %w", err))
			continue
		}
		c.ref.resolve(run.Info.RunID)
	}
	for _, ref := range order {
		runID, ok := ref.resolvedID()
		if !ok {
			errs = append(errs, fmt.Errorf("run was never created, dropping its queued operations"))
			continue
		}
		o := ops[ref]
		if err := q.Client.LogBatch(ctx, runID, o.metrics, o.params, o.tags); err != nil {
			errs = append(errs, fmt.Errorf("log batch of run %s: %w", runID, err))
			continue
		}
		if o.terminate != nil {
			if err := q.Client.SetTerminated(ctx, runID, *o.terminate, o.endTime); err != nil {
				errs = append(errs, fmt.Errorf("terminate run %s: %w", runID, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Error(err, "flushing queued tracking operations")
		return err
	}
	return nil
}
