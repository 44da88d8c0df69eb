package tracking

import (
	"time"

	"golang.org/x/exp/slices"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusScheduled RunStatus = "SCHEDULED"
	RunStatusFinished  RunStatus = "FINISHED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusKilled    RunStatus = "KILLED"
)

func (s RunStatus) IsTerminated() bool {
	return s == RunStatusFinished || s == RunStatusFailed || s == RunStatusKilled
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusScheduled, RunStatusFinished, RunStatusFailed, RunStatusKilled:
		return true
	}
	return false
}

const (
	LifecycleStageActive  = "active"
	LifecycleStageDeleted = "deleted"
)

const (
	DefaultExperimentID   = "0"
	DefaultExperimentName = "Default"
)

type Experiment struct {
	ExperimentID     string            `json:"experiment_id"`
	Name             string            `json:"name"`
	ArtifactLocation string            `json:"artifact_location"`
	LifecycleStage   string            `json:"lifecycle_stage"`
	Tags             map[string]string `json:"tags,omitempty"`
	CreationTime     int64             `json:"creation_time,omitempty"`
}

type RunInfo struct {
	RunID          string    `json:"run_id"`
	ExperimentID   string    `json:"experiment_id"`
	RunName        string    `json:"run_name,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Status         RunStatus `json:"status"`
	StartTime      int64     `json:"start_time"`
	EndTime        int64     `json:"end_time,omitempty"`
	ArtifactURI    string    `json:"artifact_uri"`
	LifecycleStage string    `json:"lifecycle_stage"`
}

type Metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type RunTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RunData holds the latest value of every metric, all params and tags.
type RunData struct {
	Metrics []Metric `json:"metrics,omitempty"`
	Params  []Param  `json:"params,omitempty"`
	Tags    []RunTag `json:"tags,omitempty"`
}

type Run struct {
	Info RunInfo `json:"info"`
	Data RunData `json:"data"`
}

func (d RunData) ParamsMap() map[string]string {
	out := make(map[string]string, len(d.Params))
	for _, p := range d.Params {
		out[p.Key] = p.Value
	}
	return out
}

func (d RunData) MetricsMap() map[string]float64 {
	out := make(map[string]float64, len(d.Metrics))
	for _, m := range d.Metrics {
		out[m.Key] = m.Value
	}
	return out
}

func (d RunData) TagsMap() map[string]string {
	out := make(map[string]string, len(d.Tags))
	for _, t := range d.Tags {
		out[t.Key] = t.Value
	}
	return out
}

// Sort orders params, metrics and tags by key.
func (d *RunData) Sort() {
	slices.SortFunc(d.Params, func(a, b Param) bool { return a.Key < b.Key })
	slices.SortFunc(d.Metrics, func(a, b Metric) bool { return a.Key < b.Key })
	slices.SortFunc(d.Tags, func(a, b RunTag) bool { return a.Key < b.Key })
}

// ApplyBatch merges a batch into the run data. Params must already be validated as immutable.
func (d *RunData) ApplyBatch(metrics []Metric, params []Param, tags []RunTag) {
	for _, p := range params {
		if slices.IndexFunc(d.Params, func(e Param) bool { return e.Key == p.Key }) < 0 {
			d.Params = append(d.Params, p)
		}
	}
	for _, t := range tags {
		if i := slices.IndexFunc(d.Tags, func(e RunTag) bool { return e.Key == t.Key }); i >= 0 {
			d.Tags[i] = t
		} else {
			d.Tags = append(d.Tags, t)
		}
	}
	for _, m := range metrics {
		i := slices.IndexFunc(d.Metrics, func(e Metric) bool { return e.Key == m.Key })
		switch {
		case i < 0:
			d.Metrics = append(d.Metrics, m)
		case isNewer(m, d.Metrics[i]):
			d.Metrics[i] = m
		}
	}
	d.Sort()
}

// isNewer orders metric values by step, then timestamp; later writes win ties.
func isNewer(m, than Metric) bool {
	if m.Step != than.Step {
		return m.Step > than.Step
	}
	return m.Timestamp >= than.Timestamp
}

// NowMillis returns the current time as unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func ParamsFromMap(m map[string]string) []Param {
	out := make([]Param, 0, len(m))
	for k, v := range m {
		out = append(out, Param{Key: k, Value: v})
	}
	slices.SortFunc(out, func(a, b Param) bool { return a.Key < b.Key })
	return out
}

func TagsFromMap(m map[string]string) []RunTag {
	out := make([]RunTag, 0, len(m))
	for k, v := range m {
		out = append(out, RunTag{Key: k, Value: v})
	}
	slices.SortFunc(out, func(a, b RunTag) bool { return a.Key < b.Key })
	return out
}

// MetricsFromMap stamps every value with the same timestamp and step.
func MetricsFromMap(m map[string]float64, timestamp int64, step int64) []Metric {
	out := make([]Metric, 0, len(m))
	for k, v := range m {
		out = append(out, Metric{Key: k, Value: v, Timestamp: timestamp, Step: step})
	}
	slices.SortFunc(out, func(a, b Metric) bool { return a.Key < b.Key })
	return out
}
