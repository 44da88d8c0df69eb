package tracking

import (
	"fmt"
	"math"
	"regexp"

	apierrors "kubegems.io/modelkit/pkg/errors"
)

const (
	MaxParamValueLength = 500
	MaxTagValueLength   = 8000
	MaxEntityKeyLength  = 250

	MaxParamsPerBatch   = 100
	MaxTagsPerBatch     = 100
	MaxMetricsPerBatch  = 1000
	MaxEntitiesPerBatch = 1000
)

var validKeyRegexp = regexp.MustCompile(`^[/\w.\- ]+$`)

func validateKey(kind, key string) error {
	if key == "" {
		return apierrors.NewInvalidParameterError(fmt.Sprintf("%s name must not be empty", kind))
	}
	if len(key) > MaxEntityKeyLength {
		return apierrors.NewInvalidParameterError(fmt.Sprintf("%s name '%s' exceeds %d characters", kind, key, MaxEntityKeyLength))
	}
	if !validKeyRegexp.MatchString(key) {
		return apierrors.NewInvalidParameterError(fmt.Sprintf(
			"invalid %s name: '%s'. Names may only contain alphanumerics, underscores (_), dashes (-), periods (.), spaces ( ), and slashes (/)", kind, key))
	}
	return nil
}

// ValidateBatch checks keys, value lengths and batch limits.
func ValidateBatch(metrics []Metric, params []Param, tags []RunTag) error {
	if len(params) > MaxParamsPerBatch || len(tags) > MaxTagsPerBatch || len(metrics) > MaxMetricsPerBatch ||
		len(params)+len(tags)+len(metrics) > MaxEntitiesPerBatch {
		return apierrors.NewInvalidParameterError(fmt.Sprintf(
			"batch of %d params, %d metrics and %d tags exceeds the request limits", len(params), len(metrics), len(tags)))
	}
	for _, p := range params {
		if err := validateKey("param", p.Key); err != nil {
			return err
		}
		if len(p.Value) > MaxParamValueLength {
			return apierrors.NewInvalidParameterError(fmt.Sprintf("param '%s' value exceeds %d characters", p.Key, MaxParamValueLength))
		}
	}
	for _, t := range tags {
		if err := validateKey("tag", t.Key); err != nil {
			return err
		}
		if len(t.Value) > MaxTagValueLength {
			return apierrors.NewInvalidParameterError(fmt.Sprintf("tag '%s' value exceeds %d characters", t.Key, MaxTagValueLength))
		}
	}
	for _, m := range metrics {
		if err := validateKey("metric", m.Key); err != nil {
			return err
		}
		if math.IsNaN(m.Value) {
			return apierrors.NewInvalidParameterError(fmt.Sprintf("metric '%s' value is NaN", m.Key))
		}
	}
	return nil
}

// CheckParamsImmutable fails when a param is logged again with another value.
func CheckParamsImmutable(runID string, existing map[string]string, params []Param) error {
	seen := map[string]string{}
	for _, p := range params {
		if prev, ok := seen[p.Key]; ok && prev != p.Value {
			return apierrors.NewInvalidParameterError(fmt.Sprintf(
				"duplicate param '%s' with different values in the same batch for run '%s'", p.Key, runID))
		}
		seen[p.Key] = p.Value
		if old, ok := existing[p.Key]; ok && old != p.Value {
			return apierrors.NewInvalidParameterError(fmt.Sprintf(
				"changing param values is not allowed. Param with key='%s' was already logged with value='%s' for run ID='%s'. Attempted logging new value '%s'",
				p.Key, old, runID, p.Value))
		}
	}
	return nil
}

// ChunkBatch splits a batch into requests that respect the per request limits.
func ChunkBatch(metrics []Metric, params []Param, tags []RunTag) []Batch {
	batches := []Batch{}
	for len(metrics) > 0 || len(params) > 0 || len(tags) > 0 {
		b := Batch{}
		n := minInt(len(params), MaxParamsPerBatch)
		b.Params, params = params[:n], params[n:]
		n = minInt(len(tags), MaxTagsPerBatch)
		b.Tags, tags = tags[:n], tags[n:]
		n = minInt(len(metrics), MaxMetricsPerBatch, MaxEntitiesPerBatch-len(b.Params)-len(b.Tags))
		b.Metrics, metrics = metrics[:n], metrics[n:]
		batches = append(batches, b)
	}
	return batches
}

type Batch struct {
	Metrics []Metric `json:"metrics,omitempty"`
	Params  []Param  `json:"params,omitempty"`
	Tags    []RunTag `json:"tags,omitempty"`
}

func minInt(first int, rest ...int) int {
	for _, v := range rest {
		if v < first {
			first = v
		}
	}
	return first
}
