package autolog

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"kubegems.io/modelkit/pkg/data"
	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/estimators"
	"kubegems.io/modelkit/pkg/tracking"
)

const cvResultsFile = "cv_results.csv"

// rankColumn returns "rank_test_score", or the rank column of the first scorer for multi metric searches.
func rankColumn(results *data.Frame) (string, error) {
	if results.ColumnIndex("rank_test_score") >= 0 {
		return "rank_test_score", nil
	}
	for _, col := range results.Columns {
		if strings.HasPrefix(col, "rank_test_") {
			return col, nil
		}
	}
	return "", apierrors.NewInvalidParameterError("search results have no rank_test column")
}

// bestRows returns the row indexes of results ordered by rank, at most limit of them when limit is set.
func bestRows(results *data.Frame, limit *int) ([]int, error) {
	col, err := rankColumn(results)
	if err != nil {
		return nil, err
	}
	ranks, err := results.Float64Column(col)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", col, err)
	}
	rows := make([]int, len(ranks))
	for i := range rows {
		rows[i] = i
	}
	slices.SortStableFunc(rows, func(a, b int) bool { return ranks[a] < ranks[b] })
	if limit != nil && *limit < len(rows) {
		rows = rows[:*limit]
	}
	return rows, nil
}

func numeric(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	default:
		return 0, false
	}
}

// logChildRuns queues a finished child run of the current run for each of the best candidates of a search.
func logChildRuns(ctx context.Context, call *Call, seed estimators.Estimator, results *data.Frame) error {
	parent, err := call.Client.GetRun(ctx, call.RunID)
	if err != nil {
		return err
	}
	rows, err := bestRows(results, call.Config.MaxTuningRuns)
	if err != nil {
		return err
	}
	if total := results.NumRows(); len(rows) < total {
		call.Log.Info(fmt.Sprintf("Logging the %d best runs, %d runs will be omitted", len(rows), total-len(rows)))
	}

	tags := tracking.ResolveContextTags()
	tags[tracking.TagAutologging] = EstimatorsIntegration
	for k, v := range estimatorTags(seed) {
		tags[k] = v
	}
	tags[tracking.TagParentRunID] = call.RunID
	base := stringifyParams(call.Log, seed.GetParams(true))
	paramsCol := results.ColumnIndex("params")

	for _, i := range rows {
		row := results.Data[i]
		params := maps.Clone(base)
		if paramsCol >= 0 {
			if candidate, ok := row[paramsCol].(estimators.Params); ok {
				for k, v := range stringifyParams(call.Log, candidate) {
					params[k] = v
				}
			}
		}
		metrics := map[string]float64{}
		for j, col := range results.Columns {
			if strings.HasPrefix(col, "param") || strings.HasPrefix(col, "split") {
				continue
			}
			if v, ok := numeric(row[j]); ok {
				metrics[col] = v
			}
		}
		child := call.Queue.CreateRun(parent.Info.ExperimentID, tracking.CreateRunOptions{
			UserID:    parent.Info.UserID,
			StartTime: parent.Info.StartTime,
			Tags:      tracking.TagsFromMap(tags),
		})
		call.Queue.LogParams(child, params)
		call.Queue.LogMetrics(child, metrics, 0)
		call.Queue.SetTerminated(child, tracking.RunStatusFinished, tracking.NowMillis())
	}
	return nil
}

// logCVResults uploads results as a csv file into the artifact root of the run.
func logCVResults(ctx context.Context, call *Call, results *data.Frame) error {
	tmp, err := os.MkdirTemp("", "modelkit-cv-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	file := filepath.Join(tmp, cvResultsFile)
	if err := writeCSV(file, results); err != nil {
		return err
	}
	return call.Client.LogArtifact(ctx, call.RunID, file, "")
}

func writeCSV(file string, frame *data.Frame) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(frame.Columns); err != nil {
		return err
	}
	for _, row := range frame.Data {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = csvCell(v)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func csvCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case estimators.Params:
		keys := maps.Keys(val)
		slices.Sort(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("'%s': %s", k, tracking.StringifyParam(val[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return tracking.StringifyParam(val)
	}
}
