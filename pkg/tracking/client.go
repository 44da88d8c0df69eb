package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-logr/logr"

	"kubegems.io/modelkit/pkg/artifacts"
	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/models"
	"kubegems.io/modelkit/pkg/types"
)

var (
	_ models.ArtifactLogger      = &Client{}
	_ models.LoggedModelRecorder = &Client{}
	_ artifacts.RunResolver      = &Client{}
)

// Client records runs into a Store and their artifacts into the run artifact repositories.
type Client struct {
	Store     Store
	S3Options *artifacts.S3Options

	mu    sync.Mutex
	repos map[string]*artifacts.Repository
}

func NewClient(store Store, s3options *artifacts.S3Options) *Client {
	return &Client{
		Store:     store,
		S3Options: s3options,
		repos:     map[string]*artifacts.Repository{},
	}
}

func (c *Client) Close() error {
	return c.Store.Close()
}

func (c *Client) CreateExperiment(ctx context.Context, name string, artifactLocation string) (string, error) {
	return c.Store.CreateExperiment(ctx, name, artifactLocation, nil)
}

func (c *Client) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	return c.Store.GetExperimentByName(ctx, name)
}

func (c *Client) ListExperiments(ctx context.Context) ([]Experiment, error) {
	return c.Store.ListExperiments(ctx)
}

// GetOrCreateExperiment returns the id of the experiment named name, creating it when missing.
func (c *Client) GetOrCreateExperiment(ctx context.Context, name string) (string, error) {
	exp, err := c.Store.GetExperimentByName(ctx, name)
	if err == nil {
		return exp.ExperimentID, nil
	}
	if !apierrors.IsErrCode(err, apierrors.ErrCodeResourceDoesNotExist) {
		return "", err
	}
	id, err := c.Store.CreateExperiment(ctx, name, "", nil)
	if apierrors.IsErrCode(err, apierrors.ErrCodeResourceAlreadyExists) {
		// created concurrently
		exp, err := c.Store.GetExperimentByName(ctx, name)
		if err != nil {
			return "", err
		}
		return exp.ExperimentID, nil
	}
	return id, err
}

// CreateRun starts a RUNNING run. The run name is mirrored into the run name tag.
func (c *Client) CreateRun(ctx context.Context, experimentID string, opts CreateRunOptions) (*Run, error) {
	if opts.RunName != "" {
		opts.Tags = append(opts.Tags, RunTag{Key: TagRunName, Value: opts.RunName})
	}
	run, err := c.Store.CreateRun(ctx, experimentID, opts)
	if err != nil {
		return nil, err
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("run created", "run", run.Info.RunID, "experiment", run.Info.ExperimentID)
	return run, nil
}

func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	return c.Store.GetRun(ctx, runID)
}

func (c *Client) SearchRuns(ctx context.Context, opts SearchRunsOptions) ([]Run, error) {
	return c.Store.SearchRuns(ctx, opts)
}

func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	return c.Store.DeleteRun(ctx, runID)
}

func (c *Client) GetMetricHistory(ctx context.Context, runID string, key string) ([]Metric, error) {
	return c.Store.GetMetricHistory(ctx, runID, key)
}

// SetTerminated ends a run. Empty status means FINISHED and a zero end time means now.
func (c *Client) SetTerminated(ctx context.Context, runID string, status RunStatus, endTime int64) error {
	if status == "" {
		status = RunStatusFinished
	}
	if !status.IsTerminated() {
		return apierrors.NewInvalidParameterError(fmt.Sprintf("run status '%s' is not a terminal status", status))
	}
	if endTime == 0 {
		endTime = NowMillis()
	}
	_, err := c.Store.UpdateRunInfo(ctx, runID, status, endTime, "")
	return err
}

func (c *Client) LogParam(ctx context.Context, runID string, key string, value any) error {
	return c.LogBatch(ctx, runID, nil, []Param{{Key: key, Value: StringifyParam(value)}}, nil)
}

func (c *Client) LogParams(ctx context.Context, runID string, params map[string]string) error {
	return c.LogBatch(ctx, runID, nil, ParamsFromMap(params), nil)
}

func (c *Client) LogMetric(ctx context.Context, runID string, key string, value float64, step int64) error {
	return c.LogBatch(ctx, runID, []Metric{{Key: key, Value: value, Timestamp: NowMillis(), Step: step}}, nil, nil)
}

func (c *Client) LogMetrics(ctx context.Context, runID string, metrics map[string]float64, step int64) error {
	return c.LogBatch(ctx, runID, MetricsFromMap(metrics, NowMillis(), step), nil, nil)
}

func (c *Client) SetTag(ctx context.Context, runID string, key string, value string) error {
	return c.LogBatch(ctx, runID, nil, nil, []RunTag{{Key: key, Value: value}})
}

func (c *Client) SetTags(ctx context.Context, runID string, tags map[string]string) error {
	return c.LogBatch(ctx, runID, nil, nil, TagsFromMap(tags))
}

// LogBatch sends metrics, params and tags, split into requests within the batch limits.
func (c *Client) LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []RunTag) error {
	for _, b := range ChunkBatch(metrics, params, tags) {
		if err := c.Store.LogBatch(ctx, runID, b.Metrics, b.Params, b.Tags); err != nil {
			return err
		}
	}
	return nil
}

// RunArtifactURI returns the artifact root of a run.
func (c *Client) RunArtifactURI(ctx context.Context, runID string) (string, error) {
	run, err := c.Store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Info.ArtifactURI, nil
}

func (c *Client) repository(ctx context.Context, runID string) (*artifacts.Repository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if repo, ok := c.repos[runID]; ok {
		return repo, nil
	}
	root, err := c.RunArtifactURI(ctx, runID)
	if err != nil {
		return nil, err
	}
	repo, err := artifacts.NewRepository(ctx, root, c.S3Options)
	if err != nil {
		return nil, err
	}
	if c.repos == nil {
		c.repos = map[string]*artifacts.Repository{}
	}
	c.repos[runID] = repo
	return repo, nil
}

func (c *Client) LogArtifact(ctx context.Context, runID string, localFile string, artifactPath string) error {
	repo, err := c.repository(ctx, runID)
	if err != nil {
		return err
	}
	return repo.LogArtifact(ctx, localFile, artifactPath)
}

func (c *Client) LogArtifacts(ctx context.Context, runID string, localDir string, artifactPath string) error {
	repo, err := c.repository(ctx, runID)
	if err != nil {
		return err
	}
	return repo.LogArtifacts(ctx, localDir, artifactPath)
}

func (c *Client) ListArtifacts(ctx context.Context, runID string, artifactPath string) ([]types.FileInfo, error) {
	repo, err := c.repository(ctx, runID)
	if err != nil {
		return nil, err
	}
	return repo.ListArtifacts(ctx, artifactPath)
}

// DownloadArtifacts copies artifactPath of a run into dst and returns the local path.
func (c *Client) DownloadArtifacts(ctx context.Context, runID string, artifactPath string, dst string) (string, error) {
	repo, err := c.repository(ctx, runID)
	if err != nil {
		return "", err
	}
	return repo.DownloadArtifacts(ctx, artifactPath, dst)
}

// RecordLoggedModel appends the descriptor to the logged model history tag of the run.
func (c *Client) RecordLoggedModel(ctx context.Context, runID string, m *models.Model) error {
	run, err := c.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	history := []json.RawMessage{}
	if raw, ok := run.Data.TagsMap()[TagLoggedModels]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			return fmt.Errorf("decode logged model history of run %s: %w", runID, err)
		}
	}
	entry, err := m.ToJSON()
	if err != nil {
		return err
	}
	history = append(history, entry)
	raw, err := json.Marshal(history)
	if err != nil {
		return err
	}
	return c.SetTag(ctx, runID, TagLoggedModels, string(raw))
}

// LoggedModels returns the descriptors recorded for a run, oldest first.
func (c *Client) LoggedModels(ctx context.Context, runID string) ([]*models.Model, error) {
	run, err := c.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	raw := run.Data.TagsMap()[TagLoggedModels]
	if raw == "" {
		return nil, nil
	}
	out := []*models.Model{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StringifyParam renders a param value the way it is stored.
func StringifyParam(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
