package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/tracking"
)

type Options struct {
	Addr  string
	Token string
	// Retries of requests failing with a retryable status.
	Retries int
	Timeout time.Duration
}

func NewDefaultOptions(addr string) *Options {
	return &Options{
		Addr:    strings.TrimSuffix(addr, "/"),
		Token:   os.Getenv("MODELKIT_TRACKING_TOKEN"),
		Retries: 3,
		Timeout: 30 * time.Second,
	}
}

var _ tracking.Store = &Client{}

// Client is a tracking store backed by a remote modelkitd server.
type Client struct {
	Client  *http.Client
	Addr    string
	Token   string
	Retries int
}

func NewClient(options *Options) *Client {
	return &Client{
		Client:  &http.Client{Timeout: options.Timeout},
		Addr:    strings.TrimSuffix(options.Addr, "/"),
		Token:   options.Token,
		Retries: options.Retries,
	}
}

func (t *Client) Close() error {
	t.Client.CloseIdleConnections()
	return nil
}

func (t *Client) CreateExperiment(ctx context.Context, name string, artifactLocation string, tags map[string]string) (string, error) {
	resp := CreateExperimentResponse{}
	req := CreateExperimentRequest{Name: name, ArtifactLocation: artifactLocation, Tags: tags}
	if err := t.request(ctx, http.MethodPost, "/experiments/create", req, &resp); err != nil {
		return "", err
	}
	return resp.ExperimentID, nil
}

func (t *Client) GetExperiment(ctx context.Context, experimentID string) (*tracking.Experiment, error) {
	resp := ExperimentResponse{}
	path := "/experiments/get?" + url.Values{"experiment_id": {experimentID}}.Encode()
	if err := t.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Experiment, nil
}

func (t *Client) GetExperimentByName(ctx context.Context, name string) (*tracking.Experiment, error) {
	resp := ExperimentResponse{}
	path := "/experiments/get-by-name?" + url.Values{"experiment_name": {name}}.Encode()
	if err := t.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Experiment, nil
}

func (t *Client) ListExperiments(ctx context.Context) ([]tracking.Experiment, error) {
	resp := ListExperimentsResponse{}
	if err := t.request(ctx, http.MethodGet, "/experiments/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Experiments, nil
}

func (t *Client) CreateRun(ctx context.Context, experimentID string, opts tracking.CreateRunOptions) (*tracking.Run, error) {
	resp := RunResponse{}
	req := CreateRunRequest{
		ExperimentID: experimentID,
		RunName:      opts.RunName,
		UserID:       opts.UserID,
		StartTime:    opts.StartTime,
		Tags:         opts.Tags,
	}
	if err := t.request(ctx, http.MethodPost, "/runs/create", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Run, nil
}

func (t *Client) GetRun(ctx context.Context, runID string) (*tracking.Run, error) {
	resp := RunResponse{}
	path := "/runs/get?" + url.Values{"run_id": {runID}}.Encode()
	if err := t.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Run, nil
}

func (t *Client) UpdateRunInfo(ctx context.Context, runID string, status tracking.RunStatus, endTime int64, runName string) (*tracking.RunInfo, error) {
	resp := UpdateRunResponse{}
	req := UpdateRunRequest{RunID: runID, Status: status, EndTime: endTime, RunName: runName}
	if err := t.request(ctx, http.MethodPost, "/runs/update", req, &resp); err != nil {
		return nil, err
	}
	return &resp.RunInfo, nil
}

func (t *Client) LogBatch(ctx context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.RunTag) error {
	req := LogBatchRequest{RunID: runID, Metrics: metrics, Params: params, Tags: tags}
	return t.request(ctx, http.MethodPost, "/runs/log-batch", req, nil)
}

func (t *Client) GetMetricHistory(ctx context.Context, runID string, key string) ([]tracking.Metric, error) {
	resp := MetricHistoryResponse{}
	path := "/metrics/get-history?" + url.Values{"run_id": {runID}, "metric_key": {key}}.Encode()
	if err := t.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Metrics, nil
}

func (t *Client) SearchRuns(ctx context.Context, opts tracking.SearchRunsOptions) ([]tracking.Run, error) {
	resp := SearchRunsResponse{}
	req := SearchRunsRequest{
		ExperimentIDs:  opts.ExperimentIDs,
		Tags:           opts.Tags,
		Status:         opts.Status,
		MaxResults:     opts.MaxResults,
		IncludeDeleted: opts.IncludeDeleted,
	}
	if err := t.request(ctx, http.MethodPost, "/runs/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

func (t *Client) DeleteRun(ctx context.Context, runID string) error {
	return t.request(ctx, http.MethodPost, "/runs/delete", DeleteRunRequest{RunID: runID}, nil)
}

// request retries retryable failures with exponential backoff.
func (t *Client) request(ctx context.Context, method, path string, body any, into any) error {
	log := logr.FromContextOrDiscard(ctx)

	var reqbody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqbody = b
	}
	backoff := wait.Backoff{Duration: 200 * time.Millisecond, Factor: 2, Jitter: 0.1, Steps: t.Retries + 1}
	var lasterr error
	err := wait.ExponentialBackoff(backoff, func() (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		lasterr = t.do(ctx, method, path, reqbody, into)
		if lasterr != nil && errors.IsRetryable(lasterr) {
			log.V(1).Info("retrying tracking request", "method", method, "path", path, "error", lasterr.Error())
			return false, nil
		}
		return true, lasterr
	})
	if err == wait.ErrWaitTimeout {
		return lasterr
	}
	return err
}

func (t *Client) do(ctx context.Context, method, path string, body []byte, into any) error {
	var reqbody io.Reader
	if body != nil {
		reqbody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.Addr+APIPrefix+path, reqbody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apierr := errors.ErrorInfo{HttpStatus: resp.StatusCode}
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			if err := json.NewDecoder(resp.Body).Decode(&apierr); err != nil {
				return err
			}
			apierr.HttpStatus = resp.StatusCode
		} else {
			bodystr, _ := io.ReadAll(resp.Body)
			apierr.Code = errors.ErrCodeUnknow
			apierr.Message = string(bodystr)
		}
		return apierr
	}
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			return err
		}
	}
	return nil
}
