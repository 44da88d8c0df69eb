package rest

import "kubegems.io/modelkit/pkg/tracking"

const APIPrefix = "/api/2.0/modelkit"

type CreateExperimentRequest struct {
	Name             string            `json:"name"`
	ArtifactLocation string            `json:"artifact_location,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

type CreateExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
}

type ExperimentResponse struct {
	Experiment tracking.Experiment `json:"experiment"`
}

type ListExperimentsResponse struct {
	Experiments []tracking.Experiment `json:"experiments"`
}

type CreateRunRequest struct {
	ExperimentID string            `json:"experiment_id"`
	RunName      string            `json:"run_name,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	StartTime    int64             `json:"start_time,omitempty"`
	Tags         []tracking.RunTag `json:"tags,omitempty"`
}

type RunResponse struct {
	Run tracking.Run `json:"run"`
}

type UpdateRunRequest struct {
	RunID   string             `json:"run_id"`
	Status  tracking.RunStatus `json:"status,omitempty"`
	EndTime int64              `json:"end_time,omitempty"`
	RunName string             `json:"run_name,omitempty"`
}

type UpdateRunResponse struct {
	RunInfo tracking.RunInfo `json:"run_info"`
}

type LogBatchRequest struct {
	RunID   string            `json:"run_id"`
	Metrics []tracking.Metric `json:"metrics,omitempty"`
	Params  []tracking.Param  `json:"params,omitempty"`
	Tags    []tracking.RunTag `json:"tags,omitempty"`
}

type MetricHistoryResponse struct {
	Metrics []tracking.Metric `json:"metrics"`
}

type SearchRunsRequest struct {
	ExperimentIDs  []string           `json:"experiment_ids,omitempty"`
	Tags           map[string]string  `json:"tags,omitempty"`
	Status         tracking.RunStatus `json:"status,omitempty"`
	MaxResults     int                `json:"max_results,omitempty"`
	IncludeDeleted bool               `json:"include_deleted,omitempty"`
}

type SearchRunsResponse struct {
	Runs []tracking.Run `json:"runs"`
}

type DeleteRunRequest struct {
	RunID string `json:"run_id"`
}
