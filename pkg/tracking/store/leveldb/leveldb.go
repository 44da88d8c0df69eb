package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/exp/slices"

	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/tracking"
)

const (
	prefixExperiment     = "exp/"
	prefixExperimentName = "expname/"
	prefixRun            = "run/"
	prefixExperimentRun  = "exprun/"
	prefixMetric         = "metric/"
	keyExperimentSeq     = "seq/experiment"
	keyMetricSeq         = "seq/metric"
)

type Options struct {
	Path                string
	DefaultArtifactRoot string
}

var _ tracking.Store = &Store{}

// Store keeps experiments and runs in a local leveldb database.
type Store struct {
	db           *leveldb.DB
	artifactRoot string
	mu           sync.Mutex
}

func Open(ctx context.Context, options *Options) (*Store, error) {
	if options.Path == "" {
		return nil, fmt.Errorf("leveldb store path not set")
	}
	if err := os.MkdirAll(filepath.Dir(options.Path), os.ModePerm); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(options.Path, nil)
	if err != nil {
		return nil, err
	}
	root := options.DefaultArtifactRoot
	if root == "" {
		root = filepath.Dir(options.Path)
	}
	s := &Store{db: db, artifactRoot: root}
	if err := s.ensureDefaultExperiment(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureDefaultExperiment(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getExperiment(tracking.DefaultExperimentID); err == nil {
		return nil
	} else if !apierrors.IsErrCode(err, apierrors.ErrCodeResourceDoesNotExist) {
		return err
	}
	location, err := tracking.ExperimentArtifactLocation(s.artifactRoot, tracking.DefaultExperimentID)
	if err != nil {
		return err
	}
	return s.putExperiment(&leveldb.Batch{}, &tracking.Experiment{
		ExperimentID:     tracking.DefaultExperimentID,
		Name:             tracking.DefaultExperimentName,
		ArtifactLocation: location,
		LifecycleStage:   tracking.LifecycleStageActive,
		CreationTime:     tracking.NowMillis(),
	})
}

func (s *Store) CreateExperiment(ctx context.Context, name string, artifactLocation string, tags map[string]string) (string, error) {
	if name == "" {
		return "", apierrors.NewInvalidParameterError("experiment name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(prefixExperimentName + name); err == nil {
		return "", apierrors.NewAlreadyExistsError(fmt.Sprintf("experiment '%s' already exists", name))
	}
	seq, err := s.nextSeq(keyExperimentSeq)
	if err != nil {
		return "", err
	}
	id := strconv.FormatInt(seq, 10)
	if artifactLocation == "" {
		if artifactLocation, err = tracking.ExperimentArtifactLocation(s.artifactRoot, id); err != nil {
			return "", err
		}
	}
	exp := &tracking.Experiment{
		ExperimentID:     id,
		Name:             name,
		ArtifactLocation: artifactLocation,
		LifecycleStage:   tracking.LifecycleStageActive,
		Tags:             tags,
		CreationTime:     tracking.NowMillis(),
	}
	batch := &leveldb.Batch{}
	batch.Put([]byte(keyExperimentSeq), []byte(id))
	if err := s.putExperiment(batch, exp); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) putExperiment(batch *leveldb.Batch, exp *tracking.Experiment) error {
	raw, err := json.Marshal(exp)
	if err != nil {
		return err
	}
	batch.Put([]byte(prefixExperiment+exp.ExperimentID), raw)
	batch.Put([]byte(prefixExperimentName+exp.Name), []byte(exp.ExperimentID))
	return s.db.Write(batch, nil)
}

func (s *Store) GetExperiment(ctx context.Context, experimentID string) (*tracking.Experiment, error) {
	return s.getExperiment(experimentID)
}

func (s *Store) getExperiment(experimentID string) (*tracking.Experiment, error) {
	raw, err := s.get(prefixExperiment + experimentID)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, apierrors.NewExperimentNotFoundError(experimentID)
		}
		return nil, err
	}
	exp := &tracking.Experiment{}
	if err := json.Unmarshal(raw, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

func (s *Store) GetExperimentByName(ctx context.Context, name string) (*tracking.Experiment, error) {
	id, err := s.get(prefixExperimentName + name)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, apierrors.NewExperimentNotFoundError(name)
		}
		return nil, err
	}
	return s.getExperiment(string(id))
}

func (s *Store) ListExperiments(ctx context.Context) ([]tracking.Experiment, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixExperiment)), nil)
	defer iter.Release()
	out := []tracking.Experiment{}
	for iter.Next() {
		exp := tracking.Experiment{}
		if err := json.Unmarshal(iter.Value(), &exp); err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b tracking.Experiment) bool {
		ai, _ := strconv.Atoi(a.ExperimentID)
		bi, _ := strconv.Atoi(b.ExperimentID)
		return ai < bi
	})
	return out, nil
}

func (s *Store) CreateRun(ctx context.Context, experimentID string, opts tracking.CreateRunOptions) (*tracking.Run, error) {
	if experimentID == "" {
		experimentID = tracking.DefaultExperimentID
	}
	exp, err := s.getExperiment(experimentID)
	if err != nil {
		return nil, err
	}
	if exp.LifecycleStage != tracking.LifecycleStageActive {
		return nil, apierrors.NewInvalidStateError(fmt.Sprintf("experiment '%s' is not active", experimentID))
	}
	if err := tracking.ValidateBatch(nil, nil, opts.Tags); err != nil {
		return nil, err
	}
	runID := strings.ReplaceAll(uuid.NewString(), "-", "")
	artifactURI, err := tracking.RunArtifactLocation(exp.ArtifactLocation, runID)
	if err != nil {
		return nil, err
	}
	startTime := opts.StartTime
	if startTime == 0 {
		startTime = tracking.NowMillis()
	}
	run := &tracking.Run{
		Info: tracking.RunInfo{
			RunID:          runID,
			ExperimentID:   experimentID,
			RunName:        opts.RunName,
			UserID:         opts.UserID,
			Status:         tracking.RunStatusRunning,
			StartTime:      startTime,
			ArtifactURI:    artifactURI,
			LifecycleStage: tracking.LifecycleStageActive,
		},
	}
	run.Data.ApplyBatch(nil, nil, opts.Tags)

	s.mu.Lock()
	defer s.mu.Unlock()
	batch := &leveldb.Batch{}
	batch.Put([]byte(prefixExperimentRun+experimentID+"/"+runID), nil)
	if err := s.putRun(batch, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) putRun(batch *leveldb.Batch, run *tracking.Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	batch.Put([]byte(prefixRun+run.Info.RunID), raw)
	return s.db.Write(batch, nil)
}

func (s *Store) GetRun(ctx context.Context, runID string) (*tracking.Run, error) {
	return s.getRun(runID)
}

func (s *Store) getRun(runID string) (*tracking.Run, error) {
	raw, err := s.get(prefixRun + runID)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, apierrors.NewRunNotFoundError(runID)
		}
		return nil, err
	}
	run := &tracking.Run{}
	if err := json.Unmarshal(raw, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) UpdateRunInfo(ctx context.Context, runID string, status tracking.RunStatus, endTime int64, runName string) (*tracking.RunInfo, error) {
	if status != "" && !status.Valid() {
		return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("invalid run status '%s'", status))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Info.LifecycleStage != tracking.LifecycleStageActive {
		return nil, apierrors.NewInvalidStateError(fmt.Sprintf("run '%s' is not active", runID))
	}
	if status != "" {
		run.Info.Status = status
	}
	if endTime != 0 {
		run.Info.EndTime = endTime
	}
	if runName != "" {
		run.Info.RunName = runName
		run.Data.ApplyBatch(nil, nil, []tracking.RunTag{{Key: tracking.TagRunName, Value: runName}})
	}
	if err := s.putRun(&leveldb.Batch{}, run); err != nil {
		return nil, err
	}
	return &run.Info, nil
}

func (s *Store) LogBatch(ctx context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.RunTag) error {
	if err := tracking.ValidateBatch(metrics, params, tags); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.getRun(runID)
	if err != nil {
		return err
	}
	if run.Info.LifecycleStage != tracking.LifecycleStageActive {
		return apierrors.NewInvalidStateError(fmt.Sprintf("run '%s' is not active", runID))
	}
	if err := tracking.CheckParamsImmutable(runID, run.Data.ParamsMap(), params); err != nil {
		return err
	}
	batch := &leveldb.Batch{}
	if len(metrics) > 0 {
		seq, err := s.nextSeq(keyMetricSeq)
		if err != nil {
			return err
		}
		for _, m := range metrics {
			raw, err := json.Marshal(m)
			if err != nil {
				return err
			}
			batch.Put([]byte(fmt.Sprintf("%s%020d", metricPrefix(runID, m.Key), seq)), raw)
			seq++
		}
		batch.Put([]byte(keyMetricSeq), []byte(strconv.FormatInt(seq-1, 10)))
	}
	run.Data.ApplyBatch(metrics, params, tags)
	return s.putRun(batch, run)
}

func (s *Store) GetMetricHistory(ctx context.Context, runID string, key string) ([]tracking.Metric, error) {
	if _, err := s.getRun(runID); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(metricPrefix(runID, key))), nil)
	defer iter.Release()
	out := []tracking.Metric{}
	for iter.Next() {
		m := tracking.Metric{}
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

func (s *Store) SearchRuns(ctx context.Context, opts tracking.SearchRunsOptions) ([]tracking.Run, error) {
	experimentIDs := opts.ExperimentIDs
	if len(experimentIDs) == 0 {
		experimentIDs = []string{tracking.DefaultExperimentID}
	}
	out := []tracking.Run{}
	for _, expID := range experimentIDs {
		prefix := prefixExperimentRun + expID + "/"
		iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		for iter.Next() {
			runID := strings.TrimPrefix(string(iter.Key()), prefix)
			run, err := s.getRun(runID)
			if err != nil {
				iter.Release()
				return nil, err
			}
			if tracking.MatchRun(run, opts) {
				out = append(out, *run)
			}
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return nil, err
		}
	}
	// newest first
	slices.SortStableFunc(out, func(a, b tracking.Run) bool {
		if a.Info.StartTime != b.Info.StartTime {
			return a.Info.StartTime > b.Info.StartTime
		}
		return a.Info.RunID < b.Info.RunID
	})
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out, nil
}

func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.getRun(runID)
	if err != nil {
		return err
	}
	run.Info.LifecycleStage = tracking.LifecycleStageDeleted
	return s.putRun(&leveldb.Batch{}, run)
}

// metric keys may contain slashes
func metricPrefix(runID, key string) string {
	return prefixMetric + runID + "/" + url.PathEscape(key) + "/"
}

func (s *Store) get(key string) ([]byte, error) {
	return s.db.Get([]byte(key), nil)
}

// nextSeq returns the value following the stored counter, starting at 1.
func (s *Store) nextSeq(key string) (int64, error) {
	raw, err := s.get(key)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 1, nil
		}
		return 0, err
	}
	cur, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	return cur + 1, nil
}
