package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/tracking"
)

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
    experiment_id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    artifact_location TEXT NOT NULL,
    lifecycle_stage TEXT NOT NULL,
    tags TEXT,
    creation_time INTEGER
);
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    run_name TEXT,
    user_id TEXT,
    status TEXT NOT NULL,
    start_time INTEGER NOT NULL,
    end_time INTEGER,
    artifact_uri TEXT NOT NULL,
    lifecycle_stage TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_experiment ON runs(experiment_id);
CREATE TABLE IF NOT EXISTS params (
    run_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (run_id, key)
);
CREATE TABLE IF NOT EXISTS tags (
    run_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (run_id, key)
);
CREATE TABLE IF NOT EXISTS metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value REAL NOT NULL,
    timestamp INTEGER NOT NULL,
    step INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS metrics_run_key ON metrics(run_id, key);
CREATE TABLE IF NOT EXISTS latest_metrics (
    run_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value REAL NOT NULL,
    timestamp INTEGER NOT NULL,
    step INTEGER NOT NULL,
    PRIMARY KEY (run_id, key)
);
`

type Options struct {
	Path                string
	DefaultArtifactRoot string
}

var _ tracking.Store = &Store{}

// Store keeps experiments and runs in a sqlite database.
type Store struct {
	db           *sql.DB
	artifactRoot string
}

func Open(ctx context.Context, options *Options) (*Store, error) {
	if options.Path == "" {
		return nil, fmt.Errorf("sqlite store path not set")
	}
	if err := os.MkdirAll(filepath.Dir(options.Path), os.ModePerm); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", options.Path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}
	root := options.DefaultArtifactRoot
	if root == "" {
		root = filepath.Join(filepath.Dir(options.Path), "artifacts")
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
	location, err := tracking.ExperimentArtifactLocation(s.artifactRoot, tracking.DefaultExperimentID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO experiments (experiment_id, name, artifact_location, lifecycle_stage, creation_time) VALUES (0, ?, ?, ?, ?)`,
		tracking.DefaultExperimentName, location, tracking.LifecycleStageActive, tracking.NowMillis())
	return err
}

func (s *Store) CreateExperiment(ctx context.Context, name string, artifactLocation string, tags map[string]string) (string, error) {
	if name == "" {
		return "", apierrors.NewInvalidParameterError("experiment name must not be empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiments WHERE name = ?`, name).Scan(&exists); err != nil {
		return "", err
	}
	if exists > 0 {
		return "", apierrors.NewAlreadyExistsError(fmt.Sprintf("experiment '%s' already exists", name))
	}
	rawtags, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO experiments (name, artifact_location, lifecycle_stage, tags, creation_time) VALUES (?, ?, ?, ?, ?)`,
		name, artifactLocation, tracking.LifecycleStageActive, string(rawtags), tracking.NowMillis())
	if err != nil {
		return "", err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return "", err
	}
	expID := strconv.FormatInt(id, 10)
	if artifactLocation == "" {
		location, err := tracking.ExperimentArtifactLocation(s.artifactRoot, expID)
		if err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE experiments SET artifact_location = ? WHERE experiment_id = ?`, location, id); err != nil {
			return "", err
		}
	}
	return expID, tx.Commit()
}

const experimentColumns = `experiment_id, name, artifact_location, lifecycle_stage, tags, creation_time`

func scanExperiment(row interface{ Scan(...any) error }) (*tracking.Experiment, error) {
	exp := &tracking.Experiment{}
	var id int64
	var tags sql.NullString
	var created sql.NullInt64
	if err := row.Scan(&id, &exp.Name, &exp.ArtifactLocation, &exp.LifecycleStage, &tags, &created); err != nil {
		return nil, err
	}
	exp.ExperimentID = strconv.FormatInt(id, 10)
	exp.CreationTime = created.Int64
	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &exp.Tags); err != nil {
			return nil, err
		}
	}
	return exp, nil
}

func (s *Store) GetExperiment(ctx context.Context, experimentID string) (*tracking.Experiment, error) {
	exp, err := scanExperiment(s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE experiment_id = ?`, experimentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.NewExperimentNotFoundError(experimentID)
	}
	return exp, err
}

func (s *Store) GetExperimentByName(ctx context.Context, name string) (*tracking.Experiment, error) {
	exp, err := scanExperiment(s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.NewExperimentNotFoundError(name)
	}
	return exp, err
}

func (s *Store) ListExperiments(ctx context.Context) ([]tracking.Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+experimentColumns+` FROM experiments ORDER BY experiment_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []tracking.Experiment{}
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exp)
	}
	return out, rows.Err()
}

func (s *Store) CreateRun(ctx context.Context, experimentID string, opts tracking.CreateRunOptions) (*tracking.Run, error) {
	if experimentID == "" {
		experimentID = tracking.DefaultExperimentID
	}
	exp, err := s.GetExperiment(ctx, experimentID)
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
	info := tracking.RunInfo{
		RunID:          runID,
		ExperimentID:   experimentID,
		RunName:        opts.RunName,
		UserID:         opts.UserID,
		Status:         tracking.RunStatusRunning,
		StartTime:      opts.StartTime,
		ArtifactURI:    artifactURI,
		LifecycleStage: tracking.LifecycleStageActive,
	}
	if info.StartTime == 0 {
		info.StartTime = tracking.NowMillis()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, experiment_id, run_name, user_id, status, start_time, end_time, artifact_uri, lifecycle_stage) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		info.RunID, info.ExperimentID, info.RunName, info.UserID, string(info.Status), info.StartTime, info.ArtifactURI, info.LifecycleStage)
	if err != nil {
		return nil, err
	}
	if err := upsertTags(ctx, tx, runID, opts.Tags); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, runID)
}

func upsertTags(ctx context.Context, tx *sql.Tx, runID string, tags []tracking.RunTag) error {
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tags (run_id, key, value) VALUES (?, ?, ?) ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value`,
			runID, t.Key, t.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) getRunInfo(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, runID string,
) (*tracking.RunInfo, error) {
	info := &tracking.RunInfo{}
	var status string
	var runName, userID sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT run_id, experiment_id, run_name, user_id, status, start_time, end_time, artifact_uri, lifecycle_stage FROM runs WHERE run_id = ?`, runID).
		Scan(&info.RunID, &info.ExperimentID, &runName, &userID, &status, &info.StartTime, &info.EndTime, &info.ArtifactURI, &info.LifecycleStage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.NewRunNotFoundError(runID)
	}
	if err != nil {
		return nil, err
	}
	info.RunName, info.UserID, info.Status = runName.String, userID.String, tracking.RunStatus(status)
	return info, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*tracking.Run, error) {
	info, err := s.getRunInfo(ctx, s.db, runID)
	if err != nil {
		return nil, err
	}
	run := &tracking.Run{Info: *info}
	// rows are drained before the next query, the pool holds a single connection
	err = s.queryRows(ctx, `SELECT key, value FROM params WHERE run_id = ? ORDER BY key`, []any{runID}, func(rows *sql.Rows) error {
		p := tracking.Param{}
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return err
		}
		run.Data.Params = append(run.Data.Params, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = s.queryRows(ctx, `SELECT key, value FROM tags WHERE run_id = ? ORDER BY key`, []any{runID}, func(rows *sql.Rows) error {
		t := tracking.RunTag{}
		if err := rows.Scan(&t.Key, &t.Value); err != nil {
			return err
		}
		run.Data.Tags = append(run.Data.Tags, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = s.queryRows(ctx, `SELECT key, value, timestamp, step FROM latest_metrics WHERE run_id = ? ORDER BY key`, []any{runID}, func(rows *sql.Rows) error {
		m := tracking.Metric{}
		if err := rows.Scan(&m.Key, &m.Value, &m.Timestamp, &m.Step); err != nil {
			return err
		}
		run.Data.Metrics = append(run.Data.Metrics, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) queryRows(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) UpdateRunInfo(ctx context.Context, runID string, status tracking.RunStatus, endTime int64, runName string) (*tracking.RunInfo, error) {
	if status != "" && !status.Valid() {
		return nil, apierrors.NewInvalidParameterError(fmt.Sprintf("invalid run status '%s'", status))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	info, err := s.getRunInfo(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	if info.LifecycleStage != tracking.LifecycleStageActive {
		return nil, apierrors.NewInvalidStateError(fmt.Sprintf("run '%s' is not active", runID))
	}
	if status != "" {
		info.Status = status
	}
	if endTime != 0 {
		info.EndTime = endTime
	}
	if runName != "" {
		info.RunName = runName
		if err := upsertTags(ctx, tx, runID, []tracking.RunTag{{Key: tracking.TagRunName, Value: runName}}); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, end_time = ?, run_name = ? WHERE run_id = ?`,
		string(info.Status), info.EndTime, info.RunName, runID); err != nil {
		return nil, err
	}
	return info, tx.Commit()
}

func (s *Store) LogBatch(ctx context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.RunTag) error {
	if err := tracking.ValidateBatch(metrics, params, tags); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	info, err := s.getRunInfo(ctx, tx, runID)
	if err != nil {
		return err
	}
	if info.LifecycleStage != tracking.LifecycleStageActive {
		return apierrors.NewInvalidStateError(fmt.Sprintf("run '%s' is not active", runID))
	}
	existing := map[string]string{}
	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM params WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return err
		}
		existing[k] = v
	}
	rows.Close()
	if err := tracking.CheckParamsImmutable(runID, existing, params); err != nil {
		return err
	}
	for _, p := range params {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO params (run_id, key, value) VALUES (?, ?, ?)`, runID, p.Key, p.Value); err != nil {
			return err
		}
	}
	if err := upsertTags(ctx, tx, runID, tags); err != nil {
		return err
	}
	for _, m := range metrics {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metrics (run_id, key, value, timestamp, step) VALUES (?, ?, ?, ?, ?)`,
			runID, m.Key, m.Value, m.Timestamp, m.Step); err != nil {
			return err
		}
		// latest value by step, then timestamp
		if _, err := tx.ExecContext(ctx, `
INSERT INTO latest_metrics (run_id, key, value, timestamp, step) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value, timestamp = excluded.timestamp, step = excluded.step
WHERE excluded.step > latest_metrics.step OR (excluded.step = latest_metrics.step AND excluded.timestamp >= latest_metrics.timestamp)`,
			runID, m.Key, m.Value, m.Timestamp, m.Step); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetMetricHistory(ctx context.Context, runID string, key string) ([]tracking.Metric, error) {
	if _, err := s.getRunInfo(ctx, s.db, runID); err != nil {
		return nil, err
	}
	out := []tracking.Metric{}
	err := s.queryRows(ctx, `SELECT key, value, timestamp, step FROM metrics WHERE run_id = ? AND key = ? ORDER BY id`, []any{runID, key}, func(rows *sql.Rows) error {
		m := tracking.Metric{}
		if err := rows.Scan(&m.Key, &m.Value, &m.Timestamp, &m.Step); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (s *Store) SearchRuns(ctx context.Context, opts tracking.SearchRunsOptions) ([]tracking.Run, error) {
	experimentIDs := opts.ExperimentIDs
	if len(experimentIDs) == 0 {
		experimentIDs = []string{tracking.DefaultExperimentID}
	}
	args := make([]any, len(experimentIDs))
	for i, id := range experimentIDs {
		args[i] = id
	}
	query := `SELECT run_id FROM runs WHERE experiment_id IN (?` + strings.Repeat(", ?", len(experimentIDs)-1) + `) ORDER BY start_time DESC, run_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := []tracking.Run{}
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if !tracking.MatchRun(run, opts) {
			continue
		}
		out = append(out, *run)
		if opts.MaxResults > 0 && len(out) >= opts.MaxResults {
			break
		}
	}
	return out, nil
}

func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE runs SET lifecycle_stage = ? WHERE run_id = ?`, tracking.LifecycleStageDeleted, runID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apierrors.NewRunNotFoundError(runID)
	}
	return nil
}
