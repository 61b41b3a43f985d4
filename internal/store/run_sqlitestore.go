package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/haatos/runsync/internal"
)

type ExecutionSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewExecutionSQLiteStore(rdb, rwdb *sql.DB) *ExecutionSQLiteStore {
	return &ExecutionSQLiteStore{rdb, rwdb}
}

func (store *ExecutionSQLiteStore) CreateRun(
	ctx context.Context,
	jobName string,
	totalCases int64,
	createdOn time.Time,
) (*ExecutionRun, error) {
	r := &ExecutionRun{
		JobName:    jobName,
		TotalCases: totalCases,
		Status:     StatusPending,
		CreatedOn:  createdOn.UTC().Truncate(time.Millisecond),
	}
	query := `insert into execution_runs (
		job_name,
		total_cases,
		status,
		created_on
	)
	values ($1, $2, $3, $4)
	returning run_id`
	if err := sqlscan.Get(
		ctx, store.rwdb, &r.RunID, query,
		r.JobName,
		r.TotalCases,
		r.Status,
		createdOn.UTC().Format(internal.DBTimestampLayout),
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (store *ExecutionSQLiteStore) ReadRunByID(ctx context.Context, id int64) (*ExecutionRun, error) {
	r := &ExecutionRun{RunID: id}
	query := "select * from execution_runs where run_id = $1"
	if err := sqlscan.Get(ctx, store.rdb, r, query, r.RunID); err != nil {
		return nil, err
	}
	return r, nil
}

func (store *ExecutionSQLiteStore) UpdateRunJenkinsInfo(
	ctx context.Context,
	id int64,
	job, buildID, url string,
) error {
	query := `update execution_runs
	set jenkins_job = $1,
		jenkins_build_id = $2,
		jenkins_url = $3
	where run_id = $4`
	res, err := store.rwdb.ExecContext(ctx, query, job, buildID, url, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// UpdateRunStarted moves a pending run to running. It reports false when the
// run was not pending.
func (store *ExecutionSQLiteStore) UpdateRunStarted(
	ctx context.Context,
	id int64,
	startedOn time.Time,
) (bool, error) {
	query := `update execution_runs
	set status = $1,
		started_on = coalesce(started_on, $2)
	where run_id = $3 and status = $4`
	res, err := store.rwdb.ExecContext(
		ctx, query,
		StatusRunning,
		startedOn.UTC().Format(internal.DBTimestampLayout),
		id,
		StatusPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteRun writes a terminal status and upserts the per-case results in a
// single transaction. Without force, a run that already holds a terminal
// status is left untouched and false is returned.
func (store *ExecutionSQLiteStore) CompleteRun(
	ctx context.Context,
	id int64,
	completion Completion,
	force bool,
) (bool, error) {
	tx, err := store.rwdb.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	updateQuery := `update execution_runs
	set status = $1,
		passed_cases = $2,
		failed_cases = $3,
		skipped_cases = $4,
		duration_ms = $5,
		message = coalesce($6, message),
		ended_on = $7
	where run_id = $8 and ($9 or status in ('pending', 'running'))`
	res, err := tx.ExecContext(
		ctx, updateQuery,
		completion.Status,
		completion.PassedCases,
		completion.FailedCases,
		completion.SkippedCases,
		completion.DurationMs,
		completion.Message,
		completion.EndedOn.UTC().Format(internal.DBTimestampLayout),
		id,
		force,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	resultQuery := `insert into run_results (
		result_run_id,
		case_id,
		case_name,
		status,
		duration_ms,
		error_message,
		stack_trace,
		screenshot_path,
		log_path,
		assertions_total,
		assertions_passed,
		response_data
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	on conflict (result_run_id, case_id, case_name) do update set
		status = excluded.status,
		duration_ms = excluded.duration_ms,
		error_message = excluded.error_message,
		stack_trace = excluded.stack_trace,
		screenshot_path = excluded.screenshot_path,
		log_path = excluded.log_path,
		assertions_total = excluded.assertions_total,
		assertions_passed = excluded.assertions_passed,
		response_data = excluded.response_data`
	for _, rr := range completion.Results {
		if _, err := tx.ExecContext(
			ctx, resultQuery,
			id,
			rr.CaseID,
			rr.CaseName,
			rr.Status,
			rr.DurationMs,
			rr.ErrorMessage,
			rr.StackTrace,
			rr.ScreenshotPath,
			rr.LogPath,
			rr.AssertionsTotal,
			rr.AssertionsPassed,
			rr.ResponseData,
		); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ListActiveRuns returns pending and running runs created between newerThan
// and olderThan, oldest first.
func (store *ExecutionSQLiteStore) ListActiveRuns(
	ctx context.Context,
	olderThan, newerThan time.Time,
	limit int64,
) ([]ExecutionRun, error) {
	query := `select * from execution_runs
	where status in ('pending', 'running')
		and created_on < $1
		and created_on > $2
	order by created_on asc limit $3`
	runs := make([]ExecutionRun, 0)
	err := sqlscan.Select(
		ctx, store.rdb, &runs, query,
		olderThan.UTC().Format(internal.DBTimestampLayout),
		newerThan.UTC().Format(internal.DBTimestampLayout),
		limit,
	)
	return runs, err
}

func (store *ExecutionSQLiteStore) ListRunsWithExternalRef(
	ctx context.Context,
	limit int64,
) ([]ExecutionRun, error) {
	query := `select * from execution_runs
	where jenkins_job is not null and jenkins_build_id is not null
	order by created_on desc limit $1`
	runs := make([]ExecutionRun, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query, limit)
	return runs, err
}

// AbandonRuns force-aborts every pending or running run created before
// olderThan and returns how many rows were changed. The duration runs from
// the start of the run, or its creation when it never started.
func (store *ExecutionSQLiteStore) AbandonRuns(
	ctx context.Context,
	olderThan, endedOn time.Time,
	message string,
) (int64, error) {
	ended := endedOn.UTC().Format(internal.DBTimestampLayout)
	query := `update execution_runs
	set status = $1,
		message = $2,
		ended_on = $3,
		duration_ms = max(cast(round(
			(julianday($4) - julianday(coalesce(started_on, created_on))) * 86400000
		) as integer), 0)
	where status in ('pending', 'running') and created_on < $5`
	res, err := store.rwdb.ExecContext(
		ctx, query,
		StatusAborted,
		message,
		ended,
		ended,
		olderThan.UTC().Format(internal.DBTimestampLayout),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (store *ExecutionSQLiteStore) ListRunResults(
	ctx context.Context,
	runID int64,
) ([]RunResult, error) {
	query := `select * from run_results
	where result_run_id = $1
	order by case_id asc, case_name asc`
	results := make([]RunResult, 0)
	err := sqlscan.Select(ctx, store.rdb, &results, query, runID)
	return results, err
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
