package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"computebroker/internal/job"
)

const uniqueViolation = "23505"

// jobColumns is the canonical select list; scanJob matches it positionally.
const jobColumns = `agreement_id, job_id, owner, provider, status, status_text,
	extract(epoch from created_at)::float8, extract(epoch from finished_at)::float8,
	configlog_url, publishlog_url, algolog_url, outputs, workflow, namespace,
	stopreq, removed`

// CreateJob inserts a new Warming-up job. The partial unique index on
// unfinished agreements serializes concurrent submissions; losing that race
// returns job.ErrDuplicateAgreement.
func (s *Store) CreateJob(ctx context.Context, p job.CreateParams) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (agreement_id, job_id, owner, provider, status, status_text, namespace, workflow)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.AgreementID, p.JobID, p.Owner, nullString(p.Provider),
		int(job.StatusWarmingUp), job.StatusWarmingUp.Text(),
		nullString(p.Environment), []byte(p.Specification))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "jobs_unfinished_agreement" {
			return job.ErrDuplicateAgreement
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// QueryJobs returns jobs matching the filter, oldest first.
func (s *Store) QueryJobs(ctx context.Context, f job.Filter) ([]job.Job, error) {
	where, args := buildJobsWhere(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListUnfinished returns every job still counting against its agreement.
func (s *Store) ListUnfinished(ctx context.Context) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE finished_at IS NULL AND NOT removed
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query unfinished jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// JobIDs resolves the job identifiers matching the filter.
func (s *Store) JobIDs(ctx context.Context, f job.Filter) ([]string, error) {
	where, args := buildJobsWhere(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM jobs`+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("query job ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkStopRequested sets the stopreq flag. The flag is monotonic; repeated
// calls are no-ops.
func (s *Store) MarkStopRequested(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stopreq = true WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("mark stop requested: %w", err)
	}
	return nil
}

// MarkRemoved sets the removed flag. The flag is monotonic; repeated calls
// are no-ops.
func (s *Store) MarkRemoved(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET removed = true WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("mark removed: %w", err)
	}
	return nil
}

// JobOutputs returns the owner and ordered output references of a job, or
// found=false when no such job exists.
func (s *Store) JobOutputs(ctx context.Context, jobID string) (owner string, outputs []job.OutputRef, found bool, err error) {
	var raw []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT owner, outputs FROM jobs WHERE job_id = $1`, jobID).Scan(&owner, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("query job outputs: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &outputs); err != nil {
			return "", nil, false, fmt.Errorf("decode job outputs: %w", err)
		}
	}
	return owner, outputs, true, nil
}

// OwnedByProvider reports whether the owner has at least one job brokered by
// the provider. Provider addresses compare case-insensitively.
func (s *Store) OwnedByProvider(ctx context.Context, owner, provider string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE owner = $1 AND lower(provider) = lower($2))`,
		owner, provider).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query job ownership: %w", err)
	}
	return exists, nil
}

// buildJobsWhere turns a filter into a WHERE clause with numbered
// placeholders. The chain filter matches the chainId recorded inside the
// stored specification document.
func buildJobsWhere(f job.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}

	if f.AgreementID != "" {
		add("agreement_id = $%d", f.AgreementID)
	}
	if f.JobID != "" {
		add("job_id = $%d", f.JobID)
	}
	if f.Owner != "" {
		add("owner = $%d", f.Owner)
	}
	if f.ChainID != "" {
		add("workflow->'spec'->'metadata'->>'chainId' = $%d", f.ChainID)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func collectJobs(rows *sql.Rows) ([]job.Job, error) {
	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(rows *sql.Rows) (job.Job, error) {
	var (
		j          job.Job
		provider   sql.NullString
		status     int
		finished   sql.NullFloat64
		configLog  sql.NullString
		publishLog sql.NullString
		algoLog    sql.NullString
		outputs    []byte
		spec       []byte
		namespace  sql.NullString
	)
	err := rows.Scan(
		&j.AgreementID, &j.JobID, &j.Owner, &provider, &status, &j.StatusText,
		&j.DateCreated, &finished,
		&configLog, &publishLog, &algoLog, &outputs, &spec, &namespace,
		&j.StopRequested, &j.Removed,
	)
	if err != nil {
		return job.Job{}, fmt.Errorf("scan job: %w", err)
	}

	j.Status = job.Status(status)
	j.Provider = provider.String
	j.Environment = namespace.String
	j.ConfigLogURL = configLog.String
	j.PublishLogURL = publishLog.String
	j.AlgoLogURL = algoLog.String
	if finished.Valid {
		v := finished.Float64
		j.DateFinished = &v
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &j.Outputs); err != nil {
			return job.Job{}, fmt.Errorf("decode job outputs: %w", err)
		}
	}
	if len(spec) > 0 {
		j.Specification = json.RawMessage(spec)
	}
	return j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
