package storage

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

const pollJobColumns = `id, task_id, kind, label, status, attempts, max_attempts, run_after, created_at, updated_at, last_status, last_error`

func (s *Store) EnqueuePollJob(job PollJob) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO poll_jobs (id, task_id, kind, label, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.TaskID, job.Kind, job.Label, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextPollJob marks the oldest due pending job of one of kinds as
// running and returns it. It returns nil when nothing is due.
func (s *Store) ClaimNextPollJob(kinds []string) (*PollJob, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(kinds)-1)
	query := `SELECT ` + pollJobColumns + `
		FROM poll_jobs
		WHERE status = 'pending' AND run_after <= ? AND kind IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(kinds)+1)
	args = append(args, now)
	for _, k := range kinds {
		args = append(args, k)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	j, err := scanPollJob(tx.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next poll job: %w", err)
	}

	res, err := tx.Exec(`UPDATE poll_jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating poll job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated poll job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for poll job %s: %w", j.ID, err)
	}
	return &j, nil
}

// ClaimPollJob marks the pending job id as running. It reports false when
// the job is not pending.
func (s *Store) ClaimPollJob(id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	err := expectOneRow(s.db.Exec(`UPDATE poll_jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, id))
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// ReleasePollJob hands a running job back to the queue without counting an
// attempt, so another watcher can resume it.
func (s *Store) ReleasePollJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return expectOneRow(s.db.Exec(`UPDATE poll_jobs SET status = 'pending', run_after = ?, updated_at = ? WHERE id = ? AND status = 'running'`, now, now, id))
}

// AbandonPollJob marks a job failed for good with the terminal status the
// server reported.
func (s *Store) AbandonPollJob(id, finalStatus string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return expectOneRow(s.db.Exec(`UPDATE poll_jobs SET status = 'failed', last_status = ?, last_error = ?, updated_at = ? WHERE id = ?`, finalStatus, finalStatus, now, id))
}

// RecordPollStatus stores the latest non-terminal status seen for a job.
func (s *Store) RecordPollStatus(id, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return expectOneRow(s.db.Exec(`UPDATE poll_jobs SET last_status = ?, updated_at = ? WHERE id = ?`, status, now, id))
}

// CompletePollJob marks a job finished with the terminal status the server reported.
func (s *Store) CompletePollJob(id, finalStatus string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return expectOneRow(s.db.Exec(`UPDATE poll_jobs SET status = 'completed', last_status = ?, updated_at = ? WHERE id = ?`, finalStatus, now, id))
}

// FailPollJob records a failed watch. The job goes back to pending with an
// exponential backoff until max_attempts is reached.
func (s *Store) FailPollJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM poll_jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE poll_jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE poll_jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) GetPollJob(id string) (PollJob, error) {
	j, err := scanPollJob(s.db.QueryRow(`SELECT `+pollJobColumns+` FROM poll_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return PollJob{}, ErrNotFound
	}
	return j, err
}

// ListPollJobs returns the most recently created jobs first.
func (s *Store) ListPollJobs(limit int) ([]PollJob, error) {
	rows, err := s.db.Query(`SELECT `+pollJobColumns+` FROM poll_jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []PollJob
	for rows.Next() {
		j, err := scanPollJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountPollJobs returns the number of jobs in the given status.
func (s *Store) CountPollJobs(status string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM poll_jobs WHERE status = ?`, status).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPollJob(row rowScanner) (PollJob, error) {
	var j PollJob
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := row.Scan(
		&j.ID, &j.TaskID, &j.Kind, &j.Label, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &j.LastStatus, &lastError,
	); err != nil {
		return PollJob{}, err
	}
	j.LastError = lastError.String

	var err error
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return PollJob{}, fmt.Errorf("parsing run_after for poll job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return PollJob{}, fmt.Errorf("parsing created_at for poll job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return PollJob{}, fmt.Errorf("parsing updated_at for poll job %s: %w", j.ID, err)
	}
	return j, nil
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
