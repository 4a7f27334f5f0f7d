package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kkaryeong/reagent-ology/errors"
)

// Job statuses. A job only ever moves forward: pending, processing, done.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
)

// Job is one queued measurement request
type Job struct {
	ID          string    `json:"id"`
	TagUID      string    `json:"tag_uid"`
	Status      string    `json:"status"`
	ClaimedBy   string    `json:"claimed_by,omitempty"`
	ResultLogID *int64    `json:"result_log_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Enqueue creates a pending job for the reagent carrying tag. The tag must
// belong to a known reagent; an unknown tag is the caller's error, not ours.
func (s *Store) Enqueue(ctx context.Context, tag string) (*Job, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reagents WHERE tag_uid = ?", tag,
	).Scan(&exists)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Enqueue", "look up tag")
	}
	if exists == 0 {
		return nil, errors.WrapNotFound(errors.ErrTagNotFound, "Store", "Enqueue", "look up tag")
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		TagUID:    tag,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO measure_queue (id, tag_uid, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.TagUID, job.Status, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Enqueue", "insert job")
	}

	if s.metrics != nil {
		s.metrics.JobsEnqueued.Inc()
		s.metrics.QueueDepth.Inc()
	}
	s.logger.Info("Job enqueued", "job_id", job.ID, "tag_uid", tag)

	return job, nil
}

// ClaimNext hands the oldest pending job to agent and marks it processing.
// Selection and update run in one write transaction, so under concurrent
// claimants exactly one wins each job. Returns nil when nothing is pending.
func (s *Store) ClaimNext(ctx context.Context, agent string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "ClaimNext", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	job := &Job{}
	err = tx.QueryRowContext(ctx,
		`SELECT id, tag_uid, created_at FROM measure_queue
		 WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		StatusPending,
	).Scan(&job.ID, &job.TagUID, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "ClaimNext", "select pending job")
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE measure_queue SET status = ?, claimed_by = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusProcessing, agent, now, job.ID, StatusPending,
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "ClaimNext", "mark processing")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Lost the race inside our own transaction; cannot happen with an
		// immediate write lock, treat as empty queue
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "ClaimNext", "commit claim")
	}

	job.Status = StatusProcessing
	job.ClaimedBy = agent
	job.UpdatedAt = now

	if s.metrics != nil {
		s.metrics.JobsClaimed.Inc()
		s.metrics.QueueDepth.Dec()
	}
	s.logger.Info("Job claimed", "job_id", job.ID, "tag_uid", job.TagUID, "agent", agent)

	return job, nil
}

// Finish marks the job done, optionally recording the usage log it produced.
// Finishing an already-done job succeeds; only an unknown id is an error.
func (s *Store) Finish(ctx context.Context, jobID string, resultLogID *int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE measure_queue SET status = ?, result_log_id = COALESCE(?, result_log_id), updated_at = ?
		 WHERE id = ?`,
		StatusDone, resultLogID, time.Now().UTC(), jobID,
	)
	if err != nil {
		return errors.WrapTransient(err, "Store", "Finish", "mark done")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WrapNotFound(errors.ErrJobNotFound, "Store", "Finish", "look up job")
	}

	if s.metrics != nil {
		s.metrics.JobsFinished.Inc()
	}
	s.logger.Info("Job finished", "job_id", jobID)

	return nil
}

// GetJob returns one job by id
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	job := &Job{}
	var claimedBy sql.NullString
	var resultLogID sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, tag_uid, status, claimed_by, result_log_id, created_at, updated_at
		 FROM measure_queue WHERE id = ?`,
		jobID,
	).Scan(&job.ID, &job.TagUID, &job.Status, &claimedBy, &resultLogID,
		&job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.WrapNotFound(errors.ErrJobNotFound, "Store", "GetJob", "look up job")
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "GetJob", "select job")
	}

	job.ClaimedBy = claimedBy.String
	if resultLogID.Valid {
		job.ResultLogID = &resultLogID.Int64
	}

	return job, nil
}

// PendingCount returns the number of jobs still waiting for an agent
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM measure_queue WHERE status = ?", StatusPending,
	).Scan(&n)
	if err != nil {
		return 0, errors.WrapTransient(err, "Store", "PendingCount", "count pending")
	}
	return n, nil
}
