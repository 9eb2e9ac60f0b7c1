// Package queue is a durable, lease-based job queue for outbound sends,
// stored in the same SQLite database as the chat store.
//
// A job moves QUEUED -> LEASED -> {DONE, QUEUED (retry), DEAD}. Only the
// holder of the current lease token can settle a leased job; a lease that
// outlives its timeout is reclaimed back to QUEUED on the next Lease call.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatd/internal/store"
)

// State is the lifecycle state of a job.
type State string

const (
	Queued State = "QUEUED"
	Leased State = "LEASED"
	Done   State = "DONE"
	Dead   State = "DEAD"
)

var (
	// ErrUnavailable wraps any storage failure while enqueueing.
	ErrUnavailable = errors.New("dispatch queue unavailable")
	// ErrLeaseLost is returned when a job is no longer leased under the given token.
	ErrLeaseLost = errors.New("lease lost")
	ErrNotFound  = errors.New("job not found")
	// ErrNotDead is returned by Requeue for jobs that are not dead-lettered.
	ErrNotDead = errors.New("job is not dead-lettered")
	// ErrMessageSettled is returned by Requeue when the job's message is
	// already DELIVERED or FAILED; a resend could not be recorded.
	ErrMessageSettled = errors.New("message already settled")
)

// LeaseExpired is the last_error recorded when a lease is reclaimed.
const LeaseExpired = "lease expired"

// Payload is what the worker hands to the gateway.
type Payload struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Job is one pending send.
type Job struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"message_id"`
	Payload        Payload   `json:"payload"`
	State          State     `json:"state"`
	AttemptCount   int       `json:"attempt_count"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseToken     string    `json:"-"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Queue is the dispatch queue.
type Queue struct {
	db           *store.DB
	leaseTimeout time.Duration
	now          func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLeaseTimeout sets how long a lease is held before it is reclaimed.
func WithLeaseTimeout(d time.Duration) Option {
	return func(q *Queue) { q.leaseTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue on db.
func New(db *store.DB, opts ...Option) *Queue {
	q := &Queue{
		db:           db,
		leaseTimeout: time.Minute,
		now:          time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

const jobColumns = `id, message_id, chat_id, text, state, attempt_count, next_attempt_at,
	lease_owner, lease_token, lease_expires_at, last_error, created_at, updated_at`

// Enqueue adds a QUEUED job that is immediately eligible for leasing.
func (q *Queue) Enqueue(ctx context.Context, messageID string, p Payload) (*Job, error) {
	now := q.now()
	job := &Job{
		ID:            uuid.NewString(),
		MessageID:     messageID,
		Payload:       p,
		State:         Queued,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO dispatch_jobs (id, message_id, chat_id, text, state, attempt_count, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ID, job.MessageID, p.ChatID, p.Text, Queued, now.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return job, nil
}

// Lease hands the oldest ready job to workerID. It returns (nil, nil) when no
// job is ready. Expired leases are reclaimed first, in the same transaction.
func (q *Queue) Lease(ctx context.Context, workerID string) (*Job, error) {
	now := q.now()
	var job *Job
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := reclaim(ctx, tx, now); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE dispatch_jobs SET
				state = 'LEASED', lease_owner = ?, lease_token = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = (
				SELECT id FROM dispatch_jobs
				WHERE state = 'QUEUED' AND next_attempt_at <= ?
				ORDER BY next_attempt_at ASC, created_at ASC, id ASC
				LIMIT 1
			)
			RETURNING `+jobColumns,
			workerID, uuid.NewString(), now.Add(q.leaseTimeout).UnixMilli(), now.UnixMilli(), now.UnixMilli())
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lease job: %w", err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Ack settles a leased job as DONE.
func (q *Queue) Ack(ctx context.Context, jobID, leaseToken string) error {
	return q.settle(ctx, jobID, leaseToken, `
		UPDATE dispatch_jobs SET state = 'DONE', lease_token = '', updated_at = ?
		WHERE id = ? AND state = 'LEASED' AND lease_token = ?`,
		q.now().UnixMilli(), jobID, leaseToken)
}

// Retry puts a leased job back in the queue, eligible again after delay, and
// counts the failed attempt.
func (q *Queue) Retry(ctx context.Context, jobID, leaseToken string, delay time.Duration, lastErr string) error {
	now := q.now()
	return q.settle(ctx, jobID, leaseToken, `
		UPDATE dispatch_jobs SET
			state = 'QUEUED', attempt_count = attempt_count + 1, next_attempt_at = ?,
			lease_owner = '', lease_token = '', lease_expires_at = 0, last_error = ?, updated_at = ?
		WHERE id = ? AND state = 'LEASED' AND lease_token = ?`,
		now.Add(delay).UnixMilli(), lastErr, now.UnixMilli(), jobID, leaseToken)
}

// DeadLetter settles a leased job as DEAD. DEAD is terminal until an
// operator calls Requeue.
func (q *Queue) DeadLetter(ctx context.Context, jobID, leaseToken, reason string) error {
	return q.settle(ctx, jobID, leaseToken, `
		UPDATE dispatch_jobs SET
			state = 'DEAD', attempt_count = attempt_count + 1,
			lease_token = '', last_error = ?, updated_at = ?
		WHERE id = ? AND state = 'LEASED' AND lease_token = ?`,
		reason, q.now().UnixMilli(), jobID, leaseToken)
}

func (q *Queue) settle(ctx context.Context, jobID, leaseToken, query string, args ...any) error {
	if leaseToken == "" {
		return ErrLeaseLost
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}
	return nil
}

// ReclaimExpired returns every expired lease to QUEUED and reports how many
// jobs were reclaimed. A reclaim counts as a failed attempt.
func (q *Queue) ReclaimExpired(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = reclaim(ctx, tx, q.now())
		return err
	})
	return n, err
}

func reclaim(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE dispatch_jobs SET
			state = 'QUEUED', attempt_count = attempt_count + 1,
			lease_owner = '', lease_token = '', lease_expires_at = 0, last_error = ?, updated_at = ?
		WHERE state = 'LEASED' AND lease_expires_at <= ?`,
		LeaseExpired, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return res.RowsAffected()
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM dispatch_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ForMessage returns the jobs created for a message, oldest first.
func (q *Queue) ForMessage(ctx context.Context, messageID string) ([]Job, error) {
	return q.list(ctx, `SELECT `+jobColumns+` FROM dispatch_jobs WHERE message_id = ? ORDER BY created_at ASC`, messageID)
}

// ListDead returns dead-lettered jobs, most recently failed first.
func (q *Queue) ListDead(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.list(ctx, `SELECT `+jobColumns+` FROM dispatch_jobs WHERE state = 'DEAD' ORDER BY updated_at DESC LIMIT ?`, limit)
}

// Requeue gives a dead-lettered job a fresh retry budget. Jobs whose message
// is no longer PENDING are refused with ErrMessageSettled.
func (q *Queue) Requeue(ctx context.Context, jobID string) error {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE dispatch_jobs SET
			state = 'QUEUED', attempt_count = 0, next_attempt_at = ?, lease_owner = '', updated_at = ?
		WHERE id = ? AND state = 'DEAD'
			AND NOT EXISTS (SELECT 1 FROM messages m
				WHERE m.id = dispatch_jobs.message_id AND m.status != 'PENDING')`, now, now, jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		job, err := q.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if job.State != Dead {
			return ErrNotDead
		}
		return ErrMessageSettled
	}
	return nil
}

// Stats returns the number of jobs in each state.
func (q *Queue) Stats(ctx context.Context) (map[State]int64, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM dispatch_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := map[State]int64{Queued: 0, Leased: 0, Done: 0, Dead: 0}
	for rows.Next() {
		var s State
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		stats[s] = n
	}
	return stats, rows.Err()
}

// Purge deletes DONE jobs last updated before olderThan.
func (q *Queue) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM dispatch_jobs WHERE state = 'DONE' AND updated_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var j Job
	var next, leaseExp, created, updated int64
	if err := s.Scan(&j.ID, &j.MessageID, &j.Payload.ChatID, &j.Payload.Text, &j.State, &j.AttemptCount, &next,
		&j.LeaseOwner, &j.LeaseToken, &leaseExp, &j.LastError, &created, &updated); err != nil {
		return nil, err
	}
	j.NextAttemptAt = time.UnixMilli(next)
	if leaseExp > 0 {
		j.LeaseExpiresAt = time.UnixMilli(leaseExp)
	}
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(updated)
	return &j, nil
}

// PayloadFor builds the gateway payload for a message of chat.
func PayloadFor(chat *store.Chat, msg *store.Message) Payload {
	return Payload{ChatID: chat.GatewayChatID, Text: msg.OutboundText()}
}
