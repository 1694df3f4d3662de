package db

import (
	"database/sql"
	"errors"
	"time"
)

// Delivery job states. pending → {delivered, failed};
// failed → {delivered, failed, abandoned}; delivered and abandoned are terminal.
const (
	JobPending   = "pending"
	JobFailed    = "failed"
	JobDelivered = "delivered"
	JobAbandoned = "abandoned"
)

// DeliveryJob is one durable (activity, inbox) delivery attempt.
type DeliveryJob struct {
	ID           int64
	ActivityJSON string
	InboxURL     string
	ActorURI     string
	Status       string
	Attempts     int
	LastError    string
	NextRetryAt  *time.Time
	DeliveredAt  *time.Time
	InsertedAt   time.Time
	UpdatedAt    time.Time
}

const jobCols = `id, activity_json, inbox_url, actor_uri, status, attempts,
	last_error, next_retry_at, delivered_at, inserted_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*DeliveryJob, error) {
	var j DeliveryJob
	var nextRetry, delivered sql.NullInt64
	var inserted, updated int64
	err := row.Scan(&j.ID, &j.ActivityJSON, &j.InboxURL, &j.ActorURI, &j.Status,
		&j.Attempts, &j.LastError, &nextRetry, &delivered, &inserted, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if nextRetry.Valid {
		t := time.Unix(nextRetry.Int64, 0).UTC()
		j.NextRetryAt = &t
	}
	if delivered.Valid {
		t := time.Unix(delivered.Int64, 0).UTC()
		j.DeliveredAt = &t
	}
	j.InsertedAt = time.Unix(inserted, 0).UTC()
	j.UpdatedAt = time.Unix(updated, 0).UTC()
	return &j, nil
}

// InsertDeliveryJob inserts a pending job. The partial unique index on
// (inbox_url, actor_uri) over in-flight rows makes duplicates a silent skip;
// it reports whether a new row was actually created.
func (s *Store) InsertDeliveryJob(activityJSON, inboxURL, actorURI string) (bool, error) {
	now := nowUnix()
	err := s.execInsertIgnore(
		`INSERT INTO delivery_jobs (activity_json, inbox_url, actor_uri, status, inserted_at, updated_at)
		 VALUES (?, ?, ?, 'pending', ?, ?)`,
		activityJSON, inboxURL, actorURI, now, now)
	if errors.Is(err, ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// JobByID returns one delivery job.
func (s *Store) JobByID(id int64) (*DeliveryJob, error) {
	row := s.db.QueryRow(s.rebind(
		`SELECT `+jobCols+` FROM delivery_jobs WHERE id = ?`), id)
	return scanJob(row)
}

// DueDeliveryJobs selects up to limit jobs ready for an attempt: fresh
// pending rows, and pending/failed rows whose retry time has passed.
// Oldest first.
func (s *Store) DueDeliveryJobs(now time.Time, limit int) ([]*DeliveryJob, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT `+jobCols+` FROM delivery_jobs
		 WHERE (status = 'pending' AND next_retry_at IS NULL)
		    OR (status IN ('pending','failed') AND next_retry_at <= ?)
		 ORDER BY inserted_at ASC LIMIT ?`),
		now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeliveryJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkJobDelivered transitions a job to delivered and bumps attempts.
func (s *Store) MarkJobDelivered(id int64) error {
	now := nowUnix()
	_, err := s.db.Exec(s.rebind(
		`UPDATE delivery_jobs
		 SET status = 'delivered', attempts = attempts + 1,
		     delivered_at = ?, next_retry_at = NULL, updated_at = ?
		 WHERE id = ?`),
		now, now, id)
	return err
}

// MarkJobFailed bumps attempts and either schedules a retry or abandons the
// job once maxAttempts is reached. lastError should already be truncated.
func (s *Store) MarkJobFailed(id int64, lastError string, nextRetryAt *time.Time, abandoned bool) error {
	now := nowUnix()
	status := JobFailed
	var retry *int64
	if abandoned {
		status = JobAbandoned
	} else if nextRetryAt != nil {
		u := nextRetryAt.Unix()
		retry = &u
	}
	_, err := s.db.Exec(s.rebind(
		`UPDATE delivery_jobs
		 SET status = ?, attempts = attempts + 1, last_error = ?,
		     next_retry_at = ?, updated_at = ?
		 WHERE id = ?`),
		status, lastError, nullInt(retry), now, id)
	return err
}

// AbandonJobWithoutAttempt marks a job abandoned without bumping attempts.
// Used for the pre-delivery domain block check.
func (s *Store) AbandonJobWithoutAttempt(id int64, lastError string) error {
	now := nowUnix()
	_, err := s.db.Exec(s.rebind(
		`UPDATE delivery_jobs
		 SET status = 'abandoned', last_error = ?, next_retry_at = NULL, updated_at = ?
		 WHERE id = ?`),
		lastError, now, id)
	return err
}

// ─── Administrative operations ────────────────────────────────────────────────

// RetryJob pending-izes a failed job and clears its retry time so the next
// poll picks it up immediately.
func (s *Store) RetryJob(id int64) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE delivery_jobs SET status = 'pending', next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'failed'`),
		nowUnix(), id)
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

// AbandonJob marks a single in-flight job abandoned.
func (s *Store) AbandonJob(id int64) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE delivery_jobs SET status = 'abandoned', next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('pending','failed')`),
		nowUnix(), id)
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

// RetryAllFailedForDomain pending-izes every failed job whose inbox lives on
// the given domain. Returns the number of jobs affected.
func (s *Store) RetryAllFailedForDomain(domain string) (int, error) {
	res, err := s.db.Exec(s.rebind(
		`UPDATE delivery_jobs SET status = 'pending', next_retry_at = NULL, updated_at = ?
		 WHERE status = 'failed' AND (inbox_url LIKE ? OR inbox_url LIKE ?)`),
		nowUnix(), "https://"+domain+"/%", "http://"+domain+"/%")
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AbandonAllForDomain abandons every in-flight job for a domain.
func (s *Store) AbandonAllForDomain(domain string) (int, error) {
	res, err := s.db.Exec(s.rebind(
		`UPDATE delivery_jobs SET status = 'abandoned', next_retry_at = NULL, updated_at = ?
		 WHERE status IN ('pending','failed') AND (inbox_url LIKE ? OR inbox_url LIKE ?)`),
		nowUnix(), "https://"+domain+"/%", "http://"+domain+"/%")
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// JobStatusCounts returns a count per job status.
func (s *Store) JobStatusCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM delivery_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ErrorRate24h returns (failed+abandoned)/(delivered+failed+abandoned) over
// jobs updated in the last 24 hours, or 0 when there were none.
func (s *Store) ErrorRate24h(now time.Time) (float64, error) {
	cutoff := now.Add(-24 * time.Hour).Unix()
	var delivered, failed, abandoned int
	err := s.db.QueryRow(s.rebind(
		`SELECT
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'abandoned')
		 FROM delivery_jobs WHERE updated_at >= ?`),
		cutoff).Scan(&delivered, &failed, &abandoned)
	if err != nil {
		return 0, err
	}
	total := delivered + failed + abandoned
	if total == 0 {
		return 0, nil
	}
	return float64(failed+abandoned) / float64(total), nil
}

// PurgeCompletedJobs deletes delivered jobs older than 7 days and abandoned
// jobs older than 30 days. Returns the number of rows removed.
func (s *Store) PurgeCompletedJobs(now time.Time) (int, error) {
	res, err := s.db.Exec(s.rebind(
		`DELETE FROM delivery_jobs
		 WHERE (status = 'delivered' AND updated_at < ?)
		    OR (status = 'abandoned' AND updated_at < ?)`),
		now.Add(-7*24*time.Hour).Unix(), now.Add(-30*24*time.Hour).Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
