// Package queue implements the Job Queue: a durable, gorm-backed priority
// queue with atomic lease-based claiming, stalled-job detection, and a
// subscribable event stream.
//
// The queue is the sole admission point for PROCESSING jobs: Claim is the
// only path that transitions a job to PROCESSING, and it enforces
// |PROCESSING| < CONCURRENCY_LIMIT inside a single database transaction so
// the invariant holds under contention and across process restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"transcription-palantir/internal/models"
	"transcription-palantir/pkg/logger"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNoJobAvailable is returned by Claim when no PENDING job can be leased
// right now, either because the queue is empty or CONCURRENCY_LIMIT is
// already saturated.
var ErrNoJobAvailable = errors.New("queue: no job available to claim")

// ErrDuplicateID is returned by Enqueue when a job with the same ID already exists.
var ErrDuplicateID = errors.New("queue: duplicate job id")

// ErrLeaseExpired is returned by Heartbeat/ReportProgress/Complete/Fail when
// the caller's lease no longer matches the job's current lease.
var ErrLeaseExpired = errors.New("queue: lease expired or superseded")

// ErrJobActive is returned by Remove when the job is PROCESSING.
var ErrJobActive = errors.New("queue: cannot remove an actively processing job")

// ErrTerminalCompleted is returned by Retry for a COMPLETED job.
var ErrTerminalCompleted = errors.New("queue: cannot retry a completed job")

// Config tunes the queue's liveness behavior.
type Config struct {
	ConcurrencyLimit int
	LockDuration     time.Duration
	StalledInterval  time.Duration
	MaxStalledCount  int
	MaxAttempts      int
}

// Lease is the time-bounded right to process a job, returned by Claim.
type Lease struct {
	JobID     string
	Token     string
	ExpiresAt time.Time
}

// EventType enumerates the kinds of events the queue publishes.
type EventType string

const (
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event is a single queue state-change notification.
type Event struct {
	Type  EventType
	JobID string
	Job   models.Job
}

// Filter narrows List/CountByStatus results.
type Filter struct {
	Status     models.Status // zero value means "any"
	HasStatus  bool
	NamePrefix string
}

// Page requests a bounded, offset-based slice of results.
type Page struct {
	Offset int
	Limit  int
}

// Queue is the durable priority queue. It is safe for concurrent use.
type Queue struct {
	db  *gorm.DB
	cfg Config

	events *broadcaster

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Queue backed by db (already migrated for models.Job).
func New(db *gorm.DB, cfg Config) *Queue {
	return &Queue{
		db:     db,
		cfg:    cfg,
		events: newBroadcaster(),
		done:   make(chan struct{}),
	}
}

// Start launches the background stalled-job detection loop.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	go q.stalledLoop()
}

// Stop halts the background loop and closes the event stream.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	<-q.done
	q.events.shutdown()
}

// Enqueue adds job to the queue in PENDING status. It is idempotent on
// job.ID: a duplicate ID is rejected with ErrDuplicateID.
func (q *Queue) Enqueue(job *models.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = models.StatusPending
	job.Progress = 0
	if job.MaxAttempts == 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}

	var existing int64
	if err := q.db.Model(&models.Job{}).Where("id = ?", job.ID).Count(&existing).Error; err != nil {
		return "", fmt.Errorf("queue: enqueue lookup: %w", err)
	}
	if existing > 0 {
		return "", ErrDuplicateID
	}

	if err := q.db.Create(job).Error; err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return job.ID, nil
}

// Claim atomically transitions the highest-priority, oldest PENDING job to
// PROCESSING and issues a lease, enforcing |PROCESSING| < CONCURRENCY_LIMIT
// inside the transaction. It returns ErrNoJobAvailable if nothing can be
// claimed right now.
func (q *Queue) Claim() (*models.Job, *Lease, error) {
	var claimed models.Job
	var lease *Lease

	err := q.db.Transaction(func(tx *gorm.DB) error {
		var processingCount int64
		if err := tx.Model(&models.Job{}).Where("status = ?", models.StatusProcessing).Count(&processingCount).Error; err != nil {
			return err
		}
		if processingCount >= int64(q.cfg.ConcurrencyLimit) {
			return ErrNoJobAvailable
		}

		// Priority dominates; FIFO within priority via created_at.
		err := tx.Where("status = ?", models.StatusPending).
			Order("priority asc, created_at asc").
			First(&claimed).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoJobAvailable
		}
		if err != nil {
			return err
		}

		now := time.Now()
		token := uuid.New().String()
		expires := now.Add(q.cfg.LockDuration)

		claimed.Status = models.StatusProcessing
		claimed.StartedAt = &now
		claimed.Progress = 0
		claimed.LeaseToken = token
		claimed.LeaseExpiresAt = &expires
		claimed.LastProgressUpdate = &now

		if err := tx.Save(&claimed).Error; err != nil {
			return err
		}
		lease = &Lease{JobID: claimed.ID, Token: token, ExpiresAt: expires}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	q.events.publish(Event{Type: EventActive, JobID: claimed.ID, Job: claimed})
	return &claimed, lease, nil
}

// validLease loads the job for lease.JobID inside tx and verifies the
// lease token matches and has not expired.
func (q *Queue) validLease(tx *gorm.DB, lease Lease) (*models.Job, error) {
	var job models.Job
	if err := tx.Where("id = ?", lease.JobID).First(&job).Error; err != nil {
		return nil, err
	}
	if job.Status != models.StatusProcessing || job.LeaseToken != lease.Token {
		return nil, ErrLeaseExpired
	}
	if job.LeaseExpiresAt == nil || time.Now().After(*job.LeaseExpiresAt) {
		return nil, ErrLeaseExpired
	}
	return &job, nil
}

// Heartbeat extends lease and updates last_progress_update, preventing a
// false stall for long-running but healthy jobs.
func (q *Queue) Heartbeat(lease Lease) error {
	return q.db.Transaction(func(tx *gorm.DB) error {
		job, err := q.validLease(tx, lease)
		if err != nil {
			return err
		}
		now := time.Now()
		expires := now.Add(q.cfg.LockDuration)
		job.LeaseExpiresAt = &expires
		job.LastProgressUpdate = &now
		return tx.Save(job).Error
	})
}

// ReportProgress applies a monotonic progress update to the leased job.
func (q *Queue) ReportProgress(lease Lease, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	var job *models.Job
	err := q.db.Transaction(func(tx *gorm.DB) error {
		j, err := q.validLease(tx, lease)
		if err != nil {
			return err
		}
		if percent < j.Progress {
			percent = j.Progress // monotonic within one attempt
		}
		now := time.Now()
		j.Progress = percent
		j.LastProgressUpdate = &now
		if err := tx.Save(j).Error; err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return err
	}
	q.events.publish(Event{Type: EventProgress, JobID: job.ID, Job: *job})
	return nil
}

// Complete transitions a leased job PROCESSING -> COMPLETED and releases
// the lease.
func (q *Queue) Complete(lease Lease, transcriptPath string) error {
	var job *models.Job
	err := q.db.Transaction(func(tx *gorm.DB) error {
		j, err := q.validLease(tx, lease)
		if err != nil {
			return err
		}
		now := time.Now()
		j.Status = models.StatusCompleted
		j.Progress = 100
		j.FinishedAt = &now
		if j.StartedAt != nil {
			ms := now.Sub(*j.StartedAt).Milliseconds()
			j.DurationMs = &ms
		}
		j.TranscriptPath = transcriptPath
		j.LeaseToken = ""
		j.LeaseExpiresAt = nil
		if err := tx.Save(j).Error; err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return err
	}
	q.events.publish(Event{Type: EventCompleted, JobID: job.ID, Job: *job})
	return nil
}

// Fail records a processing failure. If attempts remain, the job returns to
// PENDING for another attempt (progress reset to 0); otherwise it becomes
// terminally FAILED.
func (q *Queue) Fail(lease Lease, errorCode, errorReason string) error {
	var job *models.Job
	var terminal bool
	err := q.db.Transaction(func(tx *gorm.DB) error {
		j, err := q.validLease(tx, lease)
		if err != nil {
			return err
		}
		j.Attempts++
		j.ErrorCode = errorCode
		j.ErrorReason = errorReason
		j.LeaseToken = ""
		j.LeaseExpiresAt = nil
		if j.Attempts < j.MaxAttempts {
			j.Status = models.StatusPending
			j.Progress = 0
			j.StartedAt = nil
		} else {
			terminal = true
			now := time.Now()
			j.Status = models.StatusFailed
			j.FinishedAt = &now
		}
		if err := tx.Save(j).Error; err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return err
	}
	if terminal {
		q.events.publish(Event{Type: EventFailed, JobID: job.ID, Job: *job})
	}
	return nil
}

// Get returns the job with the given id.
func (q *Queue) Get(id string) (*models.Job, error) {
	var job models.Job
	if err := q.db.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns jobs matching filter, paginated, plus the exact total count
// for that filter. The total is always an exact count, never approximated
// from the returned page.
func (q *Queue) List(filter Filter, page Page) ([]models.Job, int64, error) {
	query := q.db.Model(&models.Job{})
	if filter.HasStatus {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.NamePrefix != "" {
		query = query.Where("file_name LIKE ?", filter.NamePrefix+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []models.Job
	limit := page.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	err := query.Order("priority asc, created_at asc").
		Offset(page.Offset).Limit(limit).Find(&jobs).Error
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListAll returns every job matching filter, uncapped. For internal bulk
// operations (reconciliation, clean-failed) that must see every matching
// row, not just a page of them; List's 100-row cap exists for the paginated
// HTTP endpoint and would silently truncate these.
func (q *Queue) ListAll(filter Filter) ([]models.Job, error) {
	query := q.db.Model(&models.Job{})
	if filter.HasStatus {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.NamePrefix != "" {
		query = query.Where("file_name LIKE ?", filter.NamePrefix+"%")
	}

	var jobs []models.Job
	if err := query.Order("priority asc, created_at asc").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// CountByStatus returns exact per-status counts, used by /queue/stats and
// /metrics. List computes its own exact total for its filter.
func (q *Queue) CountByStatus() (map[models.Status]int64, error) {
	statuses := []models.Status{
		models.StatusPending, models.StatusProcessing,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled,
	}
	out := make(map[models.Status]int64, len(statuses))
	for _, s := range statuses {
		var n int64
		if err := q.db.Model(&models.Job{}).Where("status = ?", s).Count(&n).Error; err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, nil
}

// Remove deletes a non-PROCESSING job. Active jobs must have their lease
// revoked (via stall detection or an operator kill) before they can be
// removed.
func (q *Queue) Remove(id string) error {
	return q.db.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}
		if job.Status == models.StatusProcessing {
			return ErrJobActive
		}
		return tx.Delete(&job).Error
	})
}

// Retry transitions a FAILED job back to PENDING, clearing its error and
// resetting progress, re-inserting it at its original priority (priority
// is never touched, so no re-insertion is actually needed: the job simply
// becomes claimable again). Retry is idempotent: if the job is already
// PENDING or PROCESSING this is a no-op success. COMPLETED jobs cannot be
// retried (delete first).
func (q *Queue) Retry(id string) error {
	return q.db.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}
		switch job.Status {
		case models.StatusPending, models.StatusProcessing:
			return nil // idempotent no-op
		case models.StatusCompleted:
			return ErrTerminalCompleted
		}
		job.Status = models.StatusPending
		job.Progress = 0
		job.ErrorCode = ""
		job.ErrorReason = ""
		job.StartedAt = nil
		job.FinishedAt = nil
		job.DurationMs = nil
		return tx.Save(&job).Error
	})
}

// MarkPhantomFailed transitions a PENDING job straight to FAILED with
// ERR_FILE_MISSING, used by the reconciler for jobs whose source file
// vanished before a worker ever claimed them. Unlike Fail, no lease is
// required since the job was never claimed.
func (q *Queue) MarkPhantomFailed(id, filePath string) error {
	var job *models.Job
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var j models.Job
		if err := tx.Where("id = ? AND status = ?", id, models.StatusPending).First(&j).Error; err != nil {
			return err
		}
		now := time.Now()
		j.Status = models.StatusFailed
		j.ErrorCode = models.ErrFileMissing
		j.ErrorReason = fmt.Sprintf("Source file no longer present at %s", filePath)
		j.FinishedAt = &now
		if err := tx.Save(&j).Error; err != nil {
			return err
		}
		job = &j
		return nil
	})
	if err != nil {
		return err
	}
	q.events.publish(Event{Type: EventFailed, JobID: job.ID, Job: *job})
	return nil
}

// Revive force-sets id back to PENDING from any non-terminal or FAILED
// state, re-entering the claim pool. Used for operator-initiated
// reactivation, distinct from Retry in that it does not require a FAILED
// starting state.
func (q *Queue) Revive(id string) error {
	return q.db.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}
		if job.Status == models.StatusCompleted || job.Status == models.StatusCancelled {
			return ErrTerminalCompleted
		}
		job.Status = models.StatusPending
		job.Progress = 0
		job.LeaseToken = ""
		job.LeaseExpiresAt = nil
		job.StartedAt = nil
		return tx.Save(&job).Error
	})
}

// UpdatePriority changes a job's priority in place via a single UPDATE,
// rather than removing and re-enqueuing the row. This keeps the operation
// atomic and id-stable: the external id never changes and callers never
// observe the job disappearing mid-update.
func (q *Queue) UpdatePriority(id string, priority models.Priority) error {
	return q.db.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return ErrTerminalCompleted
		}
		job.Priority = priority
		return tx.Save(&job).Error
	})
}

// UpdateMetadata overwrites a job's opaque metadata blob with raw (expected
// to already be validated JSON). Like UpdatePriority, rejected once the job
// has reached a terminal status.
func (q *Queue) UpdateMetadata(id string, raw json.RawMessage) error {
	return q.db.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return ErrTerminalCompleted
		}
		job.MetadataJSON = string(raw)
		return tx.Save(&job).Error
	})
}

// Subscribe returns a channel of queue events and an unsubscribe function.
// The publisher never blocks on a slow subscriber: events are dropped for
// that subscriber only if its buffer is full. The durable state change
// itself is never lost, only the live notification of it.
func (q *Queue) Subscribe() (<-chan Event, func()) {
	return q.events.subscribe()
}

// stalledLoop runs stalled-job detection: every StalledInterval, PROCESSING
// jobs whose lease has expired are either returned to PENDING or failed
// terminally, and any drift above CONCURRENCY_LIMIT is corrected.
func (q *Queue) stalledLoop() {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.detectStalled()
			q.enforceConcurrencyLimit()
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) detectStalled() {
	var expired []models.Job
	now := time.Now()
	if err := q.db.Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?",
		models.StatusProcessing, now).Find(&expired).Error; err != nil {
		logger.Error("queue: stalled scan failed", "error", err)
		return
	}

	for _, job := range expired {
		job := job
		err := q.db.Transaction(func(tx *gorm.DB) error {
			var fresh models.Job
			if err := tx.Where("id = ? AND status = ?", job.ID, models.StatusProcessing).First(&fresh).Error; err != nil {
				return err
			}
			if fresh.LeaseExpiresAt == nil || !fresh.LeaseExpiresAt.Before(now) {
				return nil // lease was refreshed between scan and transaction
			}

			fresh.StallCount++
			fresh.LeaseToken = ""
			fresh.LeaseExpiresAt = nil

			if fresh.StallCount <= q.cfg.MaxStalledCount {
				fresh.Status = models.StatusPending
				fresh.Attempts++
				fresh.StartedAt = nil
				fresh.Progress = 0
				logger.SelfHealWarn("job stalled, returning to pending",
					"job_id", fresh.ID, "stall_count", fresh.StallCount, "attempts", fresh.Attempts)
			} else {
				fresh.Status = models.StatusFailed
				fresh.ErrorCode = models.ErrJobStalled
				fresh.ErrorReason = fmt.Sprintf("Job stalled after %d attempts", fresh.StallCount)
				finishedAt := now
				fresh.FinishedAt = &finishedAt
				logger.SelfHealWarn("job exceeded max stall count, marking failed",
					"job_id", fresh.ID, "stall_count", fresh.StallCount)
			}
			return tx.Save(&fresh).Error
		})
		if err != nil {
			logger.Error("queue: failed to transition stalled job", "job_id", job.ID, "error", err)
			continue
		}

		updated, err := q.Get(job.ID)
		if err != nil {
			continue
		}
		evt := EventStalled
		if updated.Status == models.StatusFailed {
			evt = EventFailed
		}
		q.events.publish(Event{Type: evt, JobID: updated.ID, Job: *updated})
	}
}

// enforceConcurrencyLimit corrects drift above CONCURRENCY_LIMIT (e.g.
// after a reconciliation bug or a synthetic duplicate record injected
// directly into the store): excess PROCESSING jobs beyond the limit are
// demoted to PENDING, oldest-started first.
func (q *Queue) enforceConcurrencyLimit() {
	var processing []models.Job
	if err := q.db.Where("status = ?", models.StatusProcessing).
		Order("started_at asc").Find(&processing).Error; err != nil {
		logger.Error("queue: concurrency enforcement scan failed", "error", err)
		return
	}
	if len(processing) <= q.cfg.ConcurrencyLimit {
		return
	}

	excess := processing[:len(processing)-q.cfg.ConcurrencyLimit]
	for _, job := range excess {
		job := job
		job.Status = models.StatusPending
		job.LeaseToken = ""
		job.LeaseExpiresAt = nil
		job.StartedAt = nil
		job.Progress = 0
		if err := q.db.Save(&job).Error; err != nil {
			logger.Error("queue: failed to demote excess processing job", "job_id", job.ID, "error", err)
			continue
		}
		logger.SelfHealWarn("demoted excess processing job beyond concurrency limit", "job_id", job.ID)
		q.events.publish(Event{Type: EventStalled, JobID: job.ID, Job: job})
	}
}

// jitter returns a small random duration in [0, max) to desynchronize
// polling workers.
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
