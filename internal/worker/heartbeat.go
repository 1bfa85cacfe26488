package worker

import (
	"sync"
	"time"

	"transcription-palantir/internal/queue"
	"transcription-palantir/pkg/logger"
)

// heartbeatCoordinator sends a heartbeat plus a progress update after each
// parsed engine line and, on every cfg.HeartbeatEvery tick that follows an
// interval with no progress update, a plain heartbeat, so a quiet-but-alive
// job is never mistaken for a stalled one.
type heartbeatCoordinator struct {
	q     *queue.Queue
	lease queue.Lease

	mu       sync.Mutex
	lastSent time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newHeartbeatCoordinator(q *queue.Queue, lease queue.Lease, every time.Duration) *heartbeatCoordinator {
	h := &heartbeatCoordinator{
		q:      q,
		lease:  lease,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go h.tick(every)
	return h
}

func (h *heartbeatCoordinator) tick(every time.Duration) {
	defer close(h.doneCh)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			quiet := time.Since(h.lastSent) >= every
			h.mu.Unlock()
			if !quiet {
				continue // a progress update already refreshed the lease this interval
			}
			if err := h.q.Heartbeat(h.lease); err != nil {
				logger.Error("worker: heartbeat failed", "job_id", h.lease.JobID, "error", err)
			}
		case <-h.stopCh:
			return
		}
	}
}

func (h *heartbeatCoordinator) reportProgress(percent int) {
	h.mu.Lock()
	h.lastSent = time.Now()
	h.mu.Unlock()

	if err := h.q.Heartbeat(h.lease); err != nil {
		logger.Error("worker: heartbeat failed", "job_id", h.lease.JobID, "error", err)
	}
	if err := h.q.ReportProgress(h.lease, percent); err != nil {
		logger.Error("worker: report progress failed", "job_id", h.lease.JobID, "error", err)
	}
}

func (h *heartbeatCoordinator) stop() {
	close(h.stopCh)
	<-h.doneCh
}
