// Package worker implements the Worker Pool: a fixed-size set of
// cooperating workers that claim jobs from the queue, supervise the
// transcription subprocess, report progress, and move artifacts between
// the watch/output/completed/failed trees. Subprocess ownership (including
// killProcessTree) lives here rather than in the queue, since no process
// handle crosses the boundary between claiming work and running it.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"transcription-palantir/internal/engine"
	"transcription-palantir/internal/fsutil"
	"transcription-palantir/internal/models"
	"transcription-palantir/internal/queue"
	"transcription-palantir/pkg/logger"
)

// Config tunes the pool, sourced from internal/config plus the queue's own
// lease duration (heartbeats must outrun LockDuration).
type Config struct {
	ConcurrencyLimit int
	OutputDirectory  string
	CompletedDirectory string
	FailedDirectory  string
	PollInterval     time.Duration
	HeartbeatEvery   time.Duration
	ShutdownDeadline time.Duration
}

// Pool is the Worker Pool component.
type Pool struct {
	cfg    Config
	q      *queue.Queue
	eng    *engine.Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*os.Process // jobID -> subprocess, for shutdown/kill only

	paused atomic.Bool // when set, workerLoop ticks skip Claim
}

// New builds a Pool. q must already be started.
func New(cfg Config, q *queue.Queue, eng *engine.Engine) *Pool {
	return &Pool{
		cfg:     cfg,
		q:       q,
		eng:     eng,
		running: make(map[string]*os.Process),
	}
}

// Start launches cfg.ConcurrencyLimit worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.ConcurrencyLimit; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	logger.Info("worker pool started", "concurrency_limit", p.cfg.ConcurrencyLimit)
}

// Stop signals every worker to stop claiming new jobs, waits up to
// cfg.ShutdownDeadline for in-flight subprocesses to finish, then
// force-kills any still running.
func (p *Pool) Stop() {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("worker pool shut down cleanly")
	case <-time.After(p.cfg.ShutdownDeadline):
		logger.SelfHealWarn("worker pool shutdown deadline exceeded, force-killing subprocesses")
		p.killAll()
		<-done
	}
}

// Pause stops every worker from claiming new jobs without interrupting jobs
// already in flight, used by the reconcile endpoint so a live reconciliation
// pass does not race the pool's own claims.
func (p *Pool) Pause() {
	p.paused.Store(true)
	logger.Info("worker pool paused")
}

// Resume re-enables claiming after Pause.
func (p *Pool) Resume() {
	p.paused.Store(false)
	logger.Info("worker pool resumed")
}

func (p *Pool) killAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for jobID, proc := range p.running {
		if err := killProcessTree(proc); err != nil {
			logger.Error("worker: failed to kill subprocess tree", "job_id", jobID, "error", err)
		}
	}
}

// workerLoop is one cooperating worker's {Claiming, Spawning, Streaming,
// Finalizing, Cleanup} state machine.
func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.paused.Load() {
				continue
			}
			job, lease, err := p.q.Claim()
			if err != nil {
				continue // ErrNoJobAvailable: nothing to do this tick
			}
			p.process(id, job, lease)
		}
	}
}

// process runs one job through Spawning -> Streaming -> Finalizing ->
// Cleanup, owning the lease until Cleanup releases it (via Complete/Fail).
func (p *Pool) process(workerID int, job *models.Job, lease *queue.Lease) {
	logger.JobClaimed(workerID, job.ID, job.FilePath)
	start := time.Now()

	if _, err := os.Stat(job.FilePath); err != nil {
		p.fail(job, lease, models.ErrFileMissing, fmt.Sprintf("source file no longer present at %s", job.FilePath))
		return
	}

	outputDir := filepath.Join(p.cfg.OutputDirectory, job.RelativePath)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		p.fail(job, lease, models.ErrEngineCrash, fmt.Sprintf("failed to create output directory: %v", err))
		return
	}
	baseName := trimExt(job.FileName)

	heartbeat := newHeartbeatCoordinator(p.q, *lease, p.cfg.HeartbeatEvery)
	defer heartbeat.stop()

	req := engine.Request{AudioPath: job.FilePath, OutputDir: outputDir, BaseName: baseName}

	// Run on a background context, not p.ctx: Stop() cancels p.ctx to stop
	// workers from claiming new work, but an already-claimed job must be
	// allowed to finish (or be explicitly force-killed via p.running once
	// ShutdownDeadline elapses), never SIGKILLed by claim-loop shutdown.
	result, err := p.eng.Run(context.Background(), req, func(pct int) {
		heartbeat.reportProgress(pct)
	}, func(proc *os.Process) {
		p.mu.Lock()
		p.running[job.ID] = proc
		p.mu.Unlock()
	})
	p.mu.Lock()
	delete(p.running, job.ID)
	p.mu.Unlock()
	if err != nil {
		code, reason := classify(err)
		p.cleanupPartialOutput(outputDir, baseName)
		p.fail(job, lease, code, reason)
		logger.JobFailed(job.ID, time.Since(start), code, err)
		return
	}

	completedAudio := filepath.Join(p.cfg.CompletedDirectory, job.RelativePath, job.FileName)
	completedTranscript := completedAudio + ".txt"

	if err := fsutil.Move(job.FilePath, completedAudio); err != nil {
		p.fail(job, lease, models.ErrEngineCrash, fmt.Sprintf("failed to move completed audio: %v", err))
		return
	}
	if err := fsutil.Move(result.OutputPath, completedTranscript); err != nil {
		p.fail(job, lease, models.ErrEngineCrash, fmt.Sprintf("failed to move transcript: %v", err))
		return
	}

	if err := p.q.Complete(*lease, completedTranscript); err != nil {
		logger.Error("worker: complete failed", "job_id", job.ID, "error", err)
		return
	}
	logger.JobCompleted(job.ID, time.Since(start), completedTranscript)
}

// fail reports the failure to the queue and, if the queue made it terminal,
// moves the source file to the failed tree. It does not touch partial
// transcripts; process removes those via cleanupPartialOutput.
func (p *Pool) fail(job *models.Job, lease *queue.Lease, code, reason string) {
	if err := p.q.Fail(*lease, code, reason); err != nil {
		logger.Error("worker: fail report rejected", "job_id", job.ID, "error", err)
		return
	}

	updated, err := p.q.Get(job.ID)
	if err != nil || updated.Status != models.StatusFailed {
		return // retried, not terminal: source stays in place for the next attempt
	}

	failedPath := filepath.Join(p.cfg.FailedDirectory, job.RelativePath, job.FileName)
	if _, statErr := os.Stat(job.FilePath); statErr == nil {
		if err := fsutil.Move(job.FilePath, failedPath); err != nil {
			logger.Error("worker: failed to move source to failed tree", "job_id", job.ID, "error", err)
		}
	}
}

func (p *Pool) cleanupPartialOutput(outputDir, baseName string) {
	for _, ext := range []string{".txt", ".json"} {
		path := filepath.Join(outputDir, baseName+ext)
		if _, err := os.Stat(path); err == nil {
			os.Remove(path)
		}
	}
}

func classify(err error) (code, reason string) {
	var classified *engine.ClassifiedError
	if ce, ok := err.(*engine.ClassifiedError); ok {
		classified = ce
	}
	if classified != nil {
		return classified.Code, classified.Reason
	}
	return models.ErrEngineCrash, err.Error()
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}
