// Package reconcile implements the Reconciler: the boot-time algorithm
// that makes the filesystem authoritative over queue state. It
// re-enqueues orphaned inbox files by delegating to the watcher's own
// ingest pipeline, demotes zombie PROCESSING jobs, fails phantom PENDING
// jobs, and sweeps stray .tmp files.
package reconcile

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"transcription-palantir/internal/fsutil"
	"transcription-palantir/internal/models"
	"transcription-palantir/internal/queue"
	"transcription-palantir/internal/watcher"
	"transcription-palantir/pkg/logger"
)

// Config describes the directories the reconciler inspects.
type Config struct {
	WatchDirectory     string
	OutputDirectory    string
	CompletedDirectory string
	FailedDirectory    string
	SupportedFormats   []string
	StaleTmpThreshold  time.Duration
}

// Report summarizes one reconciliation pass.
type Report struct {
	FilesScanned        int
	JobsCreated         int
	PartialFilesDeleted int
	JobsReconciled      int
	PhantomsFailed      int
	TmpFilesSwept       int
}

// Reconciler runs the boot-time and operator-triggered reconciliation
// algorithm.
type Reconciler struct {
	cfg Config
	q   *queue.Queue
	w   *watcher.Watcher
}

// New builds a Reconciler. w is used only for its ingest pipeline, to
// re-enqueue orphans with the exact sanitize+classify rules a live watch
// event would apply.
func New(cfg Config, q *queue.Queue, w *watcher.Watcher) *Reconciler {
	return &Reconciler{cfg: cfg, q: q, w: w}
}

// Run executes the full reconciliation algorithm and returns the
// resulting Report.
func (r *Reconciler) Run() (*Report, error) {
	report := &Report{}

	inboxFiles, err := r.enumerateInboxFiles()
	if err != nil {
		return nil, err
	}
	report.FilesScanned = len(inboxFiles)

	if err := r.demoteZombieProcessing(report); err != nil {
		return nil, err
	}

	if err := r.enqueueOrphans(inboxFiles, report); err != nil {
		return nil, err
	}

	if err := r.failPhantoms(report); err != nil {
		return nil, err
	}

	swept, err := r.sweepTmp()
	if err != nil {
		return nil, err
	}
	report.TmpFilesSwept = swept

	logger.Info("reconciliation complete",
		"files_scanned", report.FilesScanned,
		"jobs_created", report.JobsCreated,
		"partial_files_deleted", report.PartialFilesDeleted,
		"jobs_reconciled", report.JobsReconciled,
		"phantoms_failed", report.PhantomsFailed,
		"tmp_files_swept", report.TmpFilesSwept)

	return report, nil
}

// enumerateInboxFiles lists every regular file under the watch directory
// (step 1).
func (r *Reconciler) enumerateInboxFiles() ([]string, error) {
	var files []string
	err := filepath.Walk(r.cfg.WatchDirectory, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			logger.Warn("reconcile: error accessing path", "path", path, "error", err)
			return nil
		}
		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// demoteZombieProcessing implements step 3: every PROCESSING job at boot
// has no active worker yet, so all are zombies. Their partial transcript
// is deleted and they return to PENDING with attempts unchanged.
func (r *Reconciler) demoteZombieProcessing(report *Report) error {
	jobs, err := r.q.ListAll(queue.Filter{HasStatus: true, Status: models.StatusProcessing})
	if err != nil {
		return err
	}

	for _, job := range jobs {
		partial := filepath.Join(r.cfg.OutputDirectory, job.RelativePath, trimExt(job.FileName)+".txt")
		if _, statErr := os.Stat(partial); statErr == nil {
			if rmErr := os.Remove(partial); rmErr == nil {
				report.PartialFilesDeleted++
			} else {
				logger.Warn("reconcile: failed to delete partial transcript", "path", partial, "error", rmErr)
			}
		}

		if err := r.q.Revive(job.ID); err != nil {
			logger.Error("reconcile: failed to revive zombie job", "job_id", job.ID, "error", err)
			continue
		}
		report.JobsReconciled++
		logger.SelfHealWarn("reconciled zombie processing job back to pending", "job_id", job.ID, "file_path", job.FilePath)
	}
	return nil
}

// enqueueOrphans implements step 4: any inbox file not already covered by
// a non-terminal job is ingested through the watcher's pipeline.
// JobsCreated counts candidates offered to the pipeline, not confirmed
// enqueues; the watcher's own dedup/validation may still skip one.
func (r *Reconciler) enqueueOrphans(inboxFiles []string, report *Report) error {
	nonTerminal := map[string]bool{}
	for _, status := range []models.Status{models.StatusPending, models.StatusProcessing} {
		jobs, err := r.q.ListAll(queue.Filter{HasStatus: true, Status: status})
		if err != nil {
			return err
		}
		for _, job := range jobs {
			nonTerminal[job.FilePath] = true
		}
	}

	for _, path := range inboxFiles {
		if nonTerminal[path] {
			continue
		}
		r.w.IngestExisting(path)
		report.JobsCreated++
	}
	return nil
}

// failPhantoms implements step 5: PENDING jobs whose source file has
// disappeared are failed with ERR_FILE_MISSING.
func (r *Reconciler) failPhantoms(report *Report) error {
	jobs, err := r.q.ListAll(queue.Filter{HasStatus: true, Status: models.StatusPending})
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if _, statErr := os.Stat(job.FilePath); statErr == nil {
			continue
		}
		if err := r.q.MarkPhantomFailed(job.ID, job.FilePath); err != nil {
			logger.Error("reconcile: failed to fail phantom job", "job_id", job.ID, "error", err)
			continue
		}
		report.PhantomsFailed++
	}
	return nil
}

// sweepTmp implements step 6 across every managed directory.
func (r *Reconciler) sweepTmp() (int, error) {
	total := 0
	for _, dir := range []string{r.cfg.WatchDirectory, r.cfg.OutputDirectory, r.cfg.CompletedDirectory, r.cfg.FailedDirectory} {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		swept, err := fsutil.SweepStaleTmp(dir, r.cfg.StaleTmpThreshold)
		if err != nil {
			return total, err
		}
		total += swept
	}
	return total, nil
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext)
}
