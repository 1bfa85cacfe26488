// Package watcher implements the File Watcher: it recursively watches the
// inbox directory, waits for files to stop changing, sanitizes names,
// validates candidates, classifies priority, and enqueues jobs.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"transcription-palantir/internal/models"
	"transcription-palantir/internal/queue"
	"transcription-palantir/internal/tracker"
	"transcription-palantir/pkg/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/gabriel-vasile/mimetype"
)

// Config tunes watcher behavior, sourced from internal/config.
type Config struct {
	WatchDirectory   string
	MaxDepth         int
	StabilityWindow  time.Duration
	SupportedFormats []string
	MinFileSizeBytes int64
	MaxFileSizeBytes int64
}

// sanitizeWhitelist matches the characters allowed through unchanged:
// ASCII alphanumerics, underscore, hyphen, dot, space.
func isSanitizeAllowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-' || r == '.' || r == ' ':
		return true
	default:
		return false
	}
}

// Watcher is the File Watcher component.
type Watcher struct {
	cfg     Config
	q       *queue.Queue
	tracker *tracker.Tracker
	fsw     *fsnotify.Watcher

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Watcher. q and trk must already be started/initialized.
func New(cfg Config, q *queue.Queue, trk *tracker.Tracker) *Watcher {
	return &Watcher{
		cfg:     cfg,
		q:       q,
		tracker: trk,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start creates the recursive fsnotify watch, processes any files already
// present (initial-scan semantics), and begins the event loop in a
// background goroutine.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	w.fsw = fsw

	if err := w.addDirectoryRecursively(w.cfg.WatchDirectory, 0); err != nil {
		w.fsw.Close()
		return fmt.Errorf("watcher: initial recursive add: %w", err)
	}

	w.scanExisting()

	go w.loop()
	logger.Info("file watcher started", "directory", w.cfg.WatchDirectory, "max_depth", w.cfg.MaxDepth)
	return nil
}

// Stop closes the underlying fsnotify watcher and waits for the event loop
// to exit.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	if w.fsw != nil {
		w.fsw.Close()
	}
	<-w.doneCh
	return nil
}

// addDirectoryRecursively walks root and registers every subdirectory up
// to cfg.MaxDepth levels below the watch root.
func (w *Watcher) addDirectoryRecursively(root string, depthOffset int) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			logger.Warn("watcher: error accessing path during walk", "path", path, "error", err)
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.cfg.WatchDirectory, path)
		if relErr == nil {
			depth := 0
			if rel != "." {
				depth = len(strings.Split(rel, string(os.PathSeparator)))
			}
			if depth > w.cfg.MaxDepth {
				return filepath.SkipDir
			}
		}
		if err := w.fsw.Add(path); err != nil {
			logger.Warn("watcher: failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// scanExisting processes every file already present in the inbox as if it
// had just arrived.
func (w *Watcher) scanExisting() {
	err := filepath.Walk(w.cfg.WatchDirectory, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			logger.Warn("watcher: error accessing path during initial scan", "path", path, "error", err)
			return nil
		}
		if info.IsDir() {
			return nil
		}
		w.handleCandidate(path)
		return nil
	})
	if err != nil {
		logger.Error("watcher: initial scan failed", "error", err)
	}
}

// loop is the fsnotify event loop.
func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if event.Op&fsnotify.Create != 0 {
					if err := w.addDirectoryRecursively(event.Name, 0); err != nil {
						logger.Warn("watcher: failed to watch new directory", "path", event.Name, "error", err)
					}
				}
				continue
			}
			go w.handleCandidate(event.Name)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Error("watcher: fsnotify error", "error", err)

		case <-w.stopCh:
			return
		}
	}
}

// IngestExisting runs a file already on disk through the same
// sanitize-validate-dedup-classify-enqueue pipeline as a live fsnotify
// event, skipping the write-stability wait since the caller (the
// reconciler, for orphan inbox files) already knows the file is settled.
// It is exported for exactly that boot-time reuse.
func (w *Watcher) IngestExisting(path string) {
	w.ingest(path)
}

// handleCandidate waits for write-stability before ingesting.
func (w *Watcher) handleCandidate(path string) {
	if !w.waitForStability(path) {
		return
	}
	w.ingest(path)
}

// ingest runs the full sanitize-validate-dedup-classify-enqueue pipeline
// for a single file path that is already known to be stable.
func (w *Watcher) ingest(path string) {
	sanitizedPath, err := w.sanitize(path)
	if err != nil {
		logger.Warn("watcher: sanitize failed, skipping", "path", path, "error", err)
		return
	}

	info, err := os.Stat(sanitizedPath)
	if err != nil {
		logger.Warn("watcher: file vanished before validation", "path", sanitizedPath, "error", err)
		return
	}
	if !info.Mode().IsRegular() {
		logger.Warn("watcher: skipping non-regular file", "path", sanitizedPath)
		return
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(sanitizedPath)), ".")
	if !w.isSupportedFormat(ext) {
		logger.Warn("watcher: unsupported extension, skipping", "path", sanitizedPath, "extension", ext)
		return
	}
	if info.Size() < w.cfg.MinFileSizeBytes || info.Size() > w.cfg.MaxFileSizeBytes {
		logger.Warn("watcher: file size out of bounds, skipping", "path", sanitizedPath, "size_bytes", info.Size())
		return
	}

	if w.tracker.IsProcessed(sanitizedPath) {
		logger.Debug("watcher: already processed, skipping", "path", sanitizedPath)
		return
	}

	priority := models.ClassifyPriorityBySize(info.Size())

	rel, err := filepath.Rel(w.cfg.WatchDirectory, filepath.Dir(sanitizedPath))
	if err != nil {
		rel = "."
	}

	mime, err := mimetype.DetectFile(sanitizedPath)
	mimeType := ""
	if err != nil {
		logger.Warn("watcher: mime detection failed", "path", sanitizedPath, "error", err)
	} else {
		mimeType = mime.String()
	}

	job := &models.Job{
		FilePath:          sanitizedPath,
		RelativePath:      rel,
		FileName:          filepath.Base(sanitizedPath),
		OriginalFileName:  filepath.Base(path),
		SanitizedFileName: filepath.Base(sanitizedPath),
		FileSizeBytes:     info.Size(),
		AudioFormat:       ext,
		MimeType:          mimeType,
		Fingerprint:       tracker.Fingerprint(sanitizedPath),
		Priority:          priority,
	}

	jobID, err := w.q.Enqueue(job)
	if err != nil {
		logger.Error("watcher: enqueue failed", "path", sanitizedPath, "error", err)
		return
	}
	if err := w.tracker.MarkProcessed(sanitizedPath, jobID); err != nil {
		logger.Error("watcher: mark processed failed", "path", sanitizedPath, "job_id", jobID, "error", err)
	}
	logger.Info("watcher: enqueued new job", "job_id", jobID, "path", sanitizedPath, "priority", priority.String())
}

// waitForStability polls path's size until it is unchanged for
// cfg.StabilityWindow. It returns false if the file disappears while
// waiting.
func (w *Watcher) waitForStability(path string) bool {
	const pollInterval = 250 * time.Millisecond

	var lastSize int64 = -1
	var stableSince time.Time

	for {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.IsDir() {
			return false
		}

		if info.Size() != lastSize {
			lastSize = info.Size()
			stableSince = time.Now()
		} else if time.Since(stableSince) >= w.cfg.StabilityWindow {
			return true
		}

		select {
		case <-time.After(pollInterval):
		case <-w.stopCh:
			return false
		}
	}
}

// sanitize replaces disallowed characters in the file's base name with
// '_' and, if the name changed, atomically renames the file in place
// (same directory). It returns the file's path after any rename.
func (w *Watcher) sanitize(path string) (string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	var b strings.Builder
	b.Grow(len(base))
	for _, r := range base {
		if isSanitizeAllowed(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	sanitized := b.String()
	// Whitelisting already replaced every path separator, so the name cannot
	// leave its directory; Clean+Base only rejects a name that is exactly
	// "." or "..". A ".." inside a longer name is kept as is.
	sanitized = filepath.Base(filepath.Clean(sanitized))
	if sanitized == "" || sanitized == "." || sanitized == string(os.PathSeparator) {
		return "", fmt.Errorf("sanitized filename is empty")
	}

	if sanitized == base {
		return path, nil
	}

	newPath := filepath.Join(dir, sanitized)
	if err := os.Rename(path, newPath); err != nil {
		return "", fmt.Errorf("rename to sanitized name: %w", err)
	}
	logger.Info("watcher: sanitized filename", "original", base, "sanitized", sanitized)
	return newPath, nil
}

func (w *Watcher) isSupportedFormat(ext string) bool {
	for _, f := range w.cfg.SupportedFormats {
		if f == ext {
			return true
		}
	}
	return false
}
