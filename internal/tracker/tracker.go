// Package tracker implements the File Tracker: a persistent dedup index
// mapping a file's path and its fingerprint (a hash of path, size and
// mtime) to the job that already
// processed it, so ingestion never double-enqueues. It survives restart
// because it is backed by the same durable store as the Job Queue.
package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"transcription-palantir/pkg/logger"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// pathTTL is how long a processed_by_path entry is honored before it is
// considered expired.
const pathTTL = 30 * 24 * time.Hour

// PathEntry is the processed_by_path[abs_path] -> {job_id, processed_at} map.
type PathEntry struct {
	Path        string    `gorm:"primaryKey;type:text"`
	JobID       string    `gorm:"type:varchar(36);not null"`
	ProcessedAt time.Time `gorm:"not null"`
}

// FingerprintEntry is the processed_by_fingerprint[fingerprint] -> {job_id,
// processed_at} map. It has no TTL: fingerprints are a permanent dedup
// backstop.
type FingerprintEntry struct {
	Fingerprint string    `gorm:"primaryKey;type:varchar(64)"`
	JobID       string    `gorm:"type:varchar(36);not null"`
	ProcessedAt time.Time `gorm:"not null"`
}

// Tracker is the File Tracker. It is safe for concurrent use.
type Tracker struct {
	db    *gorm.DB
	group singleflight.Group
}

// New builds a Tracker backed by db, which must already have PathEntry and
// FingerprintEntry migrated (database.Initialize does this).
func New(db *gorm.DB) *Tracker {
	return &Tracker{db: db}
}

// Fingerprint computes sha256(abs_path ":" size ":" mtime_nanos) from a
// stat of path, falling back to sha256(abs_path) if the stat fails.
func Fingerprint(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		sum := sha256.Sum256([]byte(path))
		return hex.EncodeToString(sum[:])
	}
	data := fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// IsProcessed reports whether path has already been processed, either by
// its path (within the TTL window) or by its fingerprint (permanent). Lookups collapse concurrent duplicate calls for the same
// path via singleflight.
//
// Failure posture: if the store is unavailable, IsProcessed fails OPEN — it
// returns false so ingestion proceeds. Losing dedup is less harmful than
// dropping work; the queue's own at-most-one-non-terminal-job-per-path
// constraint is the backstop.
func (t *Tracker) IsProcessed(path string) bool {
	result, _, _ := t.group.Do(path, func() (interface{}, error) {
		return t.isProcessedUncached(path), nil
	})
	return result.(bool)
}

func (t *Tracker) isProcessedUncached(path string) bool {
	var pe PathEntry
	err := t.db.Where("path = ?", path).First(&pe).Error
	switch {
	case err == nil:
		if time.Since(pe.ProcessedAt) <= pathTTL {
			return true
		}
	case err != gorm.ErrRecordNotFound:
		logger.Error("tracker: path lookup failed, failing open", "path", path, "error", err)
		return false
	}

	fp := Fingerprint(path)
	var fe FingerprintEntry
	err = t.db.Where("fingerprint = ?", fp).First(&fe).Error
	switch {
	case err == nil:
		return true
	case err == gorm.ErrRecordNotFound:
		return false
	default:
		logger.Error("tracker: fingerprint lookup failed, failing open", "path", path, "error", err)
		return false
	}
}

// MarkProcessed records path (and its current fingerprint) as processed by
// jobID. Called by the watcher and reconciler immediately after a
// successful enqueue.
func (t *Tracker) MarkProcessed(path, jobID string) error {
	now := time.Now()
	fp := Fingerprint(path)

	if err := t.db.Save(&PathEntry{Path: path, JobID: jobID, ProcessedAt: now}).Error; err != nil {
		return fmt.Errorf("tracker: mark path processed: %w", err)
	}
	if err := t.db.Save(&FingerprintEntry{Fingerprint: fp, JobID: jobID, ProcessedAt: now}).Error; err != nil {
		return fmt.Errorf("tracker: mark fingerprint processed: %w", err)
	}
	return nil
}

// Unmark deletes both dedup entries for path, used when a terminal failure
// is being re-ingested or its job is deleted.
func (t *Tracker) Unmark(path string) error {
	fp := Fingerprint(path)
	if err := t.db.Where("path = ?", path).Delete(&PathEntry{}).Error; err != nil {
		return fmt.Errorf("tracker: unmark path: %w", err)
	}
	if err := t.db.Where("fingerprint = ?", fp).Delete(&FingerprintEntry{}).Error; err != nil {
		return fmt.Errorf("tracker: unmark fingerprint: %w", err)
	}
	return nil
}
