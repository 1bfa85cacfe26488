// Package models defines the durable data types shared by the queue,
// tracker, watcher, worker pool, reconciler, and API.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Priority orders jobs for claiming. Smaller numeric value schedules earlier.
type Priority int

const (
	PriorityURGENT Priority = 0
	PriorityHIGH   Priority = 1
	PriorityNORMAL Priority = 2
	PriorityLOW    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityURGENT:
		return "URGENT"
	case PriorityHIGH:
		return "HIGH"
	case PriorityNORMAL:
		return "NORMAL"
	case PriorityLOW:
		return "LOW"
	default:
		return "NORMAL"
	}
}

// ClassifyPriorityBySize classifies a file by size: URGENT <10MB,
// HIGH 10-50MB, NORMAL 50-100MB, LOW >100MB.
func ClassifyPriorityBySize(sizeBytes int64) Priority {
	const mb = 1024 * 1024
	switch {
	case sizeBytes < 10*mb:
		return PriorityURGENT
	case sizeBytes < 50*mb:
		return PriorityHIGH
	case sizeBytes <= 100*mb:
		return PriorityNORMAL
	default:
		return PriorityLOW
	}
}

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether a job in this status can no longer transition
// on its own (only explicit API actions may move it further).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Error codes recorded on terminal failure.
const (
	ErrEngineNotFound    = "ERR_ENGINE_NOT_FOUND"
	ErrEngineCrash       = "ERR_ENGINE_CRASH"
	ErrOutputMissing     = "ERR_OUTPUT_MISSING"
	ErrFileInvalid       = "ERR_FILE_INVALID"
	ErrFileMissing       = "ERR_FILE_MISSING"
	ErrJobStalled        = "ERR_JOB_STALLED"
	ErrStoreUnavailable  = "ERR_STORE_UNAVAILABLE"
)

// HealthStatus is derived per-read and never stored.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "Healthy"
	HealthStalled   HealthStatus = "Stalled"
	HealthRecovered HealthStatus = "Recovered"
	HealthUnknown   HealthStatus = "Unknown"
)

// Job is the unit of work tracked by the queue.
type Job struct {
	ID               string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	FilePath         string `json:"filePath" gorm:"type:text;not null;index"`
	RelativePath     string `json:"relativePath" gorm:"type:text;not null"`
	FileName         string `json:"fileName" gorm:"type:text;not null"`
	OriginalFileName string `json:"originalFileName" gorm:"type:text;not null"`
	SanitizedFileName string `json:"sanitizedFileName" gorm:"type:text;not null"`
	FileSizeBytes    int64  `json:"fileSizeBytes"`
	MimeType         string `json:"mimeType" gorm:"type:varchar(100)"`
	AudioFormat      string `json:"audioFormat" gorm:"type:varchar(20)"`
	Fingerprint      string `json:"fingerprint" gorm:"type:varchar(64);index"`

	Priority Priority `json:"priority" gorm:"type:int;not null;index"`
	Status   Status   `json:"status" gorm:"type:varchar(20);not null;index"`
	Progress int      `json:"progress" gorm:"type:int;not null;default:0"`

	Attempts    int `json:"attempts" gorm:"type:int;not null;default:0"`
	MaxAttempts int `json:"maxAttempts" gorm:"type:int;not null"`

	CreatedAt  time.Time  `json:"createdAt" gorm:"autoCreateTime"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	DurationMs *int64     `json:"durationMs,omitempty"`

	ErrorCode   string `json:"errorCode,omitempty" gorm:"type:varchar(64)"`
	ErrorReason string `json:"errorReason,omitempty" gorm:"type:text"`

	TranscriptPath string `json:"transcriptPath,omitempty" gorm:"type:text"`

	EngineModel    string `json:"engineModel,omitempty" gorm:"type:varchar(100)"`
	LanguageHint   string `json:"languageHint,omitempty" gorm:"type:varchar(20)"`
	MetadataJSON   string `json:"-" gorm:"type:text"`

	// Lease fields. A lease is owned by the worker holding LeaseToken until
	// LeaseExpiresAt, enforced only against PROCESSING jobs.
	LeaseToken         string     `json:"-" gorm:"type:varchar(36)"`
	LeaseExpiresAt     *time.Time `json:"-"`
	LastProgressUpdate *time.Time `json:"-"`
	StallCount         int        `json:"-" gorm:"type:int;not null;default:0"`
}

// BeforeCreate assigns an ID if the caller did not supply one.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	return nil
}

// ComputeHealthStatus derives the HealthStatus for a job.
func ComputeHealthStatus(j *Job, now time.Time, stalledInterval time.Duration) HealthStatus {
	switch j.Status {
	case StatusProcessing:
		if j.LastProgressUpdate != nil && now.Sub(*j.LastProgressUpdate) > stalledInterval {
			return HealthStalled
		}
		if j.Attempts > 0 {
			return HealthRecovered
		}
		return HealthHealthy
	case StatusCompleted:
		if j.Attempts > 0 {
			return HealthRecovered
		}
		return HealthUnknown
	case StatusFailed, StatusCancelled:
		return HealthUnknown
	default:
		return HealthHealthy
	}
}
