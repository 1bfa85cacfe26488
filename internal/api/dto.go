package api

import (
	"encoding/json"
	"time"

	"transcription-palantir/internal/models"
)

// createJobRequest is the body accepted by POST /jobs.
type createJobRequest struct {
	FilePath string          `json:"filePath" binding:"required"`
	Priority *models.Priority `json:"priority,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// updateJobRequest is the body accepted by PATCH /jobs/:id.
type updateJobRequest struct {
	Priority *models.Priority `json:"priority,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// jobResponse is the read shape for a single job, adding a field beyond the
// stored columns: a derived healthStatus.
type jobResponse struct {
	models.Job
	HealthStatus models.HealthStatus `json:"healthStatus"`
}

func toJobResponse(job *models.Job, stalledInterval time.Duration) jobResponse {
	return jobResponse{
		Job:          *job,
		HealthStatus: models.ComputeHealthStatus(job, time.Now(), stalledInterval),
	}
}

// listJobsResponse carries the exact pagination total: total reflects a
// full count of matching rows, never len(data) or an approximation.
type listJobsResponse struct {
	Data  []jobResponse `json:"data"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

type queueStatsResponse struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

type errorResponse struct {
	Error string `json:"error"`
}
