package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"transcription-palantir/internal/engine"
	"transcription-palantir/internal/models"
	"transcription-palantir/internal/queue"
	"transcription-palantir/internal/reconcile"
	"transcription-palantir/internal/tracker"
	"transcription-palantir/internal/watcher"
	"transcription-palantir/internal/worker"
)

type APIHandlerTestSuite struct {
	suite.Suite
	watchDir string
	q        *queue.Queue
	router   *gin.Engine
}

func (s *APIHandlerTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)

	root := s.T().TempDir()
	s.watchDir = filepath.Join(root, "watch")
	outputDir := filepath.Join(root, "output")
	completedDir := filepath.Join(root, "completed")
	failedDir := filepath.Join(root, "failed")
	for _, d := range []string{s.watchDir, outputDir, completedDir, failedDir} {
		require.NoError(s.T(), os.MkdirAll(d, 0755))
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(s.T(), err)
	require.NoError(s.T(), db.AutoMigrate(&models.Job{}, &tracker.PathEntry{}, &tracker.FingerprintEntry{}))

	s.q = queue.New(db, queue.Config{
		ConcurrencyLimit: 2,
		LockDuration:     time.Minute,
		StalledInterval:  time.Minute,
		MaxStalledCount:  2,
		MaxAttempts:      3,
	})
	trk := tracker.New(db)
	w := watcher.New(watcher.Config{
		WatchDirectory:   s.watchDir,
		MaxDepth:         3,
		StabilityWindow:  time.Millisecond,
		SupportedFormats: []string{"mp3"},
		MinFileSizeBytes: 1,
		MaxFileSizeBytes: 1024 * 1024,
	}, s.q, trk)
	r := reconcile.New(reconcile.Config{
		WatchDirectory:     s.watchDir,
		OutputDirectory:    outputDir,
		CompletedDirectory: completedDir,
		FailedDirectory:    failedDir,
		SupportedFormats:   []string{"mp3"},
		StaleTmpThreshold:  time.Hour,
	}, s.q, w)
	pool := worker.New(worker.Config{
		ConcurrencyLimit:   2,
		OutputDirectory:    outputDir,
		CompletedDirectory: completedDir,
		FailedDirectory:    failedDir,
		PollInterval:       time.Hour, // never actually ticks during these tests
		HeartbeatEvery:     time.Hour,
		ShutdownDeadline:   time.Second,
	}, s.q, nil)

	h := New(s.q, r, pool, engine.Config{Binary: "true"}, time.Minute, failedDir)
	metrics := NewMetricsCollector(s.q, time.Millisecond)
	s.router = NewRouter(h, metrics)
}

func (s *APIHandlerTestSuite) writeAudio(name string) string {
	path := filepath.Join(s.watchDir, name)
	require.NoError(s.T(), os.WriteFile(path, []byte("audio bytes"), 0644))
	return path
}

func (s *APIHandlerTestSuite) doJSON(method, path string, body any) *httptest.ResponseRecorder {
	var req *http.Request
	var err error
	if body != nil {
		b, marshalErr := json.Marshal(body)
		require.NoError(s.T(), marshalErr)
		req, err = http.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, path, nil)
	}
	require.NoError(s.T(), err)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestAPIHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(APIHandlerTestSuite))
}

func (s *APIHandlerTestSuite) TestCreateAndGetJob() {
	path := s.writeAudio("lecture.mp3")

	rec := s.doJSON(http.MethodPost, "/api/v1/jobs", createJobRequest{FilePath: path})
	assert.Equal(s.T(), http.StatusCreated, rec.Code)

	var created jobResponse
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(s.T(), models.StatusPending, created.Status)
	assert.Equal(s.T(), models.HealthHealthy, created.HealthStatus)

	rec = s.doJSON(http.MethodGet, "/api/v1/jobs/"+created.ID, nil)
	assert.Equal(s.T(), http.StatusOK, rec.Code)
}

func (s *APIHandlerTestSuite) TestCreateJobRejectsMissingFile() {
	rec := s.doJSON(http.MethodPost, "/api/v1/jobs", createJobRequest{FilePath: "/nowhere/missing.mp3"})
	assert.Equal(s.T(), http.StatusBadRequest, rec.Code)
}

func (s *APIHandlerTestSuite) TestGetJobNotFound() {
	rec := s.doJSON(http.MethodGet, "/api/v1/jobs/does-not-exist", nil)
	assert.Equal(s.T(), http.StatusNotFound, rec.Code)
}

func (s *APIHandlerTestSuite) TestUpdatePriorityAndDelete() {
	path := s.writeAudio("memo.mp3")
	rec := s.doJSON(http.MethodPost, "/api/v1/jobs", createJobRequest{FilePath: path})
	require.Equal(s.T(), http.StatusCreated, rec.Code)
	var created jobResponse
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &created))

	urgent := models.PriorityURGENT
	rec = s.doJSON(http.MethodPatch, "/api/v1/jobs/"+created.ID, updateJobRequest{Priority: &urgent})
	assert.Equal(s.T(), http.StatusOK, rec.Code)
	var updated jobResponse
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(s.T(), models.PriorityURGENT, updated.Priority)

	rec = s.doJSON(http.MethodDelete, "/api/v1/jobs/"+created.ID, nil)
	assert.Equal(s.T(), http.StatusNoContent, rec.Code)
	assert.NoFileExists(s.T(), path)
}

func (s *APIHandlerTestSuite) TestUpdateJobAppliesMetadata() {
	path := s.writeAudio("memo.mp3")
	rec := s.doJSON(http.MethodPost, "/api/v1/jobs", createJobRequest{FilePath: path})
	require.Equal(s.T(), http.StatusCreated, rec.Code)
	var created jobResponse
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &created))

	rec = s.doJSON(http.MethodPatch, "/api/v1/jobs/"+created.ID, updateJobRequest{
		Metadata: json.RawMessage(`{"speaker":"alice"}`),
	})
	assert.Equal(s.T(), http.StatusOK, rec.Code)

	job, err := s.q.Get(created.ID)
	require.NoError(s.T(), err)
	assert.JSONEq(s.T(), `{"speaker":"alice"}`, job.MetadataJSON)
}

func (s *APIHandlerTestSuite) TestDeleteRejectsProcessingJob() {
	path := s.writeAudio("active.mp3")
	job := &models.Job{
		FilePath:          path,
		RelativePath:      ".",
		FileName:          "active.mp3",
		OriginalFileName:  "active.mp3",
		SanitizedFileName: "active.mp3",
		Priority:          models.PriorityNORMAL,
		MaxAttempts:       3,
	}
	id, err := s.q.Enqueue(job)
	require.NoError(s.T(), err)
	_, _, err = s.q.Claim()
	require.NoError(s.T(), err)

	rec := s.doJSON(http.MethodDelete, "/api/v1/jobs/"+id, nil)
	assert.Equal(s.T(), http.StatusConflict, rec.Code)
}

func (s *APIHandlerTestSuite) TestQueueStats() {
	s.writeAudio("one.mp3")
	rec := s.doJSON(http.MethodGet, "/api/v1/queue/stats", nil)
	assert.Equal(s.T(), http.StatusOK, rec.Code)
	var stats queueStatsResponse
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &stats))
}

func (s *APIHandlerTestSuite) TestListJobsPaginationTotalIsExact() {
	for i := 0; i < 3; i++ {
		path := s.writeAudio("clip" + string(rune('a'+i)) + ".mp3")
		rec := s.doJSON(http.MethodPost, "/api/v1/jobs", createJobRequest{FilePath: path})
		require.Equal(s.T(), http.StatusCreated, rec.Code)
	}

	rec := s.doJSON(http.MethodGet, "/api/v1/jobs?limit=1&page=1", nil)
	assert.Equal(s.T(), http.StatusOK, rec.Code)
	var page listJobsResponse
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(s.T(), page.Data, 1)
	assert.EqualValues(s.T(), 3, page.Total)
}

func (s *APIHandlerTestSuite) TestRetryRejectsCompletedJob() {
	path := s.writeAudio("done.mp3")
	job := &models.Job{
		FilePath:          path,
		RelativePath:      ".",
		FileName:          "done.mp3",
		OriginalFileName:  "done.mp3",
		SanitizedFileName: "done.mp3",
		Priority:          models.PriorityNORMAL,
		MaxAttempts:       3,
	}
	id, err := s.q.Enqueue(job)
	require.NoError(s.T(), err)
	_, lease, err := s.q.Claim()
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.q.Complete(*lease, "/tmp/transcript.txt"))

	rec := s.doJSON(http.MethodPost, "/api/v1/jobs/"+id+"/retry", nil)
	assert.Equal(s.T(), http.StatusBadRequest, rec.Code)
}

func (s *APIHandlerTestSuite) TestHealthAndReady() {
	rec := s.doJSON(http.MethodGet, "/health", nil)
	assert.Equal(s.T(), http.StatusOK, rec.Code)

	rec = s.doJSON(http.MethodGet, "/ready", nil)
	assert.Equal(s.T(), http.StatusServiceUnavailable, rec.Code) // database.DB unset in this package-local test
}

func (s *APIHandlerTestSuite) TestMetricsExposesJobCounts() {
	rec := s.doJSON(http.MethodGet, "/metrics", nil)
	assert.Equal(s.T(), http.StatusOK, rec.Code)
	assert.Contains(s.T(), rec.Body.String(), "palantir_jobs_total")
}

func (s *APIHandlerTestSuite) TestReconcileEndpointRuns() {
	s.writeAudio("orphan.mp3")
	rec := s.doJSON(http.MethodPost, "/api/v1/system/reconcile", nil)
	assert.Equal(s.T(), http.StatusOK, rec.Code)
	var report reconcile.Report
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &report))
	assert.GreaterOrEqual(s.T(), report.JobsCreated, 1)
}

func (s *APIHandlerTestSuite) TestDocumentationJSONServesSpec() {
	rec := s.doJSON(http.MethodGet, "/documentation/json", nil)
	assert.Equal(s.T(), http.StatusOK, rec.Code)
	assert.Contains(s.T(), rec.Body.String(), "\"swagger\"")
}
