package queue

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"transcription-palantir/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

type QueueTestSuite struct {
	suite.Suite
	db *gorm.DB
	q  *Queue
}

func (s *QueueTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(s.T(), err)
	require.NoError(s.T(), db.AutoMigrate(&models.Job{}))
	s.db = db

	s.q = New(db, Config{
		ConcurrencyLimit: 2,
		LockDuration:     50 * time.Millisecond,
		StalledInterval:  20 * time.Millisecond,
		MaxStalledCount:  1,
		MaxAttempts:      3,
	})
}

func (s *QueueTestSuite) newJob(path string, priority models.Priority) *models.Job {
	return &models.Job{
		FilePath:         path,
		RelativePath:     path,
		FileName:         path,
		OriginalFileName: path,
		SanitizedFileName: path,
		Priority:         priority,
		MaxAttempts:      3,
	}
}

func (s *QueueTestSuite) TestEnqueueRejectsDuplicateID() {
	job := s.newJob("/watch/a.mp3", models.PriorityNORMAL)
	job.ID = "fixed-id"
	_, err := s.q.Enqueue(job)
	require.NoError(s.T(), err)

	dup := s.newJob("/watch/b.mp3", models.PriorityNORMAL)
	dup.ID = "fixed-id"
	_, err = s.q.Enqueue(dup)
	assert.ErrorIs(s.T(), err, ErrDuplicateID)
}

func (s *QueueTestSuite) TestClaimOrdersByPriorityThenFIFO() {
	_, err := s.q.Enqueue(s.newJob("/watch/low.mp3", models.PriorityLOW))
	require.NoError(s.T(), err)
	time.Sleep(time.Millisecond)
	_, err = s.q.Enqueue(s.newJob("/watch/urgent.mp3", models.PriorityURGENT))
	require.NoError(s.T(), err)
	time.Sleep(time.Millisecond)
	_, err = s.q.Enqueue(s.newJob("/watch/normal.mp3", models.PriorityNORMAL))
	require.NoError(s.T(), err)

	job, lease, err := s.q.Claim()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "/watch/urgent.mp3", job.FilePath)
	assert.Equal(s.T(), models.StatusProcessing, job.Status)
	assert.NotEmpty(s.T(), lease.Token)
}

func (s *QueueTestSuite) TestClaimEnforcesConcurrencyLimit() {
	for i := 0; i < 3; i++ {
		_, err := s.q.Enqueue(s.newJob(fmt.Sprintf("/watch/f%d.mp3", i), models.PriorityNORMAL))
		require.NoError(s.T(), err)
	}

	_, _, err := s.q.Claim()
	require.NoError(s.T(), err)
	_, _, err = s.q.Claim()
	require.NoError(s.T(), err)

	_, _, err = s.q.Claim()
	assert.ErrorIs(s.T(), err, ErrNoJobAvailable)
}

func (s *QueueTestSuite) TestCompleteReleasesSlotForNextClaim() {
	_, err := s.q.Enqueue(s.newJob("/watch/a.mp3", models.PriorityNORMAL))
	require.NoError(s.T(), err)
	_, err = s.q.Enqueue(s.newJob("/watch/b.mp3", models.PriorityNORMAL))
	require.NoError(s.T(), err)
	_, err = s.q.Enqueue(s.newJob("/watch/c.mp3", models.PriorityNORMAL))
	require.NoError(s.T(), err)

	_, lease1, err := s.q.Claim()
	require.NoError(s.T(), err)
	_, _, err = s.q.Claim()
	require.NoError(s.T(), err)

	_, _, err = s.q.Claim()
	assert.ErrorIs(s.T(), err, ErrNoJobAvailable)

	require.NoError(s.T(), s.q.Complete(*lease1, "/completed/a.txt"))

	job, _, err := s.q.Claim()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "/watch/c.mp3", job.FilePath)
}

func (s *QueueTestSuite) TestFailRetriesUntilMaxAttemptsThenTerminal() {
	job := s.newJob("/watch/a.mp3", models.PriorityNORMAL)
	job.MaxAttempts = 2
	id, err := s.q.Enqueue(job)
	require.NoError(s.T(), err)

	_, lease, err := s.q.Claim()
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.q.Fail(*lease, models.ErrEngineCrash, "boom"))

	after, err := s.q.Get(id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.StatusPending, after.Status)
	assert.Equal(s.T(), 1, after.Attempts)

	_, lease2, err := s.q.Claim()
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.q.Fail(*lease2, models.ErrEngineCrash, "boom again"))

	final, err := s.q.Get(id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.StatusFailed, final.Status)
	assert.Equal(s.T(), models.ErrEngineCrash, final.ErrorCode)
}

func (s *QueueTestSuite) TestReportProgressIsMonotonic() {
	id, err := s.q.Enqueue(s.newJob("/watch/a.mp3", models.PriorityNORMAL))
	require.NoError(s.T(), err)
	_, lease, err := s.q.Claim()
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.q.ReportProgress(*lease, 50))
	require.NoError(s.T(), s.q.ReportProgress(*lease, 10))

	job, err := s.q.Get(id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 50, job.Progress)
}

func (s *QueueTestSuite) TestHeartbeatRejectsStaleLease() {
	_, err := s.q.Enqueue(s.newJob("/watch/a.mp3", models.PriorityNORMAL))
	require.NoError(s.T(), err)
	_, lease, err := s.q.Claim()
	require.NoError(s.T(), err)

	stale := *lease
	stale.Token = "not-the-real-token"
	err = s.q.Heartbeat(stale)
	assert.ErrorIs(s.T(), err, ErrLeaseExpired)
}

func (s *QueueTestSuite) TestRemoveRejectsProcessingJob() {
	id, err := s.q.Enqueue(s.newJob("/watch/a.mp3", models.PriorityNORMAL))
	require.NoError(s.T(), err)
	_, _, err = s.q.Claim()
	require.NoError(s.T(), err)

	err = s.q.Remove(id)
	assert.ErrorIs(s.T(), err, ErrJobActive)
}

func (s *QueueTestSuite) TestRetryRejectsCompleted() {
	id, err := s.q.Enqueue(s.newJob("/watch/a.mp3", models.PriorityNORMAL))
	require.NoError(s.T(), err)
	_, lease, err := s.q.Claim()
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.q.Complete(*lease, "/completed/a.txt"))

	err = s.q.Retry(id)
	assert.ErrorIs(s.T(), err, ErrTerminalCompleted)
}

func (s *QueueTestSuite) TestUpdatePriorityIsAtomicAndIDStable() {
	id, err := s.q.Enqueue(s.newJob("/watch/a.mp3", models.PriorityLOW))
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.q.UpdatePriority(id, models.PriorityURGENT))

	job, err := s.q.Get(id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), id, job.ID)
	assert.Equal(s.T(), models.PriorityURGENT, job.Priority)
}

func (s *QueueTestSuite) TestUpdateMetadataPersistsAndRejectsTerminal() {
	id, err := s.q.Enqueue(s.newJob("/watch/a.mp3", models.PriorityNORMAL))
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.q.UpdateMetadata(id, json.RawMessage(`{"speaker":"alice"}`)))

	job, err := s.q.Get(id)
	require.NoError(s.T(), err)
	assert.JSONEq(s.T(), `{"speaker":"alice"}`, job.MetadataJSON)

	_, lease, err := s.q.Claim()
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.q.Complete(*lease, "/completed/a.txt"))

	err = s.q.UpdateMetadata(id, json.RawMessage(`{"speaker":"bob"}`))
	assert.ErrorIs(s.T(), err, ErrTerminalCompleted)
}

func (s *QueueTestSuite) TestStalledLoopDemotesThenFails() {
	id, err := s.q.Enqueue(s.newJob("/watch/a.mp3", models.PriorityNORMAL))
	require.NoError(s.T(), err)
	_, _, err = s.q.Claim()
	require.NoError(s.T(), err)

	assert.Eventually(s.T(), func() bool {
		s.q.detectStalled()
		job, err := s.q.Get(id)
		return err == nil && job.Status == models.StatusPending
	}, time.Second, 10*time.Millisecond)

	_, _, err = s.q.Claim()
	require.NoError(s.T(), err)

	assert.Eventually(s.T(), func() bool {
		s.q.detectStalled()
		job, err := s.q.Get(id)
		return err == nil && job.Status == models.StatusFailed && job.ErrorCode == models.ErrJobStalled
	}, time.Second, 10*time.Millisecond)
}

func (s *QueueTestSuite) TestCountByStatusIsExact() {
	for i := 0; i < 3; i++ {
		_, err := s.q.Enqueue(s.newJob(fmt.Sprintf("/watch/p%d.mp3", i), models.PriorityNORMAL))
		require.NoError(s.T(), err)
	}
	_, _, err := s.q.Claim()
	require.NoError(s.T(), err)

	counts, err := s.q.CountByStatus()
	require.NoError(s.T(), err)
	assert.EqualValues(s.T(), 2, counts[models.StatusPending])
	assert.EqualValues(s.T(), 1, counts[models.StatusProcessing])
}

func (s *QueueTestSuite) TestSubscribeReceivesClaimEvent() {
	events, unsubscribe := s.q.Subscribe()
	defer unsubscribe()

	_, err := s.q.Enqueue(s.newJob("/watch/a.mp3", models.PriorityNORMAL))
	require.NoError(s.T(), err)
	_, _, err = s.q.Claim()
	require.NoError(s.T(), err)

	select {
	case evt := <-events:
		assert.Equal(s.T(), EventActive, evt.Type)
	case <-time.After(time.Second):
		s.T().Fatal("did not receive claim event")
	}
}

func (s *QueueTestSuite) TestListAllIsUncappedUnlikeList() {
	for i := 0; i < 120; i++ {
		_, err := s.q.Enqueue(s.newJob(fmt.Sprintf("/watch/bulk%d.mp3", i), models.PriorityNORMAL))
		require.NoError(s.T(), err)
	}

	paged, total, err := s.q.List(Filter{HasStatus: true, Status: models.StatusPending}, Page{Limit: 4096})
	require.NoError(s.T(), err)
	assert.EqualValues(s.T(), 120, total)
	assert.Len(s.T(), paged, 100, "List caps at 100 rows regardless of the requested limit")

	all, err := s.q.ListAll(Filter{HasStatus: true, Status: models.StatusPending})
	require.NoError(s.T(), err)
	assert.Len(s.T(), all, 120, "ListAll must return every matching row for reconciliation/clean-failed callers")
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}
