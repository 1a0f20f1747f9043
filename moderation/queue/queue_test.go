package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testStore(t *testing.T) *Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{SkipDefaultTransaction: true, TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&DBJob{}))
	return NewStore(db)
}

func TestEnqueueAndGetNext(t *testing.T) {
	ctx := context.TODO()
	s := testStore(t)

	require.NoError(t, s.Enqueue(ctx, 1))

	job, err := s.GetNextEnqueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, uint(1), job.MediaUploadID())
	assert.Equal(t, StateEnqueued, job.State())
}

func TestEnqueueDuplicateIsNoop(t *testing.T) {
	ctx := context.TODO()
	s := testStore(t)

	require.NoError(t, s.Enqueue(ctx, 7))
	require.NoError(t, s.Enqueue(ctx, 7))

	var n int64
	require.NoError(t, s.db.Model(&DBJob{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestStateTransitionsPersist(t *testing.T) {
	ctx := context.TODO()
	s := testStore(t)

	require.NoError(t, s.Enqueue(ctx, 3))
	job, err := s.GetJob(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, job.SetState(ctx, StateProcessing))
	require.NoError(t, job.SetState(ctx, StateComplete))

	var dbj DBJob
	require.NoError(t, s.db.First(&dbj, "media_upload_id = ?", 3).Error)
	assert.Equal(t, StateComplete, dbj.State)

	// complete jobs are not dispatched again
	next, err := s.GetNextEnqueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestFailedSchedulesRetry(t *testing.T) {
	ctx := context.TODO()
	s := testStore(t)

	require.NoError(t, s.Enqueue(ctx, 5))
	job, err := s.GetJob(ctx, 5)
	require.NoError(t, err)

	require.NoError(t, job.SetState(ctx, StateProcessing))
	require.NoError(t, job.SetState(ctx, StateFailed))
	assert.Equal(t, 1, job.RetryCount())

	// backoff has not elapsed yet
	next, err := s.GetNextEnqueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	// once the backoff passes the job is dispatched again
	past := time.Now().Add(-time.Minute)
	job.lk.Lock()
	job.retryAfter = &past
	job.lk.Unlock()

	next, err = s.GetNextEnqueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, uint(5), next.MediaUploadID())
}

func TestGetJobNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetJob(context.TODO(), 999)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestLoadJobsReenqueuesStuckProcessing(t *testing.T) {
	ctx := context.TODO()
	s := testStore(t)

	require.NoError(t, s.db.Create(&DBJob{MediaUploadID: 10, State: StateProcessing}).Error)
	require.NoError(t, s.db.Create(&DBJob{MediaUploadID: 11, State: StateComplete}).Error)

	fresh := NewStore(s.db)
	require.NoError(t, fresh.LoadJobs(ctx))

	job, err := fresh.GetJob(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, StateEnqueued, job.State())

	// terminal jobs are not mirrored
	fresh.lk.RLock()
	_, ok := fresh.jobs[11]
	fresh.lk.RUnlock()
	assert.False(t, ok)
}

func TestPruneTerminal(t *testing.T) {
	ctx := context.TODO()
	s := testStore(t)

	require.NoError(t, s.Enqueue(ctx, 20))
	require.NoError(t, s.Enqueue(ctx, 21))
	job, err := s.GetJob(ctx, 20)
	require.NoError(t, err)
	require.NoError(t, job.SetState(ctx, StateComplete))

	s.PruneTerminal()

	s.lk.RLock()
	defer s.lk.RUnlock()
	assert.Len(t, s.jobs, 1)
}

func TestRunnerProcessesJobs(t *testing.T) {
	ctx := context.TODO()
	s := testStore(t)

	var mu sync.Mutex
	handled := map[uint]int{}

	r := NewRunner(s, 2, slog.Default())
	r.Handle = func(ctx context.Context, id uint) error {
		mu.Lock()
		handled[id]++
		mu.Unlock()
		return nil
	}

	require.NoError(t, s.Enqueue(ctx, 1))
	require.NoError(t, s.Enqueue(ctx, 2))

	go r.Start()
	defer r.Stop(context.Background())

	require.Eventually(t, func() bool {
		j1, err1 := s.GetJob(ctx, 1)
		j2, err2 := s.GetJob(ctx, 2)
		return err1 == nil && err2 == nil &&
			j1.State() == StateComplete && j2.State() == StateComplete
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, handled[1])
	assert.Equal(t, 1, handled[2])
}

func TestRunnerExhaustsAfterRetries(t *testing.T) {
	ctx := context.TODO()
	s := testStore(t)

	var mu sync.Mutex
	attempts := 0
	exhausted := 0

	r := NewRunner(s, 1, slog.Default())
	r.Handle = func(ctx context.Context, id uint) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("model unreachable")
	}
	r.Exhausted = func(ctx context.Context, id uint) error {
		mu.Lock()
		exhausted++
		mu.Unlock()
		return nil
	}

	require.NoError(t, s.Enqueue(ctx, 9))

	go r.Start()
	defer r.Stop(context.Background())

	// collapse the retry backoff so the test does not wait on real time
	for i := 0; i < MaxRetries; i++ {
		require.Eventually(t, func() bool {
			j, err := s.GetJob(ctx, 9)
			return err == nil && j.State() == StateFailed
		}, 10*time.Second, 10*time.Millisecond)
		j, err := s.GetJob(ctx, 9)
		require.NoError(t, err)
		past := time.Now().Add(-time.Minute)
		j.lk.Lock()
		j.retryAfter = &past
		j.lk.Unlock()
	}

	require.Eventually(t, func() bool {
		j, err := s.GetJob(ctx, 9)
		return err == nil && j.State() == StateExhausted
	}, 30*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, MaxRetries+1, attempts)
	assert.Equal(t, 1, exhausted)
}
