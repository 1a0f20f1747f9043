// Package queue is the durable work queue feeding the classification
// pipeline. Jobs are persisted in the database and mirrored in memory so the
// runner can poll without hammering the table; a restart reloads open jobs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// StateEnqueued is the state of a job when it is first created
	StateEnqueued = "enqueued"
	// StateProcessing is the state of a job while a worker holds it
	StateProcessing = "processing"
	// StateComplete is the state of a job whose classification finished
	StateComplete = "complete"
	// StateFailed is the state of a job awaiting a retry
	StateFailed = "failed"
	// StateExhausted is the terminal state after all retries failed
	StateExhausted = "exhausted"
)

// MaxRetries is the number of times a failed classification is retried
// before the job is handed to the exhaustion path.
var MaxRetries = 2

func computeExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * 10 * time.Second
}

var ErrJobNotFound = errors.New("job not found")

// DBJob is the persisted row for one classification job.
type DBJob struct {
	gorm.Model
	MediaUploadID uint   `gorm:"unique;index"`
	State         string `gorm:"index"`
	RetryCount    int
	RetryAfter    *time.Time
}

type Job struct {
	mediaUploadID uint

	lk    sync.Mutex
	state string

	retryCount int
	retryAfter *time.Time

	dbj *DBJob
	db  *gorm.DB

	createdAt time.Time
	updatedAt time.Time
}

// Store is a gorm-backed job store with an in-memory mirror.
type Store struct {
	lk   sync.RWMutex
	jobs map[uint]*Job
	db   *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		jobs: make(map[uint]*Job),
		db:   db,
	}
}

// LoadJobs loads open jobs from the database into memory after a restart.
// Jobs stuck in "processing" from a crashed worker are re-enqueued.
func (s *Store) LoadJobs(ctx context.Context) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	var dbjobs []*DBJob
	if err := s.db.WithContext(ctx).
		Where("state IN ?", []string{StateEnqueued, StateProcessing, StateFailed}).
		Find(&dbjobs).Error; err != nil {
		return err
	}

	for i := range dbjobs {
		dbj := dbjobs[i]
		if dbj.State == StateProcessing {
			dbj.State = StateEnqueued
			if err := s.db.Save(dbj).Error; err != nil {
				return err
			}
		}
		s.jobs[dbj.MediaUploadID] = &Job{
			mediaUploadID: dbj.MediaUploadID,
			state:         dbj.State,
			createdAt:     dbj.CreatedAt,
			updatedAt:     dbj.UpdatedAt,
			retryCount:    dbj.RetryCount,
			retryAfter:    dbj.RetryAfter,
			dbj:           dbj,
			db:            s.db,
		}
	}
	return nil
}

// Enqueue persists a new job for a media upload. Enqueueing the same upload
// twice is a no-op.
func (s *Store) Enqueue(ctx context.Context, mediaUploadID uint) error {
	dbj := &DBJob{
		MediaUploadID: mediaUploadID,
		State:         StateEnqueued,
	}
	if err := s.db.WithContext(ctx).Create(dbj).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	if _, ok := s.jobs[mediaUploadID]; ok {
		return fmt.Errorf("job already exists for media upload %d", mediaUploadID)
	}
	s.jobs[mediaUploadID] = &Job{
		mediaUploadID: mediaUploadID,
		state:         StateEnqueued,
		createdAt:     time.Now(),
		updatedAt:     time.Now(),
		dbj:           dbj,
		db:            s.db,
	}
	jobsEnqueued.Inc()
	return nil
}

func (s *Store) GetJob(ctx context.Context, mediaUploadID uint) (*Job, error) {
	s.lk.RLock()
	j, ok := s.jobs[mediaUploadID]
	s.lk.RUnlock()
	if ok {
		return j, nil
	}
	return s.loadJob(ctx, mediaUploadID)
}

func (s *Store) loadJob(ctx context.Context, mediaUploadID uint) (*Job, error) {
	var dbj DBJob
	if err := s.db.WithContext(ctx).Find(&dbj, "media_upload_id = ?", mediaUploadID).Error; err != nil {
		return nil, err
	}
	if dbj.ID == 0 {
		return nil, ErrJobNotFound
	}

	j := &Job{
		mediaUploadID: dbj.MediaUploadID,
		state:         dbj.State,
		createdAt:     dbj.CreatedAt,
		updatedAt:     dbj.UpdatedAt,
		retryCount:    dbj.RetryCount,
		retryAfter:    dbj.RetryAfter,
		dbj:           &dbj,
		db:            s.db,
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	if exist, ok := s.jobs[mediaUploadID]; ok {
		return exist, nil
	}
	s.jobs[mediaUploadID] = j
	return j, nil
}

// GetNextEnqueued returns an enqueued job, or a failed job whose retry
// backoff has elapsed, or nil when the queue is drained.
func (s *Store) GetNextEnqueued(ctx context.Context) (*Job, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	for _, j := range s.jobs {
		state := j.State()
		shouldRetry := state == StateFailed && j.retryAfter != nil && time.Now().After(*j.retryAfter)
		if state == StateEnqueued || shouldRetry {
			return j, nil
		}
	}
	return nil, nil
}

// PruneTerminal drops complete and exhausted jobs from the in-memory mirror.
func (s *Store) PruneTerminal() {
	s.lk.Lock()
	defer s.lk.Unlock()
	for id, j := range s.jobs {
		state := j.State()
		if state == StateComplete || state == StateExhausted {
			delete(s.jobs, id)
		}
	}
}

func (j *Job) MediaUploadID() uint {
	return j.mediaUploadID
}

func (j *Job) State() string {
	j.lk.Lock()
	defer j.lk.Unlock()
	return j.state
}

func (j *Job) RetryCount() int {
	j.lk.Lock()
	defer j.lk.Unlock()
	return j.retryCount
}

func (j *Job) SetState(ctx context.Context, state string) error {
	j.lk.Lock()
	defer j.lk.Unlock()

	j.state = state
	j.updatedAt = time.Now()

	if state == StateFailed {
		next := time.Now().Add(computeExponentialBackoff(j.retryCount))
		j.retryAfter = &next
		j.retryCount++
	} else {
		j.retryAfter = nil
	}

	j.dbj.State = state
	j.dbj.RetryCount = j.retryCount
	j.dbj.RetryAfter = j.retryAfter
	return j.db.Save(j.dbj).Error
}
