// Package jobs tracks the progress of dubbing jobs for the lifetime of the process.
package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/andresuchdata/videodub/internal/domain"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrUnknownJob is returned for ids the store has never seen.
var ErrUnknownJob = errors.New("invalid process ID")

// Job is a snapshot of one job's state.
type Job struct {
	ID           string            `json:"process_id"`
	Status       domain.JobStatus  `json:"status"`
	Progress     int               `json:"progress"`
	Message      string            `json:"message"`
	Error        string            `json:"error,omitempty"`
	ResultFile   string            `json:"result_file,omitempty"`
	OriginalName string            `json:"original_filename"`
	Options      domain.JobOptions `json:"options"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Update is a partial change to a job. Zero fields are left untouched.
type Update struct {
	Status     domain.JobStatus
	Progress   int
	Message    string
	Error      string
	ResultFile string
}

// Store keeps jobs in memory. Records are process-local and lost on restart.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]*Job), now: time.Now}
}

// NewID returns a fresh job identifier.
func NewID() string {
	return uuid.NewString()
}

// Create registers a job in the started state.
func (s *Store) Create(id, originalName string, opts domain.JobOptions) Job {
	now := s.now()
	j := &Job{
		ID:           id,
		Status:       domain.StatusStarted,
		Message:      "Upload successful, starting processing...",
		OriginalName: originalName,
		Options:      opts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()
	return *j
}

func (s *Store) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, errors.Wrapf(ErrUnknownJob, "%s", id)
	}
	return *j, nil
}

// Apply merges u into the job. Progress never moves backwards and terminal jobs
// are not reopened.
func (s *Store) Apply(id string, u Update) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, errors.Wrapf(ErrUnknownJob, "%s", id)
	}
	if j.Status.Terminal() {
		return *j, nil
	}

	if u.Status != "" {
		j.Status = u.Status
	}
	if u.Progress > j.Progress {
		j.Progress = min(u.Progress, 100)
	}
	if u.Message != "" {
		j.Message = u.Message
	}
	if u.Error != "" {
		j.Error = u.Error
	}
	if u.ResultFile != "" {
		j.ResultFile = u.ResultFile
	}
	j.UpdatedAt = s.now()
	return *j, nil
}

// List returns every job, newest first.
func (s *Store) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok
}
