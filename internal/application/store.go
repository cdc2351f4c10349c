package application

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davarch/buildcast/internal/domain"
	"go.uber.org/zap"
)

// Update is one atomic mutation of an in-flight build. Step appends a
// step carrying StepStatus, Status replaces the build status, Log
// appends a log line. Empty fields are skipped.
type Update struct {
	Step       string
	StepStatus domain.BuildStatus
	Status     domain.BuildStatus
	Log        string
}

// Store owns every tracked build. The map is guarded by mu; each build
// is guarded by its own mutex so operations on one build are strictly
// ordered while different builds proceed concurrently.
type Store struct {
	log *zap.Logger
	now func() time.Time

	mu     sync.RWMutex
	builds map[string]*buildEntry
}

type buildEntry struct {
	mu    sync.Mutex
	state domain.BuildState
}

func NewStore(l *zap.Logger, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{log: l, now: now, builds: make(map[string]*buildEntry)}
}

func (s *Store) Create(id, repository, branch, commit string) (domain.BuildState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.builds[id]; ok {
		return domain.BuildState{}, fmt.Errorf("%w: %s", domain.ErrDuplicateBuild, id)
	}

	state := domain.BuildState{
		ID:         id,
		Repository: repository,
		Branch:     branch,
		Commit:     commit,
		Status:     domain.StatusStarted,
		StartTime:  domain.At(s.now()),
		Steps:      []domain.Step{},
		Logs:       []string{},
	}
	s.builds[id] = &buildEntry{state: state}
	return state.Clone(), nil
}

func (s *Store) AppendStep(id, step string, status domain.BuildStatus) (domain.BuildState, error) {
	return s.Update(id, Update{Step: step, StepStatus: status})
}

func (s *Store) AppendLog(id, line string) (domain.BuildState, error) {
	return s.Update(id, Update{Log: line})
}

func (s *Store) SetStatus(id string, status domain.BuildStatus) (domain.BuildState, error) {
	return s.Update(id, Update{Status: status})
}

func (s *Store) Update(id string, u Update) (domain.BuildState, error) {
	e, err := s.entry(id)
	if err != nil {
		return domain.BuildState{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Completed() {
		return domain.BuildState{}, fmt.Errorf("%w: %s", domain.ErrBuildAlreadyComplete, id)
	}

	if u.Step != "" {
		e.state.Steps = append(e.state.Steps, domain.Step{
			Name:      u.Step,
			Status:    u.StepStatus,
			Timestamp: domain.At(s.now()),
		})
		if e.state.Status == domain.StatusStarted {
			e.state.Status = domain.StatusRunning
		}
	}
	if u.Status != "" {
		e.state.Status = u.Status
	}
	if u.Log != "" {
		e.state.Logs = append(e.state.Logs, u.Log)
	}

	return e.state.Clone(), nil
}

// Complete finishes a build. A repeated completion is not an error: it
// returns the stored state with changed=false and leaves it untouched.
func (s *Store) Complete(id string, status domain.BuildStatus, summary string) (domain.BuildState, bool, error) {
	if status == "" {
		return domain.BuildState{}, false, errors.New("completion status must not be empty")
	}

	e, err := s.entry(id)
	if err != nil {
		return domain.BuildState{}, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Completed() {
		s.log.Warn("duplicate build completion ignored",
			zap.String("build_id", id),
			zap.String("status", string(e.state.Status)),
			zap.String("late_status", string(status)),
		)
		return e.state.Clone(), false, nil
	}

	end := domain.At(s.now())
	e.state.Status = status
	e.state.EndTime = &end
	if summary != "" {
		e.state.Summary = &summary
	}

	return e.state.Clone(), true, nil
}

func (s *Store) Get(id string) (domain.BuildState, error) {
	s.mu.RLock()
	e, ok := s.builds[id]
	s.mu.RUnlock()
	if !ok {
		return domain.BuildState{}, fmt.Errorf("%w: build %s", domain.ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

// ListByRepository returns the builds of repo, newest start_time first.
// A non-positive limit returns all of them.
func (s *Store) ListByRepository(repo string, limit int) []domain.BuildState {
	s.mu.RLock()
	entries := make([]*buildEntry, 0)
	for _, e := range s.builds {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]domain.BuildState, 0)
	for _, e := range entries {
		e.mu.Lock()
		if e.state.Repository == repo {
			out = append(out, e.state.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime.Time) {
			return out[i].StartTime.After(out[j].StartTime.Time)
		}
		return out[i].ID > out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// EvictCompleted drops completed builds that ended before the cutoff.
// In-flight builds are never evicted.
func (s *Store) EvictCompleted(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.builds {
		e.mu.Lock()
		expired := e.state.EndTime != nil && e.state.EndTime.Before(before)
		e.mu.Unlock()
		if expired {
			delete(s.builds, id)
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.builds)
}

func (s *Store) entry(id string) (*buildEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.builds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownBuild, id)
	}
	return e, nil
}
