package application

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/davarch/buildcast/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestStore_CreateAndGet(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(zaptest.NewLogger(t), clock.Now)

	b, err := s.Create("b1", "org/x", "main", "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Status != domain.StatusStarted || !b.StartTime.Equal(clock.Now()) {
		t.Errorf("created = %+v", b)
	}
	if b.EndTime != nil || b.Summary != nil || len(b.Steps) != 0 || len(b.Logs) != 0 {
		t.Errorf("new build carries completion data: %+v", b)
	}

	got, err := s.Get("b1")
	if err != nil || got.ID != "b1" || got.Repository != "org/x" {
		t.Errorf("Get = %+v, %v", got, err)
	}

	if _, err := s.Create("b1", "org/x", "main", "abc"); !errors.Is(err, domain.ErrDuplicateBuild) {
		t.Errorf("expected ErrDuplicateBuild, got %v", err)
	}
	if _, err := s.Get("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpdatesKeepArrivalOrder(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(zap.NewNop(), clock.Now)
	_, _ = s.Create("b1", "org/x", "main", "abc")

	b, err := s.AppendStep("b1", "checkout", domain.StatusSuccess)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != domain.StatusRunning {
		t.Errorf("first step should move build to running, got %s", b.Status)
	}

	clock.Advance(time.Second)
	_, _ = s.AppendStep("b1", "compile", domain.StatusRunning)
	_, _ = s.AppendLog("b1", "line 1")
	b, _ = s.AppendLog("b1", "line 2")

	if len(b.Steps) != 2 || b.Steps[0].Name != "checkout" || b.Steps[1].Name != "compile" {
		t.Errorf("steps = %+v", b.Steps)
	}
	if !b.Steps[1].Timestamp.Equal(clock.Now()) {
		t.Errorf("step timestamp = %v", b.Steps[1].Timestamp)
	}
	if len(b.Logs) != 2 || b.Logs[0] != "line 1" || b.Logs[1] != "line 2" {
		t.Errorf("logs = %v", b.Logs)
	}

	b, _ = s.SetStatus("b1", "testing")
	if b.Status != "testing" {
		t.Errorf("status = %s", b.Status)
	}

	if _, err := s.AppendLog("missing", "x"); !errors.Is(err, domain.ErrUnknownBuild) {
		t.Errorf("expected ErrUnknownBuild, got %v", err)
	}
}

func TestStore_Complete(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(zaptest.NewLogger(t), clock.Now)
	_, _ = s.Create("b1", "org/x", "main", "abc")

	clock.Advance(time.Minute)
	b, changed, err := s.Complete("b1", domain.StatusFailure, "tests failed")
	if err != nil || !changed {
		t.Fatalf("Complete = %v, %v", changed, err)
	}
	if b.EndTime == nil || !b.EndTime.Equal(clock.Now()) || b.Summary == nil || *b.Summary != "tests failed" {
		t.Errorf("completed = %+v", b)
	}
	if b.EndTime.Before(b.StartTime.Time) {
		t.Error("end_time before start_time")
	}

	again, changed, err := s.Complete("b1", domain.StatusSuccess, "")
	if err != nil || changed {
		t.Fatalf("duplicate Complete = %v, %v", changed, err)
	}
	if again.Status != domain.StatusFailure {
		t.Errorf("duplicate completion overwrote status: %s", again.Status)
	}

	if _, err := s.AppendLog("b1", "late"); !errors.Is(err, domain.ErrBuildAlreadyComplete) {
		t.Errorf("expected ErrBuildAlreadyComplete, got %v", err)
	}
	if _, _, err := s.Complete("missing", domain.StatusSuccess, ""); !errors.Is(err, domain.ErrUnknownBuild) {
		t.Errorf("expected ErrUnknownBuild, got %v", err)
	}
	if _, _, err := s.Complete("b1", "", ""); err == nil {
		t.Error("expected error for empty status")
	}
}

func TestStore_CompleteWithoutSummary(t *testing.T) {
	s := NewStore(zap.NewNop(), nil)
	_, _ = s.Create("b1", "org/x", "main", "abc")

	b, _, _ := s.Complete("b1", domain.StatusCancelled, "")
	if b.Summary != nil {
		t.Errorf("summary = %q, want absent", *b.Summary)
	}
}

func TestStore_SnapshotsAreCopies(t *testing.T) {
	s := NewStore(zap.NewNop(), nil)
	_, _ = s.Create("b1", "org/x", "main", "abc")
	b, _ := s.AppendLog("b1", "original")

	b.Logs[0] = "mutated"
	b.Status = domain.StatusFailure

	got, _ := s.Get("b1")
	if got.Logs[0] != "original" || got.Status != domain.StatusStarted {
		t.Errorf("store state leaked: %+v", got)
	}
}

func TestStore_ListByRepository(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(zap.NewNop(), clock.Now)

	for i := 0; i < 12; i++ {
		_, _ = s.Create(fmt.Sprintf("b%02d", i), "org/x", "main", "abc")
		clock.Advance(time.Second)
	}
	_, _ = s.Create("other", "org/y", "main", "abc")

	got := s.ListByRepository("org/x", DefaultQueryLimit)
	if len(got) != 10 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].ID != "b11" || got[9].ID != "b02" {
		t.Errorf("order = %s..%s", got[0].ID, got[9].ID)
	}
	for i := 1; i < len(got); i++ {
		if got[i].StartTime.After(got[i-1].StartTime.Time) {
			t.Fatalf("not sorted newest first at %d", i)
		}
	}

	if all := s.ListByRepository("org/x", 0); len(all) != 12 {
		t.Errorf("unlimited len = %d", len(all))
	}
	if none := s.ListByRepository("org/none", 10); len(none) != 0 {
		t.Errorf("unknown repository returned %d builds", len(none))
	}
}

func TestStore_ConcurrentUpdatesAreSerialized(t *testing.T) {
	s := NewStore(zap.NewNop(), nil)
	_, _ = s.Create("b1", "org/x", "main", "abc")
	_, _ = s.Create("b2", "org/x", "main", "def")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = s.AppendLog("b1", fmt.Sprint(i))
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = s.AppendStep("b2", fmt.Sprint(i), domain.StatusRunning)
		}(i)
	}
	wg.Wait()

	b1, _ := s.Get("b1")
	b2, _ := s.Get("b2")
	if len(b1.Logs) != 50 || len(b2.Steps) != 50 {
		t.Errorf("lost updates: logs=%d steps=%d", len(b1.Logs), len(b2.Steps))
	}
}

func TestStore_EvictCompleted(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(zap.NewNop(), clock.Now)

	_, _ = s.Create("old", "org/x", "main", "abc")
	_, _ = s.Create("running", "org/x", "main", "abc")
	_, _, _ = s.Complete("old", domain.StatusSuccess, "")

	clock.Advance(2 * time.Hour)
	_, _ = s.Create("fresh", "org/x", "main", "abc")
	_, _, _ = s.Complete("fresh", domain.StatusSuccess, "")

	if n := s.EvictCompleted(clock.Now().Add(-time.Hour)); n != 1 {
		t.Errorf("evicted %d, want 1", n)
	}
	if _, err := s.Get("old"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("old build still present")
	}
	if s.Len() != 2 {
		t.Errorf("len = %d", s.Len())
	}
}

func TestStore_CompletedBuildRejectsMutation(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(zap.NewNop(), clock.Now)
	_, _ = s.Create("b1", "org/x", "main", "abc")
	_, _ = s.AppendStep("b1", "compile", domain.StatusRunning)
	_, _ = s.AppendLog("b1", "compiling")
	clock.Advance(time.Minute)
	want, _, _ := s.Complete("b1", domain.StatusSuccess, "ok")

	clock.Advance(time.Minute)
	mutations := map[string]func() (domain.BuildState, error){
		"AppendStep": func() (domain.BuildState, error) { return s.AppendStep("b1", "deploy", domain.StatusRunning) },
		"AppendLog":  func() (domain.BuildState, error) { return s.AppendLog("b1", "late") },
		"SetStatus":  func() (domain.BuildState, error) { return s.SetStatus("b1", domain.StatusFailure) },
		"Update": func() (domain.BuildState, error) {
			return s.Update("b1", Update{Step: "test", StepStatus: domain.StatusRunning, Log: "late", Status: domain.StatusFailure})
		},
	}

	for name, mutate := range mutations {
		if _, err := mutate(); !errors.Is(err, domain.ErrBuildAlreadyComplete) {
			t.Errorf("%s: expected ErrBuildAlreadyComplete, got %v", name, err)
		}

		got, err := s.Get("b1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != want.Status {
			t.Errorf("%s: status = %s, want %s", name, got.Status, want.Status)
		}
		if len(got.Steps) != 1 || got.Steps[0].Name != "compile" || got.Steps[0].Status != domain.StatusRunning {
			t.Errorf("%s: steps = %+v", name, got.Steps)
		}
		if len(got.Logs) != 1 || got.Logs[0] != "compiling" {
			t.Errorf("%s: logs = %v", name, got.Logs)
		}
		if !got.EndTime.Equal(want.EndTime.Time) || *got.Summary != "ok" {
			t.Errorf("%s: completion fields changed: %+v", name, got)
		}
	}
}
