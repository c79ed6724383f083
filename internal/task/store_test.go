package task

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adt-sh/adt/internal/events"
	"github.com/adt-sh/adt/internal/events/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, project, desc string, priority Priority, opts CreateOptions) *Task {
	t.Helper()
	created, err := s.Create(project, desc, priority, opts)
	require.NoError(t, err)
	return created
}

func TestCreateDefaults(t *testing.T) {
	s := openTestStore(t)

	created := mustCreate(t, s, "webapp", "fix the build", "", CreateOptions{})
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, PriorityNormal, created.Priority)
	assert.Equal(t, DefaultMaxRetries, created.MaxRetries)
	assert.Len(t, created.ID, 8)

	got, err := s.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "fix the build", got.Description)
}

func TestCreateValidation(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Create("", "desc", PriorityNormal, CreateOptions{})
	assert.Error(t, err)

	_, err = s.Create("p", "desc", Priority("critical"), CreateOptions{})
	assert.Error(t, err)
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimOrderPriorityThenAge(t *testing.T) {
	s := openTestStore(t)

	low := mustCreate(t, s, "p", "low", PriorityLow, CreateOptions{})
	normalOld := mustCreate(t, s, "p", "normal old", PriorityNormal, CreateOptions{})
	normalNew := mustCreate(t, s, "p", "normal new", PriorityNormal, CreateOptions{})
	urgent := mustCreate(t, s, "p", "urgent", PriorityUrgent, CreateOptions{})

	want := []string{urgent.ID, normalOld.ID, normalNew.ID, low.ID}
	for _, expected := range want {
		claimed, err := s.ClaimNext("p")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, expected, claimed.ID)
		assert.Equal(t, StatusInProgress, claimed.Status)
		assert.Equal(t, "p", claimed.AssignedTo)
		assert.NotNil(t, claimed.StartedAt)
	}

	claimed, err := s.ClaimNext("p")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimNextIsExclusive(t *testing.T) {
	s := openTestStore(t)

	const n = 20
	for i := 0; i < n; i++ {
		mustCreate(t, s, "p", "work", PriorityNormal, CreateOptions{})
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimNext("worker")
				if err != nil || claimed == nil {
					return
				}
				mu.Lock()
				seen[claimed.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s claimed %d times", id, count)
	}
}

func TestClaimNextForProject(t *testing.T) {
	s := openTestStore(t)

	other := mustCreate(t, s, "other", "urgent elsewhere", PriorityUrgent, CreateOptions{})
	mine := mustCreate(t, s, "mine", "normal here", PriorityNormal, CreateOptions{})

	claimed, err := s.ClaimNextForProject("mine", "mine")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, mine.ID, claimed.ID)

	claimed, err = s.ClaimNextForProject("mine", "mine")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	stillPending, err := s.Get(other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stillPending.Status)
}

func TestDependenciesBlockUntilCompleted(t *testing.T) {
	s := openTestStore(t)

	dep := mustCreate(t, s, "p", "first", PriorityNormal, CreateOptions{})
	chained := mustCreate(t, s, "p", "use {{output}} here", PriorityUrgent, CreateOptions{
		DependsOn:     []string{dep.ID},
		UseOutputFrom: dep.ID,
	})
	assert.Equal(t, StatusBlocked, chained.Status)

	// The blocked task is not claimable even at urgent priority.
	claimed, err := s.ClaimNext("p")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, dep.ID, claimed.ID)

	claimed, err = s.ClaimNext("p")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	_, err = s.Complete(dep.ID, "42")
	require.NoError(t, err)

	// Completion promotes the dependent and substitutes the output.
	promoted, err := s.Get(chained.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, promoted.Status)
	assert.Equal(t, "use 42 here", promoted.Description)

	claimed, err = s.ClaimNext("p")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, chained.ID, claimed.ID)
}

func TestDependencyOnCompletedTaskStartsPending(t *testing.T) {
	s := openTestStore(t)

	dep := mustCreate(t, s, "p", "first", PriorityNormal, CreateOptions{})
	_, err := s.ClaimNext("p")
	require.NoError(t, err)
	_, err = s.Complete(dep.ID, "done")
	require.NoError(t, err)

	chained := mustCreate(t, s, "p", "second", PriorityNormal, CreateOptions{DependsOn: []string{dep.ID}})
	assert.Equal(t, StatusPending, chained.Status)
}

func TestFailRetriesThenTerminal(t *testing.T) {
	s := openTestStore(t)

	created := mustCreate(t, s, "p", "flaky", PriorityNormal, CreateOptions{})

	for attempt := 1; attempt < DefaultMaxRetries; attempt++ {
		claimed, err := s.ClaimNext("p")
		require.NoError(t, err)
		require.NotNil(t, claimed)

		failed, err := s.Fail(created.ID, "boom")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, failed.Status)
		assert.Equal(t, attempt, failed.RetryCount)
		assert.Empty(t, failed.AssignedTo)
		assert.Nil(t, failed.StartedAt)
		assert.Contains(t, failed.Error, "boom")
		// Re-queued tasks keep their original place in the queue.
		assert.Equal(t, created.CreatedAt.Unix(), failed.CreatedAt.Unix())
	}

	_, err := s.ClaimNext("p")
	require.NoError(t, err)
	failed, err := s.Fail(created.ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, DefaultMaxRetries, failed.RetryCount)
	assert.NotNil(t, failed.CompletedAt)
	assert.Equal(t, "boom", failed.Error)

	_, err = s.Fail(created.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRetryRequeuesFailedTask(t *testing.T) {
	s := openTestStore(t)

	created := mustCreate(t, s, "p", "x", PriorityNormal, CreateOptions{MaxRetries: 1})
	_, err := s.ClaimNext("p")
	require.NoError(t, err)
	_, err = s.Fail(created.ID, "err")
	require.NoError(t, err)

	retried, err := s.Retry(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)
	assert.Zero(t, retried.RetryCount)
	assert.Empty(t, retried.Error)

	_, err = s.Retry(created.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelOnlyBeforeRunning(t *testing.T) {
	s := openTestStore(t)

	created := mustCreate(t, s, "p", "x", PriorityNormal, CreateOptions{})
	cancelled, err := s.Cancel(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	running := mustCreate(t, s, "p", "y", PriorityNormal, CreateOptions{})
	_, err = s.ClaimNext("p")
	require.NoError(t, err)
	_, err = s.Cancel(running.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReviewFlow(t *testing.T) {
	s := openTestStore(t)

	created := mustCreate(t, s, "p", "risky change", PriorityNormal, CreateOptions{
		RequiresReview: true,
		ReviewPrompt:   "check the migration",
	})
	assert.Equal(t, StatusAwaitingReview, created.Status)

	// Awaiting review is not claimable.
	claimed, err := s.ClaimNext("p")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	approved, err := s.Review(created.ID, true, "alice", "risky change, reviewed")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, approved.Status)
	assert.Equal(t, "risky change, reviewed", approved.Description)
	assert.Equal(t, "alice", approved.ReviewedBy)
	assert.NotNil(t, approved.ReviewedAt)

	_, err = s.Review(created.ID, true, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReviewRejectionCancels(t *testing.T) {
	s := openTestStore(t)

	created := mustCreate(t, s, "p", "nope", PriorityNormal, CreateOptions{RequiresReview: true})
	rejected, err := s.Review(created.ID, false, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rejected.Status)
	assert.NotNil(t, rejected.CompletedAt)
}

func TestOutputTruncation(t *testing.T) {
	s := openTestStore(t)

	created := mustCreate(t, s, "p", "big", PriorityNormal, CreateOptions{})
	_, err := s.ClaimNext("p")
	require.NoError(t, err)

	big := strings.Repeat("x", MaxOutputBytes+100)
	completed, err := s.Complete(created.ID, big)
	require.NoError(t, err)
	assert.Len(t, completed.Output, MaxOutputBytes+len(TruncationMarker))
	assert.True(t, strings.HasSuffix(completed.Output, TruncationMarker))
}

func TestListAndStats(t *testing.T) {
	s := openTestStore(t)

	mustCreate(t, s, "a", "one", PriorityNormal, CreateOptions{})
	mustCreate(t, s, "b", "two", PriorityUrgent, CreateOptions{})
	claimed, err := s.ClaimNext("b")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	byProject, err := s.List(ListFilter{Project: "a"})
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, "one", byProject[0].Description)

	pending, err := s.List(ListFilter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.InProgress)
	assert.Equal(t, 2, stats.Total)
}

func TestCompleteRequiresInProgress(t *testing.T) {
	s := openTestStore(t)

	created := mustCreate(t, s, "p", "x", PriorityNormal, CreateOptions{})
	_, err := s.Complete(created.ID, "out")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Complete("deadbeef", "out")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePublishesEvent(t *testing.T) {
	b := bus.NewMemoryEventBus(nil)
	t.Cleanup(b.Close)

	received := make(chan *bus.Event, 1)
	_, err := b.Subscribe(events.TaskCreated, func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"), nil, b)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	created := mustCreate(t, s, "webapp", "wire the thing", PriorityHigh, CreateOptions{})

	select {
	case e := <-received:
		assert.Equal(t, "webapp", e.Project)
		assert.Equal(t, created.ID, e.Data["task_id"])
		assert.Equal(t, "high", e.Data["priority"])
	case <-time.After(2 * time.Second):
		t.Fatal("no task created event")
	}
}
