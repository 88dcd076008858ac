package cat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/adaptest/internal/irt"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	c := irt.NewCatalog()
	for i, b := range []float64{-2, -1, 0, 1, 2} {
		require.NoError(t, c.Set(fmt.Sprintf("q%d", i+1), b, 1, 0.25))
	}
	return NewEngine(c, cfg)
}

func bank(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("q%d", i+1)
	}
	return out
}

func TestStart(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	snap, err := e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t1", ItemBank: bank(5)})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, snap.Status)
	assert.Equal(t, 0.0, snap.Theta)
	assert.Equal(t, 1.0, snap.StandardError)
	assert.Equal(t, 0, snap.ItemCount)
	assert.Equal(t, 5, snap.BankSize)

	_, err = e.Start(ctx, StartRequest{StudentID: "s2", TestID: "t1", ItemBank: bank(5)})
	assert.ErrorIs(t, err, ErrDuplicateSession)

	_, err = e.Start(ctx, StartRequest{StudentID: "", TestID: "t2", ItemBank: bank(5)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t3"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	nan := math.NaN()
	_, err = e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t4", ItemBank: bank(2), InitialTheta: &nan})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStartGeneratesTestID(t *testing.T) {
	e := newTestEngine(t, Config{})
	snap, err := e.Start(context.Background(), StartRequest{StudentID: "s1", ItemBank: bank(3)})
	require.NoError(t, err)
	assert.NotEmpty(t, snap.TestID)

	_, err = e.Snapshot(snap.TestID)
	assert.NoError(t, err)
}

func TestStartSeedsCatalogAndTheta(t *testing.T) {
	e := newTestEngine(t, Config{})
	seed := 1.4
	snap, err := e.Start(context.Background(), StartRequest{
		StudentID:    "s1",
		TestID:       "t1",
		ItemBank:     []string{"q1", "new-item", "q1"},
		InitialTheta: &seed,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.4, snap.Theta)
	assert.Equal(t, 2, snap.BankSize)

	_, ok := e.Catalog().Lookup("new-item")
	assert.True(t, ok)
}

func TestNextItem(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	_, err := e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t1", ItemBank: bank(5)})
	require.NoError(t, err)

	// At θ = 0 the item with b = 0 is most informative.
	item, ok, err := e.NextItem("t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "q3", item)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		item, ok, err := e.NextItem("t1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, seen[item], "item %s selected twice", item)
		seen[item] = true
		_, err = e.Submit(ctx, "t1", item, i%2 == 0)
		require.NoError(t, err)
	}

	_, ok, err = e.NextItem("t1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = e.NextItem("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSubmit(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	_, err := e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t1", ItemBank: bank(5)})
	require.NoError(t, err)

	up, err := e.Submit(ctx, "t1", "q3", true)
	require.NoError(t, err)
	assert.Equal(t, 1, up.ItemCount)
	assert.Equal(t, 1.0, up.StandardError)
	assert.Greater(t, up.Theta, 0.0)
	assert.InDelta(t, up.Theta-1.96, up.ConfidenceInterval[0], 1e-12)
	assert.InDelta(t, up.Theta+1.96, up.ConfidenceInterval[1], 1e-12)

	_, err = e.Submit(ctx, "t1", "q3", false)
	assert.ErrorIs(t, err, ErrInvalidItem)

	_, err = e.Submit(ctx, "t1", "foreign", false)
	assert.ErrorIs(t, err, ErrInvalidItem)

	_, err = e.Submit(ctx, "missing", "q1", false)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	snap, err := e.Snapshot("t1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ItemCount)
	assert.Equal(t, 4, snap.Remaining)
}

func TestStandardErrorDecreases(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	_, err := e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t1", ItemBank: bank(5)})
	require.NoError(t, err)

	prev := math.Inf(1)
	for i, item := range bank(5) {
		up, err := e.Submit(ctx, "t1", item, i%2 == 1)
		require.NoError(t, err)
		assert.InDelta(t, 1/math.Sqrt(float64(i+1)), up.StandardError, 1e-12)
		assert.Less(t, up.StandardError, prev)
		prev = up.StandardError
	}
}

func TestSubmitCanceledLeavesSessionUnchanged(t *testing.T) {
	e := newTestEngine(t, Config{Workers: 1})
	_, err := e.Start(context.Background(), StartRequest{StudentID: "s1", TestID: "t1", ItemBank: bank(5)})
	require.NoError(t, err)

	// Hold the only estimation slot.
	require.NoError(t, e.pool.Acquire(context.Background(), 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Submit(ctx, "t1", "q1", true)
	assert.ErrorIs(t, err, context.Canceled)
	e.pool.Release(1)

	snap, err := e.Snapshot("t1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.ItemCount)

	_, err = e.Submit(context.Background(), "t1", "q1", true)
	assert.NoError(t, err)
}

func TestShouldTerminate(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	_, err := e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t1", ItemBank: bank(5)})
	require.NoError(t, err)

	tests := []struct {
		name   string
		policy TerminationPolicy
		items  int
		want   bool
	}{
		{"below min even with reached se", TerminationPolicy{MinItems: 3, MaxItems: 5, TargetSE: 5}, 2, false},
		{"at max with unreached se", TerminationPolicy{MinItems: 1, MaxItems: 3, TargetSE: 0}, 3, true},
		{"se reached", TerminationPolicy{MinItems: 1, MaxItems: 10, TargetSE: 0.5}, 4, true},
		{"se not reached", TerminationPolicy{MinItems: 1, MaxItems: 10, TargetSE: 0.3}, 4, false},
		{"above max", TerminationPolicy{MinItems: 0, MaxItems: 2, TargetSE: 0}, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Config{})
			_, err := e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t", ItemBank: bank(5)})
			require.NoError(t, err)
			for _, item := range bank(tt.items) {
				_, err := e.Submit(ctx, "t", item, true)
				require.NoError(t, err)
			}
			got, err := e.ShouldTerminate("t", tt.policy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = e.ShouldTerminate("missing", DefaultPolicy)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEndToEnd(t *testing.T) {
	var archived []Results
	e := newTestEngine(t, Config{
		Archiver: ArchiverFunc(func(_ context.Context, r Results) error {
			archived = append(archived, r)
			return nil
		}),
	})
	ctx := context.Background()
	policy := TerminationPolicy{MinItems: 2, MaxItems: 5, TargetSE: 0}

	_, err := e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t1", ItemBank: bank(5)})
	require.NoError(t, err)

	for {
		done, err := e.ShouldTerminate("t1", policy)
		require.NoError(t, err)
		if done {
			break
		}
		item, ok, err := e.NextItem("t1")
		require.NoError(t, err)
		require.True(t, ok)
		_, err = e.Submit(ctx, "t1", item, true)
		require.NoError(t, err)
	}

	res, err := e.Finalize(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, res.ItemCount)
	assert.Len(t, res.Responses, 5)
	assert.Equal(t, "s1", res.StudentID)
	assert.Greater(t, res.Theta, 0.0)
	assert.Greater(t, res.Percentile, 50.0)
	assert.LessOrEqual(t, res.Percentile, 100.0)
	require.Len(t, archived, 1)
	assert.Equal(t, res.TestID, archived[0].TestID)

	// Terminated sessions reject every further operation.
	_, err = e.Submit(ctx, "t1", "q1", true)
	assert.ErrorIs(t, err, ErrSessionTerminated)
	_, _, err = e.NextItem("t1")
	assert.ErrorIs(t, err, ErrSessionTerminated)
	_, err = e.ShouldTerminate("t1", policy)
	assert.ErrorIs(t, err, ErrSessionTerminated)
	_, err = e.Finalize(ctx, "t1")
	assert.ErrorIs(t, err, ErrSessionTerminated)

	snap, err := e.Snapshot("t1")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, snap.Status)
}

func TestFinalizeArchiveError(t *testing.T) {
	boom := errors.New("disk full")
	e := newTestEngine(t, Config{
		Archiver: ArchiverFunc(func(context.Context, Results) error { return boom }),
	})
	ctx := context.Background()
	_, err := e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t1", ItemBank: bank(2)})
	require.NoError(t, err)

	res, err := e.Finalize(ctx, "t1")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "t1", res.TestID)
	assert.Equal(t, 0, res.ItemCount)
}

func TestEviction(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := newTestEngine(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := e.Start(ctx, StartRequest{StudentID: "s1", TestID: id, ItemBank: bank(2)})
		require.NoError(t, err)
	}
	_, err := e.Finalize(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, e.Len())
	assert.Equal(t, 2, e.Active())

	now = now.Add(time.Hour)
	assert.Equal(t, 0, e.EvictTerminated(2*time.Hour))
	assert.Equal(t, 1, e.EvictTerminated(30*time.Minute))
	assert.Equal(t, 2, e.Len())

	_, err = e.Snapshot("t1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, e.Evict("t2"))
	assert.ErrorIs(t, e.Evict("t2"), ErrSessionNotFound)
	assert.Equal(t, 1, e.Len())
}

func TestConcurrentSessions(t *testing.T) {
	e := newTestEngine(t, Config{Workers: 2})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i)
			_, err := e.Start(ctx, StartRequest{StudentID: "s", TestID: id, ItemBank: bank(5)})
			assert.NoError(t, err)
			for {
				item, ok, err := e.NextItem(id)
				assert.NoError(t, err)
				if !ok {
					break
				}
				_, err = e.Submit(ctx, id, item, i%2 == 0)
				assert.NoError(t, err)
			}
			res, err := e.Finalize(ctx, id)
			assert.NoError(t, err)
			assert.Equal(t, 5, res.ItemCount)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, e.Len())
	assert.Equal(t, 0, e.Active())
}

func TestTransitionsMonotonic(t *testing.T) {
	s := newSession("t", "s", bank(2))
	assert.Equal(t, StatusNotStarted, s.status)
	assert.ErrorIs(t, s.checkActive(), ErrInvalidTransition)

	require.NoError(t, s.start(0, time.Now()))
	assert.ErrorIs(t, s.start(0, time.Now()), ErrInvalidTransition)

	_, err := s.finalize(time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, s.transition(StatusInProgress), ErrInvalidTransition)
	assert.ErrorIs(t, s.transition(StatusTerminated), ErrInvalidTransition)
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, 50.0, Percentile(0))
	assert.Equal(t, 84.13, Percentile(1))
	assert.Equal(t, 2.28, Percentile(-2))
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy.Validate())
	assert.ErrorIs(t, TerminationPolicy{MinItems: 5, MaxItems: 2}.Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, TerminationPolicy{MinItems: -1, MaxItems: 2}.Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, TerminationPolicy{MaxItems: 2, TargetSE: -1}.Validate(), ErrInvalidRequest)
}

func TestSubmitRecoversFromThetaBound(t *testing.T) {
	c := irt.NewCatalog()
	require.NoError(t, c.Set("q1", 0, 1, 0.25))
	require.NoError(t, c.Set("q2", 0.5, 1, 0.25))
	require.NoError(t, c.Set("q3", -1, 3, 0.2))
	e := NewEngine(c, Config{})
	ctx := context.Background()
	_, err := e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t1", ItemBank: []string{"q1", "q2", "q3"}})
	require.NoError(t, err)

	responses := []irt.Response{{ItemID: "q1", Correct: true}, {ItemID: "q2", Correct: true}, {ItemID: "q3", Correct: false}}
	var up Update
	for _, r := range responses {
		up, err = e.Submit(ctx, "t1", r.ItemID, r.Correct)
		require.NoError(t, err)
	}
	// Two correct answers leave the warm start at the upper theta bound.
	cold, err := e.Estimate(ctx, responses, 0)
	require.NoError(t, err)
	assert.InDelta(t, cold, up.Theta, 1e-3)
	assert.Less(t, up.Theta, 0.0)
	assert.InDelta(t, irt.NegativeLogLikelihood(cold, responses, c), irt.NegativeLogLikelihood(up.Theta, responses, c), 1e-6)
}

func TestEstimateUsesPool(t *testing.T) {
	e := newTestEngine(t, Config{Workers: 1})
	responses := []irt.Response{{ItemID: "q1", Correct: true}, {ItemID: "q5", Correct: false}}

	theta, err := e.Estimate(context.Background(), responses, 0)
	require.NoError(t, err)
	assert.Equal(t, irt.NewEstimator(irt.EstimatorConfig{}).Estimate(responses, e.Catalog(), 0), theta)

	require.NoError(t, e.pool.Acquire(context.Background(), 1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Estimate(ctx, responses, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	e.pool.Release(1)
}

type memoryArchive struct {
	mu      sync.Mutex
	results map[string]Results
}

func (m *memoryArchive) Archive(_ context.Context, r Results) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[r.TestID]; ok {
		return fmt.Errorf("result %s exists", r.TestID)
	}
	m.results[r.TestID] = r
	return nil
}

func (m *memoryArchive) Archived(_ context.Context, testID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.results[testID]
	return ok, nil
}

func TestStartRejectsArchivedTestID(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	archive := &memoryArchive{results: make(map[string]Results)}
	e := newTestEngine(t, Config{Archiver: archive, Now: func() time.Time { return now }})
	ctx := context.Background()

	_, err := e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t1", ItemBank: bank(2)})
	require.NoError(t, err)
	_, err = e.Finalize(ctx, "t1")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	require.Equal(t, 1, e.EvictTerminated(time.Hour))

	_, err = e.Start(ctx, StartRequest{StudentID: "s2", TestID: "t1", ItemBank: bank(2)})
	assert.ErrorIs(t, err, ErrDuplicateSession)
	assert.Equal(t, 0, e.Len())

	checkErr := errors.New("archive offline")
	e = newTestEngine(t, Config{Archiver: struct {
		Archiver
		ArchiveChecker
	}{archive, archiveCheckerFunc(func(context.Context, string) (bool, error) { return false, checkErr })}})
	_, err = e.Start(ctx, StartRequest{StudentID: "s1", TestID: "t9", ItemBank: bank(2)})
	assert.ErrorIs(t, err, checkErr)
}

type archiveCheckerFunc func(ctx context.Context, testID string) (bool, error)

func (f archiveCheckerFunc) Archived(ctx context.Context, testID string) (bool, error) {
	return f(ctx, testID)
}
