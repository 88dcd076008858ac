package cat

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pavelanni/adaptest/internal/irt"
)

// Archiver persists the results of finalized sessions.
type Archiver interface {
	Archive(ctx context.Context, r Results) error
}

// ArchiverFunc adapts a function to the Archiver interface.
type ArchiverFunc func(ctx context.Context, r Results) error

// Archive calls f(ctx, r).
func (f ArchiverFunc) Archive(ctx context.Context, r Results) error {
	return f(ctx, r)
}

// ArchiveChecker is implemented by archivers that can report whether results
// for a test id were already persisted. Start rejects such ids as duplicates.
type ArchiveChecker interface {
	Archived(ctx context.Context, testID string) (bool, error)
}

// Config configures an Engine. Zero values are replaced with defaults.
type Config struct {
	Estimator *irt.Estimator   // default NewEstimator(EstimatorConfig{})
	Workers   int              // concurrent estimations, default GOMAXPROCS
	Archiver  Archiver         // optional
	Now       func() time.Time // default time.Now
}

// StartRequest describes a new test session.
type StartRequest struct {
	StudentID string   `json:"student_id"`
	TestID    string   `json:"test_id"`
	ItemBank  []string `json:"item_bank"`
	// InitialTheta seeds the ability estimate, e.g. from a student's prior
	// mastery. Nil starts at 0.
	InitialTheta *float64 `json:"initial_theta,omitempty"`
}

// Engine is the registry of test sessions keyed by test id. Registry access
// is synchronized; calls on one session are expected to be serialized by the
// caller and are not ordered by the engine.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*Session

	catalog   *irt.Catalog
	estimator *irt.Estimator
	pool      *semaphore.Weighted
	archiver  Archiver
	now       func() time.Time
}

// NewEngine creates an Engine that selects and scores items from catalog.
func NewEngine(catalog *irt.Catalog, cfg Config) *Engine {
	e := &Engine{
		sessions:  make(map[string]*Session),
		catalog:   catalog,
		estimator: cfg.Estimator,
		archiver:  cfg.Archiver,
		now:       cfg.Now,
	}
	if e.estimator == nil {
		e.estimator = irt.NewEstimator(irt.EstimatorConfig{})
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	e.pool = semaphore.NewWeighted(int64(workers))
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Catalog returns the item catalog used by the engine.
func (e *Engine) Catalog() *irt.Catalog {
	return e.catalog
}

func (e *Engine) lookup(testID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[testID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, testID)
	}
	return s, nil
}

// Start registers a new session in progress with θ at the seed and se = 1.
// An empty TestID is replaced with a generated one. A test id already in the
// registry, or already archived when the archiver is an ArchiveChecker, is
// rejected with ErrDuplicateSession.
func (e *Engine) Start(ctx context.Context, req StartRequest) (Snapshot, error) {
	if req.StudentID == "" {
		return Snapshot{}, fmt.Errorf("%w: student_id is required", ErrInvalidRequest)
	}
	if req.TestID == "" {
		req.TestID = uuid.NewString()
	}
	s := newSession(req.TestID, req.StudentID, req.ItemBank)
	if len(s.bank) == 0 {
		return Snapshot{}, fmt.Errorf("%w: item bank of %s is empty", ErrInvalidRequest, req.TestID)
	}
	theta := 0.0
	if req.InitialTheta != nil {
		theta = *req.InitialTheta
		if math.IsNaN(theta) || math.IsInf(theta, 0) {
			return Snapshot{}, fmt.Errorf("%w: initial_theta must be finite", ErrInvalidRequest)
		}
	}
	if err := s.start(theta, e.now()); err != nil {
		return Snapshot{}, err
	}
	if checker, ok := e.archiver.(ArchiveChecker); ok {
		archived, err := checker.Archived(ctx, req.TestID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("check archive for %s: %w", req.TestID, err)
		}
		if archived {
			return Snapshot{}, fmt.Errorf("%w: %s is already archived", ErrDuplicateSession, req.TestID)
		}
	}

	e.mu.Lock()
	if _, exists := e.sessions[req.TestID]; exists {
		e.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrDuplicateSession, req.TestID)
	}
	e.sessions[req.TestID] = s
	e.mu.Unlock()

	// Touch every bank item so defaults exist before selection.
	for _, id := range s.bank {
		e.catalog.Parameters(id)
	}

	slog.Info("test started", "test_id", req.TestID, "student_id", req.StudentID, "item_bank_size", len(s.bank), "theta", theta)
	return s.snapshot(), nil
}

// NextItem returns the most informative item not yet administered at the
// current ability. ok is false when the bank is exhausted.
func (e *Engine) NextItem(testID string) (itemID string, ok bool, err error) {
	s, err := e.lookup(testID)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActive(); err != nil {
		return "", false, err
	}
	itemID, err = irt.Select(s.ability.Theta, s.candidates(), e.catalog)
	if err != nil {
		// Exhaustion is a normal end of the bank, not a failure.
		return "", false, nil
	}
	return itemID, true, nil
}

// Submit records a response, re-estimates θ warm-started at the previous
// estimate and sets se = 1/sqrt(n). ctx bounds only the wait for an
// estimation slot; on cancellation the session is left unchanged.
func (e *Engine) Submit(ctx context.Context, testID, itemID string, correct bool) (Update, error) {
	s, err := e.lookup(testID)
	if err != nil {
		return Update{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActive(); err != nil {
		return Update{}, err
	}
	if err := s.checkItem(itemID); err != nil {
		return Update{}, err
	}

	if err := e.pool.Acquire(ctx, 1); err != nil {
		return Update{}, fmt.Errorf("wait for estimator: %w", err)
	}
	s.record(itemID, correct)
	theta := e.estimator.Estimate(s.responses, e.catalog, s.ability.Theta)
	e.pool.Release(1)

	s.ability = AbilityState{Theta: theta, StandardError: standardError(s.itemCount)}
	slog.Debug("response recorded",
		"test_id", testID,
		"item_id", itemID,
		"correct", correct,
		"theta", s.ability.Theta,
		"se", s.ability.StandardError,
		"num_items", s.itemCount,
	)
	return Update{
		Theta:              s.ability.Theta,
		StandardError:      s.ability.StandardError,
		ItemCount:          s.itemCount,
		ConfidenceInterval: s.ability.ConfidenceInterval(),
	}, nil
}

// Estimate computes an ability estimate for responses outside any session,
// sharing the estimation slots used by Submit. ctx bounds the wait for a slot.
func (e *Engine) Estimate(ctx context.Context, responses []irt.Response, initialTheta float64) (float64, error) {
	if err := e.pool.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("wait for estimator: %w", err)
	}
	defer e.pool.Release(1)
	return e.estimator.Estimate(responses, e.catalog, initialTheta), nil
}

// ShouldTerminate evaluates the stopping rule of p against the session.
func (e *Engine) ShouldTerminate(testID string, p TerminationPolicy) (bool, error) {
	s, err := e.lookup(testID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkActive(); err != nil {
		return false, err
	}
	return s.shouldTerminate(p), nil
}

// Finalize terminates the session and returns its results. The caller decides
// when to finalize, normally once ShouldTerminate holds. The session stays
// registered as terminated until evicted.
//
// If archiving fails the results are still returned along with the error.
func (e *Engine) Finalize(ctx context.Context, testID string) (Results, error) {
	s, err := e.lookup(testID)
	if err != nil {
		return Results{}, err
	}
	s.mu.Lock()
	res, err := s.finalize(e.now())
	s.mu.Unlock()
	if err != nil {
		return Results{}, err
	}

	slog.Info("test finalized",
		"test_id", testID,
		"student_id", res.StudentID,
		"theta", res.Theta,
		"se", res.StandardError,
		"num_items", res.ItemCount,
		"percentile", res.Percentile,
	)
	if e.archiver != nil {
		if err := e.archiver.Archive(ctx, res); err != nil {
			return res, fmt.Errorf("archive results of %s: %w", testID, err)
		}
	}
	return res, nil
}

// Snapshot returns a read-only view of the session, including terminated ones.
func (e *Engine) Snapshot(testID string) (Snapshot, error) {
	s, err := e.lookup(testID)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// Evict removes a session regardless of its status.
func (e *Engine) Evict(testID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[testID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, testID)
	}
	delete(e.sessions, testID)
	return nil
}

// EvictTerminated removes sessions finalized more than olderThan ago and
// returns how many were removed.
func (e *Engine) EvictTerminated(olderThan time.Duration) int {
	cutoff := e.now().Add(-olderThan)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, s := range e.sessions {
		s.mu.Lock()
		expired := s.status == StatusTerminated && !s.finalizedAt.After(cutoff)
		s.mu.Unlock()
		if expired {
			delete(e.sessions, id)
			n++
		}
	}
	return n
}

// Len returns the number of registered sessions.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Active returns the number of sessions in progress.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.sessions {
		s.mu.Lock()
		if s.status == StatusInProgress {
			n++
		}
		s.mu.Unlock()
	}
	return n
}
