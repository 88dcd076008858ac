package cat

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pavelanni/adaptest/internal/irt"
)

// z-score for a two-sided 95% confidence interval.
const confidenceZ = 1.96

// Status is the lifecycle state of a test session.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusTerminated Status = "terminated"
)

func (s Status) rank() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusInProgress:
		return 1
	case StatusTerminated:
		return 2
	}
	return -1
}

// AbilityState is the current ability estimate of a session.
type AbilityState struct {
	Theta         float64 `json:"theta"`
	StandardError float64 `json:"standard_error"`
}

// ConfidenceInterval returns θ ± 1.96·se.
func (a AbilityState) ConfidenceInterval() [2]float64 {
	return [2]float64{a.Theta - confidenceZ*a.StandardError, a.Theta + confidenceZ*a.StandardError}
}

// Update is returned after each submitted response.
type Update struct {
	Theta              float64    `json:"ability_estimate"`
	StandardError      float64    `json:"standard_error"`
	ItemCount          int        `json:"num_items"`
	ConfidenceInterval [2]float64 `json:"confidence_interval"`
}

// Results is the final outcome of a session.
type Results struct {
	TestID             string         `json:"test_id"`
	StudentID          string         `json:"student_id"`
	Theta              float64        `json:"ability_estimate"`
	StandardError      float64        `json:"standard_error"`
	ItemCount          int            `json:"num_items_administered"`
	Responses          []irt.Response `json:"responses"`
	Percentile         float64        `json:"score_percentile"`
	ConfidenceInterval [2]float64     `json:"confidence_interval"`
	StartedAt          time.Time      `json:"started_at"`
	FinalizedAt        time.Time      `json:"finalized_at"`
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	TestID        string    `json:"test_id"`
	StudentID     string    `json:"student_id"`
	Status        Status    `json:"status"`
	Theta         float64   `json:"ability_estimate"`
	StandardError float64   `json:"standard_error"`
	ItemCount     int       `json:"num_items"`
	BankSize      int       `json:"item_bank_size"`
	Remaining     int       `json:"items_remaining"`
	StartedAt     time.Time `json:"started_at"`
}

// Session is the state machine of one adaptive test.
// Administered items and responses share one order: response i answers
// administered item i.
type Session struct {
	mu sync.Mutex

	testID    string
	studentID string
	bank      []string
	inBank    map[string]struct{}

	administered []string
	given        map[string]struct{}
	responses    []irt.Response
	itemCount    int

	ability AbilityState
	status  Status

	startedAt   time.Time
	finalizedAt time.Time
}

func newSession(testID, studentID string, bank []string) *Session {
	s := &Session{
		testID:    testID,
		studentID: studentID,
		inBank:    make(map[string]struct{}, len(bank)),
		given:     make(map[string]struct{}),
		status:    StatusNotStarted,
	}
	for _, id := range bank {
		if _, dup := s.inBank[id]; dup || id == "" {
			continue
		}
		s.inBank[id] = struct{}{}
		s.bank = append(s.bank, id)
	}
	return s
}

// transition moves the session forward. Backward or repeated moves fail.
func (s *Session) transition(to Status) error {
	if to.rank() <= s.status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, to)
	}
	s.status = to
	return nil
}

func (s *Session) start(initialTheta float64, now time.Time) error {
	if err := s.transition(StatusInProgress); err != nil {
		return err
	}
	s.ability = AbilityState{Theta: initialTheta, StandardError: 1.0}
	s.startedAt = now
	return nil
}

// checkActive reports whether operations on an in-progress session are allowed.
func (s *Session) checkActive() error {
	switch s.status {
	case StatusInProgress:
		return nil
	case StatusTerminated:
		return fmt.Errorf("%w: %s", ErrSessionTerminated, s.testID)
	default:
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, s.testID, s.status)
	}
}

// candidates returns bank items not yet administered, in bank order.
func (s *Session) candidates() []string {
	out := make([]string, 0, len(s.bank)-len(s.administered))
	for _, id := range s.bank {
		if _, ok := s.given[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (s *Session) checkItem(itemID string) error {
	if _, ok := s.inBank[itemID]; !ok {
		return fmt.Errorf("%w: %q is not in the item bank of %s", ErrInvalidItem, itemID, s.testID)
	}
	if _, ok := s.given[itemID]; ok {
		return fmt.Errorf("%w: %q was already administered in %s", ErrInvalidItem, itemID, s.testID)
	}
	return nil
}

func (s *Session) record(itemID string, correct bool) {
	s.administered = append(s.administered, itemID)
	s.given[itemID] = struct{}{}
	s.responses = append(s.responses, irt.Response{ItemID: itemID, Correct: correct})
	s.itemCount++
}

// standardError is the approximation 1/sqrt(n). Item information is not
// used; downstream score scales depend on this form.
func standardError(itemCount int) float64 {
	if itemCount <= 0 {
		return 1.0
	}
	return 1 / math.Sqrt(float64(itemCount))
}

func (s *Session) shouldTerminate(p TerminationPolicy) bool {
	switch {
	case s.itemCount < p.MinItems:
		return false
	case s.itemCount >= p.MaxItems:
		return true
	case s.ability.StandardError <= p.TargetSE:
		return true
	}
	return false
}

func (s *Session) finalize(now time.Time) (Results, error) {
	if err := s.checkActive(); err != nil {
		return Results{}, err
	}
	if err := s.transition(StatusTerminated); err != nil {
		return Results{}, err
	}
	s.finalizedAt = now
	return Results{
		TestID:             s.testID,
		StudentID:          s.studentID,
		Theta:              s.ability.Theta,
		StandardError:      s.ability.StandardError,
		ItemCount:          s.itemCount,
		Responses:          slices.Clone(s.responses),
		Percentile:         Percentile(s.ability.Theta),
		ConfidenceInterval: s.ability.ConfidenceInterval(),
		StartedAt:          s.startedAt,
		FinalizedAt:        now,
	}, nil
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		TestID:        s.testID,
		StudentID:     s.studentID,
		Status:        s.status,
		Theta:         s.ability.Theta,
		StandardError: s.ability.StandardError,
		ItemCount:     s.itemCount,
		BankSize:      len(s.bank),
		Remaining:     len(s.bank) - len(s.administered),
		StartedAt:     s.startedAt,
	}
}

// Percentile maps θ to the standard normal CDF scaled to 0-100, rounded to
// two decimals.
func Percentile(theta float64) float64 {
	return math.Round(distuv.UnitNormal.CDF(theta)*100*100) / 100
}
