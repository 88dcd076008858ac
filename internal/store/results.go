package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pavelanni/adaptest/internal/cat"
	"github.com/pavelanni/adaptest/internal/model"
)

const resultColumns = `test_id, student_id, theta, standard_error, item_count, percentile,
	ci_low, ci_high, responses, started_at, finalized_at`

// SaveResult archives a finalized test. A test can be archived only once.
func (s *Store) SaveResult(r model.TestResult) error {
	responses, err := json.Marshal(r.Responses)
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO test_results (`+resultColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TestID, r.StudentID, r.Theta, r.StandardError, r.ItemCount, r.Percentile,
		r.ConfidenceInterval[0], r.ConfidenceInterval[1], string(responses), r.StartedAt, r.FinalizedAt,
	)
	if err != nil {
		slog.Error("failed to archive result", "test_id", r.TestID, "error", err)
		return err
	}
	slog.Info("archived result", "test_id", r.TestID, "student_id", r.StudentID)
	return nil
}

// Archive saves finalized engine results, making Store a cat.Archiver.
func (s *Store) Archive(_ context.Context, res cat.Results) error {
	return s.SaveResult(model.TestResult{
		TestID:             res.TestID,
		StudentID:          res.StudentID,
		Theta:              res.Theta,
		StandardError:      res.StandardError,
		ItemCount:          res.ItemCount,
		Percentile:         res.Percentile,
		ConfidenceInterval: res.ConfidenceInterval,
		Responses:          res.Responses,
		StartedAt:          res.StartedAt,
		FinalizedAt:        res.FinalizedAt,
	})
}

// Archived reports whether results for testID exist, making Store a cat.ArchiveChecker.
func (s *Store) Archived(_ context.Context, testID string) (bool, error) {
	r, err := s.GetResult(testID)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (model.TestResult, error) {
	var r model.TestResult
	var responses string
	err := row.Scan(&r.TestID, &r.StudentID, &r.Theta, &r.StandardError, &r.ItemCount, &r.Percentile,
		&r.ConfidenceInterval[0], &r.ConfidenceInterval[1], &responses, &r.StartedAt, &r.FinalizedAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(responses), &r.Responses); err != nil {
		return r, fmt.Errorf("decode responses of %s: %w", r.TestID, err)
	}
	return r, nil
}

// GetResult returns an archived result, or nil if the test was never archived.
func (s *Store) GetResult(testID string) (*model.TestResult, error) {
	r, err := scanResult(s.db.QueryRow(`SELECT `+resultColumns+` FROM test_results WHERE test_id = ?`, testID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListResults returns all archived results, oldest first.
func (s *Store) ListResults() ([]model.TestResult, error) {
	return s.queryResults(`SELECT ` + resultColumns + ` FROM test_results ORDER BY finalized_at, test_id`)
}

// ListResultsForStudent returns a student's archived results, oldest first.
func (s *Store) ListResultsForStudent(studentID string) ([]model.TestResult, error) {
	return s.queryResults(`SELECT `+resultColumns+` FROM test_results WHERE student_id = ? ORDER BY finalized_at, test_id`, studentID)
}

func (s *Store) queryResults(query string, args ...any) ([]model.TestResult, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.TestResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ResultCount returns the number of archived results.
func (s *Store) ResultCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM test_results`).Scan(&count)
	return count, err
}
