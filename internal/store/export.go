package store

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/pavelanni/adaptest/internal/irt"
	"github.com/pavelanni/adaptest/internal/model"
)

// ExportResults builds an export of every archived result grouped by
// student, plus the stored item bank.
func (s *Store) ExportResults() (model.ResultsExport, error) {
	results, err := s.ListResults()
	if err != nil {
		return model.ResultsExport{}, fmt.Errorf("list results: %w", err)
	}
	items, err := s.ListItems()
	if err != nil {
		return model.ResultsExport{}, fmt.Errorf("list items: %w", err)
	}

	// Students appear in the order of their first archived test.
	var order []string
	byStudent := make(map[string][]model.TestResult)
	for _, r := range results {
		if _, ok := byStudent[r.StudentID]; !ok {
			order = append(order, r.StudentID)
		}
		byStudent[r.StudentID] = append(byStudent[r.StudentID], r)
	}

	var students []model.StudentResult
	for _, id := range order {
		tests := byStudent[id]
		thetas := make([]float64, len(tests))
		for i, t := range tests {
			thetas[i] = t.Theta
		}
		students = append(students, model.StudentResult{
			StudentID:   id,
			TestCount:   len(tests),
			MeanTheta:   stat.Mean(thetas, nil),
			LatestTheta: tests[len(tests)-1].Theta,
			Tests:       tests,
		})
	}

	bank := make([]irt.ItemParameters, 0, len(items))
	for _, it := range items {
		bank = append(bank, it.ItemParameters)
	}

	return model.ResultsExport{
		ExportedAt: time.Now().UTC(),
		NumResults: len(results),
		NumItems:   len(bank),
		Results:    students,
		ItemBank:   bank,
	}, nil
}
