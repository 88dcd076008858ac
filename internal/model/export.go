package model

import (
	"time"

	"github.com/pavelanni/adaptest/internal/irt"
)

// ResultsExport is the top-level JSON structure for result export.
type ResultsExport struct {
	ExportedAt time.Time            `json:"exported_at"`
	NumResults int                  `json:"num_results"`
	NumItems   int                  `json:"num_items"`
	Results    []StudentResult      `json:"results"`
	ItemBank   []irt.ItemParameters `json:"item_bank"`
}

// StudentResult groups one student's archived tests for export.
type StudentResult struct {
	StudentID   string       `json:"student_id"`
	TestCount   int          `json:"test_count"`
	MeanTheta   float64      `json:"mean_ability"`
	LatestTheta float64      `json:"latest_ability"`
	Tests       []TestResult `json:"tests"`
}
