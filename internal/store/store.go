package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/adaptest/internal/irt"
	"github.com/pavelanni/adaptest/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// An in-memory database lives only as long as its single connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS item_parameters (
		item_id TEXT PRIMARY KEY,
		difficulty REAL NOT NULL DEFAULT 0,
		discrimination REAL NOT NULL DEFAULT 1,
		guessing REAL NOT NULL DEFAULT 0.25,
		source TEXT NOT NULL DEFAULT 'manual',
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS calibration_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		student_id TEXT NOT NULL DEFAULT '',
		correct INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_calibration_item ON calibration_responses(item_id);

	CREATE TABLE IF NOT EXISTS test_results (
		test_id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		theta REAL NOT NULL,
		standard_error REAL NOT NULL,
		item_count INTEGER NOT NULL,
		percentile REAL NOT NULL,
		ci_low REAL NOT NULL,
		ci_high REAL NOT NULL,
		responses TEXT NOT NULL DEFAULT '[]',
		started_at DATETIME NOT NULL,
		finalized_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_student ON test_results(student_id);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'proctor',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_tokens (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertItem stores an item's parameters, replacing any previous values.
func (s *Store) UpsertItem(p irt.ItemParameters, source string) error {
	_, err := s.db.Exec(
		`INSERT INTO item_parameters (item_id, difficulty, discrimination, guessing, source, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET
		   difficulty = excluded.difficulty,
		   discrimination = excluded.discrimination,
		   guessing = excluded.guessing,
		   source = excluded.source,
		   updated_at = excluded.updated_at`,
		p.ItemID, p.Difficulty, p.Discrimination, p.Guessing, source, time.Now(),
	)
	return err
}

// UpsertItems stores several items in one transaction.
func (s *Store) UpsertItems(items []irt.ItemParameters, source string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO item_parameters (item_id, difficulty, discrimination, guessing, source, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET
		   difficulty = excluded.difficulty,
		   discrimination = excluded.discrimination,
		   guessing = excluded.guessing,
		   source = excluded.source,
		   updated_at = excluded.updated_at`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, p := range items {
		if _, err := stmt.Exec(p.ItemID, p.Difficulty, p.Discrimination, p.Guessing, source, now); err != nil {
			return fmt.Errorf("upsert item %s: %w", p.ItemID, err)
		}
	}
	return tx.Commit()
}

// GetItem returns an item by ID, or nil if it is not stored.
func (s *Store) GetItem(itemID string) (*model.StoredItem, error) {
	var it model.StoredItem
	err := s.db.QueryRow(
		`SELECT item_id, difficulty, discrimination, guessing, source, updated_at
		 FROM item_parameters WHERE item_id = ?`, itemID,
	).Scan(&it.ItemID, &it.Difficulty, &it.Discrimination, &it.Guessing, &it.Source, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// ListItems returns all stored items ordered by ID.
func (s *Store) ListItems() ([]model.StoredItem, error) {
	rows, err := s.db.Query(
		`SELECT item_id, difficulty, discrimination, guessing, source, updated_at
		 FROM item_parameters ORDER BY item_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.StoredItem
	for rows.Next() {
		var it model.StoredItem
		if err := rows.Scan(&it.ItemID, &it.Difficulty, &it.Discrimination, &it.Guessing, &it.Source, &it.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ItemCount returns the number of stored items.
func (s *Store) ItemCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM item_parameters`).Scan(&count)
	return count, err
}

// LoadCatalog copies every stored item into c. Invalid rows are reported, not skipped.
func (s *Store) LoadCatalog(c *irt.Catalog) (int, error) {
	items, err := s.ListItems()
	if err != nil {
		return 0, fmt.Errorf("list items: %w", err)
	}
	for _, it := range items {
		if err := c.SetParameters(it.ItemParameters); err != nil {
			return 0, fmt.Errorf("load item %s: %w", it.ItemID, err)
		}
	}
	return len(items), nil
}

// AddCalibrationResponses appends historical responses in one transaction.
func (s *Store) AddCalibrationResponses(records []irt.CalibrationRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO calibration_responses (item_id, student_id, correct, recorded_at) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range records {
		if _, err := stmt.Exec(r.ItemID, r.StudentID, r.Correct, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListCalibrationResponses returns the full response log in insertion order.
func (s *Store) ListCalibrationResponses() ([]irt.CalibrationRecord, error) {
	rows, err := s.db.Query(`SELECT item_id, student_id, correct FROM calibration_responses ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []irt.CalibrationRecord
	for rows.Next() {
		var r irt.CalibrationRecord
		if err := rows.Scan(&r.ItemID, &r.StudentID, &r.Correct); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CalibrationResponseCount returns the size of the response log.
func (s *Store) CalibrationResponseCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM calibration_responses`).Scan(&count)
	return count, err
}
