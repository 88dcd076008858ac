package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/adaptest/internal/model"
)

const userColumns = `id, username, display_name, password_hash, role, active, created_at`

// CreateUser inserts a new user and returns its ID.
func (s *Store) CreateUser(u model.User) (int64, error) {
	if u.Role != model.UserRoleAdmin && u.Role != model.UserRoleProctor {
		return 0, fmt.Errorf("create user %s: unknown role %q", u.Username, u.Role)
	}
	res, err := s.db.Exec(
		`INSERT INTO users (username, display_name, password_hash, role, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.Username, u.DisplayName, u.PasswordHash, u.Role, u.Active, time.Now(),
	)
	if err != nil {
		slog.Error("failed to create user", "username", u.Username, "error", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Info("created user", "id", id, "username", u.Username, "role", u.Role)
	return id, nil
}

func (s *Store) getUser(where string, arg any) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByUsername returns a user by username, or nil.
func (s *Store) GetUserByUsername(username string) (*model.User, error) {
	return s.getUser(`username = ?`, username)
}

// GetUserByID returns a user by ID, or nil.
func (s *Store) GetUserByID(id int64) (*model.User, error) {
	return s.getUser(`id = ?`, id)
}

// SetUserActive enables or disables a user. Disabling also revokes the user's tokens.
func (s *Store) SetUserActive(id int64, active bool) error {
	if _, err := s.db.Exec(`UPDATE users SET active = ? WHERE id = ?`, active, id); err != nil {
		return err
	}
	if active {
		return nil
	}
	_, err := s.db.Exec(`DELETE FROM api_tokens WHERE user_id = ?`, id)
	return err
}

// UserCount returns the total number of users.
func (s *Store) UserCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}
