package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/pavelanni/adaptest/internal/model"
)

// DefaultTokenTTL is the lifetime of an issued API token.
const DefaultTokenTTL = 12 * time.Hour

// CreateToken issues a bearer token for a user, valid for ttl.
func (s *Store) CreateToken(userID int64, ttl time.Duration) (string, time.Time, error) {
	token, err := generateToken()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now()
	expires := now.Add(ttl)
	_, err = s.db.Exec(
		`INSERT INTO api_tokens (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, userID, now, expires,
	)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// GetToken returns the token record, or nil if it is unknown or expired.
func (s *Store) GetToken(token string) (*model.APIToken, error) {
	var t model.APIToken
	err := s.db.QueryRow(
		`SELECT id, user_id, created_at, expires_at FROM api_tokens WHERE id = ?`, token,
	).Scan(&t.ID, &t.UserID, &t.CreatedAt, &t.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(t.ExpiresAt) {
		_ = s.DeleteToken(token)
		return nil, nil
	}
	return &t, nil
}

// DeleteToken revokes a token.
func (s *Store) DeleteToken(token string) error {
	_, err := s.db.Exec(`DELETE FROM api_tokens WHERE id = ?`, token)
	return err
}

// CleanupExpiredTokens removes all expired tokens and returns how many were removed.
func (s *Store) CleanupExpiredTokens() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM api_tokens WHERE expires_at < ?`, time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
