package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/adaptest/internal/model"
)

// authenticate resolves the caller from a Bearer token or Basic credentials.
// It returns nil when the request carries no valid credentials.
func (h *Handler) authenticate(r *http.Request) (*model.User, error) {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		t, err := h.store.GetToken(strings.TrimSpace(token))
		if err != nil {
			return nil, fmt.Errorf("get token: %w", err)
		}
		if t == nil {
			return nil, nil
		}
		user, err := h.store.GetUserByID(t.UserID)
		if err != nil {
			return nil, fmt.Errorf("get user %d: %w", t.UserID, err)
		}
		if user == nil || !user.Active {
			return nil, nil
		}
		return user, nil
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}
	return h.checkPassword(username, password)
}

func (h *Handler) checkPassword(username, password string) (*model.User, error) {
	user, err := h.store.GetUserByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	if user == nil || !user.Active {
		return nil, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil
	}
	return user, nil
}

// requireAuth is middleware that rejects requests without valid credentials.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.authenticate(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if user == nil {
			h.writeError(w, r, errUnauthorized)
			return
		}
		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func (h *Handler) requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				h.writeError(w, r, errUnauthorized)
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			slog.Warn("role check failed", "username", user.Username, "role", user.Role)
			h.writeError(w, r, errForbidden)
		})
	}
}

// handleIssueToken exchanges Basic credentials for a bearer token.
func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok {
		h.writeError(w, r, errUnauthorized)
		return
	}
	user, err := h.checkPassword(username, password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if user == nil {
		slog.Warn("token request rejected", "username", username)
		h.writeError(w, r, errUnauthorized)
		return
	}

	token, expires, err := h.store.CreateToken(user.ID, h.config.TokenTTL)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("create token: %w", err))
		return
	}
	slog.Info("issued token", "username", user.Username, "expires_at", expires)
	writeJSON(w, http.StatusCreated, model.TokenResponse{Token: token, ExpiresAt: expires})
}
