package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/adaptest/internal/cat"
	appI18n "github.com/pavelanni/adaptest/internal/i18n"
	"github.com/pavelanni/adaptest/internal/irt"
	"github.com/pavelanni/adaptest/internal/model"
	"github.com/pavelanni/adaptest/internal/store"
)

const defaultMaxRequestBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	engine  *cat.Engine
	config  model.ServiceConfig
	policy  cat.TerminationPolicy
	metrics *metrics

	calibrateMu sync.Mutex
}

// New creates a new Handler. The termination policy is taken from cfg.
func New(s *store.Store, e *cat.Engine, cfg model.ServiceConfig) (*Handler, error) {
	policy := cat.TerminationPolicy{MinItems: cfg.MinItems, MaxItems: cfg.MaxItems, TargetSE: cfg.TargetSE}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("termination policy: %w", err)
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = defaultMaxRequestBytes
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = store.DefaultTokenTTL
	}
	return &Handler{
		store:   s,
		engine:  e,
		config:  cfg,
		policy:  policy,
		metrics: newMetrics(e),
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", h.metrics.handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.limitBody)
		r.Post("/auth/token", h.handleIssueToken)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)

			r.Get("/irt/items/{itemID}", h.handleGetItem)
			r.Post("/irt/estimate", h.handleEstimate)

			r.Post("/cat/tests", h.handleStartTest)
			r.Get("/cat/tests/{testID}", h.handleGetTest)
			r.Get("/cat/tests/{testID}/next", h.handleNextItem)
			r.Post("/cat/tests/{testID}/responses", h.handleSubmit)
			r.Get("/cat/tests/{testID}/terminate", h.handleShouldTerminate)
			r.Post("/cat/tests/{testID}/finalize", h.handleFinalize)

			r.Get("/results", h.handleListResults)
			r.Get("/results/{testID}", h.handleGetResult)

			r.Group(func(r chi.Router) {
				r.Use(h.requireRole(model.UserRoleAdmin))
				r.Post("/irt/items", h.handleSetItem)
				r.Post("/irt/calibrate", h.handleCalibrate)
				r.Post("/admin/users", h.handleCreateUser)
				r.Post("/admin/users/{userID}/active", h.handleSetUserActive)
			})
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	results, err := h.store.ResultCount()
	if err != nil {
		h.writeError(w, r, fmt.Errorf("count results: %w", err))
		return
	}
	records, err := h.store.CalibrationResponseCount()
	if err != nil {
		h.writeError(w, r, fmt.Errorf("count calibration records: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"sessions":            h.engine.Len(),
		"active_sessions":     h.engine.Active(),
		"items":               h.engine.Catalog().Len(),
		"results_archived":    results,
		"calibration_records": records,
	})
}

func (h *Handler) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBytes)
		next.ServeHTTP(w, r)
	})
}

// Errors local to the delivery layer.
var (
	errUnauthorized   = errors.New("unauthorized")
	errForbidden      = errors.New("forbidden")
	errResultNotFound = errors.New("result not found")
)

// apiError is the JSON body of every error response.
type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// classify maps an error to an HTTP status, a stable code and a message ID.
func classify(err error) (status int, code, msgID string) {
	switch {
	case errors.Is(err, cat.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found", "SessionNotFound"
	case errors.Is(err, errResultNotFound):
		return http.StatusNotFound, "result_not_found", "ResultNotFound"
	case errors.Is(err, cat.ErrSessionTerminated), errors.Is(err, cat.ErrInvalidTransition):
		return http.StatusConflict, "session_terminated", "SessionTerminated"
	case errors.Is(err, cat.ErrDuplicateSession):
		return http.StatusConflict, "duplicate_session", "DuplicateSession"
	case errors.Is(err, irt.ErrNoItemsAvailable):
		return http.StatusConflict, "no_items_available", "NoItemsAvailable"
	case errors.Is(err, cat.ErrInvalidItem):
		return http.StatusUnprocessableEntity, "invalid_item", "InvalidItem"
	case errors.Is(err, irt.ErrInvalidParameter):
		return http.StatusBadRequest, "invalid_parameter", "InvalidParameter"
	case errors.Is(err, cat.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", "InvalidRequest"
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "Unauthorized"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden", "Forbidden"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable", "Unavailable"
	default:
		return http.StatusInternalServerError, "internal", "Internal"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msgID := classify(err)
	h.metrics.errors.WithLabelValues(code).Inc()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="adaptest"`)
	}
	writeJSON(w, status, apiError{Code: code, Message: appI18n.T(r.Context(), msgID)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// decodeJSON reads the request body into v. Malformed or oversized bodies
// are reported as cat.ErrInvalidRequest.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", cat.ErrInvalidRequest, err)
	}
	return nil
}
