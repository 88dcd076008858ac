package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/adaptest/internal/cat"
	"github.com/pavelanni/adaptest/internal/irt"
	"github.com/pavelanni/adaptest/internal/model"
)

// handleSetItem validates and stores explicit item parameters. The store is
// written before the catalog so a failed write leaves both unchanged.
func (h *Handler) handleSetItem(w http.ResponseWriter, r *http.Request) {
	var req model.SetItemRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p := irt.ItemParameters{
		ItemID:         req.ItemID,
		Difficulty:     req.Difficulty,
		Discrimination: req.Discrimination,
		Guessing:       req.Guessing,
	}
	if err := p.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.UpsertItem(p, model.SourceManual); err != nil {
		h.writeError(w, r, fmt.Errorf("store item %s: %w", p.ItemID, err))
		return
	}
	if err := h.engine.Catalog().SetParameters(p); err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("item parameters set", "item_id", p.ItemID,
		"difficulty", p.Difficulty, "discrimination", p.Discrimination, "guessing", p.Guessing)
	writeJSON(w, http.StatusOK, p)
}

// handleCalibrate appends response records to the log, recalibrates every
// item seen in the full log and persists the new parameters.
func (h *Handler) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req model.CalibrateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Records) == 0 {
		h.writeError(w, r, fmt.Errorf("%w: no records", cat.ErrInvalidRequest))
		return
	}
	for i, rec := range req.Records {
		if rec.ItemID == "" {
			h.writeError(w, r, fmt.Errorf("%w: record %d has no item_id", cat.ErrInvalidRequest, i))
			return
		}
	}

	h.calibrateMu.Lock()
	defer h.calibrateMu.Unlock()

	if err := h.store.AddCalibrationResponses(req.Records); err != nil {
		h.writeError(w, r, fmt.Errorf("add calibration responses: %w", err))
		return
	}
	all, err := h.store.ListCalibrationResponses()
	if err != nil {
		h.writeError(w, r, fmt.Errorf("list calibration responses: %w", err))
		return
	}
	items := h.engine.Catalog().Calibrate(all)
	if err := h.store.UpsertItems(items, model.SourceCalibration); err != nil {
		h.writeError(w, r, fmt.Errorf("store calibrated items: %w", err))
		return
	}
	h.metrics.itemsCalibrated.Add(float64(len(items)))

	slog.Info("calibrated items", "records_added", len(req.Records), "records_total", len(all), "items", len(items))
	writeJSON(w, http.StatusOK, model.CalibrateResponse{
		RecordsAdded: len(req.Records),
		RecordsTotal: len(all),
		Items:        items,
	})
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req model.CreateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		h.writeError(w, r, fmt.Errorf("%w: username and password required", cat.ErrInvalidRequest))
		return
	}
	if req.Role == "" {
		req.Role = model.UserRoleProctor
	}
	if req.Role != model.UserRoleProctor && req.Role != model.UserRoleAdmin {
		h.writeError(w, r, fmt.Errorf("%w: unknown role %q", cat.ErrInvalidRequest, req.Role))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("hash password: %w", err))
		return
	}
	existing, err := h.store.GetUserByUsername(req.Username)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("get user %s: %w", req.Username, err))
		return
	}
	if existing != nil {
		h.writeError(w, r, fmt.Errorf("%w: user %s already exists", cat.ErrInvalidRequest, req.Username))
		return
	}

	id, err := h.store.CreateUser(model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		h.writeError(w, r, fmt.Errorf("create user: %w", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           id,
		"username":     req.Username,
		"display_name": req.DisplayName,
		"role":         req.Role,
	})
}

func (h *Handler) handleSetUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid user id", cat.ErrInvalidRequest))
		return
	}
	var req model.SetUserActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.store.GetUserByID(id)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("get user %d: %w", id, err))
		return
	}
	if user == nil {
		h.writeError(w, r, fmt.Errorf("%w: user %d not found", cat.ErrInvalidRequest, id))
		return
	}
	if err := h.store.SetUserActive(id, req.Active); err != nil {
		h.writeError(w, r, fmt.Errorf("set user %d active: %w", id, err))
		return
	}
	slog.Info("user active flag changed", "id", id, "username", user.Username, "active", req.Active)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": req.Active})
}
