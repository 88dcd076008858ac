package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/adaptest/internal/cat"
	appI18n "github.com/pavelanni/adaptest/internal/i18n"
	"github.com/pavelanni/adaptest/internal/model"
)

type startResponse struct {
	cat.Snapshot
	Message string `json:"message"`
}

type nextItemResponse struct {
	TestID    string  `json:"test_id"`
	ItemID    *string `json:"item_id"`
	Remaining int     `json:"items_remaining"`
	Message   string  `json:"message"`
}

type submitResponse struct {
	cat.Update
	ShouldTerminate bool `json:"should_terminate"`
}

type terminateResponse struct {
	TestID          string                `json:"test_id"`
	ShouldTerminate bool                  `json:"should_terminate"`
	Policy          cat.TerminationPolicy `json:"policy"`
}

type finalizeResponse struct {
	cat.Results
	Archived bool `json:"archived"`
}

func (h *Handler) handleStartTest(w http.ResponseWriter, r *http.Request) {
	var req cat.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.engine.Start(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.sessionsStarted.Inc()
	writeJSON(w, http.StatusCreated, startResponse{
		Snapshot: snap,
		Message:  appI18n.Td(r.Context(), "TestStarted", map[string]any{"TestID": snap.TestID}),
	})
}

func (h *Handler) handleGetTest(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot(chi.URLParam(r, "testID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleNextItem(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	itemID, ok, err := h.engine.NextItem(testID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := nextItemResponse{TestID: testID}
	if !ok {
		resp.Message = appI18n.T(r.Context(), "BankExhausted")
		writeJSON(w, http.StatusOK, resp)
		return
	}
	snap, err := h.engine.Snapshot(testID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp.ItemID = &itemID
	resp.Remaining = snap.Remaining
	resp.Message = appI18n.Tp(r.Context(), "ItemsRemaining", snap.Remaining)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	var req model.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.ItemID == "" {
		h.writeError(w, r, fmt.Errorf("%w: item_id is required", cat.ErrInvalidRequest))
		return
	}

	start := time.Now()
	update, err := h.engine.Submit(r.Context(), testID, req.ItemID, req.IsCorrect)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.estimateDuration.WithLabelValues("submit").Observe(time.Since(start).Seconds())
	h.metrics.responses.WithLabelValues(strconv.FormatBool(req.IsCorrect)).Inc()

	stop, err := h.engine.ShouldTerminate(testID, h.policy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Update: update, ShouldTerminate: stop})
}

func (h *Handler) handleShouldTerminate(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	policy, err := policyFromQuery(r, h.policy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stop, err := h.engine.ShouldTerminate(testID, policy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, terminateResponse{TestID: testID, ShouldTerminate: stop, Policy: policy})
}

// policyFromQuery overrides fields of def with min_items, max_items and
// target_se query parameters.
func policyFromQuery(r *http.Request, def cat.TerminationPolicy) (cat.TerminationPolicy, error) {
	q := r.URL.Query()
	p := def
	if v := q.Get("min_items"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("%w: min_items: %v", cat.ErrInvalidRequest, err)
		}
		p.MinItems = n
	}
	if v := q.Get("max_items"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("%w: max_items: %v", cat.ErrInvalidRequest, err)
		}
		p.MaxItems = n
	}
	if v := q.Get("target_se"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("%w: target_se: %v", cat.ErrInvalidRequest, err)
		}
		p.TargetSE = f
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	res, err := h.engine.Finalize(r.Context(), testID)
	if err != nil && res.TestID == "" {
		h.writeError(w, r, err)
		return
	}
	archived := err == nil
	if !archived {
		// The session is terminated either way.
		slog.Error("archive failed", "test_id", testID, "error", err)
	}
	h.metrics.sessionsFinalized.WithLabelValues(strconv.FormatBool(archived)).Inc()
	writeJSON(w, http.StatusOK, finalizeResponse{Results: res, Archived: archived})
}

// handleListResults lists the archived results of the student named by the
// student_id query parameter.
func (h *Handler) handleListResults(w http.ResponseWriter, r *http.Request) {
	studentID := r.URL.Query().Get("student_id")
	if studentID == "" {
		h.writeError(w, r, fmt.Errorf("%w: student_id is required", cat.ErrInvalidRequest))
		return
	}
	results, err := h.store.ListResultsForStudent(studentID)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("list results of %s: %w", studentID, err))
		return
	}
	if results == nil {
		results = []model.TestResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) handleGetResult(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	res, err := h.store.GetResult(testID)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("get result %s: %w", testID, err))
		return
	}
	if res == nil {
		h.writeError(w, r, fmt.Errorf("%w: %s", errResultNotFound, testID))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
