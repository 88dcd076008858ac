package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/adaptest/internal/cat"
	"github.com/pavelanni/adaptest/internal/irt"
	"github.com/pavelanni/adaptest/internal/model"
)

// handleGetItem returns an item's parameters, assigning defaults to unknown items.
func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	writeJSON(w, http.StatusOK, h.engine.Catalog().Parameters(itemID))
}

// handleEstimate runs a single ability estimate over a response list
// without creating a session.
func (h *Handler) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req model.EstimateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	for i, resp := range req.Responses {
		if resp.ItemID == "" {
			h.writeError(w, r, fmt.Errorf("%w: response %d has no item_id", cat.ErrInvalidRequest, i))
			return
		}
	}

	catalog := h.engine.Catalog()
	start := time.Now()
	theta, err := h.engine.Estimate(r.Context(), req.Responses, req.InitialTheta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.estimateDuration.WithLabelValues("estimate").Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, model.EstimateResponse{
		StudentID:        req.StudentID,
		Ability:          theta,
		NumResponses:     len(req.Responses),
		NegLogLikelihood: irt.NegativeLogLikelihood(theta, req.Responses, catalog),
		Percentile:       cat.Percentile(theta),
	})
}
