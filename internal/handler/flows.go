package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/store"
)

// FlowHandler serves the read-only audit view over authorized Flows
// (§4.H).
type FlowHandler struct {
	store  store.Store
	logger *zap.SugaredLogger
}

func NewFlowHandler(s store.Store, logger *zap.SugaredLogger) *FlowHandler {
	return &FlowHandler{store: s, logger: logger}
}

func (h *FlowHandler) List(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())

	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			limit = n
		}
	}

	flows, err := h.store.ListFlows(r.Context(), subject.Account.ID, limit)
	if err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if flows == nil {
		flows = []*model.Flow{}
	}
	JSON(w, http.StatusOK, map[string]any{"flows": flows})
}
