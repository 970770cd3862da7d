package handler

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/store"
	"github.com/google/uuid"
)

// GroupHandler serves the admin CRUD surface for actor Groups (§3).
type GroupHandler struct {
	store  store.Store
	logger *zap.SugaredLogger
}

func NewGroupHandler(s store.Store, logger *zap.SugaredLogger) *GroupHandler {
	return &GroupHandler{store: s, logger: logger}
}

func (h *GroupHandler) List(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())

	groups, err := h.store.ListGroups(r.Context(), subject.Account.ID)
	if err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if groups == nil {
		groups = []*model.Group{}
	}
	JSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (h *GroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	groupID := r.PathValue("id")

	group, err := h.store.GetGroup(r.Context(), subject.Account.ID, groupID)
	if err != nil {
		if err == store.ErrNotFound {
			ErrJSON(w, http.StatusNotFound, "group not found")
			return
		}
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, group)
}

func (h *GroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		ErrJSON(w, http.StatusBadRequest, "name is required")
		return
	}

	group := &model.Group{
		ID:        uuid.New().String(),
		AccountID: subject.Account.ID,
		Name:      req.Name,
	}
	if err := h.store.CreateGroup(r.Context(), group); err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusCreated, group)
}

func (h *GroupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	groupID := r.PathValue("id")

	if err := h.store.DeleteGroup(r.Context(), subject.Account.ID, groupID); err != nil {
		if err == store.ErrNotFound {
			ErrJSON(w, http.StatusNotFound, "group not found")
			return
		}
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"ok": true})
}
