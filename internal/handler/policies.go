package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/store"
	"github.com/google/uuid"
)

// PolicyHandler serves the admin CRUD surface for Policies (§3, §4.C).
type PolicyHandler struct {
	store  store.Store
	logger *zap.SugaredLogger
}

func NewPolicyHandler(s store.Store, logger *zap.SugaredLogger) *PolicyHandler {
	return &PolicyHandler{store: s, logger: logger}
}

func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())

	policies, err := h.store.ListPolicies(r.Context(), subject.Account.ID)
	if err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if policies == nil {
		policies = []*model.Policy{}
	}
	JSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	policyID := r.PathValue("id")

	p, err := h.store.GetPolicy(r.Context(), subject.Account.ID, policyID)
	if err != nil {
		if err == store.ErrNotFound {
			ErrJSON(w, http.StatusNotFound, "policy not found")
			return
		}
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, p)
}

// Put creates or updates a policy. The (actor_group_id, resource_id)
// uniqueness invariant among non-deleted policies is enforced by the
// store (§3, §8); a violation surfaces as store.ErrConflict.
func (h *PolicyHandler) Put(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())

	var req struct {
		ID           string            `json:"id"`
		ActorGroupID string            `json:"actor_group_id"`
		ResourceID   string            `json:"resource_id"`
		Conditions   []model.Condition `json:"conditions"`
		Description  string            `json:"description"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ActorGroupID == "" || req.ResourceID == "" {
		ErrJSON(w, http.StatusBadRequest, "actor_group_id and resource_id are required")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := &model.Policy{
		ID:           id,
		AccountID:    subject.Account.ID,
		ActorGroupID: req.ActorGroupID,
		ResourceID:   req.ResourceID,
		Conditions:   req.Conditions,
		Description:  req.Description,
	}
	if err := h.store.PutPolicy(r.Context(), p); err != nil {
		if err == store.ErrConflict {
			ErrJSON(w, http.StatusConflict, "a policy already grants this actor group access to this resource")
			return
		}
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, p)
}

func (h *PolicyHandler) Disable(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	if err := h.store.DisablePolicy(r.Context(), subject.Account.ID, r.PathValue("id")); err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *PolicyHandler) Enable(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	if err := h.store.EnablePolicy(r.Context(), subject.Account.ID, r.PathValue("id")); err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	if err := h.store.DeletePolicy(r.Context(), subject.Account.ID, r.PathValue("id")); err != nil {
		if err == store.ErrNotFound {
			ErrJSON(w, http.StatusNotFound, "policy not found")
			return
		}
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"ok": true})
}
