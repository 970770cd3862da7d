package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/store"
)

// MembershipHandler serves the admin surface for the (actor, group)
// Membership edge (§3).
type MembershipHandler struct {
	store  store.Store
	logger *zap.SugaredLogger
}

func NewMembershipHandler(s store.Store, logger *zap.SugaredLogger) *MembershipHandler {
	return &MembershipHandler{store: s, logger: logger}
}

// ListMembers returns the actor ids belonging to a group.
func (h *MembershipHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	groupID := r.PathValue("id")

	actorIDs, err := h.store.MembersOfGroup(r.Context(), subject.Account.ID, groupID)
	if err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if actorIDs == nil {
		actorIDs = []string{}
	}
	JSON(w, http.StatusOK, map[string]any{"actor_ids": actorIDs})
}

// Add grants actorID membership in groupID, making every Resource the
// group's Policies reach visible to that actor (§4.D).
func (h *MembershipHandler) Add(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	groupID := r.PathValue("id")

	var req struct {
		ActorID string `json:"actor_id"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ActorID == "" {
		ErrJSON(w, http.StatusBadRequest, "actor_id is required")
		return
	}

	m := &model.Membership{
		AccountID: subject.Account.ID,
		ActorID:   req.ActorID,
		GroupID:   groupID,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.AddMembership(r.Context(), m); err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusCreated, map[string]any{"ok": true})
}

// Remove revokes actorID's membership in groupID.
func (h *MembershipHandler) Remove(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	groupID := r.PathValue("id")
	actorID := r.PathValue("actor_id")

	if err := h.store.RemoveMembership(r.Context(), subject.Account.ID, actorID, groupID); err != nil {
		if err == store.ErrNotFound {
			ErrJSON(w, http.StatusNotFound, "membership not found")
			return
		}
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"ok": true})
}
