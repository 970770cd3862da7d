package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/apierr"
	"github.com/cloudfire/signal/internal/authn"
	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/store"
	"github.com/google/uuid"
)

// ActorHandler serves the admin CRUD surface for Actors (§3).
type ActorHandler struct {
	store  store.Store
	logger *zap.SugaredLogger
}

func NewActorHandler(s store.Store, logger *zap.SugaredLogger) *ActorHandler {
	return &ActorHandler{store: s, logger: logger}
}

// List returns every non-deleted actor in the caller's account.
func (h *ActorHandler) List(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())

	actors, err := h.store.ListActors(r.Context(), subject.Account.ID)
	if err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if actors == nil {
		actors = []*model.Actor{}
	}
	JSON(w, http.StatusOK, map[string]any{"actors": actors})
}

// Get returns a single actor by id.
func (h *ActorHandler) Get(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	actorID := r.PathValue("id")

	actor, err := h.store.GetActor(r.Context(), subject.Account.ID, actorID)
	if err != nil {
		if err == store.ErrNotFound {
			ErrJSON(w, http.StatusNotFound, "actor not found")
			return
		}
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, actor)
}

// Create provisions a new actor. Granting ActorRoleAdmin is itself a
// privilege-escalation check (§4.A): the caller must already hold every
// capability the admin role implies.
func (h *ActorHandler) Create(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())

	var req struct {
		Type model.ActorType `json:"type"`
		Name string          `json:"name"`
		Role model.ActorRole `json:"role"`
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
	if req.Role == "" {
		req.Role = model.ActorRoleUnprivileged
	}
	if req.Type == "" {
		req.Type = model.ActorTypeUser
	}

	if req.Role == model.ActorRoleAdmin {
		if missing := authn.RoleImplies(subject, model.ActorRoleAdmin); len(missing) > 0 {
			writeAPIErr(w, apierr.PrivilegeEscalation(missing))
			return
		}
	}

	now := time.Now().UTC()
	actor := &model.Actor{
		ID:        uuid.New().String(),
		AccountID: subject.Account.ID,
		Type:      req.Type,
		Name:      req.Name,
		Role:      req.Role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateActor(r.Context(), actor); err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusCreated, actor)
}

// Disable soft-disables an actor, refusing to disable the account's last
// admin (§3, §5, §8).
func (h *ActorHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.store.DisableActor, store.ErrCantDisableLastAdmin)
}

// Enable clears an actor's disabled state.
func (h *ActorHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.store.EnableActor, nil)
}

// Delete soft-deletes an actor, refusing to delete the account's last
// admin (§3, §5, §8).
func (h *ActorHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.store.DeleteActor, store.ErrCantDeleteLastAdmin)
}

func (h *ActorHandler) mutate(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, accountID, actorID string) error, lastAdminErr error) {
	subject := SubjectFromContext(r.Context())
	actorID := r.PathValue("id")

	if err := op(r.Context(), subject.Account.ID, actorID); err != nil {
		switch {
		case err == store.ErrNotFound:
			ErrJSON(w, http.StatusNotFound, "actor not found")
		case lastAdminErr != nil && err == lastAdminErr:
			ErrJSON(w, http.StatusConflict, err.Error())
		default:
			ErrJSON(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	JSON(w, http.StatusOK, map[string]any{"ok": true})
}
