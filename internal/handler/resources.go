package handler

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/store"
	"github.com/google/uuid"
)

// ResourceHandler serves the admin CRUD surface for Resources (§3, §4.D).
type ResourceHandler struct {
	store  store.Store
	logger *zap.SugaredLogger
}

func NewResourceHandler(s store.Store, logger *zap.SugaredLogger) *ResourceHandler {
	return &ResourceHandler{store: s, logger: logger}
}

func (h *ResourceHandler) List(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())

	resources, err := h.store.ListResources(r.Context(), subject.Account.ID)
	if err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if resources == nil {
		resources = []*model.Resource{}
	}
	JSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func (h *ResourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	resourceID := r.PathValue("id")

	res, err := h.store.GetResource(r.Context(), subject.Account.ID, resourceID)
	if err != nil {
		if err == store.ErrNotFound {
			ErrJSON(w, http.StatusNotFound, "resource not found")
			return
		}
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, res)
}

// Put creates or updates a resource (§3: id identifies an update, an
// absent id a create).
func (h *ResourceHandler) Put(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())

	var req struct {
		ID                 string              `json:"id"`
		Type               model.ResourceType  `json:"type"`
		Name               string              `json:"name"`
		Address            string              `json:"address"`
		AddressDescription string              `json:"address_description"`
		Filters            []model.Filter      `json:"filters"`
		GatewayGroupIDs    []string            `json:"gateway_group_ids"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Address = strings.TrimSpace(req.Address)
	if req.Name == "" || req.Address == "" || req.Type == "" {
		ErrJSON(w, http.StatusBadRequest, "type, name and address are required")
		return
	}
	if len(req.GatewayGroupIDs) == 0 {
		ErrJSON(w, http.StatusBadRequest, "gateway_group_ids must not be empty")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	res := &model.Resource{
		ID:                 id,
		AccountID:          subject.Account.ID,
		Type:               req.Type,
		Name:               req.Name,
		Address:            req.Address,
		AddressDescription: req.AddressDescription,
		Filters:            req.Filters,
		GatewayGroupIDs:    req.GatewayGroupIDs,
	}
	if err := h.store.PutResource(r.Context(), res); err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, res)
}

func (h *ResourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	resourceID := r.PathValue("id")

	if err := h.store.DeleteResource(r.Context(), subject.Account.ID, resourceID); err != nil {
		if err == store.ErrNotFound {
			ErrJSON(w, http.StatusNotFound, "resource not found")
			return
		}
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"ok": true})
}
