package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/authn"
	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/store"
	"github.com/google/uuid"
)

// TokenHandler serves the admin surface for gateway_group/relay_group/
// api_client Tokens (§3). The plaintext secret is returned exactly once,
// on Create; every other read exposes only the token's metadata.
type TokenHandler struct {
	store  store.Store
	logger *zap.SugaredLogger
}

func NewTokenHandler(s store.Store, logger *zap.SugaredLogger) *TokenHandler {
	return &TokenHandler{store: s, logger: logger}
}

func (h *TokenHandler) List(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())

	tokens, err := h.store.ListTokens(r.Context(), subject.Account.ID)
	if err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tokens == nil {
		tokens = []*model.Token{}
	}
	JSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

// Create mints a new token and returns its plaintext secret. The secret
// is never persisted — only its hash is (§3).
func (h *TokenHandler) Create(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())

	var req struct {
		Type           model.TokenType `json:"type"`
		ActorID        string          `json:"actor_id,omitempty"`
		GatewayGroupID string          `json:"gateway_group_id,omitempty"`
		TTL            string          `json:"ttl,omitempty"` // e.g. "720h"; empty means no expiry
	}
	if err := DecodeJSON(r, &req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	switch req.Type {
	case model.TokenTypeGatewayGroup, model.TokenTypeRelayGroup, model.TokenTypeAPIClient:
	default:
		ErrJSON(w, http.StatusBadRequest, "type must be gateway_group, relay_group or api_client")
		return
	}

	var expiresAt *time.Time
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			ErrJSON(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		at := time.Now().UTC().Add(d)
		expiresAt = &at
	}

	secret, text, err := authn.GenerateTokenSecret()
	if err != nil {
		ErrJSON(w, http.StatusInternalServerError, "failed to generate token secret")
		return
	}

	tok := &model.Token{
		ID:             uuid.New().String(),
		AccountID:      subject.Account.ID,
		Type:           req.Type,
		ActorID:        req.ActorID,
		GatewayGroupID: req.GatewayGroupID,
		ExpiresAt:      expiresAt,
	}
	if err := h.store.CreateToken(r.Context(), tok, secret); err != nil {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusCreated, map[string]any{"token": tok, "secret": text})
}

// Revoke nulls a token's hash, rejecting it on its next use.
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	if err := h.store.RevokeToken(r.Context(), subject.Account.ID, r.PathValue("id")); err != nil {
		if err == store.ErrNotFound {
			ErrJSON(w, http.StatusNotFound, "token not found")
			return
		}
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"ok": true})
}
