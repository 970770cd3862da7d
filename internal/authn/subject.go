package authn

import (
	"context"
	"time"

	"github.com/cloudfire/signal/internal/apierr"
	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/store"
)

// SessionTokenTTL is the lifetime granted to a Subject derived from a
// verified OIDC/JWT bearer token. Gateway/Relay tokens are long-lived
// (model.Token.ExpiresAt, typically nil) and do not produce a Subject.
// main() overrides this from config.TokenConfig.SessionTTL at startup.
var SessionTokenTTL = 8 * time.Hour

// Verifier resolves a bearer token string to verified claims: an
// identity provider + provider_identifier pair and an optional
// provider-reported expiry. Concrete implementations live in oidc.go.
type Verifier interface {
	Verify(ctx context.Context, token string) (provider, providerIdentifier string, expiresAt *time.Time, err error)
}

// Authenticate turns an opaque bearer token plus a request context into
// a Subject (§4.A). It loads the Identity, checks the identity/actor/
// account are neither disabled nor deleted, and attaches the set of
// permissions the actor's role grants.
func Authenticate(ctx context.Context, s store.Store, v Verifier, token string, reqCtx model.SubjectContext) (*model.Subject, error) {
	provider, providerIdentifier, providerExpiresAt, err := v.Verify(ctx, token)
	if err != nil {
		return nil, apierr.New(apierr.KindInvalid)
	}

	identity, err := s.GetIdentityByProvider(ctx, provider, providerIdentifier)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.New(apierr.KindUnauthorized)
		}
		return nil, err
	}

	actor, err := s.GetActor(ctx, identity.AccountID, identity.ActorID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.New(apierr.KindUnauthorized)
		}
		return nil, err
	}
	if actor.Disabled() {
		return nil, apierr.New(apierr.KindDisabled)
	}
	if actor.Deleted() {
		return nil, apierr.New(apierr.KindUnauthorized)
	}

	account, err := s.GetAccount(ctx, identity.AccountID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.New(apierr.KindUnauthorized)
		}
		return nil, err
	}
	if account.Deleted() {
		return nil, apierr.New(apierr.KindUnauthorized)
	}

	now := time.Now().UTC()
	_ = s.TouchIdentity(ctx, identity.ID, now)

	expiresAt := now.Add(SessionTokenTTL)
	if providerExpiresAt != nil && providerExpiresAt.Before(expiresAt) {
		expiresAt = *providerExpiresAt
	}

	return &model.Subject{
		Account:     account,
		Actor:       actor,
		Identity:    identity,
		Context:     reqCtx,
		Permissions: permissionSet(CapabilitiesForRole(actor.Role)),
		ExpiresAt:   expiresAt,
	}, nil
}

// Authorize enforces that subject holds at least one of the given
// capabilities (§4.A). Every mutating operation in §4.D–H calls this
// first.
func Authorize(subject *model.Subject, capabilities ...string) error {
	if subject == nil {
		return apierr.Unauthorized(capabilities)
	}
	if subject.HasAnyCapability(capabilities...) {
		return nil
	}
	return apierr.Unauthorized(capabilities)
}

// CheckPrivilegeEscalation enforces §4.A: when an actor creates/updates
// another actor with a higher role, the subject must itself hold the
// permissions that role implies.
func CheckPrivilegeEscalation(subject *model.Subject, targetRole model.ActorRole) error {
	missing := RoleImplies(subject, targetRole)
	if len(missing) == 0 {
		return nil
	}
	return apierr.PrivilegeEscalation(missing)
}
