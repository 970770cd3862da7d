package authn

import (
	"context"
	"crypto/rand"
	"encoding/base64"

	"github.com/cloudfire/signal/internal/apierr"
	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// GenerateTokenSecret draws 64 bytes of cryptographic randomness per §3
// ("value is generated by drawing 64 bytes of cryptographic randomness
// and is shown exactly once") and returns both the raw secret (shown to
// the caller once) and its base64url text form for transport.
func GenerateTokenSecret() (raw []byte, text string, err error) {
	raw = make([]byte, 64)
	if _, err = rand.Read(raw); err != nil {
		return nil, "", err
	}
	return raw, base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeTokenText reverses GenerateTokenSecret's encoding for an
// incoming bearer value.
func DecodeTokenText(text string) ([]byte, error) {
	return base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(text)
}

// AuthenticateGatewayToken verifies a Gateway/Relay-group bearer token
// against its stored hash (§3: "Token... stored as hash only").
func AuthenticateGatewayToken(ctx context.Context, s store.Store, accountID string, tokenType model.TokenType, tokenText string) (*model.Token, error) {
	secret, err := DecodeTokenText(tokenText)
	if err != nil {
		return nil, apierr.New(apierr.KindInvalid)
	}
	tok, err := s.VerifyToken(ctx, accountID, tokenType, secret)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.New(apierr.KindInvalid)
		}
		return nil, err
	}
	if tok.Revoked() {
		return nil, apierr.New(apierr.KindInvalid)
	}
	return tok, nil
}

// HashServiceAccountSecret hashes a service-account/api_client password
// secret with bcrypt — the fallback credential form for api_client
// actors that authenticate with a static secret rather than an OIDC
// bearer token, mirroring the teacher's builtin-auth bcrypt usage.
func HashServiceAccountSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(hash), err
}

// VerifyServiceAccountSecret compares a plaintext secret against its
// bcrypt hash.
func VerifyServiceAccountSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
