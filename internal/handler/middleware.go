package handler

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/apierr"
	"github.com/cloudfire/signal/internal/authn"
	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/store"
)

type subjectKeyType struct{}

var subjectKey = subjectKeyType{}

// SubjectFromContext returns the authenticated Subject the Authenticate
// middleware attached to the request, or nil if none.
func SubjectFromContext(ctx context.Context) *model.Subject {
	s, _ := ctx.Value(subjectKey).(*model.Subject)
	return s
}

// Authenticate resolves the caller's Subject from the Authorization
// header (§4.A) and attaches it to the request context. Requests
// without a bearer token, or whose token fails verification, are
// rejected before reaching the wrapped handler.
func Authenticate(s store.Store, verifier authn.Verifier, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				ErrJSON(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			reqCtx := model.SubjectContext{
				RemoteIP:  remoteIP(r),
				UserAgent: r.Header.Get("user-agent"),
			}

			subject, err := authn.Authenticate(r.Context(), s, verifier, token, reqCtx)
			if err != nil {
				logger.Debugw("admin auth failed", "error", err)
				writeAPIErr(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCapability returns a middleware that 403s unless the request's
// Subject holds cap (§4.A: every mutating admin operation declares the
// capability it requires).
func RequireCapability(cap string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := SubjectFromContext(r.Context())
			if subject == nil || !subject.HasCapability(cap) {
				ErrJSON(w, http.StatusForbidden, "capability "+cap+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			return strings.TrimSpace(fwd[:idx])
		}
		return fwd
	}
	return r.RemoteAddr
}

// writeAPIErr maps an apierr.Error (or a plain error) to an HTTP status
// and writes it as the standard {"error": kind} body.
func writeAPIErr(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		ErrJSON(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch apiErr.Kind {
	case apierr.KindNotFound:
		status = http.StatusNotFound
	case apierr.KindUnauthorized, apierr.KindInvalid:
		status = http.StatusUnauthorized
	case apierr.KindForbidden, apierr.KindDisabled, apierr.KindPrivilegeEscalation:
		status = http.StatusForbidden
	case apierr.KindInvalidVersion, apierr.KindExpired, apierr.KindTokenExpired:
		status = http.StatusBadRequest
	case apierr.KindCantDisableLastAdmin, apierr.KindCantDeleteLastAdmin:
		status = http.StatusConflict
	case apierr.KindRetryLater:
		status = http.StatusServiceUnavailable
	case apierr.KindClosed, apierr.KindOffline:
		status = http.StatusGone
	}
	JSON(w, status, map[string]any{"error": apiErr.Kind, "details": apiErr.Details})
}

// Recovery catches panics in the wrapped handler and returns a 500.
func Recovery(logger *zap.SugaredLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorf("handler: panic recovered: %v\n%s", err, debug.Stack())
				ErrJSON(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORS wraps a handler with permissive CORS headers for the admin UI.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Wrap applies a chain of middleware to a handler, outermost first.
func Wrap(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
