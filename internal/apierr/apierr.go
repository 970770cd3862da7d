// Package apierr defines the error-kind taxonomy surfaced to clients and
// gateways over the wire protocol, as distinct from internal Go errors.
package apierr

import "fmt"

// Kind identifies one of the error kinds in the wire-protocol error taxonomy.
// Kinds are sent to sessions, never Go type names.
type Kind string

const (
	KindUnauthorized          Kind = "unauthorized"
	KindNotFound              Kind = "not_found"
	KindOffline               Kind = "offline"
	KindForbidden             Kind = "forbidden"
	KindTokenExpired          Kind = "token_expired"
	KindInvalidVersion        Kind = "invalid_version"
	KindInvalid               Kind = "invalid"
	KindExpired               Kind = "expired"
	KindDisabled              Kind = "disabled"
	KindRetryLater            Kind = "retry_later"
	KindCantDisableLastAdmin  Kind = "cant_disable_the_last_admin"
	KindCantDeleteLastAdmin   Kind = "cant_delete_the_last_admin"
	KindPrivilegeEscalation   Kind = "privilege_escalation"
	KindClosed                Kind = "closed"
)

// Error is the structured error returned across every component boundary
// named in §7. Details carries kind-specific payload (missing_permissions,
// violated_properties, …).
type Error struct {
	Kind    Kind
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Details == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Details)
}

func New(kind Kind) *Error { return &Error{Kind: kind} }

func Unauthorized(missingPermissions []string) *Error {
	return &Error{Kind: KindUnauthorized, Details: map[string]any{"missing_permissions": missingPermissions}}
}

func PrivilegeEscalation(missing []string) *Error {
	return &Error{Kind: KindUnauthorized, Details: map[string]any{"privilege_escalation": missing}}
}

func NotFound() *Error { return New(KindNotFound) }

func Offline() *Error { return New(KindOffline) }

func Forbidden(violated []string) *Error {
	return &Error{Kind: KindForbidden, Details: map[string]any{"violated_properties": violated}}
}

func TokenExpired() *Error { return New(KindTokenExpired) }

func InvalidVersion() *Error { return New(KindInvalidVersion) }

func RetryLater() *Error { return New(KindRetryLater) }

func Disabled() *Error { return New(KindDisabled) }

func CantDisableLastAdmin() *Error { return New(KindCantDisableLastAdmin) }

func CantDeleteLastAdmin() *Error { return New(KindCantDeleteLastAdmin) }

func Closed() *Error { return New(KindClosed) }

// As reports whether err is an *Error of the given kind.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
