package broker

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags a broker error so callers can branch on it without parsing messages.
type Kind string

const (
	// KindNeedsAuth means no usable credentials exist; the user must run the
	// interactive flow. Never retried by the broker.
	KindNeedsAuth Kind = "needs_auth"
	// KindRateLimited means the provider answered 429.
	KindRateLimited Kind = "rate_limited"
	// KindStateMismatch means an OAuth callback carried an unexpected state.
	KindStateMismatch Kind = "state_mismatch"
	// KindNoPortAvailable means no candidate callback port could be bound.
	KindNoPortAvailable Kind = "no_port_available"
	// KindTimeout means an OAuth flow expired before its callback arrived.
	KindTimeout Kind = "timeout"
	// KindCompanyNotFound means the requested tenant is unknown.
	KindCompanyNotFound Kind = "company_not_found"
	// KindAmbiguousTenant means several tenants are known and none was chosen.
	KindAmbiguousTenant Kind = "ambiguous_tenant"
	// KindValidation means input was rejected before any side effect.
	KindValidation Kind = "validation_error"
	// KindBroker means the remote custody service answered non-2xx.
	KindBroker Kind = "broker_error"
	// KindNotFound means a store lookup found no record.
	KindNotFound Kind = "not_found"
	// KindTransient means a network failure or timeout; the caller may retry.
	KindTransient Kind = "transient"
	// KindFatal covers everything else.
	KindFatal Kind = "fatal"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrNeedsAuth       = &Error{Kind: KindNeedsAuth}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrStateMismatch   = &Error{Kind: KindStateMismatch}
	ErrNoPortAvailable = &Error{Kind: KindNoPortAvailable}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrCompanyNotFound = &Error{Kind: KindCompanyNotFound}
	ErrAmbiguousTenant = &Error{Kind: KindAmbiguousTenant}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrBroker          = &Error{Kind: KindBroker}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrTransient       = &Error{Kind: KindTransient}
	ErrFatal           = &Error{Kind: KindFatal}
)

// Error is the tagged error returned by every broker component.
type Error struct {
	Kind   Kind
	Detail string

	// Tenant is the tenant key the error concerns, if any.
	Tenant string

	// Field names the rejected input for KindValidation.
	Field string

	// Candidates lists known tenants for KindAmbiguousTenant and KindCompanyNotFound.
	Candidates []Company

	// Status and StatusText carry the HTTP response for KindBroker and provider errors.
	Status     int
	StatusText string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Tenant != "" {
		fmt.Fprintf(&b, " [%s]", e.Tenant)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil && (e.Detail == "" || !strings.Contains(e.Detail, e.Err.Error())) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or KindFatal for
// untagged errors. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindFatal
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// NewError builds a tagged error.
func NewError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds a tagged error around cause.
func Wrap(kind Kind, cause error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: cause}
}

// NewValidationError rejects a malformed input field.
func NewValidationError(field, detail string) *Error {
	return &Error{Kind: KindValidation, Field: field, Detail: detail}
}

// NeedsAuth signals that tenant has no usable credentials.
func NeedsAuth(tenant, detail string) *Error {
	return &Error{Kind: KindNeedsAuth, Tenant: tenant, Detail: detail}
}

// NotFound signals a missing store record.
func NotFound(key string) *Error {
	return &Error{Kind: KindNotFound, Tenant: key, Detail: "no credentials stored"}
}

// CompanyNotFound signals an unknown tenant reference.
func CompanyNotFound(tenant string, candidates []Company) *Error {
	return &Error{
		Kind:       KindCompanyNotFound,
		Tenant:     tenant,
		Detail:     fmt.Sprintf("company %q not found", tenant),
		Candidates: candidates,
	}
}

// AmbiguousTenant signals that a tenant must be chosen among candidates.
func AmbiguousTenant(candidates []Company) *Error {
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, fmt.Sprintf("%s (%s)", c.DisplayName(), c.ID))
	}
	return &Error{
		Kind:       KindAmbiguousTenant,
		Detail:     fmt.Sprintf("%d companies connected, specify one of: %s", len(candidates), strings.Join(names, ", ")),
		Candidates: candidates,
	}
}

// BrokerError carries a non-2xx response from the remote custody service verbatim.
func BrokerError(status int, statusText string) *Error {
	return &Error{
		Kind:       KindBroker,
		Status:     status,
		StatusText: statusText,
		Detail:     fmt.Sprintf("broker responded %d %s", status, statusText),
	}
}
