package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds. Match them with errors.Is.
var (
	ErrConfigMissing     = errors.New("oauth client not configured")
	ErrBindFailed        = errors.New("failed to bind callback listener")
	ErrTimeout           = errors.New("authorization timed out")
	ErrCSRFMismatch      = errors.New("state mismatch, possible CSRF attack")
	ErrUserDenied        = errors.New("authorization denied")
	ErrDeviceCodeExpired = errors.New("device code expired")
	ErrProviderError     = errors.New("provider error")
	ErrNetwork           = errors.New("network error")
	ErrPersist           = errors.New("failed to persist token")
)

// Error is the single user-facing failure of a login or refresh. Kind is one
// of the sentinels above.
type Error struct {
	Kind     error
	Provider string
	Message  string
	Hint     string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	b.WriteString(msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Hint != "" {
		b.WriteString("; ")
		b.WriteString(e.Hint)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewError builds an Error of the given kind carrying the standard hint.
func NewError(kind error, provider, message string, cause error) *Error {
	return &Error{
		Kind:     kind,
		Provider: provider,
		Message:  message,
		Hint:     hintFor(kind, provider),
		Err:      cause,
	}
}

// providerError carries the provider's own message, e.g. "invalid_grant".
func providerError(provider, message string) *Error {
	return NewError(ErrProviderError, provider, fmt.Sprintf("provider error: %s", message), nil)
}

func hintFor(kind error, provider string) string {
	login := "run `hu auth login " + provider + "` again"
	switch {
	case errors.Is(kind, ErrConfigMissing):
		name := strings.ToUpper(provider)
		return fmt.Sprintf("set %s_CLIENT_ID and %s_CLIENT_SECRET or add client_id/client_secret to the %s section of the credentials file", name, name, provider)
	case errors.Is(kind, ErrBindFailed):
		return "close the program using the port or pass --port"
	case errors.Is(kind, ErrPersist):
		return "check permissions of the credentials file"
	case errors.Is(kind, ErrNetwork):
		return "check your network connection and " + login
	default:
		return login
	}
}

// Reason maps an error to a short label used in metrics and status output.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfigMissing):
		return "config_missing"
	case errors.Is(err, ErrBindFailed):
		return "bind_failed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCSRFMismatch):
		return "csrf_mismatch"
	case errors.Is(err, ErrUserDenied):
		return "user_denied"
	case errors.Is(err, ErrDeviceCodeExpired):
		return "device_code_expired"
	case errors.Is(err, ErrProviderError):
		return "provider_error"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	case errors.Is(err, ErrPersist):
		return "persist_error"
	default:
		return "other"
	}
}
