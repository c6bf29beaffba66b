package session

import (
	"github.com/pkg/errors"

	"github.com/agroup/go-aula-client/idp"
)

// Kind is the fixed classification every failure is translated into before
// it reaches a consumer. The UI never sees raw status codes or transport
// errors, only a Kind plus a ready-to-display message.
type Kind string

const (
	// Credential failures: surfaced verbatim, never retried automatically.
	KindCredentials   Kind = "credentials"
	KindAccountLocked Kind = "account_locked"
	KindOTPInvalid    Kind = "otp_invalid"
	KindRateLimited   Kind = "rate_limited"

	// KindOTPRequired is a continuation, not a failure: the caller should
	// re-invoke login with the one-time code. It never counts as a failed
	// attempt.
	KindOTPRequired Kind = "otp_required"

	// KindTokenInvalid is terminal for the session when raised by validate
	// or refresh.
	KindTokenInvalid Kind = "token_invalid"

	// KindNoRefreshToken is the distinct non-retryable outcome of calling
	// refresh without a stored refresh token. It does not clear the access
	// token.
	KindNoRefreshToken Kind = "no_refresh_token"

	// KindNetwork covers timeouts, connection failures and 5xx. Session
	// state is preserved and the operation may be retried.
	KindNetwork Kind = "network"

	// KindStorage means tokens could not be confirmed persisted. Treated
	// as a failed login: an authenticated state without stored tokens is
	// worse than failing outright.
	KindStorage Kind = "storage"
)

// User-facing messages, matching the platform's UI language.
var messages = map[Kind]string{
	KindCredentials:    "Credenciales incorrectas. Por favor verifica tu email y contraseña.",
	KindAccountLocked:  "Tu cuenta ha sido bloqueada. Por favor contacta a soporte.",
	KindOTPInvalid:     "El código OTP es inválido o ha expirado.",
	KindRateLimited:    "Demasiados intentos fallidos. Intenta nuevamente más tarde.",
	KindOTPRequired:    "Se requiere un código de verificación para continuar.",
	KindTokenInvalid:   "Tu sesión ha expirado. Por favor inicia sesión nuevamente.",
	KindNoRefreshToken: "No hay token de actualización disponible.",
	KindNetwork:        "Problema de conexión. Por favor verifica tu conexión a internet.",
	KindStorage:        "Error al guardar tokens de sesión. Por favor intenta nuevamente.",
}

// Error is the one error type the coordinator surfaces.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: messages[kind], cause: cause}
}

// KindOf extracts the classification from any error returned by the
// coordinator; ok is false for nil or foreign errors.
func KindOf(err error) (Kind, bool) {
	var sessionErr *Error
	if errors.As(err, &sessionErr) {
		return sessionErr.Kind, true
	}
	return "", false
}

// IsOTPRequired reports the continuation outcome of login.
func IsOTPRequired(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindOTPRequired
}

// IsTransient reports whether the failure preserved session state and may
// be retried.
func IsTransient(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindNetwork
}

// classifyLogin translates a login failure. otpSupplied distinguishes "code
// needed" from "code wrong".
func classifyLogin(err error, otpSupplied bool) *Error {
	var statusErr *idp.StatusError
	if !errors.As(err, &statusErr) {
		return newError(KindNetwork, err)
	}

	switch {
	case statusErr.StatusCode == 401 && !otpSupplied && statusErr.OTPRequired:
		return newError(KindOTPRequired, err)
	case statusErr.StatusCode == 401:
		return newError(KindCredentials, err)
	case statusErr.StatusCode == 403:
		return newError(KindAccountLocked, err)
	case statusErr.StatusCode == 422 && !otpSupplied:
		return newError(KindOTPRequired, err)
	case statusErr.StatusCode == 422:
		return newError(KindOTPInvalid, err)
	case statusErr.StatusCode == 429:
		return newError(KindRateLimited, err)
	case statusErr.StatusCode >= 500:
		return newError(KindNetwork, err)
	default:
		classified := newError(KindCredentials, err)
		if statusErr.Message != "" && len(statusErr.Message) < 100 {
			classified.Message = statusErr.Message
		}
		return classified
	}
}

// classifyAuthorized translates failures of token-bearing calls (validate,
// refresh): 401/403 means the credential itself was rejected, everything
// else is transient.
func classifyAuthorized(err error) *Error {
	var statusErr *idp.StatusError
	if !errors.As(err, &statusErr) {
		return newError(KindNetwork, err)
	}
	if statusErr.StatusCode == 401 || statusErr.StatusCode == 403 {
		return newError(KindTokenInvalid, err)
	}
	return newError(KindNetwork, err)
}
