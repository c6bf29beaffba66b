package idp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StatusError is a non-2xx response from the identity provider. Message is
// whatever could be salvaged from the body; callers classify by StatusCode.
// OTPRequired is set when the body signals that a one-time code was needed
// but not supplied.
type StatusError struct {
	StatusCode  int
	Message     string
	OTPRequired bool
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("identity provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("identity provider returned status %d: %s", e.StatusCode, e.Message)
}

// newStatusError parses a failure body. The backend answers sometimes with
// JSON {"error": ...} or {"message": ...}, sometimes with plain text; long
// plain-text bodies (stack traces, HTML) are dropped.
func newStatusError(statusCode int, body []byte) *StatusError {
	se := &StatusError{StatusCode: statusCode}

	var payload struct {
		Error       string `json:"error"`
		Message     string `json:"message"`
		OTPRequired bool   `json:"otp_required"`
		RequiresOTP bool   `json:"requires_otp"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			se.Message = payload.Error
		} else {
			se.Message = payload.Message
		}
		se.OTPRequired = payload.OTPRequired || payload.RequiresOTP || mentionsMissingOTP(se.Message)
		return se
	}

	text := strings.TrimSpace(string(body))
	if len(text) < 100 {
		se.Message = text
	}
	se.OTPRequired = mentionsMissingOTP(text)
	return se
}

// mentionsMissingOTP matches the Keycloak error strings the facade forwards
// verbatim when a TOTP challenge was not answered.
func mentionsMissingOTP(message string) bool {
	lowered := strings.ToLower(message)
	if !strings.Contains(lowered, "otp") && !strings.Contains(lowered, "totp") {
		return false
	}
	for _, hint := range []string{"requer", "required", "missing", "falta"} {
		if strings.Contains(lowered, hint) {
			return true
		}
	}
	return false
}
