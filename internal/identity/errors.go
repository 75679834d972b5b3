package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes reported by the identity service, in the service's
// "auth/<kind>" form.
const (
	CodeOperationNotAllowed      = "auth/operation-not-allowed"
	CodeConfigurationNotFound    = "auth/configuration-not-found"
	CodeAdminRestrictedOperation = "auth/admin-restricted-operation"
	CodeInvalidAPIKey            = "auth/invalid-api-key"
	CodeUserDisabled             = "auth/user-disabled"
	CodeUserTokenExpired         = "auth/user-token-expired"
	CodeInvalidRefreshToken      = "auth/invalid-refresh-token"
	CodeTooManyRequests          = "auth/too-many-requests"
	CodeNetworkRequestFailed     = "auth/network-request-failed"
	CodeInternalError            = "auth/internal-error"
)

// serverCodes maps the service's SCREAMING_CASE messages onto codes.
var serverCodes = map[string]string{
	"OPERATION_NOT_ALLOWED":       CodeOperationNotAllowed,
	"CONFIGURATION_NOT_FOUND":     CodeConfigurationNotFound,
	"ADMIN_ONLY_OPERATION":        CodeAdminRestrictedOperation,
	"INVALID_API_KEY":             CodeInvalidAPIKey,
	"USER_DISABLED":               CodeUserDisabled,
	"USER_NOT_FOUND":              CodeUserTokenExpired,
	"TOKEN_EXPIRED":               CodeUserTokenExpired,
	"INVALID_REFRESH_TOKEN":       CodeInvalidRefreshToken,
	"INVALID_GRANT_TYPE":          CodeInternalError,
	"MISSING_REFRESH_TOKEN":       CodeInternalError,
	"TOO_MANY_ATTEMPTS_TRY_LATER": CodeTooManyRequests,
}

// Error is a failure reported by the identity service.
type Error struct {
	Status  int    // HTTP status, 0 when the request never completed
	Code    string // classified "auth/<kind>" code
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("identity: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("identity: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Code returns the classified code of err, or "" when err is not an *Error.
func Code(err error) string {
	var ierr *Error
	if errors.As(err, &ierr) {
		return ierr.Code
	}
	return ""
}

// IsAuthMethodUnavailable reports whether err means the sign-in method is
// disabled or not configured for the project.
func IsAuthMethodUnavailable(err error) bool {
	switch Code(err) {
	case CodeOperationNotAllowed, CodeConfigurationNotFound:
		return true
	}
	return false
}

// IsSessionInvalid reports whether err means a stored identity can no
// longer be used and must be discarded.
func IsSessionInvalid(err error) bool {
	switch Code(err) {
	case CodeUserDisabled, CodeUserTokenExpired, CodeInvalidRefreshToken:
		return true
	}
	return false
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// parseError decodes the service's error envelope. Messages look like
// "OPERATION_NOT_ALLOWED" or "TOO_MANY_ATTEMPTS_TRY_LATER : detail".
func parseError(status int, payload []byte) *Error {
	var env errorEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Error.Message == "" {
		return &Error{Status: status, Code: CodeInternalError, Message: http.StatusText(status)}
	}

	raw := env.Error.Message
	detail := raw
	if i := strings.Index(raw, " : "); i >= 0 {
		raw, detail = raw[:i], raw[i+3:]
	}
	raw = strings.TrimSpace(raw)

	code, ok := serverCodes[raw]
	if !ok {
		switch {
		case strings.HasPrefix(raw, "API key not valid"):
			code = CodeInvalidAPIKey
		case strings.ContainsAny(raw, " .") || raw == "":
			code = CodeInternalError
		default:
			code = "auth/" + strings.ToLower(strings.ReplaceAll(raw, "_", "-"))
		}
	}
	return &Error{Status: status, Code: code, Message: detail}
}
