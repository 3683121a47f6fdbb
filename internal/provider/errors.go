package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// FromStatus maps an HTTP status to a normalized error.
func FromStatus(status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	code := CodeProviderError
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		code = CodeValidation
	case status == http.StatusUnauthorized:
		code = CodeAuthFailed
	case status == http.StatusForbidden:
		code = CodePermissionDenied
	case status == http.StatusNotFound || status == http.StatusGone:
		code = CodeNotFound
	case status == http.StatusTooManyRequests:
		code = CodeRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = CodeTimeout
	case status >= 500:
		code = CodeTransient
	}
	return &Error{Code: code, Message: fmt.Sprintf("HTTP %d: %s", status, message)}
}

type googleErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// googleError normalizes a Calendar API error. Quota errors come back as 403
// and are told apart by reason.
func googleError(status int, body []byte) *Error {
	var parsed googleErrorBody
	_ = json.Unmarshal(body, &parsed)
	msg := parsed.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	for _, e := range parsed.Error.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return &Error{Code: CodeRateLimit, Message: msg}
		case "authError":
			return &Error{Code: CodeAuthFailed, Message: msg}
		case "backendError":
			return &Error{Code: CodeTransient, Message: msg}
		}
	}
	return FromStatus(status, msg)
}

type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var graphCodes = map[string]ErrorCode{
	"InvalidAuthenticationToken":                  CodeAuthFailed,
	"AuthenticationError":                         CodeAuthFailed,
	"ErrorAccessDenied":                           CodePermissionDenied,
	"Authorization_RequestDenied":                 CodePermissionDenied,
	"ErrorItemNotFound":                           CodeNotFound,
	"ResourceNotFound":                            CodeNotFound,
	"ErrorInvalidUser":                            CodeNotFound,
	"TooManyRequests":                             CodeRateLimit,
	"ApplicationThrottled":                        CodeRateLimit,
	"ErrorTooManyObjectsOpened":                   CodeRateLimit,
	"ServiceNotAvailable":                         CodeTransient,
	"ErrorServerBusy":                             CodeTransient,
	"generalException":                            CodeTransient,
	"ErrorInvalidRequest":                         CodeValidation,
	"ErrorInvalidProperty":                        CodeValidation,
	"BadRequest":                                  CodeValidation,
	"ErrorCalendarEndDateIsEarlierThanStartDate": CodeValidation,
}

// graphError normalizes a Microsoft Graph error by its named code, falling
// back to the HTTP status.
func graphError(status int, body []byte) *Error {
	var parsed graphErrorBody
	_ = json.Unmarshal(body, &parsed)
	msg := parsed.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if code, ok := graphCodes[parsed.Error.Code]; ok {
		return &Error{Code: code, Message: fmt.Sprintf("%s: %s", parsed.Error.Code, msg)}
	}
	return FromStatus(status, msg)
}
