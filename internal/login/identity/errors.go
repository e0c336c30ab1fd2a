package identity

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/api/googleapi"
)

// Code identifies why the provider rejected a request. Provider codes keep the
// identifiers returned by the Identity Toolkit REST API.
type Code string

const (
	CodeInvalidCredentials Code = "INVALID_LOGIN_CREDENTIALS"
	CodeEmailNotFound      Code = "EMAIL_NOT_FOUND"
	CodeInvalidPassword    Code = "INVALID_PASSWORD"
	CodeUserDisabled       Code = "USER_DISABLED"
	CodeTooManyAttempts    Code = "TOO_MANY_ATTEMPTS_TRY_LATER"
	CodeInvalidEmail       Code = "INVALID_EMAIL"
	CodeMissingEmail       Code = "MISSING_EMAIL"
	CodeMissingPassword    Code = "MISSING_PASSWORD"

	CodeNetwork      Code = "network_error"
	CodeTokenExpired Code = "token_expired"
	CodeTokenInvalid Code = "token_invalid"
	CodeUnknown      Code = "unknown"
)

var providerCodes = map[Code]struct{}{
	CodeInvalidCredentials: {},
	CodeEmailNotFound:      {},
	CodeInvalidPassword:    {},
	CodeUserDisabled:       {},
	CodeTooManyAttempts:    {},
	CodeInvalidEmail:       {},
	CodeMissingEmail:       {},
	CodeMissingPassword:    {},
}

// refreshCodes maps Secure Token API rejections onto the token codes.
var refreshCodes = map[string]Code{
	"TOKEN_EXPIRED":         CodeTokenExpired,
	"INVALID_REFRESH_TOKEN": CodeTokenInvalid,
	"MISSING_REFRESH_TOKEN": CodeTokenInvalid,
	"USER_NOT_FOUND":        CodeTokenInvalid,
}

// Error is returned by providers for every rejected sign-in or token check.
type Error struct {
	Code Code
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return "identity: " + string(e.Code)
	}
	return "identity: " + string(e.Code) + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs an Error with the provided code.
func NewError(code Code, err error) error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the Code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	var idErr *Error
	if errors.As(err, &idErr) && idErr.Code != "" {
		return idErr.Code
	}
	return CodeUnknown
}

// classifyRemoteError converts transport and REST failures into an Error.
func classifyRemoteError(err error) error {
	if err == nil {
		return nil
	}
	var idErr *Error
	if errors.As(err, &idErr) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		code := parseRemoteCode(apiErr.Message)
		if code == CodeUnknown {
			for _, item := range apiErr.Errors {
				if c := parseRemoteCode(item.Message); c != CodeUnknown {
					code = c
					break
				}
			}
		}
		return NewError(code, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return NewError(CodeNetwork, err)
	}
	return NewError(CodeUnknown, err)
}

// parseRemoteCode reads messages such as
// "TOO_MANY_ATTEMPTS_TRY_LATER : Access to this account has been temporarily disabled".
func parseRemoteCode(message string) Code {
	fields := strings.FieldsFunc(message, func(r rune) bool {
		return r == ' ' || r == ':'
	})
	if len(fields) == 0 {
		return CodeUnknown
	}
	code := Code(strings.ToUpper(fields[0]))
	if _, ok := providerCodes[code]; ok {
		return code
	}
	if c, ok := refreshCodes[string(code)]; ok {
		return c
	}
	return CodeUnknown
}
