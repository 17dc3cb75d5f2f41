package identity

import (
	"errors"
	"strings"
)

// ErrNotSignedIn is returned when no session is stored.
var ErrNotSignedIn = errors.New("not signed in")

// Client-facing error codes.
const (
	CodeEmailInUse        = "email-already-in-use"
	CodeInvalidEmail      = "invalid-email"
	CodeWeakPassword      = "weak-password"
	CodeUserNotFound      = "user-not-found"
	CodeWrongPassword     = "wrong-password"
	CodeInvalidCredential = "invalid-credential"
	CodePopupClosed       = "popup-closed-by-user"
	CodeDifferentCred     = "account-exists-with-different-credential"
	CodeTooManyRequests   = "too-many-requests"
	CodeUserDisabled      = "user-disabled"
	CodeUnknown           = "unknown"
)

var providerCodes = map[string]string{
	"EMAIL_EXISTS":                     CodeEmailInUse,
	"INVALID_EMAIL":                    CodeInvalidEmail,
	"MISSING_EMAIL":                    CodeInvalidEmail,
	"WEAK_PASSWORD":                    CodeWeakPassword,
	"EMAIL_NOT_FOUND":                  CodeUserNotFound,
	"INVALID_PASSWORD":                 CodeWrongPassword,
	"MISSING_PASSWORD":                 CodeWrongPassword,
	"INVALID_LOGIN_CREDENTIALS":        CodeInvalidCredential,
	"INVALID_IDP_RESPONSE":             CodeInvalidCredential,
	"FEDERATED_USER_ID_ALREADY_LINKED": CodeDifferentCred,
	"TOO_MANY_ATTEMPTS_TRY_LATER":      CodeTooManyRequests,
	"USER_DISABLED":                    CodeUserDisabled,
}

var messages = map[string]string{
	CodeEmailInUse:        "This email is already registered. Please login instead.",
	CodeInvalidEmail:      "Invalid email address",
	CodeWeakPassword:      "Password is too weak",
	CodeUserNotFound:      "No account found with this email",
	CodeWrongPassword:     "Incorrect password",
	CodeInvalidCredential: "Invalid email or password",
	CodePopupClosed:       "Sign-in cancelled",
	CodeDifferentCred:     "An account already exists with this email. Please use a different sign-in method.",
	CodeTooManyRequests:   "Too many attempts. Please try again later.",
	CodeUserDisabled:      "This account has been disabled",
}

// Error is a rejection from the identity provider, mapped to a client code.
type Error struct {
	Code     string
	Message  string
	Provider string // raw provider discriminator, if any
}

func (e *Error) Error() string { return e.Message }

// BusinessReason exposes the code and user-facing message to the workflow
// error taxonomy.
func (e *Error) BusinessReason() (kind, reason string) { return e.Code, e.Message }

// newError builds an Error for code with its user-facing message.
func newError(code string) *Error {
	msg, ok := messages[code]
	if !ok {
		msg = "Authentication failed"
	}
	return &Error{Code: code, Message: msg}
}

// mapProviderError maps an Identity Toolkit error message such as
// "WEAK_PASSWORD : Password should be at least 6 characters".
func mapProviderError(raw string) *Error {
	disc := strings.TrimSpace(raw)
	if i := strings.Index(disc, ":"); i >= 0 {
		disc = strings.TrimSpace(disc[:i])
	}
	code, ok := providerCodes[disc]
	if !ok {
		e := &Error{Code: CodeUnknown, Message: raw, Provider: disc}
		if raw == "" {
			e.Message = "Authentication failed"
		}
		return e
	}
	e := newError(code)
	e.Provider = disc
	return e
}

// HasCode reports whether err is an identity Error with one of codes.
func HasCode(err error, codes ...string) bool {
	var ie *Error
	if !errors.As(err, &ie) {
		return false
	}
	for _, c := range codes {
		if ie.Code == c {
			return true
		}
	}
	return false
}
