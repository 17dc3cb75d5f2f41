package backend

import (
	"fmt"
	"strings"
)

// APIError is a rejection the backend reported through its error
// discriminator.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend rejected request (%d): %s", e.Status, e.Message)
}

// BusinessReason exposes the server's reason for the workflow error taxonomy.
func (e *APIError) BusinessReason() (kind, reason string) {
	kind = e.Code
	if kind == "" {
		kind = fmt.Sprintf("http-%d", e.Status)
	}
	return kind, e.Message
}

// Mentions reports whether the server message contains s, ignoring case.
func (e *APIError) Mentions(s string) bool {
	return strings.Contains(strings.ToLower(e.Message), strings.ToLower(s))
}
