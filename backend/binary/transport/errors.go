package transport

import (
	"fmt"
	"net/http"
)

// Error is written by a plugin when a request cannot be served.
type Error struct {
	Err    error `json:"error"`
	Status int   `json:"status"`
}

// NewError creates a new Error instance with the provided error and HTTP status code.
func NewError(err error, status int) *Error {
	return &Error{Err: err, Status: status}
}

func (e *Error) Write(w http.ResponseWriter) {
	http.Error(w, e.Err.Error(), e.Status)
}

// StatusError is returned by Call when the plugin answers with a status other than 200.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("plugin returned status code: %d (no details were given)", e.Status)
	}
	return fmt.Sprintf("plugin returned status code %d: %s", e.Status, e.Message)
}
