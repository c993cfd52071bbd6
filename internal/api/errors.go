package api

import (
	"fmt"
	"net/http"
	"strings"
)

// ApiError is returned for any non-2xx response or transport failure. The
// engine treats every ApiError as transient: state is left unchanged and
// retry is manual.
type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func newStatusError(statusCode int) *ApiError {
	return &ApiError{
		StatusCode: statusCode,
		Message:    strings.ToLower(http.StatusText(statusCode)),
	}
}

func newTransportError(err error) *ApiError {
	return &ApiError{
		Message: "request failed",
		Err:     err,
	}
}
