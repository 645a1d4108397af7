package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-huddle/internal/apperr"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code,omitempty"`
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

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewServiceUnavailableError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusServiceUnavailable,
		Code:       "unavailable",
		Message:    lower(http.StatusText(http.StatusServiceUnavailable)),
		Err:        err,
	}
}

func NewTooManyRequestsError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusTooManyRequests,
		Code:       apperr.ErrRateLimited.Code,
		Message:    apperr.ErrRateLimited.Message,
	}
}

// newApiError maps a core error onto its HTTP form.
func newApiError(err error) *ApiError {
	var e *apperr.Error
	if !errors.As(err, &e) {
		return NewInternalServerError(err)
	}

	switch {
	case errors.Is(err, apperr.ErrRoomNotFound):
		resp := NewNotFoundError()
		resp.Code = e.Code
		return resp
	case errors.Is(err, apperr.ErrRateLimited):
		return NewTooManyRequestsError()
	}

	switch e.Kind {
	case apperr.KindValidation:
		return &ApiError{StatusCode: http.StatusBadRequest, Code: e.Code, Message: e.Message}
	case apperr.KindTransientStore:
		return NewServiceUnavailableError(err)
	default:
		return NewInternalServerError(err)
	}
}
