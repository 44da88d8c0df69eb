package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	ErrCodeResourceAlreadyExists ErrCode = "RESOURCE_ALREADY_EXISTS"
	ErrCodeResourceDoesNotExist  ErrCode = "RESOURCE_DOES_NOT_EXIST"
	ErrCodeInvalidParameterValue ErrCode = "INVALID_PARAMETER_VALUE"
	ErrCodeInvalidState          ErrCode = "INVALID_STATE"
	ErrCodeBadRequest            ErrCode = "BAD_REQUEST"
	ErrCodeUnauthorized          ErrCode = "UNAUTHORIZED"
	ErrCodeUnsupported           ErrCode = "UNSUPPORTED"
	ErrCodeTooManyRequests       ErrCode = "TOO_MANY_REQUESTS"
	ErrCodeUnknow                ErrCode = "UNKNOWN"
	ErrCodeInternal              ErrCode = "INTERNAL_ERROR"
)

type ErrCode string

type ErrorInfo struct {
	HttpStatus int     `json:"-"`
	Code       ErrCode `json:"error_code"`
	Message    string  `json:"message"`
	Detail     string  `json:"detail,omitempty"`
}

func (e ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func IsErrCode(err error, code ErrCode) bool {
	if err == nil {
		return false
	}
	info := ErrorInfo{}
	if errors.As(err, &info) {
		return info.Code == code
	}
	return false
}

// IsRetryable reports whether err is a server side failure that may succeed when sent again.
func IsRetryable(err error) bool {
	info := ErrorInfo{}
	if !errors.As(err, &info) {
		return false
	}
	return info.HttpStatus == http.StatusTooManyRequests || info.HttpStatus >= http.StatusInternalServerError
}

func NewAlreadyExistsError(msg string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusConflict, Code: ErrCodeResourceAlreadyExists, Message: msg}
}

func NewResourceNotFoundError(msg string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusNotFound, Code: ErrCodeResourceDoesNotExist, Message: msg}
}

func NewInvalidParameterError(msg string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusBadRequest, Code: ErrCodeInvalidParameterValue, Message: msg}
}

func NewInvalidStateError(msg string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusBadRequest, Code: ErrCodeInvalidState, Message: msg}
}

func NewBadRequestError(err error) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusBadRequest, Code: ErrCodeBadRequest, Message: err.Error()}
}

func NewUnauthorizedError(msg string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusUnauthorized, Code: ErrCodeUnauthorized, Message: msg}
}

func NewUnsupportedError(msg string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusNotImplemented, Code: ErrCodeUnsupported, Message: msg}
}

func NewInternalError(err error) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusInternalServerError, Code: ErrCodeInternal, Message: err.Error()}
}

func NewRunNotFoundError(runID string) ErrorInfo {
	return NewResourceNotFoundError(fmt.Sprintf("run '%s' not found", runID))
}

func NewExperimentNotFoundError(ref string) ErrorInfo {
	return NewResourceNotFoundError(fmt.Sprintf("experiment '%s' not found", ref))
}

func NewPathAlreadyExistsError(path string) ErrorInfo {
	return NewAlreadyExistsError(fmt.Sprintf("Path '%s' already exists", path))
}

func NewFlavorNotFoundError(flavor, path string) ErrorInfo {
	return NewResourceNotFoundError(fmt.Sprintf("model does not have %s flavor: %s", flavor, path))
}

func NewUnsupportedFormatError(format string, supported []string) ErrorInfo {
	return NewInvalidParameterError(fmt.Sprintf(
		"unrecognized serialization format: %s. Please specify one of the following supported formats: %v", format, supported))
}
