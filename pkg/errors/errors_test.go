package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestIsErrCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrCode
		want bool
	}{
		{name: "nil", err: nil, code: ErrCodeInternal, want: false},
		{name: "direct", err: NewPathAlreadyExistsError("/tmp/model"), code: ErrCodeResourceAlreadyExists, want: true},
		{name: "wrapped", err: fmt.Errorf("save model: %w", NewRunNotFoundError("abc")), code: ErrCodeResourceDoesNotExist, want: true},
		{name: "other code", err: NewUnsupportedError("x"), code: ErrCodeInternal, want: false},
		{name: "plain error", err: fmt.Errorf("boom"), code: ErrCodeUnknow, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsErrCode(tt.err, tt.code); got != tt.want {
				t.Errorf("IsErrCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "internal", err: NewInternalError(fmt.Errorf("db down")), want: true},
		{name: "throttled", err: ErrorInfo{HttpStatus: http.StatusTooManyRequests, Code: ErrCodeTooManyRequests}, want: true},
		{name: "bad request", err: NewInvalidParameterError("bad"), want: false},
		{name: "plain", err: fmt.Errorf("x"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorInfo_Error(t *testing.T) {
	err := NewPathAlreadyExistsError("/tmp/m")
	if got, want := err.Error(), "RESOURCE_ALREADY_EXISTS: Path '/tmp/m' already exists"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
