package server

import (
	"encoding/json"
	"errors"
	"net/http"

	apierr "kubegems.io/modelkit/pkg/errors"
)

func ResponseError(w http.ResponseWriter, err error) {
	info := apierr.ErrorInfo{}
	if !errors.As(err, &info) {
		info = apierr.ErrorInfo{
			HttpStatus: http.StatusInternalServerError,
			Code:       apierr.ErrCodeInternal,
			Message:    err.Error(),
		}
	}
	if info.HttpStatus == 0 {
		info.HttpStatus = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(info.HttpStatus)
	json.NewEncoder(w).Encode(info)
}

func ResponseOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if data == nil {
		data = struct{}{}
	}
	json.NewEncoder(w).Encode(data)
}
