package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-logr/logr"
	"github.com/gorilla/handlers"

	apierr "kubegems.io/modelkit/pkg/errors"
)

const MaxBytesRead = int64(1 << 20) // 1MB

// MaxBytesReadHandler returns a Handler that runs h with its ResponseWriter and Request.Body wrapped by a MaxBytesReader.
func MaxBytesReadHandler(h http.Handler, n int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r2 := *r
		r2.Body = http.MaxBytesReader(w, r.Body, n)
		h.ServeHTTP(w, &r2)
	})
}

// LoggingFilter logs every request with its status, size and duration.
func LoggingFilter(log logr.Logger, next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Info(params.Request.Method,
			"path", params.URL.Path,
			"status", params.StatusCode,
			"size", params.Size,
			"remote", params.Request.RemoteAddr,
			"duration", time.Since(params.TimeStamp).String(),
		)
	})
}

// NewOIDCAuthFilter rejects requests without a bearer token issued by issuer. /healthz stays public.
func NewOIDCAuthFilter(ctx context.Context, issuer string, next http.Handler) (http.Handler, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	verifier := provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return NewTokenAuthFilter(func(ctx context.Context, token string) error {
		_, err := verifier.Verify(ctx, token)
		return err
	}, next), nil
}

// NewTokenAuthFilter checks bearer tokens with verify.
func NewTokenAuthFilter(verify func(ctx context.Context, token string) error, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			ResponseError(w, apierr.NewUnauthorizedError("missing bearer token"))
			return
		}
		if err := verify(r.Context(), token); err != nil {
			ResponseError(w, apierr.NewUnauthorizedError(err.Error()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func DecodeRequest(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return apierr.NewBadRequestError(err)
	}
	return nil
}
