package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	apierr "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/tracking"
	"kubegems.io/modelkit/pkg/tracking/rest"
	"kubegems.io/modelkit/pkg/tracking/store/leveldb"
	"kubegems.io/modelkit/pkg/tracking/storetest"
)

func newTestServer(t *testing.T, opts *Options) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	backend, err := leveldb.Open(ctx, &leveldb.Options{Path: filepath.Join(t.TempDir(), "tracking.db")})
	if err != nil {
		t.Fatal(err)
	}
	handler, err := NewHandler(ctx, backend, opts)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		backend.Close()
	})
	return srv
}

func TestRESTStore(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) tracking.Store {
		srv := newTestServer(t, &Options{MaxBodyBytes: MaxBytesRead})
		return rest.NewClient(rest.NewDefaultOptions(srv.URL))
	})
}

func TestServer_Routes(t *testing.T) {
	srv := newTestServer(t, &Options{MaxBodyBytes: 64})
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "healthz", method: "GET", path: "/healthz", wantStatus: http.StatusOK, wantBody: "ok"},
		{
			name: "unknown endpoint", method: "GET", path: rest.APIPrefix + "/unknown",
			wantStatus: http.StatusNotFound, wantBody: `"error_code":"BAD_REQUEST"`,
		},
		{
			name: "missing query", method: "GET", path: rest.APIPrefix + "/runs/get",
			wantStatus: http.StatusBadRequest, wantBody: "run_id",
		},
		{
			name: "malformed body", method: "POST", path: rest.APIPrefix + "/runs/create", body: "{",
			wantStatus: http.StatusBadRequest, wantBody: `"error_code":"BAD_REQUEST"`,
		},
		{
			name: "body too large", method: "POST", path: rest.APIPrefix + "/experiments/create",
			body:       `{"name":"` + strings.Repeat("x", 128) + `"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "run not found", method: "GET", path: rest.APIPrefix + "/runs/get?run_id=missing",
			wantStatus: http.StatusNotFound, wantBody: `"error_code":"RESOURCE_DOES_NOT_EXIST"`,
		},
		{
			name: "default experiment", method: "GET", path: rest.APIPrefix + "/experiments/get?experiment_id=0",
			wantStatus: http.StatusOK, wantBody: `"name":"Default"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d, body %s", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantBody != "" && !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", body, tt.wantBody)
			}
		})
	}
}

func TestTokenAuthFilter(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := NewTokenAuthFilter(func(ctx context.Context, token string) error {
		if token != "good" {
			return errors.New("token rejected")
		}
		return nil
	}, next)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "healthz is public", path: "/healthz", want: http.StatusOK},
		{name: "no token", path: "/api", want: http.StatusUnauthorized},
		{name: "basic auth", path: "/api", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad token", path: "/api", header: "Bearer bad", want: http.StatusUnauthorized},
		{name: "good token", path: "/api", header: "Bearer good", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRESTClient_Token(t *testing.T) {
	ctx := context.Background()
	backend, err := leveldb.Open(ctx, &leveldb.Options{Path: filepath.Join(t.TempDir(), "tracking.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()
	handler, err := NewHandler(ctx, backend, &Options{})
	if err != nil {
		t.Fatal(err)
	}
	protected := httptest.NewServer(NewTokenAuthFilter(func(ctx context.Context, token string) error {
		if token != "secret" {
			return errors.New("token rejected")
		}
		return nil
	}, handler))
	defer protected.Close()

	anonymous := rest.NewClient(&rest.Options{Addr: protected.URL})
	if _, err := anonymous.GetExperiment(ctx, "0"); !apierr.IsErrCode(err, apierr.ErrCodeUnauthorized) {
		t.Errorf("anonymous GetExperiment() error = %v, want %s", err, apierr.ErrCodeUnauthorized)
	}
	authorized := rest.NewClient(&rest.Options{Addr: protected.URL, Token: "secret"})
	exp, err := authorized.GetExperiment(ctx, "0")
	if err != nil {
		t.Fatalf("GetExperiment() error = %v", err)
	}
	if exp.Name != tracking.DefaultExperimentName {
		t.Errorf("GetExperiment() = %+v", exp)
	}
}
