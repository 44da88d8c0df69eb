package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-logr/logr"
	"github.com/gorilla/handlers"

	apierr "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/tracking"
	"kubegems.io/modelkit/pkg/tracking/rest"
	"kubegems.io/modelkit/pkg/tracking/store"
)

func Run(ctx context.Context, opts *Options) error {
	log := logr.FromContextOrDiscard(ctx)

	backend, err := store.Open(ctx, opts.Store)
	if err != nil {
		return fmt.Errorf("open tracking store: %w", err)
	}
	defer backend.Close()

	handler, err := NewHandler(ctx, backend, opts)
	if err != nil {
		return err
	}
	server := http.Server{
		Addr:    opts.Listen,
		Handler: handler,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()
	if opts.TLS.CertFile != "" && opts.TLS.KeyFile != "" {
		tlsconfig, err := opts.TLS.ToTLSConfig()
		if err != nil {
			return err
		}
		server.TLSConfig = tlsconfig
		log.Info("tracking server listening", "https", opts.Listen)
		err = server.ListenAndServeTLS("", "")
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
	log.Info("tracking server listening", "http", opts.Listen)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// NewHandler builds the http handler of the tracking api with logging, body limit and optional OIDC auth.
func NewHandler(ctx context.Context, backend tracking.Store, opts *Options) (http.Handler, error) {
	log := logr.FromContextOrDiscard(ctx)
	s := &Server{Store: backend}
	handler := s.route()
	if opts.MaxBodyBytes > 0 {
		handler = MaxBytesReadHandler(handler, opts.MaxBodyBytes)
	}
	if opts.OIDC != nil && opts.OIDC.Issuer != "" {
		filtered, err := NewOIDCAuthFilter(ctx, opts.OIDC.Issuer, handler)
		if err != nil {
			return nil, fmt.Errorf("oidc provider: %w", err)
		}
		handler = filtered
	}
	handler = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{log: log}))(handler)
	handler = LoggingFilter(log, handler)
	return handler, nil
}

type recoveryLogger struct {
	log logr.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.log.Error(fmt.Errorf("%s", fmt.Sprint(v...)), "panic serving request")
}

func (t *TLSOptions) ToTLSConfig() (*tls.Config, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, err
	}
	config := &tls.Config{ClientCAs: pool}
	if t.CAFile != "" {
		capem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, err
		}
		config.ClientCAs.AppendCertsFromPEM(capem)
	}
	certificate, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, err
	}
	config.Certificates = append(config.Certificates, certificate)
	return config, nil
}

// Server exposes a tracking.Store over http.
type Server struct {
	Store tracking.Store
}

func (s *Server) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	req := rest.CreateExperimentRequest{}
	if err := DecodeRequest(r, &req); err != nil {
		ResponseError(w, err)
		return
	}
	id, err := s.Store.CreateExperiment(r.Context(), req.Name, req.ArtifactLocation, req.Tags)
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, rest.CreateExperimentResponse{ExperimentID: id})
}

func (s *Server) GetExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := requiredQuery(r, "experiment_id")
	if err != nil {
		ResponseError(w, err)
		return
	}
	exp, err := s.Store.GetExperiment(r.Context(), id)
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, rest.ExperimentResponse{Experiment: *exp})
}

func (s *Server) GetExperimentByName(w http.ResponseWriter, r *http.Request) {
	name, err := requiredQuery(r, "experiment_name")
	if err != nil {
		ResponseError(w, err)
		return
	}
	exp, err := s.Store.GetExperimentByName(r.Context(), name)
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, rest.ExperimentResponse{Experiment: *exp})
}

func (s *Server) ListExperiments(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListExperiments(r.Context())
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, rest.ListExperimentsResponse{Experiments: list})
}

func (s *Server) CreateRun(w http.ResponseWriter, r *http.Request) {
	req := rest.CreateRunRequest{}
	if err := DecodeRequest(r, &req); err != nil {
		ResponseError(w, err)
		return
	}
	run, err := s.Store.CreateRun(r.Context(), req.ExperimentID, tracking.CreateRunOptions{
		RunName:   req.RunName,
		UserID:    req.UserID,
		StartTime: req.StartTime,
		Tags:      req.Tags,
	})
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, rest.RunResponse{Run: *run})
}

func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := requiredQuery(r, "run_id")
	if err != nil {
		ResponseError(w, err)
		return
	}
	run, err := s.Store.GetRun(r.Context(), runID)
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, rest.RunResponse{Run: *run})
}

func (s *Server) UpdateRun(w http.ResponseWriter, r *http.Request) {
	req := rest.UpdateRunRequest{}
	if err := DecodeRequest(r, &req); err != nil {
		ResponseError(w, err)
		return
	}
	info, err := s.Store.UpdateRunInfo(r.Context(), req.RunID, req.Status, req.EndTime, req.RunName)
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, rest.UpdateRunResponse{RunInfo: *info})
}

func (s *Server) LogBatch(w http.ResponseWriter, r *http.Request) {
	req := rest.LogBatchRequest{}
	if err := DecodeRequest(r, &req); err != nil {
		ResponseError(w, err)
		return
	}
	if err := s.Store.LogBatch(r.Context(), req.RunID, req.Metrics, req.Params, req.Tags); err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, nil)
}

func (s *Server) GetMetricHistory(w http.ResponseWriter, r *http.Request) {
	runID, err := requiredQuery(r, "run_id")
	if err != nil {
		ResponseError(w, err)
		return
	}
	key, err := requiredQuery(r, "metric_key")
	if err != nil {
		ResponseError(w, err)
		return
	}
	metrics, err := s.Store.GetMetricHistory(r.Context(), runID, key)
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, rest.MetricHistoryResponse{Metrics: metrics})
}

func (s *Server) SearchRuns(w http.ResponseWriter, r *http.Request) {
	req := rest.SearchRunsRequest{}
	if err := DecodeRequest(r, &req); err != nil {
		ResponseError(w, err)
		return
	}
	runs, err := s.Store.SearchRuns(r.Context(), tracking.SearchRunsOptions{
		ExperimentIDs:  req.ExperimentIDs,
		Tags:           req.Tags,
		Status:         req.Status,
		MaxResults:     req.MaxResults,
		IncludeDeleted: req.IncludeDeleted,
	})
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, rest.SearchRunsResponse{Runs: runs})
}

func (s *Server) DeleteRun(w http.ResponseWriter, r *http.Request) {
	req := rest.DeleteRunRequest{}
	if err := DecodeRequest(r, &req); err != nil {
		ResponseError(w, err)
		return
	}
	if err := s.Store.DeleteRun(r.Context(), req.RunID); err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, nil)
}

func requiredQuery(r *http.Request, key string) (string, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return "", apierr.NewInvalidParameterError(fmt.Sprintf("missing value for required parameter '%s'", key))
	}
	return val, nil
}

func notFoundEndpoint(r *http.Request) error {
	return apierr.ErrorInfo{
		HttpStatus: http.StatusNotFound,
		Code:       apierr.ErrCodeBadRequest,
		Message:    fmt.Sprintf("endpoint %s %s not found", r.Method, r.URL.Path),
	}
}
