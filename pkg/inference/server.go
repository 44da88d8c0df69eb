package inference

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"kubegems.io/modelkit/pkg/artifacts"
	"kubegems.io/modelkit/pkg/data"
	apierrors "kubegems.io/modelkit/pkg/errors"
	"kubegems.io/modelkit/pkg/server"
)

type ServerOptions struct {
	Listen string `json:"listen,omitempty" description:"listen address"`
	// ModelURI is served when a request does not name a model.
	ModelURI     string `json:"modelURI,omitempty" description:"uri of the default model"`
	CacheSize    int    `json:"cacheSize,omitempty" description:"number of loaded models kept in memory"`
	MaxBodyBytes int64  `json:"maxBodyBytes,omitempty" description:"max request body size"`
}

func NewDefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		Listen:       ":8080",
		CacheSize:    8,
		MaxBodyBytes: 10 * server.MaxBytesRead,
	}
}

type PredictionsResponse struct {
	Predictions *data.Frame `json:"predictions"`
}

// ScoringServer serves predictions of saved models over http. Loaded models are kept in an LRU keyed by uri.
type ScoringServer struct {
	Options  *ServerOptions
	Resolver artifacts.RunResolver

	loads singleflight.Group
	cache *lru.Cache[string, *LoadedModel]
	load  func(ctx context.Context, uri string, resolver artifacts.RunResolver) (*LoadedModel, error)
}

func NewScoringServer(opts *ServerOptions, resolver artifacts.RunResolver) (*ScoringServer, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[string, *LoadedModel](size)
	if err != nil {
		return nil, err
	}
	return &ScoringServer{Options: opts, Resolver: resolver, cache: cache, load: Load}, nil
}

// Model returns the loaded model of uri, loading it once for concurrent callers.
func (s *ScoringServer) Model(ctx context.Context, uri string) (*LoadedModel, error) {
	if uri == "" {
		uri = s.Options.ModelURI
	}
	if uri == "" {
		return nil, apierrors.NewInvalidParameterError("no model uri given and no default model configured")
	}
	if m, ok := s.cache.Get(uri); ok {
		return m, nil
	}
	v, err, _ := s.loads.Do(uri, func() (any, error) {
		m, err := s.load(ctx, uri, s.Resolver)
		if err != nil {
			return nil, err
		}
		s.cache.Add(uri, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*LoadedModel), nil
}

func (s *ScoringServer) Handler(ctx context.Context) http.Handler {
	log := logr.FromContextOrDiscard(ctx)
	r := mux.NewRouter()
	r.Methods(http.MethodGet).Path("/ping").HandlerFunc(s.Ping)
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.Ping)
	r.Methods(http.MethodPost).Path("/invocations").HandlerFunc(s.Invocations)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.ResponseError(w, apierrors.ErrorInfo{
			HttpStatus: http.StatusNotFound,
			Code:       apierrors.ErrCodeBadRequest,
			Message:    fmt.Sprintf("%s %s is not an endpoint of the scoring server", r.Method, r.URL.Path),
		})
	})
	var handler http.Handler = r
	if s.Options.MaxBodyBytes > 0 {
		handler = server.MaxBytesReadHandler(handler, s.Options.MaxBodyBytes)
	}
	handler = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(handler)
	return server.LoggingFilter(log, handler)
}

// Ping loads the default model when there is one, so it fails until the model can be served.
func (s *ScoringServer) Ping(w http.ResponseWriter, r *http.Request) {
	if s.Options.ModelURI != "" {
		if _, err := s.Model(r.Context(), ""); err != nil {
			server.ResponseError(w, err)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "\n")
}

// Invocations predicts on the json body; the "model" query selects a model other than the default.
func (s *ScoringServer) Invocations(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
		server.ResponseError(w, apierrors.ErrorInfo{
			HttpStatus: http.StatusUnsupportedMediaType,
			Code:       apierrors.ErrCodeBadRequest,
			Message:    fmt.Sprintf("this predictor only supports the application/json content type, got %s", ct),
		})
		return
	}
	m, err := s.Model(r.Context(), r.URL.Query().Get("model"))
	if err != nil {
		server.ResponseError(w, err)
		return
	}
	content, err := io.ReadAll(r.Body)
	if err != nil {
		server.ResponseError(w, apierrors.NewBadRequestError(err))
		return
	}
	input, err := ParseInput(content, m.Descriptor.GetInputSchema())
	if err != nil {
		server.ResponseError(w, err)
		return
	}
	predictions, err := m.Predict(r.Context(), input)
	if err != nil {
		server.ResponseError(w, err)
		return
	}
	server.ResponseOK(w, PredictionsResponse{Predictions: predictions})
}

// Run serves until ctx is done.
func (s *ScoringServer) Run(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)
	if s.Options.ModelURI != "" {
		if _, err := s.Model(ctx, ""); err != nil {
			return fmt.Errorf("load model %s: %w", s.Options.ModelURI, err)
		}
	}
	srv := http.Server{
		Addr:    s.Options.Listen,
		Handler: s.Handler(ctx),
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	log.Info("scoring server listening", "http", s.Options.Listen, "model", s.Options.ModelURI)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
