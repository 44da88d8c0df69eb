package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"kubegems.io/modelkit/pkg/tracking/rest"
)

func (s *Server) route() http.Handler {
	mux := mux.NewRouter()
	mux = mux.StrictSlash(true)
	// healthy
	mux.Methods("GET").Path("/healthz").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	api := mux.PathPrefix(rest.APIPrefix).Subrouter()
	// experiments
	experiments := api.PathPrefix("/experiments").Subrouter()
	experiments.Methods("POST").Path("/create").HandlerFunc(s.CreateExperiment)
	experiments.Methods("GET").Path("/get").HandlerFunc(s.GetExperiment)
	experiments.Methods("GET").Path("/get-by-name").HandlerFunc(s.GetExperimentByName)
	experiments.Methods("GET").Path("/list").HandlerFunc(s.ListExperiments)
	// runs
	runs := api.PathPrefix("/runs").Subrouter()
	runs.Methods("POST").Path("/create").HandlerFunc(s.CreateRun)
	runs.Methods("GET").Path("/get").HandlerFunc(s.GetRun)
	runs.Methods("POST").Path("/update").HandlerFunc(s.UpdateRun)
	runs.Methods("POST").Path("/log-batch").HandlerFunc(s.LogBatch)
	runs.Methods("POST").Path("/search").HandlerFunc(s.SearchRuns)
	runs.Methods("POST").Path("/delete").HandlerFunc(s.DeleteRun)
	// metrics
	api.Methods("GET").Path("/metrics/get-history").HandlerFunc(s.GetMetricHistory)

	mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ResponseError(w, notFoundEndpoint(r))
	})
	return mux
}
