package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/netdump/netdump/pkg/meta"
	"github.com/netdump/netdump/pkg/util"
)

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to write status response")
	}
}

func NewRouter(s *DataServer) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	router.Methods("GET").Path("/ping").Handler(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Write([]byte("pong"))
	}))
	router.Methods("GET").Path("/v1/version").Handler(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		writeJSON(rw, http.StatusOK, meta.GetVersion())
	}))
	router.Methods("GET").Path("/v1/sessions").Handler(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]interface{}{
			"data": s.Sessions(),
		})
	}))
	router.Methods("GET").Path("/v1/sessions/{id}").Handler(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		status, ok := s.Session(id)
		if !ok {
			writeJSON(rw, http.StatusNotFound, map[string]string{
				"error": "session " + id + " not found",
			})
			return
		}
		writeJSON(rw, http.StatusOK, status)
	}))

	return router
}

// NewStatusHandler wraps the router with an access log that skips health checks.
func NewStatusHandler(s *DataServer, accessLog io.Writer) http.Handler {
	return util.FilteredLoggingHandler(map[string]struct{}{
		"/ping":       {},
		"/v1/version": {},
	}, accessLog, NewRouter(s))
}
