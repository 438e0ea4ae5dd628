package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/amphorastore/amphora/pkg/backend"
	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/log"
	"github.com/amphorastore/amphora/pkg/metrics"
)

// Server is the HTTP front of the storage backend.
type Server struct {
	backend *backend.Backend
	router  *mux.Router
	http    *http.Server
}

// NewServer builds the router over the backend.
func NewServer(b *backend.Backend, addr string) *Server {
	s := &Server{backend: b}
	r := mux.NewRouter()
	r.Use(s.logMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/public/{token}", s.handlePublic).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(authMiddleware)

	v1.HandleFunc("/{account}", s.handleAccountHead).Methods(http.MethodHead)
	v1.HandleFunc("/{account}", s.handleAccountGet).Methods(http.MethodGet)
	v1.HandleFunc("/{account}", s.handleAccountPost).Methods(http.MethodPost)
	v1.HandleFunc("/{account}", s.handleAccountDelete).Methods(http.MethodDelete)

	v1.HandleFunc("/{account}/{container}", s.handleContainerHead).Methods(http.MethodHead)
	v1.HandleFunc("/{account}/{container}", s.handleContainerGet).Methods(http.MethodGet)
	v1.HandleFunc("/{account}/{container}", s.handleContainerPut).Methods(http.MethodPut)
	v1.HandleFunc("/{account}/{container}", s.handleContainerPost).Methods(http.MethodPost)
	v1.HandleFunc("/{account}/{container}", s.handleContainerDelete).Methods(http.MethodDelete)

	obj := "/{account}/{container}/{name:.+}"
	v1.HandleFunc(obj, s.handleObjectHead).Methods(http.MethodHead)
	v1.HandleFunc(obj, s.handleObjectGet).Methods(http.MethodGet)
	v1.HandleFunc(obj, s.handleObjectPut).Methods(http.MethodPut)
	v1.HandleFunc(obj, s.handleObjectPost).Methods(http.MethodPost)
	v1.HandleFunc(obj, s.handleObjectDelete).Methods(http.MethodDelete)

	s.router = r
	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until Shutdown.
func (s *Server) Start() error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.http.Addr).Msg("api server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		logger := log.WithComponent("api")
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Msg("request")
	})
}

type contextKey string

const userKey contextKey = "user"

func authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-Auth-User")
		if user == "" {
			writeJSON(w, http.StatusUnauthorized,
				map[string]string{"error": "missing X-Auth-User header"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func requestUser(r *http.Request) string {
	user, _ := r.Context().Value(userKey).(string)
	return user
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps a fault kind to its HTTP status. A conflict carrying
// missing block hashes ships them so the client can upload and retry.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.NotAllowed:
		status = http.StatusForbidden
	case faults.NotFound, faults.VersionNotExists:
		status = http.StatusNotFound
	case faults.Conflict:
		status = http.StatusConflict
	case faults.QuotaExceeded:
		status = http.StatusRequestEntityTooLarge
	case faults.BadRequest, faults.InvalidHash:
		status = http.StatusBadRequest
	case faults.IllegalOperation:
		status = http.StatusUnprocessableEntity
	}

	body := map[string]interface{}{"error": err.Error()}
	if missing := faults.MissingOf(err); len(missing) > 0 {
		body["missing"] = missing
	}
	if info := faults.QuotaInfoOf(err); info != nil {
		body["quota"] = info
	}
	if status == http.StatusInternalServerError {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("internal error")
	}
	writeJSON(w, status, body)
}

func queryInt(r *http.Request, key string) int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// checkConditional enforces If-Match, If-None-Match, If-Modified-Since
// and If-Unmodified-Since against the entity's etag and modification
// time. It answers the request itself and returns true when a
// precondition settles it.
func checkConditional(w http.ResponseWriter, r *http.Request, etag string,
	modified time.Time) bool {

	if etag != "" {
		if im := r.Header.Get("If-Match"); im != "" && im != "*" && !etagMatch(im, etag) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return true
		}
		if inm := r.Header.Get("If-None-Match"); inm != "" &&
			(inm == "*" || etagMatch(inm, etag)) {
			w.Header().Set("ETag", etag)
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}
	// HTTP dates carry second precision
	modified = modified.Truncate(time.Second)
	if ius := r.Header.Get("If-Unmodified-Since"); ius != "" {
		if t, err := http.ParseTime(ius); err == nil && modified.After(t) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return true
		}
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !modified.After(t) {
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}
	return false
}

func etagMatch(header, etag string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.Trim(strings.TrimSpace(part), `"`) == etag {
			return true
		}
	}
	return false
}
