package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/cwygoda/enrichwatch/internal/domain"
	"github.com/cwygoda/enrichwatch/internal/monitoring"
	"github.com/cwygoda/enrichwatch/internal/worker"
)

// RetryController is the retry scheduler as seen by the server.
type RetryController interface {
	State() worker.RetryState
	LoadSnapshot(ctx context.Context) (domain.QueueSnapshot, []domain.FailedItem, error)
	RetryBatch(ctx context.Context, ids []string) error
	RetryOne(ctx context.Context, id string) error
	RetryAll(ctx context.Context) error
	SetPolicy(ctx context.Context, policy domain.RetryPolicy) (domain.RetryPolicy, error)
	SetAutoRetry(ctx context.Context, enabled bool) error
	ResetPolicy(ctx context.Context) (domain.RetryPolicy, error)
}

// JobWatcher starts and reads per-job pollers.
type JobWatcher interface {
	JobState(ctx context.Context, jobID string) (worker.JobState, error)
	Forget(jobID string) bool
}

// JobList exposes the job list poller state.
type JobList interface {
	State() worker.ListState
}

// Options configures a Server.
type Options struct {
	Addr string
	// Secret, when set, is required to sign every mutating request.
	Secret string
	// ThroughputPerMinute feeds the ETA estimate on /status. Zero omits it.
	ThroughputPerMinute float64
}

// Server is the HTTP status and control surface.
type Server struct {
	retry      RetryController
	jobs       JobWatcher
	list       JobList
	router     *mux.Router
	server     *http.Server
	secret     string
	throughput float64
	log        *logrus.Entry
}

// NewServer creates a new HTTP server.
func NewServer(retry RetryController, jobs JobWatcher, list JobList, opts Options, logger *logrus.Logger) *Server {
	s := &Server{
		retry:      retry,
		jobs:       jobs,
		list:       list,
		router:     mux.NewRouter(),
		secret:     opts.Secret,
		throughput: opts.ThroughputPerMinute,
		log:        logger.WithField("component", "http"),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.monitor)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", monitoring.MetricsHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/failed", s.handleFailed).Methods(http.MethodGet)
	s.router.HandleFunc("/policy", s.handleGetPolicy).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)

	control := s.router.NewRoute().Subrouter()
	control.Use(s.limitBody, s.verify)
	control.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	control.HandleFunc("/retry", s.handleRetry).Methods(http.MethodPost)
	control.HandleFunc("/retry/{id}", s.handleRetryOne).Methods(http.MethodPost)
	control.HandleFunc("/policy", s.handlePutPolicy).Methods(http.MethodPut)
	control.HandleFunc("/policy", s.handleResetPolicy).Methods(http.MethodDelete)
	control.HandleFunc("/auto-retry", s.handleAutoRetry).Methods(http.MethodPost)
	control.HandleFunc("/jobs/{id}", s.handleForgetJob).Methods(http.MethodDelete)
}

// retryRequest is the request body for POST /retry. No ids means all.
type retryRequest struct {
	IDs []string `json:"ids"`
}

// autoRetryRequest is the request body for POST /auto-retry.
type autoRetryRequest struct {
	Enabled *bool `json:"enabled"`
}

// statusResponse is the JSON response for GET /status.
type statusResponse struct {
	Snapshot    domain.QueueSnapshot `json:"snapshot"`
	Outstanding int                  `json:"outstanding"`
	ETA         string               `json:"eta,omitempty"`
	Eligible    int                  `json:"eligible"`
	CoolingDown int                  `json:"coolingDown"`
	AtLimit     int                  `json:"atLimit"`
	Policy      domain.RetryPolicy   `json:"policy"`
	Loading     bool                 `json:"loading"`
	InFlight    bool                 `json:"inFlight"`
	AutoRunning bool                 `json:"autoRunning"`
	LastError   string               `json:"lastError,omitempty"`
	LoadedAt    *time.Time           `json:"loadedAt,omitempty"`
	LastCycleAt *time.Time           `json:"lastCycleAt,omitempty"`
}

// failedResponse is the JSON response for GET /failed.
type failedResponse struct {
	Items    []domain.FailedItem  `json:"items"`
	Eligible []string             `json:"eligible"`
	NextAt   map[string]time.Time `json:"nextAt,omitempty"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.statusToResponse(s.retry.State()))
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	st := s.retry.State()
	s.writeJSON(w, http.StatusOK, failedResponse{
		Items:    st.Failed,
		Eligible: domain.IDs(st.Eligibility.Eligible),
		NextAt:   st.Eligibility.NextAt,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.retry.LoadSnapshot(r.Context()); err != nil {
		s.writeDomainError(w, "refresh", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.statusToResponse(s.retry.State()))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req retryRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	var err error
	if len(req.IDs) == 0 {
		err = s.retry.RetryAll(r.Context())
	} else {
		err = s.retry.RetryBatch(r.Context(), req.IDs)
	}
	if err != nil {
		s.writeDomainError(w, "retry", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.statusToResponse(s.retry.State()))
}

func (s *Server) handleRetryOne(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.retry.RetryOne(r.Context(), id); err != nil {
		s.writeDomainError(w, "retry one", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.statusToResponse(s.retry.State()))
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.retry.State().Policy)
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	policy := s.retry.State().Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	saved, err := s.retry.SetPolicy(r.Context(), policy)
	if err != nil {
		s.writeDomainError(w, "set policy", err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleResetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.retry.ResetPolicy(r.Context())
	if err != nil {
		s.writeDomainError(w, "reset policy", err)
		return
	}
	s.writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleAutoRetry(w http.ResponseWriter, r *http.Request) {
	var req autoRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := s.retry.SetAutoRetry(r.Context(), *req.Enabled); err != nil {
		s.writeDomainError(w, "set auto-retry", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.retry.State().Policy)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.jobs.JobState(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, "watch job", err)
		return
	}
	if st.Job == nil && st.NotFound {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleForgetJob(w http.ResponseWriter, r *http.Request) {
	if !s.jobs.Forget(mux.Vars(r)["id"]) {
		s.writeError(w, http.StatusNotFound, "job not watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.list.State())
}

func (s *Server) statusToResponse(st worker.RetryState) statusResponse {
	resp := statusResponse{
		Snapshot:    st.Snapshot,
		Outstanding: st.Snapshot.Outstanding(),
		Eligible:    len(st.Eligibility.Eligible),
		CoolingDown: st.Eligibility.CoolingDown,
		AtLimit:     st.Eligibility.AtLimit,
		Policy:      st.Policy,
		Loading:     st.Loading,
		InFlight:    st.InFlight,
		AutoRunning: st.AutoRunning,
		LastError:   st.LastError,
	}
	if eta := st.Snapshot.ETA(s.throughput); eta > 0 {
		resp.ETA = eta.String()
	}
	if !st.LoadedAt.IsZero() {
		resp.LoadedAt = &st.LoadedAt
	}
	if !st.LastCycleAt.IsZero() {
		resp.LastCycleAt = &st.LastCycleAt
	}
	return resp
}

// monitor records a span and a duration metric for every request.
func (s *Server) monitor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		ctx, span := monitoring.StartSpan(r.Context(), r.Method+" "+route, map[string]interface{}{
			"http.method": r.Method,
			"remote.addr": r.RemoteAddr,
		})
		defer span.End()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		monitoring.RecordHTTPRequest(r.Method, route, strconv.Itoa(rw.statusCode), time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// maxBodyBytes caps control request bodies.
const maxBodyBytes = 1 << 20

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// readBody reads the request body, writing the error response on failure.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

// verify checks the request signature on control routes when a secret is set.
func (s *Server) verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, ok := s.readBody(w, r)
		if !ok {
			return
		}
		if err := s.verifySignature(r, body); err != nil {
			s.log.WithError(err).Warn("Request verification failed")
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

const maxTimestampSkew = 5 * time.Minute

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	if !hmac.Equal([]byte(signature), []byte(Sign(timestamp, body, s.secret))) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Sign returns hex(SHA256("${timestamp}\n${body}\n${secret}")).
func Sign(timestamp string, body []byte, secret string) string {
	payload := fmt.Sprintf("%s\n%s\n%s", timestamp, string(body), secret)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNoItems):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrCycleInFlight):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, worker.ErrWatchLimit):
		s.log.WithError(err).Warnf("%s failed", op)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrTransport):
		s.log.WithError(err).Warnf("%s failed", op)
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.WithError(err).Errorf("%s failed", op)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port extracts the port from the address.
func (s *Server) Port() int {
	addr := s.server.Addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port, _ := strconv.Atoi(addr[idx+1:])
		return port
	}
	return 0
}
