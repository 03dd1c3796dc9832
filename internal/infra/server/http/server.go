// Package httpserver exposes the offline queue control API.
package httpserver

import (
	"context"
	"errors"
	"log"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/offqueue/errs"
	"github.com/coachpo/offqueue/internal/app/connectivity"
	"github.com/coachpo/offqueue/internal/app/status"
	"github.com/coachpo/offqueue/internal/app/syncer"
	"github.com/coachpo/offqueue/internal/domain/action"
	"github.com/coachpo/offqueue/internal/domain/actionstore"
	"github.com/coachpo/offqueue/lib/clock"
	"github.com/coachpo/offqueue/lib/ratelimit"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	actionsPath        = "/actions"
	pendingActionsPath = "/actions/pending"
	syncPath           = "/sync"
	syncStatusPath     = "/sync/status"
	syncStreamPath     = "/sync/stream"
	connectivityPath   = "/connectivity"
	healthPath         = "/healthz"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Coordinator is the subset of the sync coordinator the API drives.
type Coordinator interface {
	SyncNow(ctx context.Context) syncer.Result
	Status(ctx context.Context) (syncer.Snapshot, error)
	Running() bool
	Broadcaster() *status.Broadcaster
}

// Options wires the handler to the queue.
type Options struct {
	Store        actionstore.Store
	Coordinator  Coordinator
	Connectivity connectivity.Source
	// SyncLimit gates POST /sync. Nil admits every request.
	SyncLimit *ratelimit.RateLimiter
	// StatusCacheTTL throttles snapshot reads behind GET /sync/status.
	StatusCacheTTL time.Duration
	Clock          clock.Clock
	Logger         *log.Logger
}

type httpServer struct {
	store        actionstore.Store
	coordinator  Coordinator
	connectivity connectivity.Source
	syncLimit    *ratelimit.RateLimiter
	clock        clock.Clock
	logger       *log.Logger
	snapshot     func(context.Context) snapshotResult
}

type snapshotResult struct {
	snapshot syncer.Snapshot
	err      error
}

type createActionPayload struct {
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload"`
	DeviceFingerprint string          `json:"deviceFingerprint"`
}

type connectivityPayload struct {
	Online *bool `json:"online"`
}

type statusResponse struct {
	syncer.Snapshot
	Syncing bool          `json:"syncing"`
	Current status.Status `json:"current"`
}

// NewHandler creates the control API handler.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.Store == nil {
		return nil, errors.New("httpserver: store required")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("httpserver: coordinator required")
	}
	if opts.Connectivity == nil {
		return nil, errors.New("httpserver: connectivity source required")
	}
	server := &httpServer{
		store:        opts.Store,
		coordinator:  opts.Coordinator,
		connectivity: opts.Connectivity,
		syncLimit:    opts.SyncLimit,
		clock:        clock.OrReal(opts.Clock),
		logger:       opts.Logger,
	}
	server.snapshot = ratelimit.Throttle(func(ctx context.Context) snapshotResult {
		snap, err := server.coordinator.Status(ctx)
		return snapshotResult{snapshot: snap, err: err}
	}, opts.StatusCacheTTL, ratelimit.WithClock(server.clock))

	mux := http.NewServeMux()
	mux.Handle(actionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.createAction,
	}))
	mux.Handle(pendingActionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listPending,
	}))
	mux.Handle(syncPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.triggerSync,
	}))
	mux.Handle(syncStatusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStatus,
	}))
	mux.Handle(syncStreamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamStatus,
	}))
	mux.Handle(connectivityPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getConnectivity,
		http.MethodPut: server.setConnectivity,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux), nil
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) createAction(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload createActionPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	typ, err := action.ParseType(payload.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.Message(err))
		return
	}
	if len(payload.Payload) == 0 || string(payload.Payload) == "null" {
		writeError(w, http.StatusBadRequest, "payload required")
		return
	}
	queued, err := action.New(typ, payload.Payload, strings.TrimSpace(payload.DeviceFingerprint), s.clock.Now())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.store.Append(r.Context(), queued); err != nil {
		s.writeErr(w, err)
		return
	}
	s.logf("action queued: id=%s type=%s", queued.ID, queued.Type)
	writeJSON(w, http.StatusCreated, queued)
}

func (s *httpServer) listPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.ListPending(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if pending == nil {
		pending = []action.PendingAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": pending, "count": len(pending)})
}

func (s *httpServer) triggerSync(w http.ResponseWriter, r *http.Request) {
	if s.syncLimit != nil && !s.syncLimit.Allow() {
		wait := s.syncLimit.TimeUntilAllowed()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
		writeError(w, http.StatusTooManyRequests, "sync rate limit exceeded")
		return
	}
	// A client that disconnects mid-run must not abort the pass.
	result := s.coordinator.SyncNow(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, result)
}

func (s *httpServer) getStatus(w http.ResponseWriter, r *http.Request) {
	res := s.snapshot(r.Context())
	if res.err != nil {
		s.writeErr(w, res.err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Snapshot: res.snapshot,
		Syncing:  s.coordinator.Running(),
		Current:  s.coordinator.Broadcaster().Last(),
	})
}

func (s *httpServer) getConnectivity(w http.ResponseWriter, _ *http.Request) {
	_, manual := s.connectivity.(*connectivity.Manual)
	writeJSON(w, http.StatusOK, map[string]any{"online": s.connectivity.Online(), "manual": manual})
}

func (s *httpServer) setConnectivity(w http.ResponseWriter, r *http.Request) {
	manual, ok := s.connectivity.(*connectivity.Manual)
	if !ok {
		writeError(w, http.StatusConflict, "connectivity is probed and cannot be set")
		return
	}
	limitRequestBody(w, r)
	var payload connectivityPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.Online == nil {
		writeError(w, http.StatusBadRequest, "online required")
		return
	}
	manual.Set(*payload.Online)
	s.logf("connectivity set: online=%t", *payload.Online)
	writeJSON(w, http.StatusOK, map[string]any{"online": manual.Online()})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) writeErr(w http.ResponseWriter, err error) {
	code := statusForError(err)
	if code >= http.StatusInternalServerError {
		s.logf("request failed: err=%v", err)
	}
	writeError(w, code, errs.Message(err))
}

func (s *httpServer) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func statusForError(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid, errs.CodeValidationRejected:
		return http.StatusBadRequest
	case errs.CodeConflict, errs.CodeAlreadySyncing:
		return http.StatusConflict
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeStoreUnavailable, errs.CodeOffline:
		return http.StatusServiceUnavailable
	case errs.CodeDispatchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func retryAfterSeconds(wait time.Duration) int {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
