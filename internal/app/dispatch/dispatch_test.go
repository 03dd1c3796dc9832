package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/offqueue/errs"
	"github.com/coachpo/offqueue/internal/domain/action"
)

var created = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

type recorded struct {
	path     string
	body     string
	actionID string
	token    string
}

type backend struct {
	mu       sync.Mutex
	requests []recorded
	status   int
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.requests = append(b.requests, recorded{
		path:     r.URL.Path,
		body:     string(body),
		actionID: r.Header.Get(headerActionID),
		token:    r.Header.Get("Authorization"),
	})
	status := b.status
	b.mu.Unlock()
	if status == 0 {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"detail":"rejected"}`))
}

func newAction(t *testing.T, typ action.Type, payload any) action.PendingAction {
	t.Helper()
	a, err := action.New(typ, payload, "device-1", created)
	require.NoError(t, err)
	return a
}

func TestHTTPHandlerRoutesByType(t *testing.T) {
	be := &backend{}
	srv := httptest.NewServer(be)
	defer srv.Close()

	h, err := NewHTTPHandler(HTTPConfig{BaseURL: srv.URL + "/api/", Headers: map[string]string{"Authorization": "Bearer t"}}, srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	attempt := newAction(t, action.TypeJourneyAttempt, action.JourneyAttempt{JourneyID: "j1", Result: action.JourneyResult{Score: 80, TotalQuestions: 5, Duration: 90}})
	award := newAction(t, action.TypeCreditUpdate, action.CreditUpdate{Amount: decimal.RequireFromString("12.5"), Reason: "bonus"})
	deduct := newAction(t, action.TypeCreditUpdate, action.CreditUpdate{Amount: decimal.NewFromInt(-4), Reason: "hint"})
	progress := newAction(t, action.TypeProgressUpdate, action.ProgressUpdate{JourneyID: "j1", Stage: "learner", Progress: 40})

	for _, a := range []action.PendingAction{attempt, award, deduct, progress} {
		require.NoError(t, h.Dispatch(ctx, a))
	}

	require.Len(t, be.requests, 4)
	require.Equal(t, "/api"+RouteJourneyAttempts, be.requests[0].path)
	require.Equal(t, attempt.ID, be.requests[0].actionID)
	require.Equal(t, "Bearer t", be.requests[0].token)

	require.Equal(t, "/api"+RouteCreditsAward, be.requests[1].path)
	require.JSONEq(t, `{"amount":"12.5","reason":"bonus"}`, be.requests[1].body)

	require.Equal(t, "/api"+RouteCreditsDeduct, be.requests[2].path)
	require.JSONEq(t, `{"amount":"4","reason":"hint"}`, be.requests[2].body)

	require.Equal(t, "/api"+RouteProgress, be.requests[3].path)
	var sent action.ProgressUpdate
	require.NoError(t, json.Unmarshal([]byte(be.requests[3].body), &sent))
	require.Equal(t, 40.0, sent.Progress)
}

func TestZeroCreditIsDeduction(t *testing.T) {
	a := newAction(t, action.TypeCreditUpdate, action.CreditUpdate{Amount: decimal.Zero})
	route, _, err := Route(a)
	require.NoError(t, err)
	require.Equal(t, RouteCreditsDeduct, route)
}

func TestHTTPHandlerNon2xxIsFailure(t *testing.T) {
	be := &backend{status: http.StatusBadGateway}
	srv := httptest.NewServer(be)
	defer srv.Close()

	h, err := NewHTTPHandler(HTTPConfig{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	a := newAction(t, action.TypeProgressUpdate, action.ProgressUpdate{JourneyID: "j"})

	err = h.Dispatch(context.Background(), a)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeDispatchFailed))
	require.Equal(t, "backend returned status 502", errs.Message(err))
	var e *errs.E
	require.True(t, errors.As(err, &e))
	require.Equal(t, http.StatusBadGateway, e.HTTP)
	require.Contains(t, e.Metadata["body"], "rejected")
	require.Equal(t, retryRemediation, e.Remediation)
}

func TestHTTPHandlerUndecodablePayload(t *testing.T) {
	h, err := NewHTTPHandler(HTTPConfig{BaseURL: "http://127.0.0.1:1"}, nil)
	require.NoError(t, err)
	a := newAction(t, action.TypeCreditUpdate, map[string]any{"amount": "5"})
	a.Payload = json.RawMessage(`{"amount": {}}`)
	err = h.Dispatch(context.Background(), a)
	require.True(t, errs.Is(err, errs.CodeDispatchFailed))
}

func TestHTTPHandlerPacesRequests(t *testing.T) {
	srv := httptest.NewServer(&backend{})
	defer srv.Close()

	h, err := NewHTTPHandler(HTTPConfig{BaseURL: srv.URL, RequestsPerSecond: 20, Burst: 1}, srv.Client())
	require.NoError(t, err)
	a := newAction(t, action.TypeProgressUpdate, action.ProgressUpdate{JourneyID: "j"})

	started := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Dispatch(context.Background(), a))
	}
	// Three requests at 20/s with burst 1 need at least two 50ms gaps.
	require.GreaterOrEqual(t, time.Since(started), 90*time.Millisecond)
}

func TestHTTPHandlerHonoursCancelledContext(t *testing.T) {
	srv := httptest.NewServer(&backend{})
	defer srv.Close()

	h, err := NewHTTPHandler(HTTPConfig{BaseURL: srv.URL, RequestsPerSecond: 0.001, Burst: 1}, srv.Client())
	require.NoError(t, err)
	a := newAction(t, action.TypeProgressUpdate, action.ProgressUpdate{JourneyID: "j"})
	require.NoError(t, h.Dispatch(context.Background(), a))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = h.Dispatch(ctx, a)
	require.True(t, errs.Is(err, errs.CodeDispatchFailed))
}

func TestNewHTTPHandlerValidatesBaseURL(t *testing.T) {
	_, err := NewHTTPHandler(HTTPConfig{}, nil)
	require.Error(t, err)
	_, err = NewHTTPHandler(HTTPConfig{BaseURL: "ftp://example.com"}, nil)
	require.Error(t, err)
}

func TestRegistryRoutesAndReportsMissingHandler(t *testing.T) {
	r := NewRegistry()
	var got []action.Type
	require.NoError(t, r.Register(action.TypeCreditUpdate, HandlerFunc(func(_ context.Context, a action.PendingAction) error {
		got = append(got, a.Type)
		return nil
	})))
	require.Error(t, r.Register("refund", HandlerFunc(func(context.Context, action.PendingAction) error { return nil })))
	require.Error(t, r.Register(action.TypeProgressUpdate, nil))

	ctx := context.Background()
	require.NoError(t, r.Dispatch(ctx, newAction(t, action.TypeCreditUpdate, map[string]any{"amount": "1"})))
	require.Equal(t, []action.Type{action.TypeCreditUpdate}, got)

	err := r.Dispatch(ctx, newAction(t, action.TypeProgressUpdate, action.ProgressUpdate{}))
	require.True(t, errs.Is(err, errs.CodeDispatchFailed))
	require.Equal(t, "no handler registered for progress_update", errs.Message(err))
}

func TestRegisterAll(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterAll(HandlerFunc(func(context.Context, action.PendingAction) error {
		return nil
	})))
	for _, typ := range action.Types() {
		_, ok := r.Handler(typ)
		require.True(t, ok, typ)
	}
}
