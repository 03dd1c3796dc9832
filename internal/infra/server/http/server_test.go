package httpserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/offqueue/errs"
	"github.com/coachpo/offqueue/internal/app/connectivity"
	"github.com/coachpo/offqueue/internal/app/dispatch"
	"github.com/coachpo/offqueue/internal/app/status"
	"github.com/coachpo/offqueue/internal/app/syncer"
	"github.com/coachpo/offqueue/internal/app/validator"
	"github.com/coachpo/offqueue/internal/domain/action"
	"github.com/coachpo/offqueue/internal/infra/persistence/memory"
	"github.com/coachpo/offqueue/lib/clock"
	"github.com/coachpo/offqueue/lib/ratelimit"
)

var now = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

type apiFixture struct {
	clock       *clock.Fake
	store       *memory.Store
	conn        *connectivity.Manual
	coordinator *syncer.Coordinator
	dispatched  []string
	handler     http.Handler
}

// newAPIFixture builds the API over an in-memory queue. maxSyncCalls <= 0 leaves
// POST /sync unlimited.
func newAPIFixture(t *testing.T, maxSyncCalls int, ttl time.Duration) *apiFixture {
	t.Helper()
	f := &apiFixture{
		clock: clock.NewFake(now),
		store: memory.NewStore(),
		conn:  connectivity.NewManual(true),
	}
	coord, err := syncer.New(syncer.Deps{
		Store:     f.store,
		LastSync:  memory.NewLastSyncStore(),
		Validator: validator.New(validator.DefaultConfig()),
		Dispatcher: dispatch.HandlerFunc(func(_ context.Context, a action.PendingAction) error {
			f.dispatched = append(f.dispatched, a.ID)
			return nil
		}),
		Connectivity: f.conn,
		Clock:        f.clock,
	}, syncer.Config{})
	require.NoError(t, err)
	f.coordinator = coord

	var limit *ratelimit.RateLimiter
	if maxSyncCalls > 0 {
		limit = ratelimit.NewRateLimiter(maxSyncCalls, time.Minute, ratelimit.WithClock(f.clock))
	}
	handler, err := NewHandler(Options{
		Store:          f.store,
		Coordinator:    coord,
		Connectivity:   f.conn,
		SyncLimit:      limit,
		StatusCacheTTL: ttl,
		Clock:          f.clock,
	})
	require.NoError(t, err)
	f.handler = handler
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestCreateActionQueuesPendingAction(t *testing.T) {
	f := newAPIFixture(t, 0, 0)

	rec := f.do(t, http.MethodPost, actionsPath,
		`{"type":"progress_update","payload":{"journeyId":"j1","stage":"learner","progress":25},"deviceFingerprint":" dev-9 "}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created action.PendingAction
	decodeBody(t, rec, &created)
	require.Equal(t, action.TypeProgressUpdate, created.Type)
	require.Equal(t, action.StatePending, created.State)
	require.Equal(t, "dev-9", created.DeviceFingerprint)
	require.True(t, created.Timestamp.Equal(now))

	rec = f.do(t, http.MethodGet, pendingActionsPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Actions []action.PendingAction `json:"actions"`
		Count   int                    `json:"count"`
	}
	decodeBody(t, rec, &listed)
	require.Equal(t, 1, listed.Count)
	require.Equal(t, created.ID, listed.Actions[0].ID)
	require.JSONEq(t, `{"journeyId":"j1","stage":"learner","progress":25}`, string(listed.Actions[0].Payload))
}

func TestCreateActionRejectsBadRequests(t *testing.T) {
	f := newAPIFixture(t, 0, 0)

	cases := map[string]string{
		"unknown type":    `{"type":"refund","payload":{}}`,
		"missing payload": `{"type":"credit_update"}`,
		"null payload":    `{"type":"credit_update","payload":null}`,
		"unknown field":   `{"type":"credit_update","payload":{},"extra":1}`,
		"malformed":       `{"type":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, actionsPath, body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	require.Equal(t, 0, f.store.Len())
}

func TestEmptyPendingListIsArray(t *testing.T) {
	f := newAPIFixture(t, 0, 0)
	rec := f.do(t, http.MethodGet, pendingActionsPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"actions":[],"count":0}`, rec.Body.String())
}

func TestTriggerSyncDrainsQueue(t *testing.T) {
	f := newAPIFixture(t, 0, 0)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, actionsPath,
		`{"type":"credit_update","payload":{"amount":"5","reason":"streak"}}`).Code)

	rec := f.do(t, http.MethodPost, syncPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result syncer.Result
	decodeBody(t, rec, &result)
	require.True(t, result.Success)
	require.Equal(t, 1, result.Synced)
	require.Len(t, f.dispatched, 1)
}

// ctxCoordinator records the context SyncNow receives.
type ctxCoordinator struct {
	broadcaster *status.Broadcaster
	syncCtxErr  error
}

func (c *ctxCoordinator) SyncNow(ctx context.Context) syncer.Result {
	c.syncCtxErr = ctx.Err()
	return syncer.Result{Success: true, Errors: []string{}}
}

func (c *ctxCoordinator) Status(context.Context) (syncer.Snapshot, error) {
	return syncer.Snapshot{}, nil
}

func (c *ctxCoordinator) Running() bool {
	return false
}

func (c *ctxCoordinator) Broadcaster() *status.Broadcaster {
	return c.broadcaster
}

func TestTriggerSyncDetachesFromClientDisconnect(t *testing.T) {
	coord := &ctxCoordinator{broadcaster: status.NewBroadcaster(nil)}
	handler, err := NewHandler(Options{
		Store:        memory.NewStore(),
		Coordinator:  coord,
		Connectivity: connectivity.NewManual(true),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, syncPath, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, coord.syncCtxErr)
}

func TestTriggerSyncIsRateLimited(t *testing.T) {
	f := newAPIFixture(t, 2, 0)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, syncPath, "").Code)
	f.clock.Advance(10 * time.Second)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, syncPath, "").Code)

	rec := f.do(t, http.MethodPost, syncPath, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "50", rec.Header().Get("Retry-After"))

	f.clock.Advance(time.Minute)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, syncPath, "").Code)
}

func TestStatusIsThrottled(t *testing.T) {
	f := newAPIFixture(t, 0, 5*time.Second)

	rec := f.do(t, http.MethodGet, syncStatusPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var first map[string]any
	decodeBody(t, rec, &first)
	require.Equal(t, true, first["online"])
	require.EqualValues(t, 0, first["pendingItems"])
	require.Nil(t, first["lastSync"])
	require.Equal(t, false, first["syncing"])

	a, err := action.New(action.TypeProgressUpdate, action.ProgressUpdate{JourneyID: "j"}, "", now)
	require.NoError(t, err)
	require.NoError(t, f.store.Append(context.Background(), a))

	var cached map[string]any
	decodeBody(t, f.do(t, http.MethodGet, syncStatusPath, ""), &cached)
	require.EqualValues(t, 0, cached["pendingItems"])

	f.clock.Advance(5 * time.Second)
	var fresh map[string]any
	decodeBody(t, f.do(t, http.MethodGet, syncStatusPath, ""), &fresh)
	require.EqualValues(t, 1, fresh["pendingItems"])
}

func TestConnectivityToggle(t *testing.T) {
	f := newAPIFixture(t, 0, 0)

	rec := f.do(t, http.MethodPut, connectivityPath, `{"online":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"online":false}`, rec.Body.String())
	require.False(t, f.conn.Online())

	var result syncer.Result
	decodeBody(t, f.do(t, http.MethodPost, syncPath, ""), &result)
	require.False(t, result.Success)
	require.Equal(t, []string{syncer.MsgOffline}, result.Errors)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, connectivityPath, `{}`).Code)

	rec = f.do(t, http.MethodGet, connectivityPath, "")
	require.JSONEq(t, `{"online":false,"manual":true}`, rec.Body.String())
}

type probedSource struct{}

func (probedSource) Online() bool { return true }

func (probedSource) OnOnline(func()) func() { return func() {} }

func TestConnectivityCannotBeSetWhenProbed(t *testing.T) {
	f := newAPIFixture(t, 0, 0)
	handler, err := NewHandler(Options{Store: f.store, Coordinator: f.coordinator, Connectivity: probedSource{}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, connectivityPath, bytes.NewReader([]byte(`{"online":true}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestMethodNotAllowedAndHealth(t *testing.T) {
	f := newAPIFixture(t, 0, 0)

	rec := f.do(t, http.MethodDelete, syncPath, "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))

	rec = f.do(t, http.MethodOptions, actionsPath, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, healthPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusStreamRelaysPublishedStatuses(t *testing.T) {
	f := newAPIFixture(t, 0, 0)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, srv.URL+syncStreamPath, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	read := func() status.Status {
		t.Helper()
		typ, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, websocket.MessageText, typ)
		var st status.Status
		require.NoError(t, json.Unmarshal(data, &st))
		return st
	}

	require.Equal(t, status.Idle(), read())

	result := f.coordinator.SyncPendingItems(context.Background())
	require.True(t, result.Success)
	require.Equal(t, status.Syncing(0), read())
	require.Equal(t, status.Success(), read())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		return f.coordinator.Broadcaster().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errs.New("t", errs.CodeInvalid), http.StatusBadRequest},
		{errs.New("t", errs.CodeConflict), http.StatusConflict},
		{errs.New("t", errs.CodeNotFound), http.StatusNotFound},
		{errs.New("t", errs.CodeStoreUnavailable), http.StatusServiceUnavailable},
		{errs.New("t", errs.CodeDispatchFailed), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusForError(tc.err), tc.err.Error())
	}
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	require.Equal(t, 1, retryAfterSeconds(0))
	require.Equal(t, 1, retryAfterSeconds(200*time.Millisecond))
	require.Equal(t, 3, retryAfterSeconds(2100*time.Millisecond))
}

func TestNewHandlerRequiresCollaborators(t *testing.T) {
	_, err := NewHandler(Options{})
	require.Error(t, err)
}
