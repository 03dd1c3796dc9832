// Package syncer drains the pending action queue through validation and dispatch.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/offqueue/errs"
	"github.com/coachpo/offqueue/internal/app/connectivity"
	"github.com/coachpo/offqueue/internal/app/dispatch"
	"github.com/coachpo/offqueue/internal/app/status"
	"github.com/coachpo/offqueue/internal/app/validator"
	"github.com/coachpo/offqueue/internal/domain/action"
	"github.com/coachpo/offqueue/internal/domain/actionstore"
	"github.com/coachpo/offqueue/internal/telemetry"
	"github.com/coachpo/offqueue/lib/clock"
	"github.com/coachpo/offqueue/lib/ratelimit"
)

// Messages reported in Result.Errors.
const (
	MsgAlreadySyncing = "Sync already in progress"
	MsgOffline        = "Device is offline"
	unknownError      = "Unknown error"
)

// Triggers recorded in logs and metrics.
const (
	TriggerDirect = "direct"
	TriggerAuto   = "auto"
	TriggerManual = "manual"
)

// DefaultRetention is how long synced actions are kept and how old an action may be
// when it is synced.
const DefaultRetention = validator.DefaultFreshnessWindow

// Result summarises one sync run.
type Result struct {
	Success bool     `json:"success"`
	Synced  int      `json:"synced"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

func skipped(message string) Result {
	return Result{Success: false, Errors: []string{message}}
}

// Snapshot is the externally visible queue state.
type Snapshot struct {
	Online       bool       `json:"online"`
	PendingItems int        `json:"pendingItems"`
	LastSync     *time.Time `json:"lastSync"`
}

// Config tunes the coordinator.
type Config struct {
	// Retention is the purge horizon for synced actions.
	Retention time.Duration
	// AutoSyncDebounce coalesces connectivity flapping. Zero syncs on every transition.
	AutoSyncDebounce time.Duration
}

// Deps are the collaborators of a Coordinator. Store, Validator, Dispatcher and
// Connectivity are required.
type Deps struct {
	Store        actionstore.Store
	LastSync     actionstore.LastSyncStore
	Validator    *validator.Validator
	Dispatcher   dispatch.Handler
	Connectivity connectivity.Source
	Status       *status.Broadcaster
	Clock        clock.Clock
	Logger       *log.Logger
}

// Coordinator runs sync passes. At most one pass runs at a time; overlapping
// calls return immediately with MsgAlreadySyncing.
type Coordinator struct {
	store      actionstore.Store
	lastSync   actionstore.LastSyncStore
	validator  *validator.Validator
	dispatcher dispatch.Handler
	conn       connectivity.Source
	status     *status.Broadcaster
	clock      clock.Clock
	logger     *log.Logger
	cfg        Config

	running atomic.Bool

	runs     metric.Int64Counter
	items    metric.Int64Counter
	duration metric.Float64Histogram
}

// New constructs a Coordinator.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("syncer: store required")
	}
	if deps.Validator == nil {
		return nil, errors.New("syncer: validator required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("syncer: dispatcher required")
	}
	if deps.Connectivity == nil {
		return nil, errors.New("syncer: connectivity source required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.AutoSyncDebounce < 0 {
		cfg.AutoSyncDebounce = 0
	}
	broadcaster := deps.Status
	if broadcaster == nil {
		broadcaster = status.NewBroadcaster(deps.Logger)
	}

	meter := otel.Meter("syncer")
	runs, _ := meter.Int64Counter(telemetry.MetricSyncRuns,
		metric.WithDescription("Sync runs by trigger and outcome"),
		metric.WithUnit("{run}"))
	items, _ := meter.Int64Counter(telemetry.MetricSyncItems,
		metric.WithDescription("Queued actions processed by sync runs"),
		metric.WithUnit("{action}"))
	duration, _ := meter.Float64Histogram(telemetry.MetricSyncDuration,
		metric.WithDescription("Wall time of a sync run"),
		metric.WithUnit("ms"))

	return &Coordinator{
		store:      deps.Store,
		lastSync:   deps.LastSync,
		validator:  deps.Validator,
		dispatcher: deps.Dispatcher,
		conn:       deps.Connectivity,
		status:     broadcaster,
		clock:      clock.OrReal(deps.Clock),
		logger:     deps.Logger,
		cfg:        cfg,
		runs:       runs,
		items:      items,
		duration:   duration,
	}, nil
}

// Broadcaster returns the broadcaster progress notifications are published on.
func (c *Coordinator) Broadcaster() *status.Broadcaster {
	return c.status
}

// Running reports whether a sync pass is in progress.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// SyncPendingItems drains the queue once.
func (c *Coordinator) SyncPendingItems(ctx context.Context) Result {
	return c.run(ctx, TriggerDirect)
}

// SyncNow runs a pass and records the last sync marker, as an automatic sync does.
func (c *Coordinator) SyncNow(ctx context.Context) Result {
	return c.trigger(ctx, TriggerManual)
}

func (c *Coordinator) trigger(ctx context.Context, trigger string) Result {
	result := c.run(ctx, trigger)
	c.saveMarker(context.WithoutCancel(ctx))
	return result
}

func (c *Coordinator) saveMarker(ctx context.Context) {
	if c.lastSync == nil {
		return
	}
	if err := c.lastSync.Save(ctx, c.clock.Now()); err != nil {
		c.logf("save last sync marker failed: err=%v", err)
	}
}

// run executes one pass. Cancellation of ctx is ignored once the pass starts so an
// item the backend accepted is always marked synced; deadlines set by the store and
// dispatch adapters still apply.
func (c *Coordinator) run(ctx context.Context, trigger string) Result {
	ctx = context.WithoutCancel(ctx)
	if !c.running.CompareAndSwap(false, true) {
		c.recordRun(ctx, trigger, telemetry.OutcomeSkipped, 0)
		return skipped(MsgAlreadySyncing)
	}
	defer c.running.Store(false)

	if !c.conn.Online() {
		c.recordRun(ctx, trigger, telemetry.OutcomeSkipped, 0)
		return skipped(MsgOffline)
	}

	started := c.clock.Now()
	c.status.Publish(status.Syncing(0))
	result := Result{Success: true, Errors: []string{}}

	if err := c.drain(ctx, &result); err != nil {
		message := messageOf(err)
		result.Success = false
		result.Errors = append(result.Errors, "Sync failed: "+message)
		c.status.Publish(status.Failed(message))
		c.logf("sync run aborted: trigger=%s synced=%d failed=%d err=%v", trigger, result.Synced, result.Failed, err)
		c.recordRun(ctx, trigger, telemetry.OutcomeError, c.clock.Now().Sub(started))
		return result
	}

	c.status.Publish(status.Success())
	elapsed := c.clock.Now().Sub(started)
	c.logf("sync run finished: trigger=%s synced=%d failed=%d duration=%s", trigger, result.Synced, result.Failed, elapsed)
	c.recordRun(ctx, trigger, telemetry.OutcomeSuccess, elapsed)
	return result
}

// drain processes every pending item then purges expired synced items. Only
// store failures outside the per-item pipeline are returned.
func (c *Coordinator) drain(ctx context.Context, result *Result) error {
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return err
	}

	total := len(pending)
	for i, item := range pending {
		c.status.Publish(status.Syncing(float64(i+1) / float64(total) * 100))

		now := c.clock.Now()
		if err := c.validator.Check(item, now); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("Invalid data for %s: %s", item.Type, item.ID))
			c.logf("sync item rejected: id=%s type=%s reason=%q", item.ID, item.Type, errs.Message(err))
			c.recordItem(ctx, string(item.Type), telemetry.OutcomeRejected)
			continue
		}

		if err := c.deliver(ctx, item); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("Sync error for %s: %s", item.ID, messageOf(err)))
			c.logf("sync item failed: id=%s type=%s err=%v", item.ID, item.Type, err)
			c.recordItem(ctx, string(item.Type), telemetry.OutcomeFailed)
			continue
		}
		result.Synced++
		c.recordItem(ctx, string(item.Type), telemetry.OutcomeSynced)
	}

	removed, err := c.store.PurgeSyncedOlderThan(ctx, c.cfg.Retention, c.clock.Now())
	if err != nil {
		return err
	}
	if removed > 0 {
		c.logf("purged synced actions: count=%d retention=%s", removed, c.cfg.Retention)
	}
	return nil
}

// deliver dispatches once and marks the item synced on success.
func (c *Coordinator) deliver(ctx context.Context, item action.PendingAction) error {
	if err := c.dispatcher.Dispatch(ctx, item); err != nil {
		return err
	}
	return c.store.MarkSynced(ctx, item.ID, c.clock.Now())
}

// Status reports connectivity, queue depth and the last sync marker.
func (c *Coordinator) Status(ctx context.Context) (Snapshot, error) {
	count, err := c.store.CountPending(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Online: c.conn.Online(), PendingItems: count}
	if c.lastSync != nil {
		at, ok, err := c.lastSync.Load(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		if ok {
			snap.LastSync = &at
		}
	}
	return snap, nil
}

// StartAutoSync runs a pass, then records the last sync marker, on every offline to
// online transition. The returned cleanup detaches the listener and drops a pending
// debounced run. A pass already in flight runs to completion. Cleanup is safe to call
// twice.
func (c *Coordinator) StartAutoSync() func() {
	var stopped atomic.Bool
	runAuto := func(struct{}) {
		if stopped.Load() {
			return
		}
		c.logf("device came online, syncing")
		c.trigger(context.Background(), TriggerAuto)
	}

	var (
		remove   func()
		debounce *ratelimit.Debouncer[struct{}]
	)
	if c.cfg.AutoSyncDebounce > 0 {
		debounce = ratelimit.Debounce(runAuto, c.cfg.AutoSyncDebounce, ratelimit.WithClock(c.clock))
		remove = c.conn.OnOnline(func() { debounce.Call(struct{}{}) })
	} else {
		remove = c.conn.OnOnline(func() { runAuto(struct{}{}) })
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			stopped.Store(true)
			remove()
			if debounce != nil {
				debounce.Stop()
			}
		})
	}
}

func (c *Coordinator) recordRun(ctx context.Context, trigger, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(telemetry.RunAttributes(trigger, outcome)...)
	if c.runs != nil {
		c.runs.Add(ctx, 1, attrs)
	}
	if c.duration != nil && outcome != telemetry.OutcomeSkipped {
		c.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

func (c *Coordinator) recordItem(ctx context.Context, actionType, outcome string) {
	if c.items != nil {
		c.items.Add(ctx, 1, metric.WithAttributes(telemetry.ItemAttributes(actionType, outcome)...))
	}
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func messageOf(err error) string {
	if msg := errs.Message(err); msg != "" {
		return msg
	}
	return unknownError
}
