package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/offqueue/internal/telemetry"
)

const (
	defaultProbeInterval    = 15 * time.Second
	defaultProbeTimeout     = 5 * time.Second
	defaultMaxProbeInterval = 2 * time.Minute
)

// ProberConfig configures the health probe.
type ProberConfig struct {
	// URL is fetched with GET; any 2xx response means online.
	URL string
	// Interval is the polling period while online.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
	// MaxInterval caps the exponential backoff used while offline.
	MaxInterval time.Duration
}

// Prober is a Source that polls a health endpoint. It starts offline.
type Prober struct {
	cfg    ProberConfig
	client *http.Client
	logger *log.Logger

	mu        sync.Mutex
	online    bool
	listeners listeners

	transitions metric.Int64Counter
}

// NewProber constructs a Prober. A nil client uses a client with the probe timeout.
func NewProber(cfg ProberConfig, client *http.Client, logger *log.Logger) (*Prober, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("connectivity prober: url required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxProbeInterval
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	meter := otel.Meter("connectivity")
	transitions, _ := meter.Int64Counter(telemetry.MetricConnectivity,
		metric.WithDescription("Connectivity state changes observed by the prober"),
		metric.WithUnit("{transition}"))
	return &Prober{
		cfg:         cfg,
		client:      client,
		logger:      logger,
		transitions: transitions,
	}, nil
}

// Online reports the state observed by the most recent probe.
func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// OnOnline registers fn for offline to online transitions. Callbacks run on the
// probing goroutine.
func (p *Prober) OnOnline(fn func()) func() {
	return p.listeners.add(fn)
}

// Probe performs one health check, records the result and fires listeners on an
// offline to online transition.
func (p *Prober) Probe(ctx context.Context) bool {
	err := p.check(ctx)
	online := err == nil

	p.mu.Lock()
	previous := p.online
	p.online = online
	p.mu.Unlock()

	if previous != online {
		state := "offline"
		if online {
			state = "online"
		}
		if p.logger != nil {
			if err != nil {
				p.logger.Printf("connectivity changed: state=%s url=%s err=%v", state, p.cfg.URL, err)
			} else {
				p.logger.Printf("connectivity changed: state=%s url=%s", state, p.cfg.URL)
			}
		}
		if p.transitions != nil {
			p.transitions.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment()),
				telemetry.AttrConnectionState.String(state),
			))
		}
		if online {
			p.listeners.fire()
		}
	}
	return online
}

func (p *Prober) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}

// Run probes until ctx is cancelled: at a fixed interval while online and with
// exponential backoff while offline.
func (p *Prober) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = minDuration(time.Second, p.cfg.Interval)
	backoffCfg.MaxInterval = p.cfg.MaxInterval

	for {
		var sleep time.Duration
		if p.Probe(ctx) {
			backoffCfg.Reset()
			sleep = p.cfg.Interval
		} else {
			sleep = backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = p.cfg.MaxInterval
			}
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

var _ Source = (*Prober)(nil)
