package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/offqueue/errs"
	"github.com/coachpo/offqueue/internal/domain/action"
	"github.com/coachpo/offqueue/internal/telemetry"
)

// Backend routes.
const (
	RouteJourneyAttempts = "/journeys/attempts"
	RouteCreditsAward    = "/credits/award"
	RouteCreditsDeduct   = "/credits/deduct"
	RouteProgress        = "/progress"
)

const (
	headerActionID          = "X-Action-ID"
	headerDeviceFingerprint = "X-Device-Fingerprint"
	maxErrorBody            = 512

	retryRemediation = "action stays pending and is retried on the next sync"
)

// HTTPConfig configures the JSON-over-HTTP dispatch adapter.
type HTTPConfig struct {
	BaseURL string
	// Timeout bounds each request.
	Timeout time.Duration
	// RequestsPerSecond paces outbound requests. Zero or negative disables pacing.
	RequestsPerSecond float64
	// Burst is the pacing bucket size.
	Burst int
	// Headers are added to every request (for example an API token).
	Headers map[string]string
}

// HTTPHandler posts action payloads to the backend.
type HTTPHandler struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	headers map[string]string

	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// NewHTTPHandler constructs an HTTPHandler. A nil client uses one with cfg.Timeout.
func NewHTTPHandler(cfg HTTPConfig, client *http.Client) (*HTTPHandler, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("http dispatch: base url required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("http dispatch: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("http dispatch: unsupported scheme %q", base.Scheme)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	meter := otel.Meter("dispatch")
	requests, _ := meter.Int64Counter(telemetry.MetricDispatchRequests,
		metric.WithDescription("Backend dispatch requests by route and status"),
		metric.WithUnit("{request}"))
	duration, _ := meter.Float64Histogram(telemetry.MetricDispatchDuration,
		metric.WithDescription("Backend dispatch round trip"),
		metric.WithUnit("ms"))

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &HTTPHandler{
		base:     base,
		client:   client,
		limiter:  limiter,
		headers:  headers,
		requests: requests,
		duration: duration,
	}, nil
}

// Route returns the backend path and request body for a.
func Route(a action.PendingAction) (string, any, error) {
	switch a.Type {
	case action.TypeJourneyAttempt:
		attempt, err := a.DecodeJourneyAttempt()
		if err != nil {
			return "", nil, err
		}
		return RouteJourneyAttempts, attempt, nil
	case action.TypeCreditUpdate:
		update, err := a.DecodeCreditUpdate()
		if err != nil {
			return "", nil, err
		}
		route := RouteCreditsDeduct
		if update.IsAward() {
			route = RouteCreditsAward
		}
		return route, creditRequest{Amount: update.Amount.Abs(), Reason: update.Reason}, nil
	case action.TypeProgressUpdate:
		update, err := a.DecodeProgressUpdate()
		if err != nil {
			return "", nil, err
		}
		return RouteProgress, update, nil
	default:
		return "", nil, fmt.Errorf("unsupported action type %q", a.Type)
	}
}

type creditRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// Dispatch posts a to its route. Any non-2xx response is a dispatch failure.
func (h *HTTPHandler) Dispatch(ctx context.Context, a action.PendingAction) error {
	route, body, err := Route(a)
	if err != nil {
		return errs.New(component, errs.CodeDispatchFailed, errs.WithMessage("build request"), errs.WithCause(err), errs.WithField("id", a.ID))
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.New(component, errs.CodeDispatchFailed, errs.WithMessage("encode request"), errs.WithCause(err), errs.WithField("id", a.ID))
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return errs.New(component, errs.CodeDispatchFailed, errs.WithMessage("rate limiter wait"), errs.WithCause(err), errs.WithField("id", a.ID))
		}
	}

	endpoint := h.base.JoinPath(route)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return errs.New(component, errs.CodeDispatchFailed, errs.WithMessage("build request"), errs.WithCause(err), errs.WithField("id", a.ID))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerActionID, a.ID)
	if a.DeviceFingerprint != "" {
		req.Header.Set(headerDeviceFingerprint, a.DeviceFingerprint)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		h.record(ctx, route, 0, started)
		return errs.New(component, errs.CodeDispatchFailed, errs.WithMessage("request failed"), errs.WithCause(err),
			errs.WithField("id", a.ID), errs.WithField("route", route), errs.WithRemediation(retryRemediation))
	}
	defer resp.Body.Close()
	h.record(ctx, route, resp.StatusCode, started)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		opts := []errs.Option{
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("backend returned status " + strconv.Itoa(resp.StatusCode)),
			errs.WithField("id", a.ID),
			errs.WithField("route", route),
			errs.WithRemediation(retryRemediation),
		}
		if text := strings.TrimSpace(string(snippet)); text != "" {
			opts = append(opts, errs.WithField("body", text))
		}
		return errs.New(component, errs.CodeDispatchFailed, opts...)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (h *HTTPHandler) record(ctx context.Context, route string, status int, started time.Time) {
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrRoute.String(route),
		telemetry.AttrStatusCode.Int(status),
	)
	if h.requests != nil {
		h.requests.Add(ctx, 1, attrs)
	}
	if h.duration != nil {
		h.duration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	}
}

var _ Handler = (*HTTPHandler)(nil)
