package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for offqueue telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrActionType labels item-level metrics with the queued action type.
	AttrActionType = attribute.Key("action.type")
	// AttrOutcome records how a sync run or item ended (synced, rejected, failed, skipped).
	AttrOutcome = attribute.Key("outcome")
	// AttrOperation differentiates specific operations (up, down, dispatch).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (applied, noop, failed).
	AttrResult = attribute.Key("result")
	// AttrStoreDriver identifies the store backend.
	AttrStoreDriver = attribute.Key("store.driver")
	// AttrTrigger records what started a sync run (direct, auto, manual).
	AttrTrigger = attribute.Key("sync.trigger")
	// AttrRoute labels dispatch metrics with the backend route.
	AttrRoute = attribute.Key("route")
	// AttrStatusCode records the HTTP status returned by the backend.
	AttrStatusCode = attribute.Key("http.status_code")
	// AttrConnectionState labels connectivity signals (online, offline).
	AttrConnectionState = attribute.Key("connection.state")
)

// Metric instrument names.
const (
	MetricSyncRuns         = "offqueue.sync.runs"
	MetricSyncItems        = "offqueue.sync.items"
	MetricSyncDuration     = "offqueue.sync.duration"
	MetricDispatchRequests = "offqueue.dispatch.requests"
	MetricDispatchDuration = "offqueue.dispatch.duration"
	MetricConnectivity     = "offqueue.connectivity.transitions"
)

// Outcome values.
const (
	OutcomeSynced   = "synced"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
)

// RunAttributes returns attributes for sync run metrics.
func RunAttributes(trigger, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTrigger.String(trigger),
		AttrOutcome.String(outcome),
	}
}

// ItemAttributes returns attributes for per-item sync metrics.
func ItemAttributes(actionType, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrActionType.String(actionType),
		AttrOutcome.String(outcome),
	}
}
