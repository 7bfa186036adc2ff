package types

// Metric names and dimensions. Every telemetry backend uses these so
// dashboards stay stable when the backend changes.
const (
	MetricPollExecuted   = "PollExecuted"
	MetricPollLatency    = "PollLatency"
	MetricTickDuration   = "TickDuration"
	MetricJobsActive     = "JobsActive"
	MetricJobsRetired    = "JobsRetired"
	MetricSweepDeleted   = "SweepDeleted"
	MetricAPILatency     = "APILatency"
	MetricValidationCall = "ValidationCall"

	DimOutcome  = "Outcome"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"

	// MetricNamespace is the default CloudWatch namespace / Prometheus prefix.
	MetricNamespace = "Hermes"
)
