// Package telemetry records scheduler, sweeper and API metrics. A Recorder
// is chosen at startup from METRICS_BACKEND; every backend uses the metric
// names declared in the types package.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hermes/internal/types"
)

// Backend names accepted by New.
const (
	BackendNone       = "none"
	BackendCloudWatch = "cloudwatch"
	BackendPrometheus = "prometheus"
)

// Recorder is the metrics surface used across Hermes. Implementations must
// be safe for concurrent use and must never fail the caller: emission errors
// are logged and dropped.
type Recorder interface {
	// RecordPoll records one executed scheduled call.
	RecordPoll(ctx context.Context, successful bool, latency time.Duration)
	// RecordTick records the duration of a scheduler pass and the number of
	// jobs held after its sync.
	RecordTick(ctx context.Context, duration time.Duration, active int)
	RecordRetired(ctx context.Context, n int)
	RecordSweep(ctx context.Context, deleted int)
	// RecordValidation records the outcome of a validation trial call.
	RecordValidation(ctx context.Context, successful bool)
	// RecordRequest records API request latency. Matches core.MetricsCollector.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// New builds the Recorder for backend. cw is required for the CloudWatch
// backend and ignored otherwise.
func New(backend, namespace string, cw CloudWatchClient, logger *slog.Logger) (Recorder, error) {
	switch backend {
	case "", BackendNone:
		return Nop{}, nil
	case BackendCloudWatch:
		if cw == nil {
			return nil, fmt.Errorf("telemetry: cloudwatch backend requires a client")
		}
		return NewCloudWatchRecorder(cw, namespace, logger), nil
	case BackendPrometheus:
		return NewPrometheusRecorder(namespace), nil
	default:
		return nil, fmt.Errorf("telemetry: unknown backend %q", backend)
	}
}

func outcome(successful bool) string {
	if successful {
		return types.OutcomeSuccess
	}
	return types.OutcomeFailure
}

// Nop discards every measurement.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordPoll(context.Context, bool, time.Duration)     {}
func (Nop) RecordTick(context.Context, time.Duration, int)      {}
func (Nop) RecordRetired(context.Context, int)                  {}
func (Nop) RecordSweep(context.Context, int)                    {}
func (Nop) RecordValidation(context.Context, bool)              {}
func (Nop) RecordRequest(string, string, string, time.Duration) {}
