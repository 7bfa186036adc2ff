package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"hermes/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder emits every measurement as a PutMetricData call.
//
// Metrics emitted:
//   - PollExecuted: Dims {Outcome}, Count
//   - PollLatency: Milliseconds
//   - TickDuration: Milliseconds, JobsActive: Count
//   - JobsRetired, SweepDeleted: Count
//   - ValidationCall: Dims {Outcome}, Count
//   - APILatency: Dims {Endpoint, Status}, Milliseconds
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder publishes to namespace, or types.MetricNamespace when empty.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchRecorder) RecordPoll(ctx context.Context, successful bool, latency time.Duration) {
	m.put(ctx,
		count(types.MetricPollExecuted, 1, dim(types.DimOutcome, outcome(successful))),
		millis(types.MetricPollLatency, latency),
	)
}

func (m *CloudWatchRecorder) RecordTick(ctx context.Context, duration time.Duration, active int) {
	m.put(ctx,
		millis(types.MetricTickDuration, duration),
		count(types.MetricJobsActive, float64(active)),
	)
}

func (m *CloudWatchRecorder) RecordRetired(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.put(ctx, count(types.MetricJobsRetired, float64(n)))
}

// RecordSweep always emits, so a zero datapoint shows the sweep ran.
func (m *CloudWatchRecorder) RecordSweep(ctx context.Context, deleted int) {
	m.put(ctx, count(types.MetricSweepDeleted, float64(deleted)))
}

func (m *CloudWatchRecorder) RecordValidation(ctx context.Context, successful bool) {
	m.put(ctx, count(types.MetricValidationCall, 1, dim(types.DimOutcome, outcome(successful))))
}

func (m *CloudWatchRecorder) RecordRequest(method, endpoint, status string, duration time.Duration) {
	d := millis(types.MetricAPILatency, duration)
	d.Dimensions = []cwtypes.Dimension{
		dim(types.DimEndpoint, method+" "+endpoint),
		dim(types.DimStatus, status),
	}
	m.put(context.Background(), d)
}

func (m *CloudWatchRecorder) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record metric",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func count(name string, v float64, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(v),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}
}

func millis(name string, d time.Duration) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	}
}
