package telemetry

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/3mdistal/ralph"

var (
	initMetricsOnce   sync.Once
	admissionCounter  metric.Int64Counter
	worktreeCounter   metric.Int64Counter
	recoveryCounter   metric.Int64Counter
	escalationCounter metric.Int64Counter
	attemptDuration   metric.Float64Histogram
	permitsGauge      metric.Int64ObservableGauge
	permitsObserver   PermitsFunc
	permitsObserverMu sync.Mutex
)

// PermitsFunc reports outstanding permits keyed by scope ("global" or a repo name)
type PermitsFunc func() map[string]int64

// InitMeterProvider installs a global MeterProvider backed by a Prometheus
// exporter and returns the handler that serves /metrics.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "ralph"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

// Meter returns the global meter for ralph
func Meter() metric.Meter {
	return otel.Meter(meterName)
}

// InitMetrics creates the instruments. Only the first call has an effect.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		admissionCounter, err = m.Int64Counter("ralph_admissions_total", metric.WithDescription("Task admission decisions by outcome"))
		if err != nil {
			return
		}
		worktreeCounter, err = m.Int64Counter("ralph_worktree_operations_total", metric.WithDescription("Worktree ensure/resolve/cleanup operations"))
		if err != nil {
			return
		}
		recoveryCounter, err = m.Int64Counter("ralph_merge_conflict_runs_total", metric.WithDescription("Merge-conflict recovery runs by outcome"))
		if err != nil {
			return
		}
		escalationCounter, err = m.Int64Counter("ralph_escalation_resumes_total", metric.WithDescription("Escalation resume attempts by result"))
		if err != nil {
			return
		}
		attemptDuration, err = m.Float64Histogram("ralph_merge_conflict_attempt_duration_seconds", metric.WithDescription("Merge-conflict attempt duration in seconds"))
		if err != nil {
			return
		}
		permitsGauge, err = m.Int64ObservableGauge("ralph_permits_in_use", metric.WithDescription("Outstanding semaphore permits"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			permitsObserverMu.Lock()
			fn := permitsObserver
			permitsObserverMu.Unlock()
			if fn == nil {
				return nil
			}
			for scope, n := range fn() {
				o.ObserveInt64(permitsGauge, n, metric.WithAttributes(attribute.String("scope", scope)))
			}
			return nil
		}, permitsGauge)
	})
	return err
}

// ObservePermits registers the source for the permits gauge
func ObservePermits(fn PermitsFunc) {
	permitsObserverMu.Lock()
	permitsObserver = fn
	permitsObserverMu.Unlock()
}

// RecordAdmission records an admission decision
func RecordAdmission(ctx context.Context, repo, outcome string) {
	if admissionCounter == nil {
		return
	}
	admissionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(KeyTaskRepo, repo),
		attribute.String(KeyAdmitOutcome, outcome),
	))
}

// RecordWorktreeOp records a worktree lifecycle operation
func RecordWorktreeOp(ctx context.Context, op, result string) {
	if worktreeCounter == nil {
		return
	}
	worktreeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("result", result),
	))
}

// RecordRecoveryRun records a finished merge-conflict run
func RecordRecoveryRun(ctx context.Context, repo, outcome, code string) {
	if recoveryCounter == nil {
		return
	}
	recoveryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(KeyTaskRepo, repo),
		attribute.String(KeyRecoveryOutcome, outcome),
		attribute.String(KeyRecoveryCode, code),
	))
}

// RecordRecoveryAttempt records the duration of one recovery attempt
func RecordRecoveryAttempt(ctx context.Context, repo, status string, seconds float64) {
	if attemptDuration == nil {
		return
	}
	attemptDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String(KeyTaskRepo, repo),
		attribute.String("status", status),
	))
}

// RecordEscalationResume records an escalation resume result
func RecordEscalationResume(ctx context.Context, repo, result string) {
	if escalationCounter == nil {
		return
	}
	escalationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(KeyTaskRepo, repo),
		attribute.String("result", result),
	))
}
