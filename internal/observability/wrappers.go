package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kinga/internal/capability"
	"github.com/jkaninda/kinga/internal/sandbox"
	"github.com/jkaninda/kinga/internal/security"
)

// --- InstrumentedSandbox ---

// Executor is the part of *sandbox.Sandbox the instrumentation wraps.
type Executor interface {
	Execute(ctx context.Context, code string, c *capability.Context, ov *sandbox.Overrides) (*sandbox.Result, error)
	Language() string
}

// InstrumentedSandbox wraps a sandbox with metrics, tracing, and anomaly detection.
type InstrumentedSandbox struct {
	inner   Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner Executor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedSandbox) Language() string { return s.inner.Language() }

// fileExecutor is implemented by executors that read code from disk.
type fileExecutor interface {
	ExecuteFile(ctx context.Context, path string, c *capability.Context, ov *sandbox.Overrides) (*sandbox.Result, error)
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, code string, c *capability.Context, ov *sandbox.Overrides) (*sandbox.Result, error) {
	return s.observe(ctx, "sandbox.execute", func(ctx context.Context) (*sandbox.Result, error) {
		return s.inner.Execute(ctx, code, c, ov)
	})
}

// ExecuteFile runs the code in path when the wrapped executor supports files.
func (s *InstrumentedSandbox) ExecuteFile(ctx context.Context, path string, c *capability.Context, ov *sandbox.Overrides) (*sandbox.Result, error) {
	fe, ok := s.inner.(fileExecutor)
	if !ok {
		return nil, fmt.Errorf("%s executor cannot run files", s.inner.Language())
	}
	return s.observe(ctx, "sandbox.execute_file", func(ctx context.Context) (*sandbox.Result, error) {
		return fe.ExecuteFile(ctx, path, c, ov)
	})
}

func (s *InstrumentedSandbox) observe(ctx context.Context, name string, fn func(context.Context) (*sandbox.Result, error)) (*sandbox.Result, error) {
	lang := s.inner.Language()

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, name,
			trace.WithAttributes(
				attribute.String("sandbox.language", lang),
			))
		defer span.End()
	}
	if s.metrics != nil {
		s.metrics.ActiveExecutions.Inc()
		defer s.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	result, err := fn(ctx)
	duration := time.Since(start)

	status := executionStatus(result, err)
	if span != nil {
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case result != nil:
			span.SetAttributes(
				attribute.String("sandbox.status", status),
				attribute.Int("sandbox.exit_code", result.ExitCode),
				attribute.Bool("sandbox.cached", result.Cached),
				attribute.Int("sandbox.violations", len(result.CapabilityViolations)),
			)
			if result.Error != nil {
				span.SetStatus(codes.Error, result.Error.Error())
			}
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(lang, status).Inc()
		if result != nil && !result.Cached {
			s.metrics.SandboxExecutionDuration.WithLabelValues(lang).Observe(duration.Seconds())
			if result.Usage.MemoryBytes > 0 {
				s.metrics.SandboxMemoryPeak.WithLabelValues(lang).Observe(float64(result.Usage.MemoryBytes))
			}
		}
		if result != nil && len(result.CapabilityViolations) > 0 {
			s.metrics.SandboxViolationsTotal.WithLabelValues(lang).Add(float64(len(result.CapabilityViolations)))
		}
	}

	if s.anomaly != nil {
		if status == "success" || status == "cached" {
			s.anomaly.RecordSuccess("sandbox_" + lang)
		} else {
			s.anomaly.RecordError("sandbox_" + lang)
		}
	}

	return result, err
}

// executionStatus is the metric label for one execution: success, cached,
// error (the call itself failed) or the failure kind.
func executionStatus(r *sandbox.Result, err error) string {
	switch {
	case err != nil || r == nil:
		return "error"
	case r.Success && r.Cached:
		return "cached"
	case r.Success:
		return "success"
	case r.Error != nil:
		return string(r.Error.Kind)
	default:
		return "failed"
	}
}

// --- InstrumentedValidator ---

// InstrumentedValidator wraps a security.Validator with metrics, tracing,
// and anomaly detection.
type InstrumentedValidator struct {
	inner   *security.Validator
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedValidator wraps a validator with observability.
func NewInstrumentedValidator(inner *security.Validator, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedValidator {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedValidator{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

// Unwrap returns the wrapped validator.
func (v *InstrumentedValidator) Unwrap() *security.Validator { return v.inner }

func (v *InstrumentedValidator) Validate(ctx context.Context, c *capability.Context, capType, resource, operation string) security.Decision {
	ctx, span := v.start(ctx, "security.validate", capType, operation)
	d := v.inner.Validate(ctx, c, capType, resource, operation)
	v.record(span, d)
	return d
}

func (v *InstrumentedValidator) Authorize(ctx context.Context, c *capability.Context, capType, resource, operation string) (security.Decision, error) {
	ctx, span := v.start(ctx, "security.authorize", capType, operation)
	d, err := v.inner.Authorize(ctx, c, capType, resource, operation)
	v.record(span, d)
	if span != nil && err != nil {
		span.RecordError(err)
	}
	return d, err
}

func (v *InstrumentedValidator) start(ctx context.Context, name, capType, operation string) (context.Context, trace.Span) {
	if v.tracer == nil {
		return ctx, nil
	}
	return v.tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("capability.type", capType),
			attribute.String("capability.operation", operation),
		))
}

func (v *InstrumentedValidator) record(span trace.Span, d security.Decision) {
	if span != nil {
		span.SetAttributes(
			attribute.String("security.outcome", d.Outcome.String()),
			attribute.Bool("security.cached", d.Cached),
		)
		if d.Policy != "" {
			span.SetAttributes(attribute.String("security.policy", d.Policy))
		}
		if !d.Permitted() {
			span.SetStatus(codes.Error, d.Reason)
		}
		span.End()
	}

	if v.metrics != nil {
		v.metrics.SecurityValidationsTotal.WithLabelValues(d.CapabilityType, d.Outcome.String()).Inc()
		result := "miss"
		if d.Cached {
			result = "hit"
		}
		v.metrics.SecurityCacheTotal.WithLabelValues(result).Inc()
	}

	if v.anomaly != nil && d.Outcome != security.Allowed {
		v.anomaly.RecordViolation(d.CapabilityType)
	}
}

// --- Compile-time interface checks ---

var _ Executor = (*sandbox.Sandbox)(nil)
var _ Executor = (*InstrumentedSandbox)(nil)
