package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Router builds the observability endpoints: the metrics registry at
// metricsPath plus /healthz and /readyz. Either component may be nil.
func (o *Observability) Router(metricsPath string) *okapi.Okapi {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	router := okapi.New()

	m := o.MetricsOrNil()
	var tracer trace.Tracer
	if ts := o.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}
	if m != nil || tracer != nil {
		router.Use(MetricsMiddleware(m, tracer))
	}

	var health *HealthChecker
	if o != nil {
		health = o.Health
	}
	router.Get("/healthz", func(c *okapi.Context) error {
		if health == nil {
			return c.JSON(http.StatusOK, HealthStatus{Status: "ok"})
		}
		return writeStatus(c, health.CheckHealth())
	})
	router.Get("/readyz", func(c *okapi.Context) error {
		if health == nil {
			return c.JSON(http.StatusOK, HealthStatus{Status: "ok"})
		}
		return writeStatus(c, health.CheckReady(c.Context()))
	})

	if m != nil {
		router.HandleStd(http.MethodGet, metricsPath, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	return router
}

func writeStatus(c *okapi.Context, status HealthStatus) error {
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// MetricsMiddleware records request counts and latency, and opens a span
// per request when a tracer is set. Both arguments may be nil.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()

			if tracer != nil {
				_, span := tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.path", r.URL.Path),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			if metrics != nil {
				code := c.Response().StatusCode()
				if code == 0 {
					code = http.StatusOK
				}
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			}
			return err
		}
	}
}

// Serve runs the observability endpoints on addr until ctx is cancelled.
func (o *Observability) Serve(ctx context.Context, addr, metricsPath string, logger *slog.Logger) error {
	router := o.Router(metricsPath)
	srv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", slog.String("addr", addr), slog.String("path", metricsPath))
		errCh <- router.StartServer(srv)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("metrics listener stopping")
		return router.Shutdown(srv)
	}
}
