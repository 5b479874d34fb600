// Package metrics holds the instruments the servers report to.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	// Commands counts processed IMAP commands by "command" and "status".
	Commands        metrics.Counter
	CommandDuration metrics.Histogram
	ActiveSessions  metrics.Gauge
	Logins          metrics.Counter
	// Deliveries counts LMTP deliveries by "status".
	Deliveries metrics.Counter
}

// Discard returns instruments that record nothing.
func Discard() *Metrics {
	return &Metrics{
		Commands:        discard.NewCounter(),
		CommandDuration: discard.NewHistogram(),
		ActiveSessions:  discard.NewGauge(),
		Logins:          discard.NewCounter(),
		Deliveries:      discard.NewCounter(),
	}
}

// New registers prometheus-backed instruments with reg.
func New(reg prom.Registerer) *Metrics {
	commands := prom.NewCounterVec(prom.CounterOpts{
		Namespace: "rook",
		Subsystem: "imap",
		Name:      "commands_total",
		Help:      "Number of processed IMAP commands.",
	}, []string{"command", "status"})
	duration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: "rook",
		Subsystem: "imap",
		Name:      "command_duration_seconds",
		Help:      "Time spent processing one IMAP command.",
		Buckets:   prom.DefBuckets,
	}, []string{"command"})
	sessions := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "rook",
		Subsystem: "imap",
		Name:      "active_sessions",
		Help:      "Number of connected IMAP clients.",
	}, nil)
	logins := prom.NewCounterVec(prom.CounterOpts{
		Namespace: "rook",
		Subsystem: "imap",
		Name:      "logins_total",
		Help:      "Number of successful logins.",
	}, nil)
	deliveries := prom.NewCounterVec(prom.CounterOpts{
		Namespace: "rook",
		Subsystem: "lmtp",
		Name:      "deliveries_total",
		Help:      "Number of LMTP deliveries per recipient.",
	}, []string{"status"})

	reg.MustRegister(commands, duration, sessions, logins, deliveries)

	return &Metrics{
		Commands:        prometheus.NewCounter(commands),
		CommandDuration: prometheus.NewHistogram(duration),
		ActiveSessions:  prometheus.NewGauge(sessions),
		Logins:          prometheus.NewCounter(logins),
		Deliveries:      prometheus.NewCounter(deliveries),
	}
}

// ObserveCommand records one processed command.
func (m *Metrics) ObserveCommand(command, status string, began time.Time) {
	m.Commands.With("command", command, "status", status).Add(1)
	m.CommandDuration.With("command", command).Observe(time.Since(began).Seconds())
}

// Serve exposes gatherer on addr under /metrics until ctx is done.
func Serve(ctx context.Context, logger log.Logger, addr string, gatherer prom.Gatherer) error {
	if addr == "" {
		level.Debug(logger).Log("msg", "metrics addr is empty, not exposing prometheus metrics")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	level.Info(logger).Log("msg", "prometheus handler listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
