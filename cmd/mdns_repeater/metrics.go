package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// metricsShutdownTimeout is the time given to in-flight scrapes on shutdown.
const metricsShutdownTimeout = 5 * time.Second

// newRegistry returns a registry with the Go runtime and process collectors.
func newRegistry() (reg *prometheus.Registry) {
	reg = prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

// serveMetrics serves the metrics in reg on addr as a member of grp until ctx
// is canceled.
func serveMetrics(
	ctx context.Context,
	grp *errgroup.Group,
	logger *slog.Logger,
	addr string,
	reg *prometheus.Registry,
) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsShutdownTimeout,
	}

	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			logger.WarnContext(ctx, "shutting down metrics server", slogutil.KeyError, err)
		}
	})

	grp.Go(func() (err error) {
		logger.InfoContext(ctx, "serving metrics", "addr", addr)

		err = srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})
}
