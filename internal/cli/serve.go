package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/QingMing-Bot/pc-manager/internal/metrics"
	"github.com/QingMing-Bot/pc-manager/internal/service"
)

func serveMetricsCmd(s *state) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics and trim history until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = s.app.Config.MetricsAddr
			}
			return serveMetrics(cmd.Context(), s.app, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default metrics_addr)")
	return cmd
}

func serveMetrics(ctx context.Context, app *App, addr string) error {
	log := app.Logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(app.Gatherer))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		cfg := app.Config
		service.RunRetention(ctx, app.History, time.Hour, cfg.HistoryRetentionDays, cfg.HistoryMaxRows, log)
		return nil
	})
	return g.Wait()
}
