package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "crm/api/swagger" // swagger docs
	"crm/internal/handler"
	"crm/internal/observability"
	"crm/internal/realtime"
	"crm/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

var skipMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	Long: `Run the HTTP API together with the reconciliation retry worker, the
overdue invoice sweeper and the websocket hub. With REDIS_ADDR set, events are
relayed through redis so every instance's websocket clients receive them.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not auto-migrate the schema on start")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.InitOTel(ctx, a.log, a.cfg.Otel)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	if !skipMigrate {
		if err := migrate(ctx, a); err != nil {
			return err
		}
	}

	hub := realtime.NewHub(a.log)
	var publisher realtime.Publisher = hub
	var bus *realtime.RedisBus
	if a.cfg.Redis.Addr != "" {
		bus, err = realtime.NewRedisBus(ctx, a.log, a.cfg.Redis)
		if err != nil {
			return err
		}
		defer bus.Close()
		publisher = bus
	}

	channel, err := a.channel()
	if err != nil {
		return err
	}
	svc := a.services(channel, publisher)

	gin.SetMode(a.cfg.GinMode)
	router := handler.NewRouter(handler.RouterConfig{
		ServiceName:    a.cfg.Otel.ServiceName,
		AllowedOrigins: a.cfg.CORSAllowedOrigins,
		Secret:         a.cfg.Secret(),
		Tracing:        a.cfg.Otel.Enabled,
	}, svc, hub, a.log)
	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if bus != nil {
		if err := bus.StartForwarder(ctx, hub); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.log.Info("server listening", "port", a.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.log.Info("shutting down server")
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		runEvery(gctx, a.cfg.Reconcile.Interval, func(ctx context.Context) {
			reconcileOnce(ctx, a, svc.Reconciler)
		})
		return nil
	})
	g.Go(func() error {
		runEvery(gctx, a.cfg.SweepInterval, func(ctx context.Context) {
			sweepOnce(ctx, a, svc.Invoices)
		})
		return nil
	})

	return g.Wait()
}

// runEvery calls fn immediately and then on every tick until ctx ends.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func reconcileOnce(ctx context.Context, a *app, r service.Reconciler) {
	res, err := r.ProcessDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Error("reconciliation pass failed", "error", err)
		}
		return
	}
	if res.Processed > 0 {
		a.log.Info("reconciliation pass", "processed", res.Processed, "applied", res.Applied, "failed", res.Failed)
	}
}

func sweepOnce(ctx context.Context, a *app, invoices service.InvoiceService) {
	res, err := invoices.SweepOverdue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Error("overdue sweep failed", "error", err)
		}
		return
	}
	if res.Invoices > 0 || res.Installments > 0 {
		a.log.Info("overdue sweep", "invoices", res.Invoices, "installments", res.Installments)
	}
}
