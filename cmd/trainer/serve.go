package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/trainer/internal/httpapi"
	"github.com/CZERTAINLY/trainer/internal/log"
	"github.com/CZERTAINLY/trainer/internal/service"
	"github.com/CZERTAINLY/trainer/internal/store"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the training API until interrupted",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("trainer",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	var history service.History
	if path := config.Train.Path(config.Train.HistoryDB); path != "" {
		db, err := store.Open(path)
		if err != nil {
			return fmt.Errorf("opening job history: %w", err)
		}
		defer func() {
			_ = db.Close()
		}()
		history = db
	}

	sup, err := service.NewSupervisor(config.Train, history)
	if err != nil {
		return err
	}
	if err := sup.Recover(ctx); err != nil {
		slog.WarnContext(ctx, "recovering previous job failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if config.Train.Schedule != nil {
		scheduler, err := service.NewScheduler(ctx, *config.Train.Schedule, sup)
		if err != nil {
			return err
		}
		scheduler.Start()
		g.Go(func() error {
			<-ctx.Done()
			return scheduler.Shutdown()
		})
	}

	srv := &http.Server{
		Addr:              config.Service.Addr,
		Handler:           httpapi.Server{Trainer: sup, Version: version()}.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// log streams end with the server
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			sup.Close(shutdownCtx),
		)
	})

	return g.Wait()
}
