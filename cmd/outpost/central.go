package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/outpost-sync/outpost/internal/centralstore"
	"github.com/outpost-sync/outpost/internal/gateway"
	"github.com/outpost-sync/outpost/internal/registry"
)

var centralCmd = &cobra.Command{
	Use:   "central",
	Short: "Run the central sync gateway",
	RunE:  runCentral,
}

func runCentral(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateCentral(); err != nil {
		return err
	}

	initLogger(cfg.Log)
	slog.Info("configuration loaded", "component", "central")

	db, err := centralstore.Open(cfg.Central.DatabasePath)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "component", "central", "path", cfg.Central.DatabasePath)

	records := centralstore.New(db)
	instances := registry.New(db)

	handler := gateway.NewHandler(instances, records, cfg.Central.RegistrationToken, Version)
	router := gateway.NewRouter(handler, time.Duration(cfg.Central.TimestampSkew))

	addr := fmt.Sprintf(":%d", cfg.Central.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Central.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Central.WriteTimeout),
	}

	go func() {
		slog.Info("gateway starting", "component", "central", "address", addr)
		// ErrServerClosed is the expected result of a graceful Shutdown;
		// anything else means the server actually failed.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("gateway error", "component", "central", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated", "component", "central")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Central.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway shutdown error", "component", "central", "error", err)
	}

	if err := db.Close(); err != nil {
		slog.Error("store close error", "component", "central", "error", err)
	}

	slog.Info("shutdown complete", "component", "central")
	return nil
}
