package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"budget-api/app"
)

func main() {
	runtime, err := app.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	defer runtime.Close()

	server := &http.Server{
		Addr:              runtime.Addr,
		Handler:           runtime.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		runtime.Logger.WithField("addr", runtime.Addr).Info("server_start")
		serverErrors <- server.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			runtime.Logger.WithError(err).Error("server_failed")
			// os.Exit skips the deferred Close; release the pool and
			// background loops first.
			_ = runtime.Close()
			os.Exit(1)
		}
	case sig := <-signals:
		runtime.Logger.WithField("signal", sig.String()).Info("server_shutdown_requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		runtime.Logger.WithError(err).Error("server_shutdown_failed")
	}
}
