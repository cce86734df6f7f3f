package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-svc/app"
	"fleet-svc/storage/postgres"
)

func main() {
	application, err := app.Bootstrap()
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer application.Storage.(*postgres.Store).Close()

	// Start the in-process task executor.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	application.TaskService.Start(workerCtx, application.Config.WorkerCount)

	server := &http.Server{
		Addr:           ":" + application.Config.ServerPort,
		Handler:        application.Router,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		application.Logger.Info("http server starting", "port", application.Config.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-sigChan
	application.Logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		application.Logger.Error("server shutdown error", "error", err)
	}

	// Drain the executor so accepted tasks reach a terminal state.
	application.TaskService.Close()
	cancelWorkers()
}
