package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BadgerOps/dmfship/internal/invoke"
	"github.com/BadgerOps/dmfship/internal/server"
	"github.com/spf13/cobra"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server that triggers deliveries",
		Long: `Start the HTTP server. POST /api/deliver runs one delivery with the JSON
event in the request body, GET /api/status reports the progress of the most
recent run and GET /api/health reports liveness.

By default, the server listens on the address configured in the config file
(default: 0.0.0.0:8080). Use --listen to override.`,
		Example: `  dmfship serve
  dmfship serve --listen 127.0.0.1:9000`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	log.Info("server starting", "listen", listen, "bucket", globalCfg.Storage.Bucket)

	srv := server.NewServer(invoke.NewHandler(globalCfg, logger), globalCfg, logger)
	srv.SetVersion(version)

	// Channel to listen for errors from server
	errChan := make(chan error, 1)

	go func() {
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)

		// let a running delivery finish
		ctx, cancel := context.WithTimeout(context.Background(), globalCfg.Transfer.Timeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		log.Info("server stopped")
	}

	return nil
}
