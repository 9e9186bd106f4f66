package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fentz26/baziunlock/internal/devserver"
	"github.com/fentz26/baziunlock/internal/models"
)

var (
	listenAddr      string
	devPolls        int
	devBalance      int
	devFailThemes   []string
	devUsername     string
	devUserPassword string
)

var serveDevCmd = &cobra.Command{
	Use:   "serve-dev",
	Short: "Run a simulated fortune API for local development",
	Long: `Starts an in-memory fortune API on the given address. Unlock tasks
finish after a fixed number of status queries. Themes listed in --fail
always fail and refund their points.`,
	RunE: runServeDev,
}

func init() {
	serveDevCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:3000", "listen address")
	serveDevCmd.Flags().IntVar(&devPolls, "polls", 2, "status queries reported as processing before a task finishes")
	serveDevCmd.Flags().IntVar(&devBalance, "balance", 500, "starting points balance")
	serveDevCmd.Flags().StringSliceVar(&devFailThemes, "fail", nil, "themes whose generation fails")
	serveDevCmd.Flags().StringVar(&devUsername, "user", "demo", "account username")
	serveDevCmd.Flags().StringVar(&devUserPassword, "password", "demo", "account password")
}

func runServeDev(cmd *cobra.Command, args []string) error {
	dc := devserver.DefaultConfig()
	dc.Users = map[string]string{devUsername: devUserPassword}
	dc.StartingBalance = devBalance
	dc.PollsToComplete = devPolls
	dc.FailThemes = make(map[models.Theme]bool)
	for _, t := range devFailThemes {
		if !models.ValidTheme(t) {
			return errors.New("unknown theme " + t)
		}
		dc.FailThemes[models.Theme(t)] = true
	}

	service := devserver.NewService(dc, logger)
	server := devserver.NewServer(service, listenAddr, logger)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	cmd.Printf("Development API on http://%s/api (user %s)\n", listenAddr, devUsername)

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.Stringer("signal", sig))
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	cmd.Println("Shutdown complete")
	return nil
}
