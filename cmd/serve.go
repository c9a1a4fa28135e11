package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-linker/internal/constants"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/database/postgres"
	"github.com/kozaktomas/face-linker/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the Face Linker HTTP API.
The API accepts detection dumps for analysis, exposes persons, videos and runs,
and serves Prometheus metrics on /metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (defaults to WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (defaults to WEB_HOST)")
}

// initFaceHNSW builds or loads the face HNSW index for fast similarity search.
func initFaceHNSW(ctx context.Context, faceRepo *postgres.FaceRepository, indexPath string) {
	if indexPath != "" {
		logger.Info("loading face HNSW index", "path", indexPath)
	} else {
		logger.Info("building in-memory face HNSW index")
	}
	if err := faceRepo.EnableHNSW(ctx, indexPath); err != nil {
		logger.Warn("failed to build face HNSW index, face search will query PostgreSQL", "error", err)
		return
	}
	logger.Info("face HNSW index ready", "faces", faceRepo.HNSWCount(), "path", indexPath)
}

// saveHNSWIndex saves the face HNSW index to disk during shutdown.
func saveHNSWIndex() {
	rebuilder := database.GetFaceHNSWRebuilder()
	if rebuilder == nil {
		return
	}
	if err := rebuilder.SaveHNSWIndex(); err != nil {
		logger.Warn("failed to save face HNSW index", "error", err)
		return
	}
	logger.Info("face HNSW index saved")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := openBackend(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer b.Close()

	initFaceHNSW(ctx, b.pg.FaceRepository(), b.cfg.Database.HNSWIndexPath)

	if port := mustGetInt(cmd, "port"); port > 0 {
		b.cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		b.cfg.Web.Host = host
	}

	server := web.NewServer(b.cfg, b.pipeline, b.store, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		saveHNSWIndex()

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, constants.ShutdownTimeoutSeconds*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
	}()

	fmt.Printf("Starting Face Linker API on http://%s:%d\n", b.cfg.Web.Host, b.cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
