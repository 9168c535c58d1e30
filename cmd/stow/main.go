package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"stow/internal/ledger"
	"stow/internal/server"
	"stow/pkg/s3engine"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func Run(ctx context.Context) error {

	listenAddr := flag.String("listen", "8080", "HTTP listen port")
	endpoint := flag.String("endpoint", getenv("STOW_S3_ENDPOINT", "localhost:9000"), "S3 endpoint host:port")
	useSSL := flag.Bool("ssl", false, "use TLS when talking to the S3 endpoint")
	bucket := flag.String("bucket", getenv("STOW_BUCKET", "uploads"), "destination bucket")
	dataDir := flag.String("data-dir", "./data", "directory for the upload ledger database")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	client, err := minio.New(*endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			getenv("STOW_S3_ACCESS_KEY", "minioadmin"),
			getenv("STOW_S3_SECRET_KEY", "minioadmin"),
			"",
		),
		Secure: *useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}

	engine, err := s3engine.New(s3engine.Options{
		Client:      client,
		Bucket:      s3engine.Fixed(*bucket),
		ContentType: s3engine.AutoContentType,
	})
	if err != nil {
		return fmt.Errorf("failed to create storage engine: %w", err)
	}

	l, err := ledger.Open(filepath.Join(absDataDir, "ledger.sqlite"))
	if err != nil {
		return fmt.Errorf("failed to open upload ledger: %w", err)
	}
	defer l.Close()

	srv, err := server.NewServer(server.Config{
		Engine:   engine,
		Ledger:   l,
		Username: getenv("STOW_USERNAME", ""),
		Password: getenv("STOW_PASSWORD", ""),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *listenAddr),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		WriteTimeout:      20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting Stow HTTP server", "port", *listenAddr, "endpoint", *endpoint, "bucket", *bucket)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Stow Started")
	return eg.Wait()

}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Stow exited with error", "error", err)
	}
}
