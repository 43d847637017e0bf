package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/fieldsync/internal/dispatchapi"
	"github.com/agentworkforce/fieldsync/internal/recordstore"
)

func newServeCommand() *cobra.Command {
	var (
		addr       string
		backendDSN string
		profile    string
		dataDir    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference dispatch service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := resolveBackendDSN(backendDSN, profile, dataDir)
			if err != nil {
				return err
			}
			backend, err := recordstore.BuildBackendFromDSN(dsn)
			if err != nil {
				return fmt.Errorf("failed to initialize record backend: %w", err)
			}
			server := dispatchapi.NewServerWithConfig(backend, dispatchapi.ServerConfig{
				JWTSecret:       os.Getenv("FIELDSYNC_JWT_SECRET"),
				RateLimitMax:    intEnv("FIELDSYNC_RATE_LIMIT_MAX", 0),
				RateLimitWindow: durationEnv("FIELDSYNC_RATE_LIMIT_WINDOW", time.Minute),
				MaxBodyBytes:    int64Env("FIELDSYNC_MAX_BODY_BYTES", 0),
				OriginPatterns:  listEnv("FIELDSYNC_ORIGIN_PATTERNS", nil),
				Logger:          log.Default(),
			})
			return serve(cmd.Context(), addr, server)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOrDefault("FIELDSYNC_ADDR", ":8080"), "listen address")
	cmd.Flags().StringVar(&backendDSN, "backend-dsn", strings.TrimSpace(os.Getenv("FIELDSYNC_BACKEND_DSN")), "record backend DSN (memory://, file://, sqlite://, postgres://)")
	cmd.Flags().StringVar(&profile, "profile", strings.TrimSpace(os.Getenv("FIELDSYNC_BACKEND_PROFILE")), "backend profile: memory, durable-local, sqlite-local, production")
	cmd.Flags().StringVar(&dataDir, "data-dir", envOrDefault("FIELDSYNC_DATA_DIR", ".fieldsync"), "data directory for local profiles")
	return cmd
}

func serve(parent context.Context, addr string, server *dispatchapi.Server) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("fieldsync listening on %s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Printf("fieldsync shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Channel peers are hijacked connections; close them before draining HTTP.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("dispatch shutdown: %v", err)
	}
	return httpServer.Shutdown(shutdownCtx)
}

// resolveBackendDSN picks the record backend. An explicit DSN wins over the
// profile; no DSN and no profile means memory.
func resolveBackendDSN(dsn, profile, dataDir string) (string, error) {
	if dsn = strings.TrimSpace(dsn); dsn != "" {
		return dsn, nil
	}
	if strings.TrimSpace(dataDir) == "" {
		dataDir = ".fieldsync"
	}
	profile = strings.ToLower(strings.TrimSpace(profile))
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "records.json"), nil
	case "sqlite-local":
		return "sqlite://" + filepath.Join(dataDir, "records.db"), nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("FIELDSYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("FIELDSYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("FIELDSYNC_PRODUCTION_DSN or FIELDSYNC_POSTGRES_DSN is required when profile=%s", profile)
		}
		return productionDSN, nil
	default:
		return "", fmt.Errorf("unsupported backend profile: %s", profile)
	}
}
