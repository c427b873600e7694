// Entry point for the ECG annotation demo server — chi router, in-memory
// session, embedded SPA.
package main

import (
	"context"
	"embed"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/ecglab/ingest"
	"github.com/hazyhaar/ecglab/server"
	"github.com/hazyhaar/ecglab/session"

	_ "modernc.org/sqlite"
)

//go:embed static
var staticFS embed.FS

func main() {
	cfg := server.DefaultConfig()
	if path := env("CONFIG", ""); path != "" {
		loaded, err := server.LoadConfig(path)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if port := env("PORT", ""); port != "" {
		cfg.Listen = ":" + port
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Session (in-memory; all state lives and dies with the process).
	sess, err := session.Open(session.Config{Logger: logger})
	if err != nil {
		slog.Error("session", "error", err)
		os.Exit(1)
	}
	defer sess.Close()

	pipeline := ingest.New(ingest.Config{
		MaxFileSize: int64(cfg.MaxUploadMB) << 20,
		WFDB:        &ingest.NaiveWFDB{},
		Logger:      logger,
	})

	r := server.New(cfg, sess, pipeline, logger).Routes()

	// SPA: serve index.html and static assets.
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		f, err := staticFS.Open("static/index.html")
		if err != nil {
			http.Error(w, "not found", 404)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
	r.Handle("/static/*", http.FileServerFS(staticFS))

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("ecglab starting", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("serve", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
