package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourorg/acetool-go/internal/config"
	"github.com/yourorg/acetool-go/internal/enhancer"
	"github.com/yourorg/acetool-go/internal/indexer"
	"github.com/yourorg/acetool-go/internal/logging"
	"github.com/yourorg/acetool-go/internal/remote"
	"github.com/yourorg/acetool-go/internal/rpc"
	"github.com/yourorg/acetool-go/internal/server"
	"github.com/yourorg/acetool-go/internal/state"
	"github.com/yourorg/acetool-go/internal/transport"
	"github.com/yourorg/acetool-go/internal/version"
)

func main() {
	// CLI flags (override config file)
	baseURL := flag.String("base-url", "", "Remote indexing API base URL")
	token := flag.String("token", "", "API token")
	transportMode := flag.String("transport", "auto", "Stdio framing: auto|line|lsp")
	httpAddr := flag.String("http", "", "HTTP management/health address (empty disables)")
	dataDir := flag.String("data", "", "Data directory (defaults to ~/.acetool/data)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error")
	maxLines := flag.Int("max-lines-per-blob", 0, "Max lines per uploaded blob")
	uploadTimeout := flag.Int("upload-timeout", 0, "Pin the per-batch upload timeout in seconds")
	uploadConcurrency := flag.Int("upload-concurrency", 0, "Pin the upload concurrency")
	retrievalTimeout := flag.Int("retrieval-timeout", 0, "Search request timeout in seconds")
	noAdaptive := flag.Bool("no-adaptive", false, "Disable adaptive upload tuning")
	indexOnly := flag.String("index-only", "", "Sync one project and exit (no MCP server)")
	enhanceOnly := flag.String("enhance-prompt", "", "Enhance one prompt and exit (no MCP server)")
	noWatch := flag.Bool("no-watch", false, "Do not watch synced projects for changes")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.UserAgent())
		return
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *maxLines > 0 {
		cfg.MaxLinesPerBlob = *maxLines
	}
	if *retrievalTimeout > 0 {
		cfg.RetrievalTimeoutSecs = *retrievalTimeout
	}
	cfg.NoAdaptive = *noAdaptive
	cfg.DisableWatch = *noWatch
	cfg.Overrides = config.Overrides{
		UploadConcurrency: *uploadConcurrency,
		UploadTimeoutSecs: *uploadTimeout,
	}
	if err := cfg.Normalize(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	mode, err := transport.ParseMode(*transportMode)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := remote.New(cfg.BaseURL, cfg.Token)
	idx := indexer.NewService(cfg, api, logger)
	enh := enhancer.New(api, idx, logger)

	switch {
	case *indexOnly != "":
		// One-shot pass: no point watching a tree the process is about
		// to leave behind.
		cfg.DisableWatch = true
		os.Exit(runIndexOnly(ctx, idx, logger, *indexOnly))
	case *enhanceOnly != "":
		os.Exit(runEnhanceOnly(ctx, enh, logger, *enhanceOnly))
	}

	serveMCP(ctx, cfg, idx, enh, logger, mode)
}

// runIndexOnly syncs one project and reports through the exit code: 0 for a
// clean sync, 2 when some blobs were dropped, 1 on a fatal error.
func runIndexOnly(ctx context.Context, idx *indexer.Service, logger *logging.Logger, root string) int {
	res, err := idx.SyncProject(ctx, root)
	if err != nil {
		logger.Error("sync failed", logging.String("root", root), logging.Error(err))
		return 1
	}
	fmt.Printf("%s: %s\n", res.Status, res.Message)
	if res.FailedBlobs > 0 {
		return 2
	}
	return 0
}

func runEnhanceOnly(ctx context.Context, enh *enhancer.Enhancer, logger *logging.Logger, prompt string) int {
	out, err := enh.Enhance(ctx, prompt, "")
	if err != nil {
		logger.Error("enhance failed", logging.Error(err))
		return 1
	}
	fmt.Println(out)
	return 0
}

func serveMCP(ctx context.Context, cfg *config.Config, idx *indexer.Service, enh *enhancer.Enhancer, logger *logging.Logger, mode transport.Mode) {
	logger.Info("acetool starting",
		logging.String("transport", mode.String()),
		logging.String("http", cfg.HTTPAddr),
		logging.String("data", cfg.DataDir),
		logging.String("settings", cfg.SettingsPath),
	)

	st := state.New()

	var httpSrv *server.HTTPServer
	errCh := make(chan error, 1)
	if cfg.HTTPAddr != "" {
		httpSrv = server.NewHTTPServer(cfg, st, idx, logger)
		go func() {
			if err := httpSrv.Start(); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if !cfg.DisableWatch {
		// Projects synced this session are watched as they sync; projects
		// from earlier runs need re-watching here.
		for root := range idx.ListProjects() {
			if err := idx.StartWatching(root); err != nil {
				logger.Warn("watch project", logging.String("root", root), logging.Error(err))
			}
		}
	}

	conn := transport.NewConn(os.Stdin, os.Stdout, mode)
	srv := rpc.NewServer(conn, logger)
	rpc.RegisterMCP(srv, idx, enh)

	st.SetReady()
	logger.Info("acetool ready")

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	select {
	case err := <-serveDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("rpc server error", logging.Error(err))
		}
	case err := <-errCh:
		logger.Error("server error", logging.Error(err))
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	st.SetStopping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", logging.Error(err))
		}
	}
	if err := idx.Close(); err != nil {
		logger.Error("indexer shutdown error", logging.Error(err))
	}
	logger.Info("acetool stopped")
}
