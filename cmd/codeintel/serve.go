package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codeintel/internal/api"
	"codeintel/internal/backend"
	"codeintel/internal/config"
	"codeintel/internal/conversion"
	"codeintel/internal/dumps"
	"codeintel/internal/gitserver"
	"codeintel/internal/jobs"
	"codeintel/internal/logging"
	"codeintel/internal/xrepo"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the code intelligence HTTP server",
	Long: `Start the HTTP server that accepts index uploads, converts them in the
background, and answers definition, reference, hover, and existence queries.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(rootFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg)

	storageRoot := cfg.StorageRoot
	if err := os.MkdirAll(storageRoot, 0755); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}

	servers, err := gitserver.LoadServersConfig(cfg.Xrepo.GitserversFile)
	if err != nil {
		return err
	}
	var commits gitserver.Client
	if len(servers.Servers) > 0 {
		commits = gitserver.NewHTTPClient(servers, logger)
	}

	store, err := xrepo.Open(storageRoot, commits, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	caches := dumps.NewCaches(
		cfg.Cache.ConnectionCapacity,
		cfg.Cache.DocumentCapacity,
		cfg.Cache.ResultChunkCapacity,
	)
	defer caches.Close()

	priorities, err := backend.LoadSchemePriorities(cfg.Xrepo.SchemePriorityFile)
	if err != nil {
		return err
	}

	b := backend.New(logger, store, caches, storageRoot, priorities, cfg.Xrepo.ReferencePageLimit, []byte(cfg.Xrepo.CursorSecret))

	jobStore, err := jobs.OpenStore(storageRoot, logger)
	if err != nil {
		return err
	}
	defer func() { _ = jobStore.Close() }()

	converter := conversion.NewConverter(logger, store, storageRoot)

	runner := jobs.NewRunner(jobStore, logger, time.Second)
	runner.RegisterHandler(jobs.NameConvert, converter.Handle)
	runner.RegisterHandler(jobs.NameUpdateTips, func(ctx context.Context, job *jobs.Job) error {
		var args jobs.UpdateTipsArgs
		if err := json.Unmarshal([]byte(job.Args), &args); err != nil {
			return fmt.Errorf("malformed update-tips arguments: %w", err)
		}
		return store.UpdateTips(ctx, args.Repository, args.TipCommit)
	})
	runner.RegisterHandler(jobs.NameCleanOldJobs, func(ctx context.Context, job *jobs.Job) error {
		removed, err := jobStore.CleanOld(ctx, time.Duration(cfg.Jobs.RetentionHours)*time.Hour)
		if err != nil {
			return err
		}
		logger.Info("Cleaned old jobs", map[string]interface{}{"removed": removed})
		_, err = jobStore.EnsureOnlyRepeatableJob(ctx, jobs.NameCleanOldJobs, nil, time.Now().Add(time.Hour))
		return err
	})
	runner.Start()
	defer runner.Stop()

	// Keep exactly one retention job pending at a time.
	if _, err := jobStore.EnsureOnlyRepeatableJob(context.Background(), jobs.NameCleanOldJobs, nil, time.Now().Add(time.Hour)); err != nil {
		return err
	}

	addr := cfg.HTTP.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	server := api.NewServer(addr, b, jobStore, storageRoot, logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		return err
	case sig := <-shutdown:
		logger.Info("Received shutdown signal", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func newLogger(cfg *config.Config) *logging.Logger {
	format := cfg.Logging.Format
	if logFormatFlag != "" {
		format = logFormatFlag
	}
	level := cfg.Logging.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}

	return logging.NewLogger(logging.Config{
		Format: logging.Format(format),
		Level:  logging.ParseLevel(level),
	})
}
