package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ctxsync/ctxsyncd/internal/broadcast"
	"github.com/ctxsync/ctxsyncd/internal/cache"
	"github.com/ctxsync/ctxsyncd/internal/config"
	"github.com/ctxsync/ctxsyncd/internal/ingest"
	"github.com/ctxsync/ctxsyncd/internal/server"
	"github.com/ctxsync/ctxsyncd/internal/service"
	"github.com/ctxsync/ctxsyncd/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the context synchronization daemon",
	Long: `Start the long-lived context synchronization process.

The daemon serves put/get/diff over HTTP and streams committed versions to
WebSocket subscribers at /v1/projects/{project}/subscribe. With ingest rules
configured (or --watch), it also mirrors directories into project contexts.

Example usage:
  ctxsyncd serve                         # defaults, port 7171
  ctxsyncd serve --port 9000
  ctxsyncd serve --watch myproj=./docs   # mirror ./docs into "myproj"`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	serveCmd.Flags().String("log-file", "", "tee logs to a rotating file (overrides config)")
	serveCmd.Flags().StringArray("watch", nil, "directory to mirror, as project=dir (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
		cfg.Server.LogFile = logFile
	}

	watches, _ := cmd.Flags().GetStringArray("watch")
	for _, spec := range watches {
		rule, err := parseWatchSpec(spec)
		if err != nil {
			return err
		}
		cfg.Ingest = append(cfg.Ingest, rule)
	}

	logSink := io.Writer(os.Stderr)
	if cfg.Server.LogFile != "" {
		logSink = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Server.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	newLogger := func(prefix string) *log.Logger {
		return log.New(logSink, prefix, log.LstdFlags)
	}

	svc := service.New(&service.Config{
		Store: &store.Config{
			MaxContexts:    cfg.Store.MaxContexts,
			MaxContextSize: cfg.Store.MaxContextSizeMB << 20,
			MaxVersions:    cfg.Store.MaxVersions,
			IdleTTL:        cfg.Store.IdleTTL,
			SweepInterval:  cfg.Store.SweepInterval,
			Logger:         newLogger("[store] "),
		},
		Cache: &cache.Config{
			TTL:           cfg.Cache.TTL,
			SweepInterval: cfg.Cache.SweepInterval,
			Logger:        newLogger("[cache] "),
		},
		Broadcast: &broadcast.Config{
			QueueSize: cfg.Broadcast.QueueSize,
			Logger:    newLogger("[broadcast] "),
		},
		StrictCompare:        cfg.Diff.StrictCompare,
		CompressionThreshold: cfg.Diff.CompressionThresholdBytes,
		Logger:               newLogger("[service] "),
	})
	defer svc.Close()

	srv := server.New(svc, &server.Config{
		Port:   cfg.Server.Port,
		Logger: newLogger("[server] "),
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	var watchers []*ingest.Watcher
	for _, rule := range cfg.Ingest {
		wcfg := ingest.DefaultConfig(rule.Project, rule.Dir)
		wcfg.Priority = rule.Priority
		wcfg.Logger = newLogger("[ingest] ")

		w, err := ingest.New(svc, wcfg)
		if err != nil {
			_ = srv.Stop()
			return err
		}
		if err := w.Start(); err != nil {
			_ = srv.Stop()
			return fmt.Errorf("failed to watch %s: %w", rule.Dir, err)
		}
		watchers = append(watchers, w)
	}

	fmt.Printf("ctxsyncd listening on http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("Subscribe endpoint: ws://localhost:%d/v1/projects/{project}/subscribe\n", cfg.Server.Port)
	fmt.Println("\nPress Ctrl+C to stop...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	fmt.Println("\nShutting down...")
	for _, w := range watchers {
		if err := w.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping watcher: %v\n", err)
		}
	}
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	fmt.Println("Stopped")
	return nil
}

// parseWatchSpec parses a project=dir flag value.
func parseWatchSpec(spec string) (config.IngestRule, error) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '=' && i > 0 && i < len(spec)-1 {
			return config.IngestRule{
				Project:  spec[:i],
				Dir:      spec[i+1:],
				Priority: 10,
			}, nil
		}
	}
	return config.IngestRule{}, fmt.Errorf("invalid --watch value %q, expected project=dir", spec)
}
