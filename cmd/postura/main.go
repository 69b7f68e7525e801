// Package main provides the postura command: the session worker and report tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"

	"github.com/thebtf/postura/internal/config"
	"github.com/thebtf/postura/internal/db/gorm"
	"github.com/thebtf/postura/internal/report"
	"github.com/thebtf/postura/internal/watcher"
	"github.com/thebtf/postura/internal/worker"
)

// Version is set at build time via ldflags.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool
	var envFile string

	root := &cobra.Command{
		Use:           "postura",
		Short:         "Real-time posture sessions and reports",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			setupLogging(debug)
			return loadEnv(envFile)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with POSTURA_* overrides")

	root.AddCommand(newServeCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newSessionsCmd())
	return root
}

func setupLogging(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

// loadEnv applies a dotenv file without overriding variables already set.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("Loaded environment file")
	return nil
}

func loadConfig() *config.Config {
	if err := config.EnsureAll(); err != nil {
		log.Warn().Err(err).Msg("Failed to ensure data directory")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	return cfg
}

func openRecords(cfg *config.Config) (*gorm.Store, *gorm.SessionRecordStore, error) {
	store, err := gorm.NewStore(gorm.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DSN(),
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, gorm.NewSessionRecordStore(store), nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session worker",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := loadConfig()

			svc, err := worker.NewService(Version, cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			for _, w := range startConfigWatchers(svc) {
				defer func() { _ = w.Stop() }()
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(svc.Start)
			g.Go(func() error {
				<-gctx.Done()
				log.Info().Msg("Shutting down posture worker")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return svc.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

// startConfigWatchers reloads settings in place when the settings file or
// the endpoint registry changes.
func startConfigWatchers(svc *worker.Service) []*watcher.Watcher {
	reload := func() {
		if err := svc.ReloadConfig(); err != nil {
			log.Error().Err(err).Msg("Failed to reload config")
		}
	}

	settingsPath := config.SettingsPath()
	targets := []struct {
		path string
		cb   watcher.Callbacks
	}{
		{settingsPath, watcher.Callbacks{
			OnChange: reload,
			OnDelete: func() {
				log.Warn().Str("path", settingsPath).Msg("Settings file removed, recreating defaults")
				if err := config.EnsureSettings(); err != nil {
					log.Error().Err(err).Msg("Failed to recreate settings")
				}
			},
		}},
		{config.EndpointsPath(), watcher.Callbacks{OnChange: reload, OnDelete: reload}},
	}

	var started []*watcher.Watcher
	for _, tgt := range targets {
		w, err := watcher.New(tgt.path, tgt.cb)
		if err != nil {
			log.Warn().Err(err).Str("path", tgt.path).Msg("Failed to create config watcher")
			continue
		}
		if err := w.Start(); err != nil {
			log.Warn().Err(err).Str("path", tgt.path).Msg("Failed to start config watcher")
			continue
		}
		log.Info().Str("path", tgt.path).Msg("Config file watcher started")
		started = append(started, w)
	}
	return started
}

func newReportCmd() *cobra.Command {
	var replayFile string

	cmd := &cobra.Command{
		Use:   "report [session-id]",
		Short: "Print a posture report as JSON",
		Long: "Print the report for a stored session, for a session replayed from a YAML file,\n" +
			"or a placeholder report when neither is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req report.Request
			var finder report.SessionFinder

			switch {
			case replayFile != "":
				rec, err := loadReplay(replayFile)
				if err != nil {
					return err
				}
				req.Session = &report.SessionInput{
					ID:              rec.ID,
					Events:          rec.Events,
					DurationSeconds: rec.DurationSeconds,
					RecordedAt:      rec.RecordedAt,
				}
			case len(args) == 1:
				store, records, err := openRecords(loadConfig())
				if err != nil {
					return err
				}
				defer store.Close()
				finder = records
				req.SessionID = args[0]
			}

			rep, err := report.NewAssembler(finder).Assemble(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("%w (%s)", err, report.ActionFor(report.Kind(err)))
			}

			out, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&replayFile, "file", "", "YAML session record to replay")
	return cmd
}

func newSessionsCmd() *cobra.Command {
	var endpoint string
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent stored sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			store, records, err := openRecords(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if limit <= 0 {
				limit = cfg.RecentSessions
			}
			recs, err := records.ListSessionRecords(cmd.Context(), endpoint, limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}
			for _, rec := range recs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %6.0fs  %d events\n",
					rec.ID, rec.RecordedAt.Local().Format(time.DateTime), rec.DurationSeconds, len(rec.Events))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "only sessions recorded against this endpoint")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum sessions to list")
	return cmd
}
