package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openchatalytics/chatalytics/internal/bus"
	"github.com/openchatalytics/chatalytics/internal/config"
	"github.com/openchatalytics/chatalytics/internal/gateway"
	"github.com/openchatalytics/chatalytics/internal/pipeline"
	"github.com/openchatalytics/chatalytics/internal/snapshot"
	"github.com/openchatalytics/chatalytics/internal/source"
	"github.com/openchatalytics/chatalytics/internal/store"
)

const shutdownGrace = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "chatalytics",
	Short: "chatalytics - chat message analytics pipeline",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run live ingestion, snapshot refresh and the query gateway",
	RunE:  runServe,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Ingest a bounded historical time range and exit",
	RunE:  runBackfill,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write a default config file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and stored snapshot counts",
	RunE:  runStatus,
}

var (
	backfillStart  string
	backfillEnd    string
	backfillWindow string
)

func init() {
	backfillCmd.Flags().StringVar(&backfillStart, "start", "", "range start (RFC3339), overrides config")
	backfillCmd.Flags().StringVar(&backfillEnd, "end", "", "range end (RFC3339), overrides config")
	backfillCmd.Flags().StringVar(&backfillWindow, "window", "", "walk window (e.g. 6h), overrides config")

	rootCmd.AddCommand(serveCmd, backfillCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap wires the shared pieces every ingestion command needs.
// Unknown backend kinds and missing credentials fail here, before any
// fetch is attempted.
func bootstrap() (*config.Config, source.BackendKind, *source.Registry, *store.Store, *bus.EventBus, *pipeline.Supervisor, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, "", nil, nil, nil, nil, err
	}

	kind := source.BackendKind(cfg.Backend)
	registry := source.NewRegistry(cfg)
	if err := registry.Validate(kind); err != nil {
		return nil, "", nil, nil, nil, nil, err
	}
	if _, err := registry.Source(kind); err != nil {
		return nil, "", nil, nil, nil, nil, err
	}

	st, err := store.NewStore(cfg.Storage.DBPath)
	if err != nil {
		return nil, "", nil, nil, nil, nil, err
	}

	b := bus.NewEventBus()
	sink := pipeline.NewSink(st, b, cfg.Storage.BucketWidthDuration())
	sup := pipeline.NewSupervisor(kind, registry, sink, st, cfg)
	return cfg, kind, registry, st, b, sup, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, kind, registry, st, b, sup, err := bootstrap()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snapshots := snapshot.NewService(kind, registry, st, sup.Emojis(), cfg.Snapshot)
	if err := snapshots.Start(ctx); err != nil {
		return err
	}
	defer snapshots.Stop()

	gw := gateway.NewGateway(cfg.Gateway, st, b, sup)
	gw.Start()
	defer func() {
		if err := gw.Stop(); err != nil {
			log.Printf("[main] %v", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	// Bounded grace: loops finish or abort their current cycle, then
	// the process exits either way.
	log.Printf("[main] shutting down, waiting up to %s for room loops", shutdownGrace)
	select {
	case err := <-done:
		return err
	case <-time.After(shutdownGrace):
		log.Printf("[main] grace period elapsed, exiting")
		return nil
	}
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, _, _, st, _, sup, err := bootstrap()
	if err != nil {
		return err
	}
	defer st.Close()

	if backfillStart != "" {
		cfg.Backfill.Start = backfillStart
	}
	if backfillEnd != "" {
		cfg.Backfill.End = backfillEnd
	}
	if backfillWindow != "" {
		cfg.Backfill.Window = backfillWindow
	}

	start, end, err := cfg.Backfill.Bounds()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return sup.RunBackfill(ctx, start, end, cfg.Backfill.WindowDuration())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	path := config.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("config already exists at %s\n", path)
		return nil
	}

	if err := config.SaveConfig(config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("wrote default config to %s\n", path)
	fmt.Println("set a backend and its token, e.g.:")
	fmt.Println(`  "backend": "slack"  plus CHATALYTICS_SLACK_TOKEN`)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("backend:      %s\n", cfg.Backend)
	fmt.Printf("db path:      %s\n", cfg.Storage.DBPath)
	fmt.Printf("bucket width: %s\n", cfg.Storage.BucketWidth)
	fmt.Printf("gateway:      %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)

	st, err := store.NewStore(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	rooms, err := st.ListRooms()
	if err != nil {
		return err
	}
	users, err := st.ListUsers()
	if err != nil {
		return err
	}
	fmt.Printf("rooms:        %d\n", len(rooms))
	fmt.Printf("users:        %d\n", len(users))
	return nil
}
