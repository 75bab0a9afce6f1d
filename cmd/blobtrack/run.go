package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/blob.track/internal/monitor"
	"github.com/banshee-data/blob.track/internal/monitoring"
	"github.com/banshee-data/blob.track/internal/pose"
	"github.com/banshee-data/blob.track/internal/timeutil"
	"github.com/banshee-data/blob.track/internal/tracking"
	"github.com/banshee-data/blob.track/internal/tracking/source"
	"github.com/banshee-data/blob.track/internal/trackstore"
)

type runOptions struct {
	dbPath   string
	listen   string
	source   string
	seed     uint64
	targets  int
	noise    float64
	dropout  float64
	duration time.Duration

	poseURL      string
	poseRate     float64
	poseDeadband float64
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tracker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runTracker(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.dbPath, "db", "blobtrack.db", "SQLite database path (empty disables recording)")
	f.StringVar(&opts.listen, "listen", ":8080", "Monitor listen address (empty disables the monitor)")
	f.StringVar(&opts.source, "source", "synthetic", "Detection source: synthetic or feed")
	f.Uint64Var(&opts.seed, "seed", 1, "Synthetic source random seed")
	f.IntVar(&opts.targets, "targets", 3, "Synthetic source target count")
	f.Float64Var(&opts.noise, "noise", 0.5, "Synthetic position noise in pixels")
	f.Float64Var(&opts.dropout, "dropout", 0.05, "Synthetic per-detection dropout probability")
	f.DurationVar(&opts.duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	f.StringVar(&opts.poseURL, "pose-url", "", "POST aim commands to this URL (default logs them)")
	f.Float64Var(&opts.poseRate, "pose-rate", 10, "Max aim commands per second (0 is unlimited)")
	f.Float64Var(&opts.poseDeadband, "pose-deadband", 0.5, "Aim deadband in degrees")
	return cmd
}

func runTracker(ctx context.Context, opts runOptions) error {
	tuning, err := loadTuning(configPath)
	if err != nil {
		return err
	}
	cfg := tracking.ConfigFromTuning(tuning)
	clock := timeutil.RealClock{}

	engine, err := tracking.NewEngine(cfg, tracking.WithClock(clock))
	if err != nil {
		return err
	}

	var feed *source.Feed
	var src tracking.Source
	origin := tracking.OriginLive
	switch opts.source {
	case "feed":
		feed = source.NewFeed(clock)
		src = feed
	case "synthetic":
		src = source.NewSynthetic(source.SyntheticConfig{
			Clock:       clock,
			Seed:        opts.seed,
			Targets:     source.OrbitTargets(opts.targets, cfg.FOV, float64(cfg.FOV.WidthPx)/4, 20),
			NoisePx:     opts.noise,
			DropoutRate: opts.dropout,
		})
		origin = tracking.OriginTest
	default:
		return fmt.Errorf("unknown source %q (want synthetic or feed)", opts.source)
	}

	var store *trackstore.Store
	if opts.dbPath != "" {
		store, err = trackstore.Open(opts.dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
		engine.AddRecorder(store)
	}

	var sink pose.Sink = pose.LogSink{}
	if opts.poseURL != "" {
		sink = pose.NewHTTPSink(opts.poseURL, nil)
	}
	follower := pose.NewFollower(pose.FollowerConfig{
		Geometry:    engine.FieldOfView,
		Sink:        sink,
		DeadbandDeg: opts.poseDeadband,
		MaxRate:     opts.poseRate,
		Timeout:     time.Second,
	})
	engine.AddRecorder(follower)

	runner := tracking.NewRunner(tracking.RunnerConfig{
		Engine:   engine,
		Source:   src,
		Origin:   origin,
		Interval: tuning.GetTickInterval(),
		Clock:    clock,
	})

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitoring.Opsf("tracker running: source=%s interval=%v max_agents=%d", opts.source, tuning.GetTickInterval(), cfg.MaxAgents)
		return runner.Run(ctx)
	})
	if opts.listen != "" {
		srv, err := monitor.NewServer(monitor.Options{Engine: engine, Feed: feed, Store: store, Follower: follower})
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.ListenAndServe(ctx, opts.listen) })
	}

	err = g.Wait()
	stats := engine.Stats()
	monitoring.Opsf("tracker stopped: ticks=%d agents_spawned=%d best_switches=%d", stats.Ticks, stats.AgentsSpawned, stats.BestSwitches)
	return err
}
