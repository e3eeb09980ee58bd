package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"particles/config"
	"particles/core"
	"particles/logging"
	"particles/physics"
	"particles/recording"
	"particles/server"
)

func main() {
	var (
		settingsPath = flag.String("config", "settings.json", "Settings file (missing means defaults)")
		particles    = flag.Int("particles", 0, "Number of particles (overrides settings)")
		seed         = flag.Uint64("seed", 0, "Random seed for the initial cloud (overrides settings)")
		addr         = flag.String("addr", "", "HTTP listen address (overrides settings)")
		steps        = flag.Int("steps", 0, "Run this many steps headless and exit")
		record       = flag.String("record", "", "Write a CBOR frame log to this file")
		logLevel     = flag.String("log-level", "", "Log level (overrides settings)")
		byCell       = flag.Bool("by-cell", false, "Group force work by octree cell")
	)
	flag.Parse()

	settings, found, err := config.Load(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		os.Exit(2)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "particles":
			settings.Simulation.ParticleCount = *particles
		case "seed":
			settings.Simulation.Seed = *seed
		case "addr":
			settings.Server.Addr = *addr
		case "record":
			settings.Recording.Path = *record
		case "log-level":
			settings.Log.Level = *logLevel
		case "by-cell":
			settings.Simulation.GroupByCell = *byCell
		}
	})
	if err := settings.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(settings.Log.Level, settings.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()
	if !found {
		log.Infow("no settings file, using defaults", "path", *settingsPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, settings, *steps, log); err != nil {
		log.Errorw("exiting", "err", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, settings config.Settings, steps int, log *zap.SugaredLogger) error {
	sim := settings.Simulation
	storeParams := core.DefaultStoreParams()
	storeParams.Count = sim.ParticleCount
	storeParams.Seed = sim.Seed
	storeParams.Spread = sim.Spread
	storeParams.MinMass = sim.MinMass
	storeParams.MaxMass = sim.MaxMass
	store := core.CreateRandomStore(storeParams)

	engine := physics.NewEngine(store, physics.Params{
		Timestep:        sim.Timestep,
		GravityConst:    sim.GravityConst,
		FusionThreshold: sim.FusionThreshold,
		Workers:         sim.Workers,
		GroupByCell:     sim.GroupByCell,
		MaxSize:         settings.Octree.MaxSize,
		MaxDepth:        settings.Octree.MaxDepth,
	}, log)

	interval := time.Duration(settings.Server.UpdateIntervalMs) * time.Millisecond
	runner := physics.NewThreadedPhysicsEngine(engine, interval, log)

	g, ctx := errgroup.WithContext(ctx)

	if settings.Recording.Path != "" {
		file, err := os.Create(settings.Recording.Path)
		if err != nil {
			return err
		}
		defer file.Close()
		rec, err := recording.NewRecorder(file, recording.NewHeader(engine), settings.Recording.Every, log)
		if err != nil {
			return err
		}
		frames, unsubscribe := runner.Subscribe()
		g.Go(func() error {
			defer unsubscribe()
			return rec.Run(ctx, frames)
		})
	}

	if steps > 0 {
		return headless(ctx, g, runner, uint64(steps), log)
	}

	g.Go(func() error {
		return runner.Run(ctx)
	})
	g.Go(func() error {
		return server.New(runner, log).Run(ctx, settings.Server.Addr)
	})
	return g.Wait()
}

// headless runs exactly target steps, then stops everything and logs the
// final totals.
func headless(ctx context.Context, g *errgroup.Group, runner *physics.ThreadedPhysicsEngine, target uint64, log *zap.SugaredLogger) error {
	start := time.Now()
	g.Go(func() error {
		return runner.RunSteps(ctx, target)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	totals, err := runner.Engine().Diagnostics(context.Background())
	if err != nil {
		return err
	}
	log.Infow("done",
		"steps", totals.Step,
		"took", time.Since(start),
		"active", totals.Active,
		"mass", totals.Mass,
		"kineticEnergy", totals.KineticEnergy,
	)
	return nil
}
