package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/config"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/mcdev12/roundsync/go/internal/rotation"
	"github.com/mcdev12/roundsync/go/internal/round"
	"github.com/mcdev12/roundsync/go/internal/roundclock"
	"github.com/mcdev12/roundsync/go/internal/syncclient"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "roundsync",
		Usage: "round lifecycle and client time-sync engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"ROUNDSYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			watchCommand(),
			roundCommand(),
			targetCommand(),
			counterCommand(),
			migrateCommand(),
			resetCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API, websocket gateway and notification bus",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(c.Context)
			defer stop()

			clock := clockwork.NewRealClock()
			backend, err := setupBackend(ctx, cfg, clock, true)
			if err != nil {
				return err
			}
			defer backend.Close()

			services := setupServices(cfg, backend, clock, backend.Store)
			defer services.Bus.Close()
			go syncOffset(ctx, clock, services.Offset, cfg.Clock.ResyncInterval)

			go func() {
				if err := services.Bus.Run(ctx, backend.Changes); err != nil {
					log.Error().Err(err).Msg("notification bus failed")
				}
			}()
			go services.Gateway.Start(ctx, services.Bus)

			server := setupServer(cfg.HTTPAddr, services)
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("server shutdown failed")
				}
			}()

			log.Info().
				Str("addr", cfg.HTTPAddr).
				Str("store", cfg.Store.Driver).
				Str("counter", cfg.Store.CounterDriver).
				Str("origin", services.Bus.Origin()).
				Msg("starting roundsync server")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			log.Info().Msg("server stopped")
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "follow a round headlessly and log its countdown and rotation",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "round", Usage: "round ID to follow (default: the current round)"},
			&cli.StringFlag{Name: "time-url", Usage: "server time endpoint, e.g. http://localhost:8080/api/time"},
			&cli.DurationFlag{Name: "report", Value: 10 * time.Second, Usage: "how often to log a snapshot"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			sessionCfg := sessionConfig(cfg)
			if raw := c.String("round"); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("invalid round ID %q: %w", raw, err)
				}
				sessionCfg.RoundID = id
			}

			ctx, stop := signalContext(c.Context)
			defer stop()

			clock := clockwork.NewRealClock()
			backend, err := setupBackend(ctx, cfg, clock, true)
			if err != nil {
				return err
			}
			defer backend.Close()

			var timeSource roundclock.TimeSource = backend.Store
			if url := c.String("time-url"); url != "" {
				timeSource = roundclock.HTTPTimeSource{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
			}

			services := setupServices(cfg, backend, clock, timeSource)
			defer services.Bus.Close()
			go func() {
				if err := services.Bus.Run(ctx, backend.Changes); err != nil {
					log.Error().Err(err).Msg("notification bus failed")
				}
			}()

			// The session resyncs the shared estimator on its own schedule.
			session := syncclient.NewSession(backend.Store, services.Bus, clock, sessionCfg,
				syncclient.WithOffsetEstimator(services.Offset),
				syncclient.WithTargetResolver(backend.Store),
				syncclient.WithWarning(func(r models.Round, remaining int) {
					log.Warn().Str("round_id", r.ID.String()).Int("remaining", remaining).Msg("round ending soon")
				}),
				syncclient.WithExpiry(func(r models.Round) {
					log.Warn().Str("round_id", r.ID.String()).Msg("round time is up")
				}),
				syncclient.WithRoundChange(func(prev, next *models.Round) {
					logRoundChange(prev, next)
				}),
				syncclient.WithRotation(func(state rotation.State) {
					log.Info().
						Str("round_id", state.RoundID.String()).
						Int("index", state.ActiveIndex).
						Int("passed", len(state.Passed)).
						Msg("rotation advanced")
				}),
			)

			go reportSnapshots(ctx, clock, session, c.Duration("report"))
			return session.Run(ctx)
		},
	}
}

func logRoundChange(prev, next *models.Round) {
	switch {
	case next == nil:
		log.Info().Msg("no round to follow")
	case prev == nil || prev.ID != next.ID:
		log.Info().
			Str("round_id", next.ID.String()).
			Int("sequence_number", next.SequenceNumber).
			Str("status", string(next.Status)).
			Msg("following round")
	default:
		log.Info().
			Str("round_id", next.ID.String()).
			Str("from", string(prev.Status)).
			Str("to", string(next.Status)).
			Int("duration", next.DurationSeconds).
			Msg("round changed")
	}
}

func reportSnapshots(ctx context.Context, clock clockwork.Clock, session *syncclient.Session, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			snap := session.Snapshot()
			event := log.Info().
				Str("round_id", snap.RoundID.String()).
				Str("status", string(snap.Status)).
				Str("remaining", snap.FormattedTime).
				Float64("progress", snap.ProgressPercentage).
				Int("index", snap.ActiveIndex).
				Int64("offset_ms", snap.OffsetMillis)
			if target, err := session.ResolveTarget(ctx, session.ActiveTarget()); err == nil && target != nil {
				event = event.Str("active_target", target.Name)
			}
			event.Msg("round snapshot")
		}
	}
}

// withApps opens the store without a change source for one-shot admin
// commands.
func withApps(c *cli.Context, fn func(ctx context.Context, services *Services, backend *Backend) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	clock := clockwork.NewRealClock()
	backend, err := setupBackend(c.Context, cfg, clock, false)
	if err != nil {
		return err
	}
	defer backend.Close()

	services := setupServices(cfg, backend, clock, backend.Store)
	defer services.Bus.Close()
	if _, err := services.Offset.Estimate(c.Context); err != nil {
		log.Warn().Err(err).Msg("clock offset estimate failed, publishing with local time")
	}
	return fn(c.Context, services, backend)
}

func roundIDArg(c *cli.Context) (uuid.UUID, error) {
	raw := c.Args().First()
	if raw == "" {
		return uuid.Nil, errors.New("round ID argument is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid round ID %q: %w", raw, err)
	}
	return id, nil
}

func transitionCommand(name, usage string, run func(app *round.App, ctx context.Context, id uuid.UUID) (*round.TransitionResult, error)) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<round-id>",
		Action: func(c *cli.Context) error {
			id, err := roundIDArg(c)
			if err != nil {
				return err
			}
			return withApps(c, func(ctx context.Context, services *Services, _ *Backend) error {
				res, err := run(services.RoundApp, ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("round %s is %s (changed: %t)\n", res.Round.ID, res.Round.Status, res.Changed)
				return nil
			})
		},
	}
}

func roundCommand() *cli.Command {
	return &cli.Command{
		Name:  "round",
		Usage: "administer rounds",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "create a round",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "duration", Value: 300, Usage: "duration in seconds"},
					&cli.IntFlag{Name: "sequence", Usage: "explicit sequence number (default: next)"},
				},
				Action: func(c *cli.Context) error {
					req := round.CreateRoundRequest{DurationSeconds: c.Int("duration")}
					if c.IsSet("sequence") {
						seq := c.Int("sequence")
						req.SequenceNumber = &seq
					}
					return withApps(c, func(ctx context.Context, services *Services, _ *Backend) error {
						r, err := services.RoundApp.Create(ctx, req)
						if err != nil {
							return err
						}
						fmt.Printf("created round %d: %s (%ds)\n", r.SequenceNumber, r.ID, r.DurationSeconds)
						return nil
					})
				},
			},
			transitionCommand("start", "start or resume a round", (*round.App).Start),
			transitionCommand("pause", "pause an active round", (*round.App).Pause),
			transitionCommand("finish", "finish a round", (*round.App).Finish),
			{
				Name:  "list",
				Usage: "list rounds",
				Action: func(c *cli.Context) error {
					return withApps(c, func(ctx context.Context, services *Services, _ *Backend) error {
						rounds, err := services.RoundApp.List(ctx)
						if err != nil {
							return err
						}
						for _, r := range rounds {
							fmt.Printf("%4d  %s  %-8s  %ds\n", r.SequenceNumber, r.ID, r.Status, r.DurationSeconds)
						}
						return nil
					})
				},
			},
			{
				Name:      "sequence",
				Usage:     "generate a target sequence from every known target",
				ArgsUsage: "<round-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "length", Value: 10, Usage: "number of slots"},
					&cli.StringFlag{Name: "by", Value: "cli", Usage: "who defined the sequence"},
				},
				Action: func(c *cli.Context) error {
					id, err := roundIDArg(c)
					if err != nil {
						return err
					}
					return withApps(c, func(ctx context.Context, services *Services, backend *Backend) error {
						targets, err := backend.Store.ListTargets(ctx)
						if err != nil {
							return err
						}
						pool := make([]uuid.UUID, len(targets))
						for i, t := range targets {
							pool[i] = t.ID
						}
						entries, err := services.RoundApp.GenerateSequence(ctx, id, round.GenerateSequenceRequest{
							Pool:      pool,
							Length:    c.Int("length"),
							DefinedBy: c.String("by"),
						})
						if err != nil {
							return err
						}
						fmt.Printf("defined %d slots for round %s\n", len(entries), id)
						return nil
					})
				},
			},
		},
	}
}

func targetCommand() *cli.Command {
	return &cli.Command{
		Name:  "target",
		Usage: "manage production targets",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "add a target",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "image", Usage: "image URL"},
				},
				Action: func(c *cli.Context) error {
					name := c.Args().First()
					if name == "" {
						return errors.New("target name is required")
					}
					return withApps(c, func(ctx context.Context, _ *Services, backend *Backend) error {
						t, err := backend.Store.CreateTarget(ctx, models.Target{Name: name, ImageURL: c.String("image")})
						if err != nil {
							return err
						}
						fmt.Printf("created target %s: %s\n", t.Name, t.ID)
						return nil
					})
				},
			},
			{
				Name:  "list",
				Usage: "list targets",
				Action: func(c *cli.Context) error {
					return withApps(c, func(ctx context.Context, _ *Services, backend *Backend) error {
						targets, err := backend.Store.ListTargets(ctx)
						if err != nil {
							return err
						}
						for _, t := range targets {
							fmt.Printf("%s  %s\n", t.ID, t.Name)
						}
						return nil
					})
				},
			},
		},
	}
}

func counterCommand() *cli.Command {
	return &cli.Command{
		Name:  "counter",
		Usage: "manage the round sequence counter",
		Subcommands: []*cli.Command{
			{
				Name:      "reset",
				Usage:     "make the next allocated sequence number value+1",
				ArgsUsage: "[value]",
				Action: func(c *cli.Context) error {
					value := 0
					if raw := c.Args().First(); raw != "" {
						v, err := strconv.Atoi(raw)
						if err != nil || v < 0 {
							return fmt.Errorf("invalid counter value %q", raw)
						}
						value = v
					}
					return withApps(c, func(ctx context.Context, _ *Services, backend *Backend) error {
						if err := backend.Counter.Reset(ctx, value); err != nil {
							return err
						}
						fmt.Printf("next sequence number is %d\n", value+1)
						return nil
					})
				},
			},
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "create or update the Postgres schema",
		Action: func(c *cli.Context) error {
			return withApps(c, func(ctx context.Context, _ *Services, backend *Backend) error {
				if backend.Postgres == nil {
					return errors.New("migrate requires the postgres store")
				}
				if err := backend.Postgres.Migrate(ctx); err != nil {
					return err
				}
				fmt.Println("schema is up to date")
				return nil
			})
		},
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "delete every round, sequence and order and restart numbering",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "yes", Usage: "confirm the reset"},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("yes") {
				return errors.New("refusing to reset without --yes")
			}
			return withApps(c, func(ctx context.Context, services *Services, _ *Backend) error {
				if err := services.RoundApp.Reset(ctx); err != nil {
					return err
				}
				fmt.Println("all rounds deleted")
				return nil
			})
		},
	}
}
