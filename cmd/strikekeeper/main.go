package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/strikekeeper/strikekeeper/internal/adapter/http"
	"github.com/strikekeeper/strikekeeper/internal/archive"
	"github.com/strikekeeper/strikekeeper/internal/config"
	"github.com/strikekeeper/strikekeeper/internal/coordinator"
	"github.com/strikekeeper/strikekeeper/internal/domain"
	"github.com/strikekeeper/strikekeeper/internal/export"
	"github.com/strikekeeper/strikekeeper/internal/ingest"
	"github.com/strikekeeper/strikekeeper/internal/observability"
	"github.com/strikekeeper/strikekeeper/internal/provider"
	"github.com/strikekeeper/strikekeeper/internal/retention"
	"github.com/strikekeeper/strikekeeper/internal/store"
)

// application bundles the shared components every command builds on.
type application struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	store   *store.Store
	clock   clockwork.Clock
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, app *application, args []string) error
}

// commands is the static dispatch table. "update" is the default when no
// subcommand is given.
var commands = []command{
	{"update", "run one scheduled pass: ingest if stale, then purge if stale", runUpdate},
	{"ingest", "fetch and store strikes for an explicit time window", runIngest},
	{"purge", "delete expired strikes, or an explicit window with -start/-end", runPurge},
	{"query", "print stored strikes for a time window as CSV", runQuery},
	{"serve", "run continuously with scheduled updates and an HTTP endpoint", runServe},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	name := "update"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		name, args = args[0], args[1:]
	}

	cmd := lookup(name)
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	app := &application{cfg: cfg, logger: logger, metrics: metrics, store: st, clock: clockwork.NewRealClock()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, app, args); err != nil {
		logger.Error("command failed", "command", cmd.name, "error", err)
		os.Exit(1)
	}
}

func lookup(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: strikekeeper [command] [flags]")
	fmt.Fprintln(os.Stderr, "\ncommands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.summary)
	}
}

func (app *application) newPipeline() (*ingest.Pipeline, error) {
	if err := app.cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	client := provider.NewClient(app.cfg.ProviderBaseURL, app.cfg.ProviderRegion,
		provider.Credentials{Login: app.cfg.ProviderLogin, Password: app.cfg.ProviderPassword},
		app.cfg.FetchTimeout, app.logger)

	var arch archive.Archiver
	if app.cfg.ArchiveDir != "" {
		arch = archive.NewDirArchiver(app.cfg.ArchiveDir)
	}

	return ingest.New(app.store, client, arch, app.logger, app.metrics, app.clock, ingest.Options{
		Concurrency:    app.cfg.FetchConcurrency,
		MaxRetries:     app.cfg.FetchRetries,
		RetryBaseDelay: app.cfg.RetryBaseDelay,
		Lookback:       time.Duration(app.cfg.RetentionDays) * 24 * time.Hour,
	}), nil
}

func (app *application) newRetention() *retention.Manager {
	return retention.New(app.store, app.logger, app.metrics, app.clock, retention.Options{
		RetentionDays:  app.cfg.RetentionDays,
		EventGraceDays: app.cfg.EventGraceDays,
	})
}

func (app *application) newCoordinator() (*coordinator.Coordinator, error) {
	p, err := app.newPipeline()
	if err != nil {
		return nil, err
	}
	return coordinator.New(app.store, p, app.newRetention(),
		coordinator.LogNotifier{Logger: app.logger}, app.logger, app.metrics, app.clock,
		coordinator.Options{
			IngestStaleness: app.cfg.IngestStaleness,
			PurgeStaleness:  app.cfg.PurgeStaleness,
			MaxAttempts:     app.cfg.UpdateRetries + 1,
			RetryDelay:      app.cfg.UpdateRetryDelay,
			SafetyLag:       app.cfg.IngestSafetyLag,
			Lookback:        time.Duration(app.cfg.RetentionDays) * 24 * time.Hour,
		}), nil
}

func runUpdate(ctx context.Context, app *application, args []string) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	coord, err := app.newCoordinator()
	if err != nil {
		return err
	}
	return coord.Run(ctx)
}

func runIngest(ctx context.Context, app *application, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	startFlag := fs.String("start", "", "window start (RFC 3339)")
	endFlag := fs.String("end", "", "window end (RFC 3339, exclusive)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	now := app.clock.Now().UTC()
	end := domain.TruncateToSlot(now.Add(-app.cfg.IngestSafetyLag))
	start := end.Add(-time.Duration(app.cfg.RetentionDays) * 24 * time.Hour)
	var err error
	if *startFlag != "" {
		if start, err = time.Parse(time.RFC3339, *startFlag); err != nil {
			return fmt.Errorf("invalid -start: %w", err)
		}
	}
	if *endFlag != "" {
		if end, err = time.Parse(time.RFC3339, *endFlag); err != nil {
			return fmt.Errorf("invalid -end: %w", err)
		}
	}

	p, err := app.newPipeline()
	if err != nil {
		return err
	}
	sum, err := p.Ingest(ctx, start, end)
	if err != nil {
		return err
	}
	app.logger.Info("ingest finished",
		"planned", sum.UnitsPlanned, "skipped", sum.UnitsSkipped,
		"succeeded", sum.UnitsSucceeded, "inserted", sum.StrikesInserted)
	return nil
}

func runPurge(ctx context.Context, app *application, args []string) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	startFlag := fs.String("start", "", "manual window start (RFC 3339)")
	endFlag := fs.String("end", "", "manual window end (RFC 3339, exclusive)")
	disableEventPurge := fs.Bool("disable-event-purge", false, "keep all audit events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*startFlag == "") != (*endFlag == "") {
		return errors.New("manual purge needs both -start and -end")
	}

	po := retention.PurgeOptions{DisableEventPurge: *disableEventPurge}
	if *startFlag != "" {
		start, err := time.Parse(time.RFC3339, *startFlag)
		if err != nil {
			return fmt.Errorf("invalid -start: %w", err)
		}
		end, err := time.Parse(time.RFC3339, *endFlag)
		if err != nil {
			return fmt.Errorf("invalid -end: %w", err)
		}
		po.Manual = &retention.Window{Start: start, End: end}
	}

	res, err := app.newRetention().Purge(ctx, po)
	if err != nil {
		return err
	}
	app.logger.Info("purge finished",
		"mode", res.Mode, "strikes_deleted", res.StrikesDeleted, "events_deleted", res.EventsDeleted)
	return nil
}

func runQuery(ctx context.Context, app *application, args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	startFlag := fs.String("start", "", "window start (RFC 3339, required)")
	endFlag := fs.String("end", "", "window end (RFC 3339, required)")
	lat := fs.Float64("lat", 0, "center latitude for spatial filtering")
	lon := fs.Float64("lon", 0, "center longitude for spatial filtering")
	radius := fs.Float64("radius", 0, "radius in km around -lat/-lon; 0 disables the filter")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *startFlag == "" || *endFlag == "" {
		return errors.New("query needs -start and -end")
	}

	start, err := time.Parse(time.RFC3339, *startFlag)
	if err != nil {
		return fmt.Errorf("invalid -start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, *endFlag)
	if err != nil {
		return fmt.Errorf("invalid -end: %w", err)
	}

	var filter *store.SpatialFilter
	if *radius > 0 {
		filter = &store.SpatialFilter{Lat: *lat, Lon: *lon, RadiusKM: *radius}
	}

	strikes, err := app.store.QueryRange(ctx, start, end, filter)
	if err != nil {
		return err
	}

	table := export.FromStrikes(strikes, domain.QualityThresholds{
		GoodMax:   app.cfg.QualityGoodMax,
		MediumMax: app.cfg.QualityMediumMax,
	})
	w := csv.NewWriter(os.Stdout)
	if err := w.WriteAll(table.Records()); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func runServe(ctx context.Context, app *application, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	coord, err := app.newCoordinator()
	if err != nil {
		return err
	}
	sched := coordinator.NewScheduler(coord, app.logger, app.clock, app.cfg.UpdateInterval)

	ready := httpadapter.ReadinessFunc(func(ctx context.Context) error {
		if err := app.store.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		if !sched.Ready() {
			return errors.New("no successful update pass yet")
		}
		return nil
	})
	srv := httpadapter.NewServer(app.cfg.HTTPAddr, ready, app.store, app.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := sched.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	app.logger.Info("shutdown complete")
	return err
}
