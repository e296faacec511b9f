package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"nearby-alerts/internal/activity"
	"nearby-alerts/internal/alerting"
	"nearby-alerts/internal/config"
	"nearby-alerts/internal/location"
	"nearby-alerts/internal/logging"
	"nearby-alerts/internal/scheduler"
	"nearby-alerts/internal/storage"
	"nearby-alerts/internal/tracker"
)

// ErrLockHeld is returned by Run when another tracker instance holds the advisory lock.
var ErrLockHeld = errors.New("another tracker instance holds the advisory lock")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output such as tables and simulation results.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app"), Out: os.Stdout}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if !a.Config.HasDatabase() {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// newNotifier builds the delivery channels listed in alerting.channels.
func (a *App) newNotifier() (alerting.Notifier, error) {
	var channels alerting.Fanout
	for _, name := range a.Config.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "log":
			channels = append(channels, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false; skipping")
				continue
			}
			channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger))
		default:
			return nil, fmt.Errorf("unknown alerting channel %q", name)
		}
	}

	switch len(channels) {
	case 0:
		a.Logger.Warn().Msg("no alerting channel configured; falling back to log")
		return alerting.NewLogNotifier(a.Logger), nil
	case 1:
		return channels[0], nil
	default:
		return channels, nil
	}
}

func (a *App) newActivityFetcher(store *storage.Store) (activity.Fetcher, error) {
	switch a.Config.Activities.Source {
	case "file":
		return activity.NewFileSource(a.Config.Activities.File), nil
	case "postgres":
		if store == nil {
			return nil, errors.New("activities.source is postgres but database.dsn is not configured")
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown activities.source %q", a.Config.Activities.Source)
	}
}

func (a *App) newProvider() (location.Provider, error) {
	cfg := a.Config.Location
	switch cfg.Provider {
	case "kafka":
		return location.NewKafka(location.KafkaOptions{
			Brokers:           cfg.Kafka.Brokers,
			Topic:             cfg.Kafka.Topic,
			GroupID:           cfg.Kafka.GroupID,
			UserID:            a.Config.App.UserID,
			MaxAccuracyMeters: cfg.MaxAccuracyMeters,
			RetryBackoff:      cfg.RetryBackoff,
		}, a.Logger), nil
	case "replay":
		return location.NewReplay(cfg.Replay.File, a.Logger), nil
	default:
		return nil, fmt.Errorf("unknown location.provider %q", cfg.Provider)
	}
}

func (a *App) trackerOptions() tracker.Options {
	cfg := a.Config.Tracker
	return tracker.Options{
		RadiusMeters:   cfg.RadiusMeters,
		Cooldown:       cfg.Cooldown,
		FixInterval:    cfg.FixInterval,
		HighAccuracy:   cfg.HighAccuracy,
		QueueSize:      cfg.QueueSize,
		PurgeInterval:  cfg.PurgeInterval,
		LedgerCapacity: cfg.LedgerCapacity,
		Banner:         alerting.DefaultBanner,
	}
}

// Run executes the long-running tracker together with the activity refresher and the
// metrics endpoint. The first component to fail stops the others.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; notification audit disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if store != nil && a.Config.Database.AdvisoryLockKey != 0 {
		unlock, acquired, err := store.TryAdvisoryLock(ctx, a.Config.Database.AdvisoryLockKey)
		if err != nil {
			return err
		}
		if !acquired {
			return ErrLockHeld
		}
		defer unlock()
	}

	fetcher, err := a.newActivityFetcher(store)
	if err != nil {
		return err
	}
	provider, err := a.newProvider()
	if err != nil {
		return err
	}
	delivery, err := a.newNotifier()
	if err != nil {
		return err
	}

	notifier := delivery
	if store != nil && a.Config.Alerting.Audit {
		notifier = alerting.NewAuditedNotifier(delivery, store, a.Logger)
	}
	presence := alerting.NewPresence(delivery, a.Config.Alerting.PresenceAnnounce, a.Logger)

	refresh := scheduler.New(scheduler.Options{
		Name:     "activity_refresh",
		Interval: a.Config.Activities.RefreshInterval,
	}, a.Logger)
	poller := activity.NewPoller(fetcher, refresh, a.Logger)
	trk := tracker.New(a.trackerOptions(), provider, poller, notifier, presence, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(poller.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(trk.Run(gctx))
	})
	if a.Config.Metrics.Enabled {
		a.serveMetrics(gctx, g)
	}

	a.Logger.Info().Str("provider", a.Config.Location.Provider).Str("activities", a.Config.Activities.Source).Msg("starting nearby tracker")
	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("tracker terminated with error")
		return err
	}

	a.Logger.Info().Msg("nearby tracker stopped")
	return nil
}

func (a *App) serveMetrics(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              a.Config.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		a.Logger.Info().Str("address", srv.Addr).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("metrics server shutdown")
		}
		return nil
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ExportOptions hold parameters for exporting notification history.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	PNGPath string
	CSVPath string
	MaxRows int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions describe a one-off fix to evaluate.
type SimulateOptions struct {
	Lat float64
	Lon float64
	At  *time.Time
	// Repeat pushes the same fix this many times to show the cooldown at work.
	Repeat int
}

// PruneOptions configure the notification history cleanup.
type PruneOptions struct {
	OlderThan time.Duration
	DryRun    bool
}
