package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/tazhate/caldavsync/config"
	"github.com/tazhate/caldavsync/internal/clients/caldav"
	"github.com/tazhate/caldavsync/internal/clients/nextcloud"
	"github.com/tazhate/caldavsync/internal/credentials"
	"github.com/tazhate/caldavsync/internal/ics"
	"github.com/tazhate/caldavsync/internal/notify"
	"github.com/tazhate/caldavsync/internal/service"
	"github.com/tazhate/caldavsync/internal/storage"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "caldavsync",
		Usage: "Keep a local copy of CalDAV calendars in sync with the server.",
		Commands: []*cli.Command{
			accountCommand(),
			calendarsCommand(),
			syncCommand(),
			pushCommand(),
			eventsCommand(),
			eventCommand(),
			searchCommand(),
			bookingsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("caldavsync failed", "error", err)
		os.Exit(1)
	}
}

// runtime holds everything a command needs, built from the environment.
type runtime struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Storage
	accounts *service.AccountService
	sync     *service.SyncService
	push     *service.PushService
	events   *service.EventService
	bookings *service.BookingService
	notifier notify.Notifier
}

func open() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	secrets, err := credentials.NewStore(cfg.CredentialsPath, cfg.MasterPassword)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init credentials: %w", err)
	}

	dial := service.NewDialer(caldav.Options{
		Timeout:   cfg.HTTPTimeout,
		UserAgent: cfg.UserAgent,
		Parse:     caldav.ParseOptions{ReadOnlyWithoutPrivileges: cfg.AssumeReadOnly},
	})
	locks := service.NewAccountLocks()
	codec := ics.NewCodec(cfg.Timezone)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Warn("telegram notifications disabled", "error", err)
		} else {
			notifier = tg
		}
	}

	return &runtime{
		cfg:      cfg,
		log:      logger,
		store:    store,
		accounts: service.NewAccountService(store, secrets, dial, logger),
		sync:     service.NewSyncService(store, secrets, dial, locks, codec, logger),
		push:     service.NewPushService(store, secrets, dial, locks, codec, logger),
		events:   service.NewEventService(store),
		bookings: service.NewBookingService(store, secrets, nextcloud.NewClient(&http.Client{Timeout: cfg.HTTPTimeout})),
		notifier: notifier,
	}, nil
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		r.log.Warn("close storage", "error", err)
	}
}

// withRuntime opens the runtime for the duration of one command action.
func withRuntime(fn func(c *cli.Context, r *runtime) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := open()
		if err != nil {
			return err
		}
		defer r.Close()
		return fn(c, r)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
