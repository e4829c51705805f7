package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tazhate/caldavsync/internal/clients/caldav"
	"github.com/tazhate/caldavsync/internal/notify"
	"github.com/tazhate/caldavsync/internal/service"
)

// Syncer pulls remote changes for every account.
type Syncer interface {
	SyncAll(ctx context.Context) (map[string]*service.SyncReport, error)
}

// Pusher uploads pending local changes of one account.
type Pusher interface {
	PushAccount(ctx context.Context, accountID string) (*service.PushReport, error)
}

type Scheduler struct {
	cron     *cron.Cron
	spec     string
	syncer   Syncer
	pusher   Pusher
	notifier notify.Notifier
	log      *slog.Logger

	// running guards against overlapping passes when one outlasts the interval
	running sync.Mutex
	ctx     context.Context
}

func New(spec string, location *time.Location, syncer Syncer, pusher Pusher, notifier notify.Notifier, log *slog.Logger) *Scheduler {
	if location == nil {
		location = time.UTC
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(location)),
		spec:     spec,
		syncer:   syncer,
		pusher:   pusher,
		notifier: notifier,
		log:      log,
		ctx:      context.Background(),
	}
}

// Start runs one pass right away, schedules the rest and blocks until ctx is
// done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(s.ctx) }); err != nil {
		return fmt.Errorf("add sync job %q: %w", s.spec, err)
	}

	s.RunOnce(ctx)
	s.cron.Start()
	s.log.Info("scheduler started", "schedule", s.spec)

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

// RunOnce syncs every account, then pushes pending changes of the accounts
// that synced. A pass that is still running makes this a no-op.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if !s.running.TryLock() {
		s.log.Warn("previous sync pass still running, skipping")
		return
	}
	defer s.running.Unlock()

	reports, err := s.syncer.SyncAll(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("sync pass failed", "error", err)
		s.report(ctx, "sync", err)
	}

	for accountID := range reports {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.pusher.PushAccount(ctx, accountID); err != nil {
			s.log.Error("push failed", "account", accountID, "error", err)
			s.report(ctx, "push "+accountID, err)
		}
	}
}

func (s *Scheduler) report(ctx context.Context, what string, err error) {
	text := fmt.Sprintf("%s: %s", what, caldav.Summarize(err))
	if nerr := s.notifier.Notify(ctx, text); nerr != nil {
		s.log.Warn("notify failed", "error", nerr)
	}
}
