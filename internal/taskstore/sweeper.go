package taskstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskhub/internal/persistence"
)

// sweepParser accepts standard 5-field cron expressions plus descriptors
// like "@every 1m".
var sweepParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// SweeperConfig holds the dependencies for the conversation sweeper.
type SweeperConfig struct {
	Store    *Store
	Logger   *slog.Logger
	Schedule string        // cron spec or descriptor; defaults to "@every 1m"
	IdleFor  time.Duration // idle threshold; defaults to 30 minutes
	Notify   func(last *persistence.Task)
}

// Sweeper periodically closes conversations that have been idle past the
// threshold, notifying the chat adapter with each one's last task.
type Sweeper struct {
	store    *Store
	logger   *slog.Logger
	schedule cronlib.Schedule
	idleFor  time.Duration
	notify   func(last *persistence.Task)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper with the given config. An unparseable
// schedule is an error so a config typo never silently disables sweeping.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = "@every 1m"
	}
	schedule, err := sweepParser.Parse(spec)
	if err != nil {
		return nil, err
	}
	idleFor := cfg.IdleFor
	if idleFor <= 0 {
		idleFor = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		logger:   logger,
		schedule: schedule,
		idleFor:  idleFor,
		notify:   cfg.Notify,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("conversation sweeper started", "idle_for", s.idleFor)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("conversation sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick()
		}
	}
}

func (s *Sweeper) tick() {
	closed := s.store.SweepIdle(s.idleFor, s.notify)
	if closed > 0 {
		s.logger.Info("closed idle conversations", "count", closed)
	}
}
