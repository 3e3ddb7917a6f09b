// Package scanner drives due reminders from scheduled to notified exactly
// once and publishes a reminder.due event for each.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/campushub/reminder-service/internal/messaging"
	"github.com/campushub/reminder-service/internal/metrics"
	"github.com/campushub/reminder-service/internal/models"
)

// Store is the slice of the reminder store the scanner needs.
type Store interface {
	FindDueReminders(ctx context.Context, limit int) ([]models.Reminder, error)
	// ClaimDue atomically marks a reminder notified; returns (nil, nil)
	// when another scanner claimed it first.
	ClaimDue(ctx context.Context, id string) (*models.Reminder, error)
}

// Publisher is the slice of the event publisher the scanner needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, data any) error
}

// Scanner runs a fixed-interval scan for due reminders. Ticks never
// overlap: the loop is sequential and each tick is bounded by tickTimeout.
type Scanner struct {
	store       Store
	publisher   Publisher
	interval    time.Duration
	tickTimeout time.Duration
	batch       int
	log         *slog.Logger
}

// New builds a scanner. interval is the tick period, tickTimeout bounds a
// single tick, batch caps candidates per tick.
func New(store Store, publisher Publisher, interval, tickTimeout time.Duration, batch int, log *slog.Logger) *Scanner {
	return &Scanner{
		store:       store,
		publisher:   publisher,
		interval:    interval,
		tickTimeout: tickTimeout,
		batch:       batch,
		log:         log,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scanner exiting")
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, s.tickTimeout)
			if _, err := s.Tick(tickCtx); err != nil {
				s.log.Error("scan tick failed", "error", err)
			}
			cancel()
		}
	}
}

// Tick processes one batch of due candidates and returns how many
// reminders this instance claimed and notified.
//
// For each candidate: claim first, publish second. A lost claim means
// another scanner handled the reminder; skip silently. A failed publish
// after a successful claim leaves the reminder notified: re-sending a
// duplicate push is worse than missing one broker event, so the failure is
// logged and counted, never unwound. Candidates are independent; one
// failure does not block the rest.
func (s *Scanner) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.ScanDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	due, err := s.store.FindDueReminders(ctx, s.batch)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, candidate := range due {
		reminder, err := s.store.ClaimDue(ctx, candidate.ID)
		if err != nil {
			s.log.Error("claim failed", "reminder_id", candidate.ID, "error", err)
			continue
		}
		if reminder == nil {
			metrics.ScanClaimRacesTotal.Inc()
			continue
		}

		claimed++
		metrics.RemindersNotifiedTotal.Inc()

		if err := s.publisher.Publish(ctx, messaging.RouteDue, reminder); err != nil {
			// Claimed but unannounced: surfaced for observability, not retried.
			s.log.Error("reminder.due publish failed after claim",
				"reminder_id", reminder.ID, "error", err)
		}
	}

	if claimed > 0 {
		s.log.Info("scan tick complete", "candidates", len(due), "claimed", claimed)
	}
	return claimed, nil
}
