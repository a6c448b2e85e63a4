package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"ticket-chain/config"
	"ticket-chain/internal/repo"
	"ticket-chain/models"
	"ticket-chain/monitoring"
)

// SweeperService walks launched and live events on a timer, flips them
// through LIVE to CLOSED as their start and end instants pass, and
// expires every still-open ticket of a closed event.
type SweeperService struct {
	tickets repo.TicketRepository
	events  repo.EventRepository
	redis   *redis.Client
	monitor *monitoring.Monitor
	cfg     *config.Config
}

func NewSweeperService(tickets repo.TicketRepository, events repo.EventRepository, redisClient *redis.Client, monitor *monitoring.Monitor, cfg *config.Config) *SweeperService {
	return &SweeperService{
		tickets: tickets,
		events:  events,
		redis:   redisClient,
		monitor: monitor,
		cfg:     cfg,
	}
}

// Run ticks until ctx is cancelled. Start it with go.
func (s *SweeperService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	slog.Info("sweeper: started", "interval", s.cfg.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper: stopping")
			return
		case <-ticker.C:
			if !s.acquireRunLock(ctx) {
				continue
			}
			if err := s.Sweep(ctx, time.Now()); err != nil {
				slog.Error("sweeper: sweep failed", "error", err)
			}
		}
	}
}

// acquireRunLock keeps replicas from sweeping the same tick twice.
func (s *SweeperService) acquireRunLock(ctx context.Context) bool {
	if s.redis == nil {
		return true
	}
	ok, err := s.redis.SetNX(ctx, "sweeper:run", 1, s.cfg.SweepInterval/2).Result()
	if err != nil {
		slog.Warn("sweeper: run lock unavailable, sweeping anyway", "error", err)
		return true
	}
	return ok
}

// Sweep evaluates every LAUNCHED or LIVE event against now, truncated
// to minute resolution.
func (s *SweeperService) Sweep(ctx context.Context, now time.Time) error {
	events, err := s.events.FindEventsByStatus(ctx, []models.EventStatus{models.EventLaunched, models.EventLive})
	if err != nil {
		return err
	}

	now = now.UTC().Truncate(time.Minute)
	for _, event := range events {
		start := event.StartTime.UTC().Truncate(time.Minute)
		end := event.EndTime.UTC().Truncate(time.Minute)

		switch {
		case !now.Before(end):
			if err := s.closeEvent(ctx, event, now); err != nil {
				slog.Error("sweeper: close event failed", "event", event.ID, "error", err)
			}
		case !now.Before(start) && event.Status == models.EventLaunched:
			if err := s.events.SetEventStatus(ctx, event.ID, models.EventLive); err != nil {
				slog.Error("sweeper: set event live failed", "event", event.ID, "error", err)
			} else {
				slog.Info("sweeper: event live", "event", event.ID)
			}
		}
	}
	return nil
}

// closeEvent expires the event's remaining open or listed tickets,
// then flips the event to CLOSED. The event flips last: a failed
// expiry leaves it LAUNCHED or LIVE, so the next sweep picks it up
// again instead of stranding admittable tickets behind a closed event.
func (s *SweeperService) closeEvent(ctx context.Context, event *models.Event, now time.Time) error {
	candidates, err := s.tickets.FindExpiredCandidates(ctx, event.ID, []models.Status{models.StatusOpen, models.StatusSale})
	if err != nil {
		return err
	}

	expired := make([]*models.Ticket, 0, len(candidates))
	for _, t := range candidates {
		if t.Expire(now) {
			expired = append(expired, t)
		}
	}
	if len(expired) > 0 {
		if err := s.tickets.SaveMany(ctx, expired); err != nil {
			return err
		}
		s.monitor.TrackExpired(event.ID, len(expired))
	}

	if err := s.events.SetEventStatus(ctx, event.ID, models.EventClosed); err != nil {
		return err
	}
	slog.Info("sweeper: event closed", "event", event.ID, "expired", len(expired))
	return nil
}
