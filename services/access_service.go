package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"ticket-chain/config"
	"ticket-chain/internal/repo"
	"ticket-chain/models"
	"ticket-chain/monitoring"
)

const (
	AccessGranted = "GRANTED"
	AccessDenied  = "DENIED"
)

// AccessDecision is the gate's admit/deny outcome. Denials are valid
// business results, not errors.
type AccessDecision struct {
	Access     string        `json:"access"`
	Reason     string        `json:"reason,omitempty"`
	OwnerID    string        `json:"owner_id,omitempty"`
	TicketType string        `json:"ticket_type,omitempty"`
	Price      *models.Money `json:"price,omitempty"`
}

// AccessService converts a gate scan into an admit/deny decision with
// no double admission. The persisted OPEN->CLOSED flip is a conditional
// update: when it loses a race it re-reads and re-evaluates instead of
// overwriting.
type AccessService struct {
	tickets repo.TicketRepository
	redis   *redis.Client
	notify  Notifier
	monitor *monitoring.Monitor
	cfg     *config.Config
}

func NewAccessService(tickets repo.TicketRepository, redisClient *redis.Client, notify Notifier, monitor *monitoring.Monitor, cfg *config.Config) *AccessService {
	return &AccessService{
		tickets: tickets,
		redis:   redisClient,
		notify:  notify,
		monitor: monitor,
		cfg:     cfg,
	}
}

// ValidateAccess grants entry for an OPEN ticket exactly once. Every
// branch, granted or denied, persists a history entry and notifies the
// promoter's observers.
func (s *AccessService) ValidateAccess(ctx context.Context, promoterID, ticketID, gateOperatorID string) (*AccessDecision, error) {
	unlock := s.acquireGateLock(ctx, ticketID)
	defer unlock()

	// Two bounded evaluation rounds: a lost CAS means a concurrent
	// scan won, and the re-read lands in a denial branch.
	for attempt := 0; attempt < 2; attempt++ {
		t, err := s.tickets.FindForAccess(ctx, promoterID, ticketID)
		if err != nil {
			return nil, err
		}

		if t.Status != models.StatusOpen {
			return s.deny(ctx, t, gateOperatorID, denialReason(t.Status)), nil
		}

		ok, err := s.tickets.CompareAndSwapStatus(ctx, t.ID, models.StatusOpen, models.StatusClosed, models.HistoryEntry{
			Activity: models.ActivityGranted,
			Reason:   "entry granted",
			Actor:    gateOperatorID,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		decision := &AccessDecision{
			Access:     AccessGranted,
			OwnerID:    t.OwnerID,
			TicketType: t.TicketType,
			Price:      &t.Price,
		}
		s.monitor.TrackAccessDecision("granted")
		s.notify.NotifyAccess(promoterID, &AccessRecord{
			TicketID:   t.ID,
			Access:     AccessGranted,
			OwnerID:    t.OwnerID,
			TicketType: t.TicketType,
			Price:      &t.Price,
		})
		slog.Info("access: granted", "ticket", t.ID, "promoter", promoterID, "gate", gateOperatorID)
		return decision, nil
	}

	// Both rounds lost the swap; the last re-read will be terminal.
	t, err := s.tickets.FindForAccess(ctx, promoterID, ticketID)
	if err != nil {
		return nil, err
	}
	return s.deny(ctx, t, gateOperatorID, denialReason(t.Status)), nil
}

func denialReason(s models.Status) string {
	switch s {
	case models.StatusClosed:
		return "Ticket already used"
	case models.StatusSale:
		return "Ticket is on sale"
	case models.StatusExpired:
		return "Ticket expired"
	case models.StatusProcessing:
		return "Processing ticket"
	case models.StatusOpen:
		return "Ticket already used"
	default:
		return "Ticket not valid for entry"
	}
}

func (s *AccessService) deny(ctx context.Context, t *models.Ticket, gateOperatorID, reason string) *AccessDecision {
	t.DenyEntry(reason, gateOperatorID)
	// History-only write: a settlement confirmation racing the denial
	// keeps its columns.
	entry := models.HistoryEntry{Reason: reason, Actor: gateOperatorID}
	if err := s.tickets.AppendHistory(ctx, t.ID, models.ActivityDenied, entry); err != nil {
		slog.Error("access: cannot persist denial", "ticket", t.ID, "error", err)
	}

	s.monitor.TrackAccessDecision("denied")
	s.notify.NotifyAccess(t.PromoterID, &AccessRecord{
		TicketID: t.ID,
		Access:   AccessDenied,
		Reason:   reason,
	})
	slog.Info("access: denied", "ticket", t.ID, "gate", gateOperatorID, "reason", reason)

	return &AccessDecision{Access: AccessDenied, Reason: reason}
}

// acquireGateLock takes a short per-ticket Redis lock to serialize
// duplicate scans at the same gate. The conditional status update is
// the correctness guard; the lock only thins the race, so failing to
// take it never blocks the decision.
func (s *AccessService) acquireGateLock(ctx context.Context, ticketID string) func() {
	if s.redis == nil {
		return func() {}
	}

	key := fmt.Sprintf("gate:lock:%s", ticketID)
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := s.redis.SetNX(ctx, key, 1, s.cfg.GateLockTTL).Result()
		if err != nil {
			slog.Warn("access: gate lock unavailable", "ticket", ticketID, "error", err)
			return func() {}
		}
		if ok {
			return func() { s.redis.Del(ctx, key) }
		}
		time.Sleep(50 * time.Millisecond)
	}
	return func() {}
}
