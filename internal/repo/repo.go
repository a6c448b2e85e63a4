package repo

import (
	"context"

	"ticket-chain/internal/chain"
	"ticket-chain/models"
)

// TicketRepository is the single source of truth for ticket records.
// CompareAndSwapStatus is the conditional write that serializes racing
// status transitions for one ticket.
type TicketRepository interface {
	Save(ctx context.Context, t *models.Ticket) error
	SaveMany(ctx context.Context, ts []*models.Ticket) error
	FindByID(ctx context.Context, id string) (*models.Ticket, error)

	// FindForAccess loads a ticket scoped to its promoter; a wrong
	// promoter behaves as not found.
	FindForAccess(ctx context.Context, promoterID, ticketID string) (*models.Ticket, error)

	// CompareAndSwapStatus flips status only if it still equals
	// expected, appending entry in the same write. Returns false when
	// the precondition no longer held.
	CompareAndSwapStatus(ctx context.Context, id string, expected, next models.Status, entry models.HistoryEntry) (bool, error)

	// ConfirmOnChain writes the reconciled on-chain record and its
	// history entry without touching status, so a concurrent status
	// flip is never undone by the confirmation write-back.
	ConfirmOnChain(ctx context.Context, id string, onChain models.OnChain, entry models.HistoryEntry) error

	// AppendHistory appends an audit-only entry and updates the
	// activity dimension, leaving every other column alone.
	AppendHistory(ctx context.Context, id string, activity models.Activity, entry models.HistoryEntry) error

	// RecordResaleSubmission attaches the submitted price-set
	// transaction to a standing listing.
	RecordResaleSubmission(ctx context.Context, id, txHash string) error

	// RecordResaleReceipt stamps the confirmed block on a listing,
	// only while the listing still stands with the same submitted
	// transaction.
	RecordResaleReceipt(ctx context.Context, id, txHash string, blockNumber int64) error

	FindExpiredCandidates(ctx context.Context, eventID string, statuses []models.Status) ([]*models.Ticket, error)
}

// WalletRepository persists custodial wallet handles per owner.
type WalletRepository interface {
	// FindWalletByOwner returns nil without error when the owner has
	// no wallet yet.
	FindWalletByOwner(ctx context.Context, ownerID string) (*chain.Signer, error)
	SaveWallet(ctx context.Context, signer chain.Signer) error
}

// EventRepository is the read/flip surface the sweeper and the
// settlement engine need from the event aggregate.
type EventRepository interface {
	FindEventByID(ctx context.Context, id string) (*models.Event, error)
	FindEventsByStatus(ctx context.Context, statuses []models.EventStatus) ([]*models.Event, error)
	SetEventStatus(ctx context.Context, id string, s models.EventStatus) error
}
