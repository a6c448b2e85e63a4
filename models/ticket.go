package models

import (
	"fmt"
	"time"

	"ticket-chain/internal/status"
)

// Resale is the listing state of a ticket offered for resale. The
// receipt of the on-chain price-set call is recorded alongside.
type Resale struct {
	Listed      bool       `json:"is_listed"`
	Price       *Money     `json:"price,omitempty"`
	ListedAt    *time.Time `json:"listed_at,omitempty"`
	TxHash      string     `json:"tx_hash,omitempty"`
	BlockNumber int64      `json:"block_number,omitempty"`
}

// Transfer snapshots the parties of an in-flight or completed
// ownership transfer.
type Transfer struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	ToContact string    `json:"to_contact,omitempty"`
	At        time.Time `json:"at"`
}

// OnChain is the reconciled on-chain record backing a ticket. Confirmed
// flips to true only after a matching event log is observed at the
// configured confirmation depth, never speculatively.
type OnChain struct {
	TokenID           *int64 `json:"token_id,omitempty"`
	ContractAddress   string `json:"contract_address,omitempty"`
	TxHash            string `json:"tx_hash,omitempty"`
	BlockNumber       *int64 `json:"block_number,omitempty"`
	Confirmed         bool   `json:"confirmed"`
	ExpectedTimestamp int64  `json:"expected_timestamp,omitempty"`
}

// Ticket is the aggregate root for one sold admission unit. All state
// changes go through its methods; every successful change appends
// exactly one history entry. Fields are exported for persistence only.
type Ticket struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	EventID    string `json:"event_id"`
	OwnerID    string `json:"owner_id"`
	PromoterID string `json:"promoter_id"`

	TicketType string `json:"ticket_type"`
	Price      Money  `json:"price"`

	// QRPayload is set exactly once, when the credential is issued.
	QRPayload string `json:"qr_payload,omitempty"`

	Status   Status   `json:"status"`
	Activity Activity `json:"activity"`

	Resale   Resale    `json:"resale"`
	Transfer *Transfer `json:"transfer,omitempty"`
	OnChain  OnChain   `json:"on_chain"`

	History History `json:"history"`

	IsInvitation bool `json:"is_invitation"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTicket creates a ticket in PENDING, as done on order confirmation.
func NewTicket(id, orderID, eventID, ownerID, promoterID, ticketType string, price Money, invitation bool) *Ticket {
	now := time.Now().UTC()
	t := &Ticket{
		ID:           id,
		OrderID:      orderID,
		EventID:      eventID,
		OwnerID:      ownerID,
		PromoterID:   promoterID,
		TicketType:   ticketType,
		Price:        price,
		Status:       StatusPending,
		Activity:     ActivityCreated,
		IsInvitation: invitation,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.History.Append(HistoryEntry{
		Status:   StatusPending,
		Activity: ActivityCreated,
		Reason:   "created by order confirmation",
		At:       now,
	})
	return t
}

// transition moves the ticket along a legal edge of the state machine
// and appends the matching history entry.
func (t *Ticket) transition(next Status, activity Activity, entry HistoryEntry) error {
	if !t.Status.canTransitionTo(next) {
		return fmt.Errorf("ticket %s: illegal transition %s -> %s", t.ID, t.Status, next)
	}
	t.Status = next
	t.Activity = activity
	entry.Status = next
	entry.Activity = activity
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	t.History.Append(entry)
	t.UpdatedAt = entry.At
	return nil
}

// note appends an audit-only history entry without touching Status.
func (t *Ticket) note(activity Activity, entry HistoryEntry) {
	t.Activity = activity
	entry.Status = t.Status
	entry.Activity = activity
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	t.History.Append(entry)
	t.UpdatedAt = entry.At
}

// MarkProcessing moves the ticket into PROCESSING while settlement is
// in flight.
func (t *Ticket) MarkProcessing(reason string) error {
	return t.transition(StatusProcessing, ActivityProcessing, HistoryEntry{Reason: reason})
}

// IssueCredential attaches the entry credential and opens the ticket.
// The payload is set exactly once; a second call fails.
func (t *Ticket) IssueCredential(qrPayload string) error {
	if t.QRPayload != "" {
		return status.ErrAlreadyIssued
	}
	if err := t.transition(StatusOpen, ActivityProcessed, HistoryEntry{Reason: "credential issued"}); err != nil {
		return err
	}
	t.QRPayload = qrPayload
	return nil
}

// CanBeResold reports resale eligibility: an open, processed,
// non-invitation ticket.
func (t *Ticket) CanBeResold() bool {
	return t.Status == StatusOpen && t.Activity == ActivityProcessed && !t.IsInvitation
}

// CanBeTransferred reports transfer eligibility. Listed tickets may
// still be gifted; invitations never move.
func (t *Ticket) CanBeTransferred() bool {
	return (t.Status == StatusOpen || t.Status == StatusSale) && !t.IsInvitation
}

// ListForResale puts the ticket on sale at price, bounded by maxPrice.
func (t *Ticket) ListForResale(price, maxPrice Money) error {
	if !t.CanBeResold() {
		return status.ErrNotResellable
	}
	if price.GreaterThan(maxPrice) {
		return status.ErrResalePriceExceeded
	}
	if err := t.transition(StatusSale, ActivityListed, HistoryEntry{Reason: "listed for resale at " + price.String()}); err != nil {
		return err
	}
	now := t.UpdatedAt
	t.Resale = Resale{Listed: true, Price: &price, ListedAt: &now}
	return nil
}

// CancelResale delists the ticket and reopens it.
func (t *Ticket) CancelResale() error {
	if !t.Resale.Listed {
		return status.ErrNotListed
	}
	if err := t.transition(StatusOpen, ActivityProcessed, HistoryEntry{Reason: "resale cancelled"}); err != nil {
		return err
	}
	t.Resale = Resale{}
	return nil
}

// BeginTransfer moves the origin ticket into PROCESSING and spawns the
// recipient's sibling ticket, sharing price and type.
func (t *Ticket) BeginTransfer(siblingID, toOwner, toContact string) (*Ticket, error) {
	if !t.CanBeTransferred() {
		return nil, status.ErrNotTransferable
	}
	now := time.Now().UTC()
	tr := &Transfer{From: t.OwnerID, To: toOwner, ToContact: toContact, At: now}
	if err := t.transition(StatusProcessing, ActivityTransferring, HistoryEntry{
		Reason: "transfer started",
		From:   tr.From,
		To:     tr.To,
		At:     now,
	}); err != nil {
		return nil, err
	}
	t.Transfer = tr

	sibling := &Ticket{
		ID:           siblingID,
		OrderID:      t.OrderID,
		EventID:      t.EventID,
		OwnerID:      toOwner,
		PromoterID:   t.PromoterID,
		TicketType:   t.TicketType,
		Price:        t.Price,
		Status:       StatusProcessing,
		Activity:     ActivityTransferring,
		Transfer:     &Transfer{From: tr.From, To: tr.To, ToContact: toContact, At: now},
		IsInvitation: t.IsInvitation,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	sibling.History.Append(HistoryEntry{
		Status:   StatusProcessing,
		Activity: ActivityTransferring,
		Reason:   "transfer started",
		From:     tr.From,
		To:       tr.To,
		At:       now,
	})
	return sibling, nil
}

// CompleteTransferOut closes the origin side of a settled transfer:
// SOLD for a resale purchase, TRANSFERED for a gift.
func (t *Ticket) CompleteTransferOut(resale bool, txHash string, blockNumber int64) error {
	next := StatusTransfered
	reason := "transfer completed"
	if resale {
		next = StatusSold
		reason = "resale completed"
	}
	entry := HistoryEntry{Reason: reason, TxHash: txHash, BlockNumber: blockNumber}
	if t.Transfer != nil {
		entry.From = t.Transfer.From
		entry.To = t.Transfer.To
	}
	return t.transition(next, ActivityProcessed, entry)
}

// ValidateEntry is the single-use consumption gate: an OPEN ticket is
// consumed exactly once.
func (t *Ticket) ValidateEntry() error {
	switch t.Status {
	case StatusOpen:
		return t.transition(StatusClosed, ActivityGranted, HistoryEntry{Reason: "entry granted"})
	case StatusClosed:
		return status.ErrAlreadyUsed
	case StatusExpired:
		return status.ErrTicketExpired
	default:
		return status.ErrNotValidForEntry
	}
}

// DenyEntry records a denied gate attempt without changing Status, so
// the audit trail keeps every attempt.
func (t *Ticket) DenyEntry(reason, gateOperator string) {
	t.note(ActivityDenied, HistoryEntry{Reason: reason, Actor: gateOperator})
}

// Expire moves a lapsed ticket to EXPIRED. Closed tickets stay closed;
// already expired tickets are left untouched.
func (t *Ticket) Expire(at time.Time) bool {
	if t.Status == StatusClosed || t.Status == StatusExpired {
		return false
	}
	if err := t.transition(StatusExpired, ActivityExpired, HistoryEntry{Reason: "expired by sweep", At: at.UTC()}); err != nil {
		return false
	}
	return true
}

// AttachMint records the submitted mint transaction before
// confirmation. The ticket keeps Confirmed=false until reconciliation
// finds the matching event log.
func (t *Ticket) AttachMint(contractAddress, txHash string, expectedTimestamp int64) {
	t.OnChain = OnChain{
		ContractAddress:   contractAddress,
		TxHash:            txHash,
		Confirmed:         false,
		ExpectedTimestamp: expectedTimestamp,
	}
	t.UpdatedAt = time.Now().UTC()
}

// ConfirmMint reconciles the confirmed mint log onto the ticket.
func (t *Ticket) ConfirmMint(tokenID, blockNumber int64) {
	t.OnChain.TokenID = &tokenID
	t.OnChain.BlockNumber = &blockNumber
	t.OnChain.Confirmed = true
	t.note(t.Activity, HistoryEntry{
		Reason:      "mint confirmed on chain",
		TxHash:      t.OnChain.TxHash,
		BlockNumber: blockNumber,
	})
}

// AttachToken records a known token on a recipient ticket after a
// settled transfer.
func (t *Ticket) AttachToken(tokenID int64, contractAddress, txHash string, blockNumber int64) {
	t.OnChain = OnChain{
		TokenID:         &tokenID,
		ContractAddress: contractAddress,
		TxHash:          txHash,
		BlockNumber:     &blockNumber,
		Confirmed:       true,
	}
	t.UpdatedAt = time.Now().UTC()
}
