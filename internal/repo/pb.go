package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"ticket-chain/internal/chain"
	"ticket-chain/internal/status"
	"ticket-chain/models"
)

// PB stores tickets, wallets, and event state in the pocketbase
// database through dbx. Value-typed fields are kept as JSON columns;
// history appends in CAS writes happen inside the UPDATE itself so the
// precondition check and the append are one atomic statement.
type PB struct {
	app core.App
}

func NewPB(app core.App) *PB {
	return &PB{app: app}
}

var _ TicketRepository = (*PB)(nil)
var _ WalletRepository = (*PB)(nil)
var _ EventRepository = (*PB)(nil)

type ticketRow struct {
	ID           string `db:"id"`
	OrderID      string `db:"order_id"`
	EventID      string `db:"event_id"`
	OwnerID      string `db:"owner_id"`
	PromoterID   string `db:"promoter_id"`
	TicketType   string `db:"ticket_type"`
	Price        string `db:"price"`
	QRPayload    string `db:"qr_payload"`
	Status       string `db:"status"`
	Activity     string `db:"activity"`
	Resale       string `db:"resale"`
	Transfer     string `db:"transfer"`
	OnChain      string `db:"on_chain"`
	History      string `db:"history"`
	IsInvitation bool   `db:"is_invitation"`
	Created      string `db:"created"`
	Updated      string `db:"updated"`
}

const timeLayout = "2006-01-02 15:04:05.000Z"

func encodeTicket(t *models.Ticket) (*ticketRow, error) {
	price, err := json.Marshal(t.Price)
	if err != nil {
		return nil, fmt.Errorf("repo: encode price: %w", err)
	}
	resale, err := json.Marshal(t.Resale)
	if err != nil {
		return nil, fmt.Errorf("repo: encode resale: %w", err)
	}
	transfer := ""
	if t.Transfer != nil {
		raw, err := json.Marshal(t.Transfer)
		if err != nil {
			return nil, fmt.Errorf("repo: encode transfer: %w", err)
		}
		transfer = string(raw)
	}
	onChain, err := json.Marshal(t.OnChain)
	if err != nil {
		return nil, fmt.Errorf("repo: encode on_chain: %w", err)
	}
	history, err := json.Marshal(t.History)
	if err != nil {
		return nil, fmt.Errorf("repo: encode history: %w", err)
	}

	return &ticketRow{
		ID:           t.ID,
		OrderID:      t.OrderID,
		EventID:      t.EventID,
		OwnerID:      t.OwnerID,
		PromoterID:   t.PromoterID,
		TicketType:   t.TicketType,
		Price:        string(price),
		QRPayload:    t.QRPayload,
		Status:       string(t.Status),
		Activity:     string(t.Activity),
		Resale:       string(resale),
		Transfer:     transfer,
		OnChain:      string(onChain),
		History:      string(history),
		IsInvitation: t.IsInvitation,
		Created:      t.CreatedAt.UTC().Format(timeLayout),
		Updated:      t.UpdatedAt.UTC().Format(timeLayout),
	}, nil
}

func decodeTicket(row *ticketRow) (*models.Ticket, error) {
	t := &models.Ticket{
		ID:           row.ID,
		OrderID:      row.OrderID,
		EventID:      row.EventID,
		OwnerID:      row.OwnerID,
		PromoterID:   row.PromoterID,
		TicketType:   row.TicketType,
		QRPayload:    row.QRPayload,
		Status:       models.Status(row.Status),
		Activity:     models.Activity(row.Activity),
		IsInvitation: row.IsInvitation,
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("repo: ticket %s: unknown status %q", row.ID, row.Status)
	}
	if err := json.Unmarshal([]byte(row.Price), &t.Price); err != nil {
		return nil, fmt.Errorf("repo: decode price: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Resale), &t.Resale); err != nil {
		return nil, fmt.Errorf("repo: decode resale: %w", err)
	}
	if row.Transfer != "" {
		t.Transfer = &models.Transfer{}
		if err := json.Unmarshal([]byte(row.Transfer), t.Transfer); err != nil {
			return nil, fmt.Errorf("repo: decode transfer: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(row.OnChain), &t.OnChain); err != nil {
		return nil, fmt.Errorf("repo: decode on_chain: %w", err)
	}
	if err := json.Unmarshal([]byte(row.History), &t.History); err != nil {
		return nil, fmt.Errorf("repo: decode history: %w", err)
	}
	if created, err := time.Parse(timeLayout, row.Created); err == nil {
		t.CreatedAt = created
	}
	if updated, err := time.Parse(timeLayout, row.Updated); err == nil {
		t.UpdatedAt = updated
	}
	return t, nil
}

const upsertTicketSQL = `
INSERT INTO tickets
  (id, order_id, event_id, owner_id, promoter_id, ticket_type, price, qr_payload,
   status, activity, resale, transfer, on_chain, history, is_invitation, created, updated)
VALUES
  ({:id}, {:order_id}, {:event_id}, {:owner_id}, {:promoter_id}, {:ticket_type}, {:price}, {:qr_payload},
   {:status}, {:activity}, {:resale}, {:transfer}, {:on_chain}, {:history}, {:is_invitation}, {:created}, {:updated})
ON CONFLICT(id) DO UPDATE SET
  owner_id = excluded.owner_id,
  qr_payload = excluded.qr_payload,
  status = excluded.status,
  activity = excluded.activity,
  resale = excluded.resale,
  transfer = excluded.transfer,
  on_chain = excluded.on_chain,
  history = excluded.history,
  updated = excluded.updated`

func (p *PB) Save(ctx context.Context, t *models.Ticket) error {
	row, err := encodeTicket(t)
	if err != nil {
		return err
	}
	_, err = p.app.DB().NewQuery(upsertTicketSQL).Bind(dbx.Params{
		"id":            row.ID,
		"order_id":      row.OrderID,
		"event_id":      row.EventID,
		"owner_id":      row.OwnerID,
		"promoter_id":   row.PromoterID,
		"ticket_type":   row.TicketType,
		"price":         row.Price,
		"qr_payload":    row.QRPayload,
		"status":        row.Status,
		"activity":      row.Activity,
		"resale":        row.Resale,
		"transfer":      row.Transfer,
		"on_chain":      row.OnChain,
		"history":       row.History,
		"is_invitation": row.IsInvitation,
		"created":       row.Created,
		"updated":       row.Updated,
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("repo: save ticket %s: %w", t.ID, err)
	}
	return nil
}

func (p *PB) SaveMany(ctx context.Context, ts []*models.Ticket) error {
	return p.app.RunInTransaction(func(txApp core.App) error {
		tx := &PB{app: txApp}
		for _, t := range ts {
			if err := tx.Save(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PB) FindByID(ctx context.Context, id string) (*models.Ticket, error) {
	row := &ticketRow{}
	err := p.app.DB().NewQuery(`SELECT * FROM tickets WHERE id = {:id}`).
		Bind(dbx.Params{"id": id}).WithContext(ctx).One(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: find ticket %s: %w", id, err)
	}
	return decodeTicket(row)
}

func (p *PB) FindForAccess(ctx context.Context, promoterID, ticketID string) (*models.Ticket, error) {
	row := &ticketRow{}
	err := p.app.DB().NewQuery(`SELECT * FROM tickets WHERE id = {:id} AND promoter_id = {:promoter}`).
		Bind(dbx.Params{"id": ticketID, "promoter": promoterID}).WithContext(ctx).One(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: find ticket %s for promoter %s: %w", ticketID, promoterID, err)
	}
	return decodeTicket(row)
}

// CompareAndSwapStatus performs the conditional OPEN->CLOSED style flip
// in one statement: the status check, the flip, and the history append
// either all apply or none do.
func (p *PB) CompareAndSwapStatus(ctx context.Context, id string, expected, next models.Status, entry models.HistoryEntry) (bool, error) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	entry.Status = next
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("repo: encode history entry: %w", err)
	}

	res, err := p.app.DB().NewQuery(`
UPDATE tickets
SET status = {:next},
    activity = {:activity},
    history = json_insert(history, '$[#]', json({:entry})),
    updated = {:updated}
WHERE id = {:id} AND status = {:expected}`).Bind(dbx.Params{
		"id":       id,
		"expected": string(expected),
		"next":     string(next),
		"activity": string(entry.Activity),
		"entry":    string(raw),
		"updated":  entry.At.Format(timeLayout),
	}).WithContext(ctx).Execute()
	if err != nil {
		return false, fmt.Errorf("repo: cas ticket %s %s->%s: %w", id, expected, next, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repo: cas ticket %s: rows affected: %w", id, err)
	}
	return affected == 1, nil
}

// ConfirmOnChain writes the reconciled on-chain record in a
// column-scoped UPDATE. The appended history entry takes the status and
// activity the row holds at write time, so a gate scan that closed the
// ticket while the confirmation was in flight keeps its flip.
func (p *PB) ConfirmOnChain(ctx context.Context, id string, onChain models.OnChain, entry models.HistoryEntry) error {
	record, err := json.Marshal(onChain)
	if err != nil {
		return fmt.Errorf("repo: encode on_chain: %w", err)
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("repo: encode history entry: %w", err)
	}

	_, err = p.app.DB().NewQuery(`
UPDATE tickets
SET on_chain = {:on_chain},
    history = json_insert(history, '$[#]', json_set(json({:entry}), '$.status', status, '$.activity', activity)),
    updated = {:updated}
WHERE id = {:id}`).Bind(dbx.Params{
		"id":       id,
		"on_chain": string(record),
		"entry":    string(raw),
		"updated":  entry.At.Format(timeLayout),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("repo: confirm on_chain for ticket %s: %w", id, err)
	}
	return nil
}

// AppendHistory appends an audit-only entry and moves the activity
// dimension, leaving status and every settlement column untouched.
func (p *PB) AppendHistory(ctx context.Context, id string, activity models.Activity, entry models.HistoryEntry) error {
	entry.Activity = activity
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("repo: encode history entry: %w", err)
	}

	_, err = p.app.DB().NewQuery(`
UPDATE tickets
SET activity = {:activity},
    history = json_insert(history, '$[#]', json_set(json({:entry}), '$.status', status)),
    updated = {:updated}
WHERE id = {:id}`).Bind(dbx.Params{
		"id":       id,
		"activity": string(activity),
		"entry":    string(raw),
		"updated":  entry.At.Format(timeLayout),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("repo: append history for ticket %s: %w", id, err)
	}
	return nil
}

// RecordResaleSubmission attaches the submitted price-set transaction
// to a standing listing.
func (p *PB) RecordResaleSubmission(ctx context.Context, id, txHash string) error {
	_, err := p.app.DB().NewQuery(`
UPDATE tickets
SET resale = json_set(resale, '$.tx_hash', {:tx}),
    updated = {:updated}
WHERE id = {:id}
  AND json_extract(resale, '$.is_listed')`).Bind(dbx.Params{
		"id":      id,
		"tx":      txHash,
		"updated": time.Now().UTC().Format(timeLayout),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("repo: record resale submission for ticket %s: %w", id, err)
	}
	return nil
}

// RecordResaleReceipt stamps the confirmed block onto a listing. The
// standing-listing check lives in the WHERE clause: a delisted or
// resubmitted listing silently skips the write.
func (p *PB) RecordResaleReceipt(ctx context.Context, id, txHash string, blockNumber int64) error {
	_, err := p.app.DB().NewQuery(`
UPDATE tickets
SET resale = json_set(resale, '$.block_number', {:block}),
    updated = {:updated}
WHERE id = {:id}
  AND json_extract(resale, '$.is_listed')
  AND json_extract(resale, '$.tx_hash') = {:tx}`).Bind(dbx.Params{
		"id":      id,
		"tx":      txHash,
		"block":   blockNumber,
		"updated": time.Now().UTC().Format(timeLayout),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("repo: record resale receipt for ticket %s: %w", id, err)
	}
	return nil
}

func (p *PB) FindExpiredCandidates(ctx context.Context, eventID string, statuses []models.Status) ([]*models.Ticket, error) {
	placeholders := make([]string, len(statuses))
	params := dbx.Params{"event": eventID}
	for i, s := range statuses {
		name := fmt.Sprintf("s%d", i)
		placeholders[i] = "{:" + name + "}"
		params[name] = string(s)
	}

	var rows []ticketRow
	err := p.app.DB().NewQuery(
		`SELECT * FROM tickets WHERE event_id = {:event} AND status IN (`+strings.Join(placeholders, ", ")+`)`).
		Bind(params).WithContext(ctx).All(&rows)
	if err != nil {
		return nil, fmt.Errorf("repo: expired candidates for event %s: %w", eventID, err)
	}

	tickets := make([]*models.Ticket, 0, len(rows))
	for i := range rows {
		t, err := decodeTicket(&rows[i])
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

func (p *PB) FindWalletByOwner(ctx context.Context, ownerID string) (*chain.Signer, error) {
	var row struct {
		OwnerID string `db:"owner_id"`
		Address string `db:"address"`
		KeyRef  string `db:"key_ref"`
	}
	err := p.app.DB().NewQuery(`SELECT owner_id, address, key_ref FROM wallets WHERE owner_id = {:owner}`).
		Bind(dbx.Params{"owner": ownerID}).WithContext(ctx).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repo: find wallet for %s: %w", ownerID, err)
	}
	return &chain.Signer{OwnerID: row.OwnerID, Address: row.Address, KeyRef: row.KeyRef}, nil
}

func (p *PB) SaveWallet(ctx context.Context, signer chain.Signer) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := p.app.DB().NewQuery(`
INSERT INTO wallets (id, owner_id, address, key_ref, created, updated)
VALUES ({:owner}, {:owner}, {:address}, {:key_ref}, {:now}, {:now})
ON CONFLICT(id) DO UPDATE SET address = excluded.address, key_ref = excluded.key_ref, updated = excluded.updated`).
		Bind(dbx.Params{
			"owner":   signer.OwnerID,
			"address": signer.Address,
			"key_ref": signer.KeyRef,
			"now":     now,
		}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("repo: save wallet for %s: %w", signer.OwnerID, err)
	}
	return nil
}

func (p *PB) FindEventByID(ctx context.Context, id string) (*models.Event, error) {
	row := &eventRow{}
	err := p.app.DB().NewQuery(`SELECT * FROM events WHERE id = {:id}`).
		Bind(dbx.Params{"id": id}).WithContext(ctx).One(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo: event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("repo: find event %s: %w", id, err)
	}
	return row.decode(), nil
}

func (p *PB) FindEventsByStatus(ctx context.Context, statuses []models.EventStatus) ([]*models.Event, error) {
	placeholders := make([]string, len(statuses))
	params := dbx.Params{}
	for i, s := range statuses {
		name := fmt.Sprintf("s%d", i)
		placeholders[i] = "{:" + name + "}"
		params[name] = string(s)
	}

	var rows []eventRow
	err := p.app.DB().NewQuery(`SELECT * FROM events WHERE status IN (` + strings.Join(placeholders, ", ") + `)`).
		Bind(params).WithContext(ctx).All(&rows)
	if err != nil {
		return nil, fmt.Errorf("repo: find events by status: %w", err)
	}

	events := make([]*models.Event, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].decode())
	}
	return events, nil
}

func (p *PB) SetEventStatus(ctx context.Context, id string, s models.EventStatus) error {
	_, err := p.app.DB().NewQuery(`UPDATE events SET status = {:status}, updated = {:now} WHERE id = {:id}`).
		Bind(dbx.Params{
			"id":     id,
			"status": string(s),
			"now":    time.Now().UTC().Format(timeLayout),
		}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("repo: set event %s status %s: %w", id, s, err)
	}
	return nil
}

type eventRow struct {
	ID              string `db:"id"`
	Name            string `db:"name"`
	PromoterID      string `db:"promoter_id"`
	StartTime       string `db:"start_time"`
	EndTime         string `db:"end_time"`
	Status          string `db:"status"`
	ContractAddress string `db:"contract_address"`
	RoyaltyBps      int    `db:"royalty_bps"`
	Created         string `db:"created"`
	Updated         string `db:"updated"`
}

func (r *eventRow) decode() *models.Event {
	e := &models.Event{
		ID:              r.ID,
		Name:            r.Name,
		PromoterID:      r.PromoterID,
		Status:          models.EventStatus(r.Status),
		ContractAddress: r.ContractAddress,
		RoyaltyBps:      r.RoyaltyBps,
	}
	if start, err := time.Parse(timeLayout, r.StartTime); err == nil {
		e.StartTime = start
	}
	if end, err := time.Parse(timeLayout, r.EndTime); err == nil {
		e.EndTime = end
	}
	return e
}
