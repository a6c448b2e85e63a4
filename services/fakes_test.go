package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ticket-chain/internal/chain"
	"ticket-chain/internal/status"
	"ticket-chain/models"
	"ticket-chain/monitoring"
)

func monitoringForTest() *monitoring.Monitor {
	return monitoring.NewMonitor()
}

// fakeTicketRepo is an in-memory TicketRepository with real
// compare-and-swap semantics, so racing callers behave as they would
// against the database.
type fakeTicketRepo struct {
	mu      sync.Mutex
	tickets map[string]*models.Ticket
	saveErr error
}

func newFakeTicketRepo() *fakeTicketRepo {
	return &fakeTicketRepo{tickets: make(map[string]*models.Ticket)}
}

func cloneTicket(t *models.Ticket) *models.Ticket {
	raw, err := json.Marshal(t)
	if err != nil {
		panic(err)
	}
	out := &models.Ticket{}
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	return out
}

func (f *fakeTicketRepo) Save(_ context.Context, t *models.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.tickets[t.ID] = cloneTicket(t)
	return nil
}

func (f *fakeTicketRepo) SaveMany(ctx context.Context, ts []*models.Ticket) error {
	for _, t := range ts {
		if err := f.Save(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTicketRepo) FindByID(_ context.Context, id string) (*models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return nil, status.ErrTicketNotFound
	}
	return cloneTicket(t), nil
}

func (f *fakeTicketRepo) FindForAccess(_ context.Context, promoterID, ticketID string) (*models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[ticketID]
	if !ok || t.PromoterID != promoterID {
		return nil, status.ErrTicketNotFound
	}
	return cloneTicket(t), nil
}

func (f *fakeTicketRepo) CompareAndSwapStatus(_ context.Context, id string, expected, next models.Status, entry models.HistoryEntry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return false, status.ErrTicketNotFound
	}
	if t.Status != expected {
		return false, nil
	}
	entry.Status = next
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	t.Status = next
	t.Activity = entry.Activity
	t.History.Append(entry)
	t.UpdatedAt = entry.At
	return true, nil
}

func (f *fakeTicketRepo) ConfirmOnChain(_ context.Context, id string, onChain models.OnChain, entry models.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return status.ErrTicketNotFound
	}
	t.OnChain = onChain
	entry.Status = t.Status
	entry.Activity = t.Activity
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	t.History.Append(entry)
	t.UpdatedAt = entry.At
	return nil
}

func (f *fakeTicketRepo) AppendHistory(_ context.Context, id string, activity models.Activity, entry models.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return status.ErrTicketNotFound
	}
	t.Activity = activity
	entry.Status = t.Status
	entry.Activity = activity
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	t.History.Append(entry)
	t.UpdatedAt = entry.At
	return nil
}

func (f *fakeTicketRepo) RecordResaleSubmission(_ context.Context, id, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return status.ErrTicketNotFound
	}
	if t.Resale.Listed {
		t.Resale.TxHash = txHash
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (f *fakeTicketRepo) RecordResaleReceipt(_ context.Context, id, txHash string, blockNumber int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return status.ErrTicketNotFound
	}
	if t.Resale.Listed && t.Resale.TxHash == txHash {
		t.Resale.BlockNumber = blockNumber
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (f *fakeTicketRepo) FindExpiredCandidates(_ context.Context, eventID string, statuses []models.Status) ([]*models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Ticket
	for _, t := range f.tickets {
		if t.EventID != eventID {
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, cloneTicket(t))
				break
			}
		}
	}
	return out, nil
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events map[string]*models.Event
}

func newFakeEventRepo(events ...*models.Event) *fakeEventRepo {
	f := &fakeEventRepo{events: make(map[string]*models.Event)}
	for _, e := range events {
		copied := *e
		f.events[e.ID] = &copied
	}
	return f
}

func (f *fakeEventRepo) FindEventByID(_ context.Context, id string) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return nil, status.ErrTicketNotFound
	}
	copied := *e
	return &copied, nil
}

func (f *fakeEventRepo) FindEventsByStatus(_ context.Context, statuses []models.EventStatus) ([]*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Event
	for _, e := range f.events {
		for _, s := range statuses {
			if e.Status == s {
				copied := *e
				out = append(out, &copied)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeEventRepo) SetEventStatus(_ context.Context, id string, s models.EventStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return status.ErrTicketNotFound
	}
	e.Status = s
	return nil
}

// fakeChain records submissions and serves receipts and logs. Mint
// logs echo the timestamp nonce of the last submitted call, matching
// the relay's behavior.
type fakeChain struct {
	mu          sync.Mutex
	submissions []chain.Call
	submitErr   error
	waitErr     error
	noMatch     bool
	tokenID     int64
	blockNumber int64
	lastNonce   int64
	lastTx      string

	// waitHook, when set, runs once inside WaitConfirmations. Tests use
	// it to interleave work with a pending confirmation.
	waitHook func()
}

func newFakeChain() *fakeChain {
	return &fakeChain{tokenID: 7, blockNumber: 1234}
}

func (f *fakeChain) Submit(_ context.Context, _ chain.Signer, _ string, call chain.Call) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions = append(f.submissions, call)
	if ts, ok := call.Args["timestamp"].(int64); ok {
		f.lastNonce = ts
	}
	f.lastTx = "0xfeed"
	return f.lastTx, nil
}

func (f *fakeChain) WaitConfirmations(_ context.Context, txHash string, _ int) (*chain.Receipt, error) {
	f.mu.Lock()
	hook := f.waitHook
	f.waitHook = nil
	waitErr := f.waitErr
	blockNumber := f.blockNumber
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if waitErr != nil {
		return nil, waitErr
	}
	return &chain.Receipt{TxHash: txHash, BlockNumber: blockNumber, Confirmations: 6, Confirmed: true}, nil
}

func (f *fakeChain) ScanEvents(_ context.Context, contract string, fromBlock int64, signature string) ([]chain.DecodedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noMatch {
		return nil, nil
	}
	return []chain.DecodedEvent{{
		Signature:   signature,
		Contract:    contract,
		TxHash:      f.lastTx,
		BlockNumber: f.blockNumber,
		TokenID:     f.tokenID,
		Timestamp:   f.lastNonce,
	}}, nil
}

func (f *fakeChain) submitted() []chain.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.Call(nil), f.submissions...)
}

type fakeWalletProvider struct{}

func (fakeWalletProvider) ResolveSigner(_ context.Context, ownerID string) (chain.Signer, error) {
	return chain.Signer{OwnerID: ownerID, Address: "0x" + ownerID, KeyRef: "key-" + ownerID}, nil
}
