package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ticket-chain/config"
	"ticket-chain/internal/chain"
	"ticket-chain/internal/repo"
	"ticket-chain/internal/status"
	"ticket-chain/internal/wallet"
	"ticket-chain/models"
	"ticket-chain/monitoring"
	"ticket-chain/utils"
)

// SettlementService bridges ticket state changes that need on-chain
// settlement to the chain client and reconciles the asynchronous
// results back onto the ticket records. Each call is a single attempt:
// retries belong to the caller's scheduling layer, and re-invocation is
// idempotent.
type SettlementService struct {
	tickets repo.TicketRepository
	events  repo.EventRepository
	chain   chain.Client
	wallets wallet.Provider
	notify  Notifier
	monitor *monitoring.Monitor
	breaker *utils.CircuitBreaker
	cfg     *config.Config

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewSettlementService(
	tickets repo.TicketRepository,
	events repo.EventRepository,
	chainClient chain.Client,
	wallets wallet.Provider,
	notify Notifier,
	monitor *monitoring.Monitor,
	cfg *config.Config,
) *SettlementService {
	return &SettlementService{
		tickets:  tickets,
		events:   events,
		chain:    chainClient,
		wallets:  wallets,
		notify:   notify,
		monitor:  monitor,
		breaker:  utils.NewCircuitBreaker("chain-relay"),
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Stop waits for in-flight reconciliation tasks to finish.
func (s *SettlementService) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

// OrderItem is one ticket line of a confirmed order.
type OrderItem struct {
	TicketID   string
	TicketType string
	Price      models.Money
	Invitation bool
}

// HandleOrderConfirmed creates the order's tickets in PENDING and
// starts minting each one. A mint failure never fails the order.
func (s *SettlementService) HandleOrderConfirmed(ctx context.Context, orderID, eventID, buyerID string, items []OrderItem) ([]*models.Ticket, error) {
	event, err := s.events.FindEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	tickets := make([]*models.Ticket, 0, len(items))
	for _, item := range items {
		tickets = append(tickets, models.NewTicket(
			item.TicketID, orderID, eventID, buyerID, event.PromoterID,
			item.TicketType, item.Price, item.Invitation,
		))
	}
	if err := s.tickets.SaveMany(ctx, tickets); err != nil {
		return nil, err
	}

	for _, t := range tickets {
		if err := s.MintTicket(ctx, t.ID); err != nil {
			slog.Error("settlement: mint failed", "ticket", t.ID, "order", orderID, "error", err)
		}
	}
	return tickets, nil
}

// MintTicket issues the NFT backing a ticket, or issues the credential
// directly when the event is not chain-backed or the chain is down.
// Re-invoking on a ticket with a confirmed on-chain record is a no-op.
func (s *SettlementService) MintTicket(ctx context.Context, ticketID string) error {
	t, err := s.tickets.FindByID(ctx, ticketID)
	if err != nil {
		return err
	}

	// Idempotency under re-drive: already settled or already issued
	// without a pending chain record means there is nothing to do.
	if t.OnChain.Confirmed {
		return nil
	}
	if t.QRPayload != "" && t.OnChain.TxHash == "" {
		return nil
	}
	if t.QRPayload != "" && t.OnChain.TxHash != "" {
		// Submitted but unconfirmed: only the reconciliation is missing.
		s.spawnReconcileMint(t.ID, t.OnChain.ContractAddress, t.OnChain.TxHash, t.OnChain.ExpectedTimestamp, time.Now())
		return nil
	}

	if t.Status == models.StatusPending {
		if err := t.MarkProcessing("processing"); err != nil {
			return err
		}
		if err := s.tickets.Save(ctx, t); err != nil {
			return err
		}
	}

	event, err := s.events.FindEventByID(ctx, t.EventID)
	if err != nil {
		return err
	}
	if !event.ChainBacked() || s.chain == nil {
		return s.issueWithoutChain(ctx, t)
	}

	signer, err := s.wallets.ResolveSigner(ctx, t.OwnerID)
	if err != nil {
		slog.Error("settlement: signer unavailable, falling back", "ticket", t.ID, "owner", t.OwnerID, "error", err)
		s.monitor.TrackSettlement("mint", "fallback")
		return s.issueWithoutChain(ctx, t)
	}

	expectedTimestamp := time.Now().UnixMilli()
	call := chain.NewMintCall(signer.Address, t.Price.Amount, event.RoyaltyBps, expectedTimestamp)

	txHash, err := s.submit(ctx, signer, event.ContractAddress, call)
	if err != nil {
		// Blockchain is best effort: a usable ticket still ships.
		slog.Error("settlement: mint submit failed, falling back", "ticket", t.ID, "error", err)
		s.monitor.TrackSettlement("mint", "fallback")
		return s.issueWithoutChain(ctx, t)
	}
	submittedAt := time.Now()

	t.AttachMint(event.ContractAddress, txHash, expectedTimestamp)
	if err := s.issueCredential(ctx, t); err != nil {
		return err
	}
	s.monitor.TrackSettlement("mint", "submitted")

	s.spawnReconcileMint(t.ID, event.ContractAddress, txHash, expectedTimestamp, submittedAt)
	return nil
}

// issueWithoutChain is the non-blockchain path: credential now, no
// on-chain record.
func (s *SettlementService) issueWithoutChain(ctx context.Context, t *models.Ticket) error {
	if err := s.issueCredential(ctx, t); err != nil {
		return err
	}
	s.monitor.TrackSettlement("mint", "offchain")
	return nil
}

func (s *SettlementService) issueCredential(ctx context.Context, t *models.Ticket) error {
	qr, err := utils.GenerateCode(16)
	if err != nil {
		return fmt.Errorf("settlement: generate credential: %w", err)
	}
	if err := t.IssueCredential(qr); err != nil {
		return err
	}
	if err := s.tickets.Save(ctx, t); err != nil {
		return err
	}
	s.notify.NotifyTicketIssued(t.PromoterID, t.OrderID, t.ID)
	return nil
}

func (s *SettlementService) spawnReconcileMint(ticketID, contractAddress, txHash string, expectedTimestamp int64, submittedAt time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := s.reconcileContext()
		defer cancel()
		if err := s.ReconcileMint(ctx, ticketID, contractAddress, txHash, expectedTimestamp, submittedAt); err != nil {
			slog.Error("settlement: mint reconciliation failed", "ticket", ticketID, "tx", txHash, "error", err)
		}
	}()
}

// reconcileContext bounds a background reconciliation by the configured
// confirmation window and by service shutdown.
func (s *SettlementService) reconcileContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ChainConfirmWindow)
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ReconcileMint waits for confirmation depth, scans the contract's mint
// logs, correlates by the timestamp nonce, and writes the token back.
// Callable again by the external retry layer for a stuck ticket.
func (s *SettlementService) ReconcileMint(ctx context.Context, ticketID, contractAddress, txHash string, expectedTimestamp int64, submittedAt time.Time) error {
	receipt, err := s.chain.WaitConfirmations(ctx, txHash, s.cfg.ConfirmationDepth)
	if err != nil {
		s.noteReconcileFailure(ticketID, "confirmation window closed without receipt")
		return err
	}

	logs, err := s.chain.ScanEvents(ctx, contractAddress, receipt.BlockNumber, chain.EventTicketMinted)
	if err != nil {
		s.noteReconcileFailure(ticketID, "event log scan failed")
		return err
	}

	var matched *chain.DecodedEvent
	for i := range logs {
		if logs[i].Timestamp == expectedTimestamp {
			matched = &logs[i]
			break
		}
	}
	if matched == nil {
		s.noteReconcileFailure(ticketID, "no mint log matched the expected timestamp")
		return fmt.Errorf("%w: tx %s", status.ErrEventLogNotFound, txHash)
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Column-scoped write-back: a gate scan that consumed the ticket
	// while the confirmation was pending keeps its status flip.
	tokenID := matched.TokenID
	blockNumber := matched.BlockNumber
	record := models.OnChain{
		TokenID:           &tokenID,
		ContractAddress:   contractAddress,
		TxHash:            txHash,
		BlockNumber:       &blockNumber,
		Confirmed:         true,
		ExpectedTimestamp: expectedTimestamp,
	}
	if err := s.tickets.ConfirmOnChain(saveCtx, ticketID, record, models.HistoryEntry{
		Reason:      "mint confirmed on chain",
		TxHash:      txHash,
		BlockNumber: blockNumber,
	}); err != nil {
		return err
	}

	s.monitor.TrackSettlement("mint", "confirmed")
	s.monitor.TrackConfirmation("mint", time.Since(submittedAt))
	slog.Info("settlement: mint confirmed", "ticket", ticketID, "token", matched.TokenID, "block", matched.BlockNumber)
	return nil
}

// noteReconcileFailure leaves an unconfirmed ticket usable but visibly
// stuck: history entry, metric, log.
func (s *SettlementService) noteReconcileFailure(ticketID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.monitor.TrackReconcileFailure()
	t, err := s.tickets.FindByID(ctx, ticketID)
	if err != nil {
		slog.Error("settlement: cannot record reconcile failure", "ticket", ticketID, "error", err)
		return
	}
	entry := models.HistoryEntry{Reason: reason, TxHash: t.OnChain.TxHash}
	if err := s.tickets.AppendHistory(ctx, ticketID, t.Activity, entry); err != nil {
		slog.Error("settlement: cannot persist reconcile failure", "ticket", ticketID, "error", err)
	}
}

// ListResale lists a ticket for resale bounded by the configured
// multiple of its face price, and pushes the price on chain when the
// ticket has a confirmed token. A failed push leaves the listing
// standing; the external retry layer re-drives the price.
func (s *SettlementService) ListResale(ctx context.Context, ticketID string, price models.Money) (*models.Ticket, error) {
	t, err := s.tickets.FindByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	maxPrice := t.Price.Scale(decimal.NewFromFloat(s.cfg.ResaleMaxFactor))
	if err := t.ListForResale(price, maxPrice); err != nil {
		return nil, err
	}
	if err := s.tickets.Save(ctx, t); err != nil {
		return nil, err
	}
	s.monitor.TrackSettlement("resale_list", "accepted")

	if t.OnChain.TokenID != nil && s.chain != nil {
		if err := s.settleResalePrice(ctx, t, price.Amount); err != nil {
			// The listing stands; the price push follows on re-drive.
			slog.Error("settlement: resale price submit failed", "ticket", t.ID, "error", err)
			s.noteResalePushFailure(t, "resale price submit failed")
		}
	}
	return t, nil
}

// CancelResale delists a ticket, clearing the on-chain price for
// confirmed tokens.
func (s *SettlementService) CancelResale(ctx context.Context, ticketID string) (*models.Ticket, error) {
	t, err := s.tickets.FindByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := t.CancelResale(); err != nil {
		return nil, err
	}
	if err := s.tickets.Save(ctx, t); err != nil {
		return nil, err
	}
	s.monitor.TrackSettlement("resale_cancel", "accepted")

	if t.OnChain.TokenID != nil && s.chain != nil {
		if err := s.settleResalePrice(ctx, t, decimal.Zero); err != nil {
			slog.Error("settlement: resale cancel submit failed", "ticket", t.ID, "error", err)
			s.noteResalePushFailure(t, "resale price clear failed")
		}
	}
	return t, nil
}

// noteResalePushFailure records a failed on-chain price push. The local
// listing state is already settled; only the push is outstanding.
func (s *SettlementService) noteResalePushFailure(t *models.Ticket, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entry := models.HistoryEntry{Reason: reason, TxHash: t.OnChain.TxHash}
	if err := s.tickets.AppendHistory(ctx, t.ID, t.Activity, entry); err != nil {
		slog.Error("settlement: cannot persist resale push failure", "ticket", t.ID, "error", err)
	}
}

// settleResalePrice submits the price update and records the receipt on
// the resale state once confirmed. No log correlation is needed: the
// call's own receipt is sufficient proof.
func (s *SettlementService) settleResalePrice(ctx context.Context, t *models.Ticket, price decimal.Decimal) error {
	signer, err := s.wallets.ResolveSigner(ctx, t.OwnerID)
	if err != nil {
		return err
	}

	txHash, err := s.submit(ctx, signer, t.OnChain.ContractAddress, chain.NewSetPriceCall(*t.OnChain.TokenID, price))
	if err != nil {
		s.monitor.TrackSettlement("resale_price", "submit_failed")
		return err
	}

	if t.Resale.Listed {
		t.Resale.TxHash = txHash
		if err := s.tickets.RecordResaleSubmission(ctx, t.ID, txHash); err != nil {
			return err
		}
	}
	s.monitor.TrackSettlement("resale_price", "submitted")

	submittedAt := time.Now()
	ticketID := t.ID
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bgCtx, cancel := s.reconcileContext()
		defer cancel()

		receipt, err := s.chain.WaitConfirmations(bgCtx, txHash, s.cfg.ConfirmationDepth)
		if err != nil {
			slog.Error("settlement: resale price unconfirmed", "ticket", ticketID, "tx", txHash, "error", err)
			return
		}

		saveCtx, cancelSave := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelSave()

		// The standing-listing condition rides inside the update, so a
		// ticket delisted or consumed in the meantime is left alone.
		if err := s.tickets.RecordResaleReceipt(saveCtx, ticketID, txHash, receipt.BlockNumber); err != nil {
			slog.Error("settlement: resale receipt write-back failed", "ticket", ticketID, "error", err)
			return
		}
		s.monitor.TrackSettlement("resale_price", "confirmed")
		s.monitor.TrackConfirmation("resale_price", time.Since(submittedAt))
	}()
	return nil
}

// Transfer reassigns a ticket to a new owner: PROCESSING on both sides,
// an on-chain token move when one exists, then terminal states on
// reconciliation. resale distinguishes a purchased resale from a gift.
func (s *SettlementService) Transfer(ctx context.Context, originID, toOwnerID, toContact, siblingID string, resale bool) (*models.Ticket, error) {
	origin, err := s.tickets.FindByID(ctx, originID)
	if err != nil {
		return nil, err
	}

	sibling, err := origin.BeginTransfer(siblingID, toOwnerID, toContact)
	if err != nil {
		return nil, err
	}
	if err := s.tickets.SaveMany(ctx, []*models.Ticket{origin, sibling}); err != nil {
		return nil, err
	}

	// No token to move: settle both sides immediately.
	if origin.OnChain.TokenID == nil || s.chain == nil {
		if err := s.finishTransfer(ctx, origin, sibling, resale, nil); err != nil {
			return nil, err
		}
		s.monitor.TrackSettlement("transfer", "offchain")
		return sibling, nil
	}

	fromSigner, err := s.wallets.ResolveSigner(ctx, origin.OwnerID)
	if err != nil {
		return nil, err
	}
	toSigner, err := s.wallets.ResolveSigner(ctx, toOwnerID)
	if err != nil {
		return nil, err
	}

	tokenID := *origin.OnChain.TokenID
	call := chain.NewTransferCall(tokenID, fromSigner.Address, toSigner.Address)
	txHash, err := s.submit(ctx, fromSigner, origin.OnChain.ContractAddress, call)
	if err != nil {
		// Both tickets stay PROCESSING: a stuck state the external
		// retry layer resolves by re-driving ReconcileTransfer.
		s.monitor.TrackSettlement("transfer", "submit_failed")
		return nil, err
	}
	submittedAt := time.Now()
	s.monitor.TrackSettlement("transfer", "submitted")

	contract := origin.OnChain.ContractAddress
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bgCtx, cancel := s.reconcileContext()
		defer cancel()
		if err := s.ReconcileTransfer(bgCtx, origin.ID, sibling.ID, contract, txHash, tokenID, resale, submittedAt); err != nil {
			slog.Error("settlement: transfer reconciliation failed", "ticket", origin.ID, "tx", txHash, "error", err)
		}
	}()

	return sibling, nil
}

// ReconcileTransfer waits for the ownership-transfer log, correlated by
// the known token id, then settles both ticket records.
func (s *SettlementService) ReconcileTransfer(ctx context.Context, originID, siblingID, contractAddress, txHash string, tokenID int64, resale bool, submittedAt time.Time) error {
	receipt, err := s.chain.WaitConfirmations(ctx, txHash, s.cfg.ConfirmationDepth)
	if err != nil {
		return err
	}

	logs, err := s.chain.ScanEvents(ctx, contractAddress, receipt.BlockNumber, chain.EventTransfer)
	if err != nil {
		return err
	}

	var matched *chain.DecodedEvent
	for i := range logs {
		if logs[i].TokenID == tokenID {
			matched = &logs[i]
			break
		}
	}
	if matched == nil {
		return fmt.Errorf("%w: token %d in tx %s", status.ErrEventLogNotFound, tokenID, txHash)
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	origin, err := s.tickets.FindByID(saveCtx, originID)
	if err != nil {
		return err
	}
	sibling, err := s.tickets.FindByID(saveCtx, siblingID)
	if err != nil {
		return err
	}
	if err := s.finishTransfer(saveCtx, origin, sibling, resale, matched); err != nil {
		return err
	}

	s.monitor.TrackSettlement("transfer", "confirmed")
	s.monitor.TrackConfirmation("transfer", time.Since(submittedAt))
	return nil
}

// finishTransfer flips the origin to its terminal state and opens the
// recipient's ticket with a fresh credential. Idempotent: already
// settled tickets pass through unchanged.
func (s *SettlementService) finishTransfer(ctx context.Context, origin, sibling *models.Ticket, resale bool, log *chain.DecodedEvent) error {
	txHash := ""
	var blockNumber int64
	if log != nil {
		txHash = log.TxHash
		blockNumber = log.BlockNumber
	}

	if origin.Status == models.StatusProcessing {
		if err := origin.CompleteTransferOut(resale, txHash, blockNumber); err != nil {
			return err
		}
	}
	if sibling.QRPayload == "" {
		qr, err := utils.GenerateCode(16)
		if err != nil {
			return fmt.Errorf("settlement: generate credential: %w", err)
		}
		if err := sibling.IssueCredential(qr); err != nil {
			return err
		}
	}
	if log != nil {
		sibling.AttachToken(log.TokenID, origin.OnChain.ContractAddress, txHash, blockNumber)
	}

	if err := s.tickets.SaveMany(ctx, []*models.Ticket{origin, sibling}); err != nil {
		return err
	}

	s.notify.NotifyTransferCompleted(origin.PromoterID, origin.ID, origin.OwnerID, sibling.OwnerID)
	return nil
}

// submit pushes one call through the circuit breaker with the
// configured submission timeout.
func (s *SettlementService) submit(ctx context.Context, signer chain.Signer, contractAddress string, call chain.Call) (string, error) {
	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.ChainSubmitTimeout)
	defer cancel()

	result, err := s.breaker.Execute(submitCtx, func() (interface{}, error) {
		return s.chain.Submit(submitCtx, signer, contractAddress, call)
	})
	if err != nil {
		if errors.Is(err, status.ErrChainSubmitFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", status.ErrChainSubmitFailed, err)
	}
	return result.(string), nil
}
