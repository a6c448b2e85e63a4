package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-chain/config"
	"ticket-chain/internal/status"
	"ticket-chain/models"
)

func testConfig() *config.Config {
	return &config.Config{
		ConfirmationDepth:  1,
		ChainSubmitTimeout: 2 * time.Second,
		ChainConfirmWindow: 3 * time.Second,
		ResaleMaxFactor:    1.5,
		SweepInterval:      time.Minute,
		GateLockTTL:        time.Second,
	}
}

func chainBackedEvent() *models.Event {
	return &models.Event{
		ID:              "event-1",
		Name:            "Arena Night",
		PromoterID:      "promoter-1",
		StartTime:       time.Now().Add(24 * time.Hour),
		EndTime:         time.Now().Add(30 * time.Hour),
		Status:          models.EventLaunched,
		ContractAddress: "0xc0ffee",
		RoyaltyBps:      500,
	}
}

func offChainEvent() *models.Event {
	e := chainBackedEvent()
	e.ID = "event-2"
	e.ContractAddress = ""
	return e
}

func newSettlementFixture(t *testing.T, events ...*models.Event) (*SettlementService, *fakeTicketRepo, *fakeChain) {
	t.Helper()
	tickets := newFakeTicketRepo()
	chainClient := newFakeChain()
	svc := NewSettlementService(
		tickets,
		newFakeEventRepo(events...),
		chainClient,
		fakeWalletProvider{},
		NewNoopNotifier(),
		monitoringForTest(),
		testConfig(),
	)
	return svc, tickets, chainClient
}

func seedPendingTicket(t *testing.T, tickets *fakeTicketRepo, eventID string) *models.Ticket {
	t.Helper()
	tk := models.NewTicket("ticket-1", "order-1", eventID, "owner-1", "promoter-1", "VIP", models.MustMoney("100", "EUR"), false)
	require.NoError(t, tickets.Save(context.Background(), tk))
	return tk
}

func TestMintTicketChainBackedConfirms(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, chainBackedEvent())
	seedPendingTicket(t, tickets, "event-1")

	require.NoError(t, svc.MintTicket(context.Background(), "ticket-1"))
	svc.Stop()

	got, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)

	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Equal(t, models.ActivityProcessed, got.Activity)
	assert.NotEmpty(t, got.QRPayload)
	assert.True(t, got.OnChain.Confirmed)
	require.NotNil(t, got.OnChain.TokenID)
	assert.Equal(t, int64(7), *got.OnChain.TokenID)
	require.NotNil(t, got.OnChain.BlockNumber)
	assert.Equal(t, int64(1234), *got.OnChain.BlockNumber)

	calls := chainClient.submitted()
	require.Len(t, calls, 1)
	assert.Equal(t, "mintTicket", calls[0].Method)
	assert.Equal(t, "100", calls[0].Args["price"])
	assert.Equal(t, 500, calls[0].Args["royaltyBps"])
}

func TestMintTicketSubmitFailureFallsBack(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, chainBackedEvent())
	chainClient.submitErr = status.ErrChainSubmitFailed
	seedPendingTicket(t, tickets, "event-1")

	require.NoError(t, svc.MintTicket(context.Background(), "ticket-1"))
	svc.Stop()

	got, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)

	// The ticket still ships without its on-chain record.
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.NotEmpty(t, got.QRPayload)
	assert.False(t, got.OnChain.Confirmed)
	assert.Empty(t, got.OnChain.TxHash)
}

func TestMintTicketNotChainBacked(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, offChainEvent())
	seedPendingTicket(t, tickets, "event-2")

	require.NoError(t, svc.MintTicket(context.Background(), "ticket-1"))
	svc.Stop()

	got, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)

	assert.Equal(t, models.StatusOpen, got.Status)
	assert.NotEmpty(t, got.QRPayload)
	assert.Empty(t, chainClient.submitted())
}

func TestMintTicketIdempotentAfterConfirmation(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, chainBackedEvent())
	seedPendingTicket(t, tickets, "event-1")

	tk, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)
	require.NoError(t, tk.MarkProcessing("processing"))
	require.NoError(t, tk.IssueCredential("qr-abc"))
	tk.AttachMint("0xc0ffee", "0xfeed", 42)
	tk.ConfirmMint(7, 1234)
	require.NoError(t, tickets.Save(context.Background(), tk))

	require.NoError(t, svc.MintTicket(context.Background(), "ticket-1"))
	svc.Stop()

	assert.Empty(t, chainClient.submitted())
	got, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, "qr-abc", got.QRPayload)
}

func TestMintTicketReconcileLogNotFound(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, chainBackedEvent())
	chainClient.noMatch = true
	seedPendingTicket(t, tickets, "event-1")

	require.NoError(t, svc.MintTicket(context.Background(), "ticket-1"))
	svc.Stop()

	got, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)

	// Unconfirmed but still usable, with the failure on record.
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.NotEmpty(t, got.QRPayload)
	assert.False(t, got.OnChain.Confirmed)
	require.NotZero(t, got.History.Len())
	last := got.History.Last()
	assert.Contains(t, last.Reason, "no mint log")
}

func TestReconcileMintKeepsConcurrentGateScan(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, chainBackedEvent())
	seedPendingTicket(t, tickets, "event-1")

	// The ticket is consumed at the gate while its mint confirmation is
	// still pending.
	chainClient.waitHook = func() {
		ok, err := tickets.CompareAndSwapStatus(context.Background(), "ticket-1", models.StatusOpen, models.StatusClosed, models.HistoryEntry{
			Activity: models.ActivityGranted,
			Reason:   "entry granted",
			Actor:    "gate-1",
		})
		assert.NoError(t, err)
		assert.True(t, ok)
	}

	require.NoError(t, svc.MintTicket(context.Background(), "ticket-1"))
	svc.Stop()

	got, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)

	// The confirmation write-back never reopens the consumed ticket.
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.True(t, got.OnChain.Confirmed)
	require.NotNil(t, got.OnChain.TokenID)
	assert.Equal(t, int64(7), *got.OnChain.TokenID)

	last := got.History.Last()
	require.NotNil(t, last)
	assert.Equal(t, "mint confirmed on chain", last.Reason)
	assert.Equal(t, models.StatusClosed, last.Status)

	var granted int
	for _, e := range got.History {
		if e.Activity == models.ActivityGranted {
			granted++
		}
	}
	assert.Equal(t, 1, granted)
}

func TestHandleOrderConfirmedCreatesAndMints(t *testing.T) {
	svc, tickets, _ := newSettlementFixture(t, chainBackedEvent())

	items := []OrderItem{
		{TicketID: "ticket-a", TicketType: "VIP", Price: models.MustMoney("100", "EUR")},
		{TicketID: "ticket-b", TicketType: "GA", Price: models.MustMoney("40", "EUR"), Invitation: true},
	}
	created, err := svc.HandleOrderConfirmed(context.Background(), "order-9", "event-1", "owner-9", items)
	require.NoError(t, err)
	require.Len(t, created, 2)
	svc.Stop()

	for _, id := range []string{"ticket-a", "ticket-b"} {
		got, err := tickets.FindByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusOpen, got.Status)
		assert.NotEmpty(t, got.QRPayload)
		assert.Equal(t, "order-9", got.OrderID)
		assert.Equal(t, "owner-9", got.OwnerID)
	}

	invit, err := tickets.FindByID(context.Background(), "ticket-b")
	require.NoError(t, err)
	assert.True(t, invit.IsInvitation)
	assert.False(t, invit.CanBeResold())
}

func openConfirmedTicket(t *testing.T, svc *SettlementService, tickets *fakeTicketRepo) *models.Ticket {
	t.Helper()
	seedPendingTicket(t, tickets, "event-1")
	require.NoError(t, svc.MintTicket(context.Background(), "ticket-1"))
	svc.wg.Wait()
	got, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)
	require.True(t, got.OnChain.Confirmed)
	return got
}

func TestListResaleWithinBound(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, chainBackedEvent())
	openConfirmedTicket(t, svc, tickets)

	listed, err := svc.ListResale(context.Background(), "ticket-1", models.MustMoney("140", "EUR"))
	require.NoError(t, err)
	svc.Stop()

	assert.Equal(t, models.StatusSale, listed.Status)
	assert.True(t, listed.Resale.Listed)
	require.NotNil(t, listed.Resale.Price)
	assert.Equal(t, "140 EUR", listed.Resale.Price.String())

	calls := chainClient.submitted()
	require.Len(t, calls, 2)
	assert.Equal(t, "setSalePrice", calls[1].Method)
	assert.Equal(t, "140", calls[1].Args["price"])

	got, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", got.Resale.TxHash)
	assert.Equal(t, int64(1234), got.Resale.BlockNumber)
}

func TestListResaleStandsWhenPricePushFails(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, chainBackedEvent())
	openConfirmedTicket(t, svc, tickets)
	chainClient.submitErr = errors.New("relay down")

	listed, err := svc.ListResale(context.Background(), "ticket-1", models.MustMoney("140", "EUR"))
	require.NoError(t, err)
	svc.Stop()

	assert.Equal(t, models.StatusSale, listed.Status)
	assert.True(t, listed.Resale.Listed)

	got, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSale, got.Status)
	assert.True(t, got.Resale.Listed)
	last := got.History.Last()
	require.NotNil(t, last)
	assert.Contains(t, last.Reason, "price submit failed")
}

func TestResaleReceiptSkippedAfterDelisting(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, chainBackedEvent())
	openConfirmedTicket(t, svc, tickets)

	// The listing is taken down while the price-set confirmation is
	// still pending; the receipt must not land on the cleared listing.
	chainClient.waitHook = func() {
		cur, err := tickets.FindByID(context.Background(), "ticket-1")
		if assert.NoError(t, err) {
			assert.NoError(t, cur.CancelResale())
			assert.NoError(t, tickets.Save(context.Background(), cur))
		}
	}

	_, err := svc.ListResale(context.Background(), "ticket-1", models.MustMoney("120", "EUR"))
	require.NoError(t, err)
	svc.Stop()

	got, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)
	assert.False(t, got.Resale.Listed)
	assert.Zero(t, got.Resale.BlockNumber)
}

func TestListResaleAboveBoundRejected(t *testing.T) {
	svc, tickets, _ := newSettlementFixture(t, chainBackedEvent())
	openConfirmedTicket(t, svc, tickets)
	defer svc.Stop()

	_, err := svc.ListResale(context.Background(), "ticket-1", models.MustMoney("151", "EUR"))
	assert.ErrorIs(t, err, status.ErrResalePriceExceeded)

	got, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
}

func TestCancelResaleClearsListing(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, chainBackedEvent())
	openConfirmedTicket(t, svc, tickets)

	_, err := svc.ListResale(context.Background(), "ticket-1", models.MustMoney("120", "EUR"))
	require.NoError(t, err)

	got, err := svc.CancelResale(context.Background(), "ticket-1")
	require.NoError(t, err)
	svc.Stop()

	assert.Equal(t, models.StatusOpen, got.Status)
	assert.False(t, got.Resale.Listed)

	calls := chainClient.submitted()
	require.Len(t, calls, 3)
	assert.Equal(t, "setSalePrice", calls[2].Method)
	assert.Equal(t, "0", calls[2].Args["price"])
}

func TestTransferOffChainSettlesImmediately(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, offChainEvent())
	seedPendingTicket(t, tickets, "event-2")
	require.NoError(t, svc.MintTicket(context.Background(), "ticket-1"))

	sibling, err := svc.Transfer(context.Background(), "ticket-1", "owner-2", "owner2@example.com", "ticket-2", false)
	require.NoError(t, err)
	svc.Stop()

	origin, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTransfered, origin.Status)

	got, err := tickets.FindByID(context.Background(), sibling.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Equal(t, "owner-2", got.OwnerID)
	assert.NotEmpty(t, got.QRPayload)
	assert.Empty(t, chainClient.submitted())
}

func TestTransferOnChainReconciles(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, chainBackedEvent())
	openConfirmedTicket(t, svc, tickets)

	sibling, err := svc.Transfer(context.Background(), "ticket-1", "owner-2", "owner2@example.com", "ticket-2", true)
	require.NoError(t, err)
	svc.Stop()

	origin, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, origin.Status)

	got, err := tickets.FindByID(context.Background(), sibling.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.NotEmpty(t, got.QRPayload)
	require.NotNil(t, got.OnChain.TokenID)
	assert.Equal(t, int64(7), *got.OnChain.TokenID)
	assert.True(t, got.OnChain.Confirmed)

	calls := chainClient.submitted()
	require.Len(t, calls, 2)
	assert.Equal(t, "safeTransferFrom", calls[1].Method)
	assert.Equal(t, int64(7), calls[1].Args["tokenId"])
}

func TestTransferOnChainSubmitFailureLeavesProcessing(t *testing.T) {
	svc, tickets, chainClient := newSettlementFixture(t, chainBackedEvent())
	openConfirmedTicket(t, svc, tickets)
	chainClient.submitErr = errors.New("relay down")

	_, err := svc.Transfer(context.Background(), "ticket-1", "owner-2", "owner2@example.com", "ticket-2", false)
	require.ErrorIs(t, err, status.ErrChainSubmitFailed)
	svc.Stop()

	origin, err := tickets.FindByID(context.Background(), "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, origin.Status)

	sibling, err := tickets.FindByID(context.Background(), "ticket-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, sibling.Status)
}

func TestTransferInvitationRejected(t *testing.T) {
	svc, tickets, _ := newSettlementFixture(t, offChainEvent())
	tk := models.NewTicket("ticket-i", "order-1", "event-2", "owner-1", "promoter-1", "VIP", models.MustMoney("0", "EUR"), true)
	require.NoError(t, tickets.Save(context.Background(), tk))
	require.NoError(t, svc.MintTicket(context.Background(), "ticket-i"))
	defer svc.Stop()

	_, err := svc.Transfer(context.Background(), "ticket-i", "owner-2", "owner2@example.com", "ticket-2", false)
	assert.ErrorIs(t, err, status.ErrNotTransferable)
}
