package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-chain/models"
)

func sweeperFixture(t *testing.T, events ...*models.Event) (*SweeperService, *fakeTicketRepo, *fakeEventRepo) {
	t.Helper()
	tickets := newFakeTicketRepo()
	eventRepo := newFakeEventRepo(events...)
	svc := NewSweeperService(tickets, eventRepo, nil, monitoringForTest(), testConfig())
	return svc, tickets, eventRepo
}

func TestSweepLaunchedEventGoesLiveAtStart(t *testing.T) {
	now := time.Date(2026, 8, 28, 20, 0, 30, 0, time.UTC)
	event := &models.Event{
		ID:         "event-1",
		PromoterID: "promoter-1",
		StartTime:  now.Add(-time.Minute),
		EndTime:    now.Add(3 * time.Hour),
		Status:     models.EventLaunched,
	}
	svc, _, events := sweeperFixture(t, event)

	require.NoError(t, svc.Sweep(context.Background(), now))

	got, err := events.FindEventByID(context.Background(), "event-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventLive, got.Status)
}

func TestSweepBeforeStartLeavesEventLaunched(t *testing.T) {
	now := time.Date(2026, 8, 28, 20, 0, 0, 0, time.UTC)
	event := &models.Event{
		ID:        "event-1",
		StartTime: now.Add(2 * time.Hour),
		EndTime:   now.Add(5 * time.Hour),
		Status:    models.EventLaunched,
	}
	svc, _, events := sweeperFixture(t, event)

	require.NoError(t, svc.Sweep(context.Background(), now))

	got, err := events.FindEventByID(context.Background(), "event-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventLaunched, got.Status)
}

func TestSweepTruncatesToMinuteResolution(t *testing.T) {
	// Start is 20:00:00, now is 20:00:45: same minute, so the event is
	// already live in wall-clock terms.
	now := time.Date(2026, 8, 28, 20, 0, 45, 0, time.UTC)
	event := &models.Event{
		ID:        "event-1",
		StartTime: time.Date(2026, 8, 28, 20, 0, 59, 0, time.UTC),
		EndTime:   now.Add(4 * time.Hour),
		Status:    models.EventLaunched,
	}
	svc, _, events := sweeperFixture(t, event)

	require.NoError(t, svc.Sweep(context.Background(), now))

	got, err := events.FindEventByID(context.Background(), "event-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventLive, got.Status)
}

func TestSweepClosesEventAndExpiresTickets(t *testing.T) {
	now := time.Date(2026, 8, 28, 23, 30, 0, 0, time.UTC)
	event := &models.Event{
		ID:        "event-1",
		StartTime: now.Add(-5 * time.Hour),
		EndTime:   now.Add(-time.Minute),
		Status:    models.EventLive,
	}
	svc, tickets, events := sweeperFixture(t, event)

	open := openAccessTicket(t, "ticket-open")
	listed := openAccessTicket(t, "ticket-listed")
	require.NoError(t, listed.ListForResale(models.MustMoney("120", "EUR"), models.MustMoney("150", "EUR")))
	used := openAccessTicket(t, "ticket-used")
	require.NoError(t, used.ValidateEntry())
	for _, tk := range []*models.Ticket{open, listed, used} {
		require.NoError(t, tickets.Save(context.Background(), tk))
	}

	require.NoError(t, svc.Sweep(context.Background(), now))

	gotEvent, err := events.FindEventByID(context.Background(), "event-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventClosed, gotEvent.Status)

	for _, id := range []string{"ticket-open", "ticket-listed"} {
		got, err := tickets.FindByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusExpired, got.Status, id)
		assert.Equal(t, models.ActivityExpired, got.Activity, id)
		last := got.History.Last()
		require.NotNil(t, last, id)
		assert.Equal(t, models.StatusExpired, last.Status, id)
	}

	// An admitted ticket keeps its consumed state.
	gotUsed, err := tickets.FindByID(context.Background(), "ticket-used")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, gotUsed.Status)
}

func TestSweepRetriesCloseAfterExpiryFailure(t *testing.T) {
	now := time.Date(2026, 8, 28, 23, 30, 0, 0, time.UTC)
	event := &models.Event{
		ID:        "event-1",
		StartTime: now.Add(-5 * time.Hour),
		EndTime:   now.Add(-time.Minute),
		Status:    models.EventLive,
	}
	svc, tickets, events := sweeperFixture(t, event)

	open := openAccessTicket(t, "ticket-open")
	require.NoError(t, tickets.Save(context.Background(), open))

	// The expiry write fails mid-close. The event must stay sweepable,
	// not end up CLOSED with an admittable ticket behind it.
	tickets.saveErr = errors.New("db unavailable")
	require.NoError(t, svc.Sweep(context.Background(), now))

	gotEvent, err := events.FindEventByID(context.Background(), "event-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventLive, gotEvent.Status)

	got, err := tickets.FindByID(context.Background(), "ticket-open")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)

	// The next sweep finishes the job.
	tickets.saveErr = nil
	require.NoError(t, svc.Sweep(context.Background(), now))

	gotEvent, err = events.FindEventByID(context.Background(), "event-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventClosed, gotEvent.Status)

	got, err = tickets.FindByID(context.Background(), "ticket-open")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
}

func TestSweepSkipsClosedEvents(t *testing.T) {
	now := time.Date(2026, 8, 28, 23, 30, 0, 0, time.UTC)
	event := &models.Event{
		ID:        "event-1",
		StartTime: now.Add(-5 * time.Hour),
		EndTime:   now.Add(-time.Hour),
		Status:    models.EventClosed,
	}
	svc, tickets, _ := sweeperFixture(t, event)

	open := openAccessTicket(t, "ticket-open")
	require.NoError(t, tickets.Save(context.Background(), open))

	require.NoError(t, svc.Sweep(context.Background(), now))

	got, err := tickets.FindByID(context.Background(), "ticket-open")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
}
