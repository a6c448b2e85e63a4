package handlers

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"ticket-chain/internal/repo"
	"ticket-chain/internal/status"
	"ticket-chain/models"
	"ticket-chain/services"
)

type SettlementHandler struct {
	app        *pocketbase.PocketBase
	settlement *services.SettlementService
	tickets    repo.TicketRepository
}

func NewSettlementHandler(app *pocketbase.PocketBase, settlement *services.SettlementService, tickets repo.TicketRepository) *SettlementHandler {
	return &SettlementHandler{
		app:        app,
		settlement: settlement,
		tickets:    tickets,
	}
}

// ConfirmOrder - Create the order's tickets and start minting them
func (h *SettlementHandler) ConfirmOrder(e *core.RequestEvent) error {
	var req struct {
		OrderID string `json:"order_id"`
		EventID string `json:"event_id"`
		BuyerID string `json:"buyer_id"`
		Items   []struct {
			TicketID   string `json:"ticket_id"`
			TicketType string `json:"ticket_type"`
			Price      string `json:"price"`
			Currency   string `json:"currency"`
			Invitation bool   `json:"invitation"`
		} `json:"items"`
	}

	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.OrderID == "" || req.EventID == "" || req.BuyerID == "" || len(req.Items) == 0 {
		return apis.NewBadRequestError("Invalid request", errors.New("order_id, event_id, buyer_id and items are required"))
	}

	items := make([]services.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		amount, err := decimal.NewFromString(it.Price)
		if err != nil {
			return apis.NewBadRequestError("Invalid price", err)
		}
		price, err := models.NewMoney(amount, it.Currency)
		if err != nil {
			return apis.NewBadRequestError("Invalid price", err)
		}
		items = append(items, services.OrderItem{
			TicketID:   it.TicketID,
			TicketType: it.TicketType,
			Price:      price,
			Invitation: it.Invitation,
		})
	}

	tickets, err := h.settlement.HandleOrderConfirmed(e.Request.Context(), req.OrderID, req.EventID, req.BuyerID, items)
	if err != nil {
		return mapDomainError(err, "Failed to confirm order")
	}

	return e.JSON(http.StatusOK, map[string]any{
		"order_id": req.OrderID,
		"tickets":  tickets,
	})
}

// RetryMint - Re-drive minting for a stuck ticket
func (h *SettlementHandler) RetryMint(e *core.RequestEvent) error {
	ticketID := e.Request.PathValue("ticketId")

	if err := h.settlement.MintTicket(e.Request.Context(), ticketID); err != nil {
		return mapDomainError(err, "Failed to mint ticket")
	}

	t, err := h.tickets.FindByID(e.Request.Context(), ticketID)
	if err != nil {
		return mapDomainError(err, "Failed to load ticket")
	}
	return e.JSON(http.StatusOK, t)
}

// GetTicket - Ticket detail with its full history
func (h *SettlementHandler) GetTicket(e *core.RequestEvent) error {
	ticketID := e.Request.PathValue("ticketId")

	t, err := h.tickets.FindByID(e.Request.Context(), ticketID)
	if err != nil {
		return mapDomainError(err, "Failed to load ticket")
	}
	return e.JSON(http.StatusOK, t)
}

// mapDomainError translates domain sentinels into API errors. Denials
// never reach here; they are response payloads.
func mapDomainError(err error, msg string) error {
	switch {
	case errors.Is(err, status.ErrTicketNotFound):
		return apis.NewNotFoundError("Ticket not found", err)
	case errors.Is(err, status.ErrChainSubmitFailed):
		return apis.NewApiError(http.StatusBadGateway, "Chain relay unavailable", err)
	case errors.Is(err, status.ErrAlreadyIssued),
		errors.Is(err, status.ErrNotResellable),
		errors.Is(err, status.ErrResalePriceExceeded),
		errors.Is(err, status.ErrNotListed),
		errors.Is(err, status.ErrNotTransferable):
		return apis.NewBadRequestError(err.Error(), nil)
	default:
		return apis.NewBadRequestError(msg, err)
	}
}
