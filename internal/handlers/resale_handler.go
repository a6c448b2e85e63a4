package handlers

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"ticket-chain/models"
	"ticket-chain/services"
	"ticket-chain/utils"
)

type ResaleHandler struct {
	app        *pocketbase.PocketBase
	settlement *services.SettlementService
}

func NewResaleHandler(app *pocketbase.PocketBase, settlement *services.SettlementService) *ResaleHandler {
	return &ResaleHandler{
		app:        app,
		settlement: settlement,
	}
}

// ListResale - Put a ticket on sale
func (h *ResaleHandler) ListResale(e *core.RequestEvent) error {
	ticketID := e.Request.PathValue("ticketId")

	var req struct {
		Price    string `json:"price"`
		Currency string `json:"currency"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	amount, err := decimal.NewFromString(req.Price)
	if err != nil {
		return apis.NewBadRequestError("Invalid price", err)
	}
	price, err := models.NewMoney(amount, req.Currency)
	if err != nil {
		return apis.NewBadRequestError("Invalid price", err)
	}

	t, err := h.settlement.ListResale(e.Request.Context(), ticketID, price)
	if err != nil {
		return mapDomainError(err, "Failed to list ticket")
	}
	return e.JSON(http.StatusOK, t)
}

// CancelResale - Delist a ticket
func (h *ResaleHandler) CancelResale(e *core.RequestEvent) error {
	ticketID := e.Request.PathValue("ticketId")

	t, err := h.settlement.CancelResale(e.Request.Context(), ticketID)
	if err != nil {
		return mapDomainError(err, "Failed to cancel listing")
	}
	return e.JSON(http.StatusOK, t)
}

// Transfer - Move a ticket to a new owner
func (h *ResaleHandler) Transfer(e *core.RequestEvent) error {
	ticketID := e.Request.PathValue("ticketId")

	var req struct {
		ToOwnerID string `json:"to_owner_id"`
		ToContact string `json:"to_contact"`
		Resale    bool   `json:"resale"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.ToOwnerID == "" {
		return apis.NewBadRequestError("Invalid request", errors.New("to_owner_id must not be empty"))
	}

	siblingID, err := utils.GenerateCode(8)
	if err != nil {
		return apis.NewBadRequestError("Failed to transfer ticket", err)
	}

	sibling, err := h.settlement.Transfer(e.Request.Context(), ticketID, req.ToOwnerID, req.ToContact, siblingID, req.Resale)
	if err != nil {
		return mapDomainError(err, "Failed to transfer ticket")
	}
	return e.JSON(http.StatusOK, sibling)
}
