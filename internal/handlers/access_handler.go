package handlers

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-chain/services"
)

type AccessHandler struct {
	app    *pocketbase.PocketBase
	access *services.AccessService
}

func NewAccessHandler(app *pocketbase.PocketBase, access *services.AccessService) *AccessHandler {
	return &AccessHandler{
		app:    app,
		access: access,
	}
}

// Scan - Gate scan: admit or deny a ticket. Denials are 200 responses;
// only unknown tickets are errors.
func (h *AccessHandler) Scan(e *core.RequestEvent) error {
	var req struct {
		PromoterID string `json:"promoter_id"`
		TicketID   string `json:"ticket_id"`
		GateID     string `json:"gate_id"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.PromoterID == "" || req.TicketID == "" {
		return apis.NewBadRequestError("Invalid request", errors.New("promoter_id and ticket_id are required"))
	}

	gateID := req.GateID
	if e.Auth != nil {
		gateID = e.Auth.Id
	}

	decision, err := h.access.ValidateAccess(e.Request.Context(), req.PromoterID, req.TicketID, gateID)
	if err != nil {
		return mapDomainError(err, "Failed to validate ticket")
	}
	return e.JSON(http.StatusOK, decision)
}
