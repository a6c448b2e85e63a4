package services

import (
	"fmt"
	"log/slog"

	pubnub "github.com/pubnub/go/v7"

	"ticket-chain/models"
)

// Notifier publishes real-time updates to a promoter's connected
// observers. Publishes are fire-and-forget: failures are logged, never
// propagated into the calling operation.
type Notifier interface {
	NotifyAccess(promoterID string, record *AccessRecord)
	NotifyTicketIssued(promoterID, orderID, ticketID string)
	NotifyTransferCompleted(promoterID, ticketID, fromOwner, toOwner string)
}

// AccessRecord is the realtime payload of one gate decision.
type AccessRecord struct {
	TicketID   string        `json:"ticket_id"`
	Access     string        `json:"access"`
	Reason     string        `json:"reason,omitempty"`
	OwnerID    string        `json:"owner_id,omitempty"`
	TicketType string        `json:"ticket_type,omitempty"`
	Price      *models.Money `json:"price,omitempty"`
}

type PubNubNotifier struct {
	pubnub *pubnub.PubNub
}

var _ Notifier = (*PubNubNotifier)(nil)
var _ Notifier = noopNotifier{}

func NewPubNubNotifier(pn *pubnub.PubNub) *PubNubNotifier {
	return &PubNubNotifier{pubnub: pn}
}

func (n *PubNubNotifier) publish(promoterID string, message map[string]any) {
	channel := fmt.Sprintf("promoter-%s", promoterID)
	_, pnStatus, err := n.pubnub.Publish().
		Channel(channel).
		Message(message).
		Execute()
	if err != nil || pnStatus.Error != nil {
		slog.Warn("notifier: publish failed", "channel", channel, "type", message["type"], "error", err)
	}
}

func (n *PubNubNotifier) NotifyAccess(promoterID string, record *AccessRecord) {
	n.publish(promoterID, map[string]any{
		"type":   "access",
		"record": record,
	})
}

func (n *PubNubNotifier) NotifyTicketIssued(promoterID, orderID, ticketID string) {
	n.publish(promoterID, map[string]any{
		"type":      "ticket_issued",
		"order_id":  orderID,
		"ticket_id": ticketID,
	})
}

func (n *PubNubNotifier) NotifyTransferCompleted(promoterID, ticketID, fromOwner, toOwner string) {
	n.publish(promoterID, map[string]any{
		"type":      "transfer_completed",
		"ticket_id": ticketID,
		"from":      fromOwner,
		"to":        toOwner,
	})
}

// noopNotifier backs tests and deployments without pubnub keys.
type noopNotifier struct{}

func (noopNotifier) NotifyAccess(string, *AccessRecord)                     {}
func (noopNotifier) NotifyTicketIssued(string, string, string)              {}
func (noopNotifier) NotifyTransferCompleted(string, string, string, string) {}

// NewNoopNotifier returns a Notifier that drops everything.
func NewNoopNotifier() Notifier {
	return noopNotifier{}
}
