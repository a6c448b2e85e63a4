package models

import (
	"time"
)

// EventStatus is the lifecycle state of an event, owned by the event
// aggregate outside this core. The sweeper reads and flips it.
type EventStatus string

const (
	EventLaunched EventStatus = "LAUNCHED"
	EventLive     EventStatus = "LIVE"
	EventClosed   EventStatus = "CLOSED"
)

type Event struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	PromoterID string      `json:"promoter_id"`
	StartTime  time.Time   `json:"start_time"`
	EndTime    time.Time   `json:"end_time"`
	Status     EventStatus `json:"status"`

	// ContractAddress is the event's on-chain ticket contract. Empty
	// means the event is not chain-backed and tickets are issued
	// through the non-blockchain path.
	ContractAddress string `json:"contract_address,omitempty"`

	// RoyaltyBps is the promoter royalty, in basis points, carried on
	// mint calls.
	RoyaltyBps int `json:"royalty_bps"`
}

// ChainBacked reports whether tickets for this event settle on chain.
func (e *Event) ChainBacked() bool {
	return e.ContractAddress != ""
}
