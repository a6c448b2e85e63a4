package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Signer is a resolved signing identity for an owner. The key itself
// stays in custody at the relay; KeyRef names it.
type Signer struct {
	OwnerID string `json:"owner_id"`
	Address string `json:"address"`
	KeyRef  string `json:"key_ref"`
}

// Event signatures emitted by the ticket contract. Mints are correlated
// by the caller-chosen timestamp nonce, transfers by token id.
const (
	EventTicketMinted = "TicketMinted(address,uint256,uint256,uint256)"
	EventTransfer     = "Transfer(address,address,uint256)"
)

// Call is one encoded contract invocation.
type Call struct {
	Method string         `json:"method"`
	Args   map[string]any `json:"args"`
}

// NewMintCall builds a mint invocation. The timestamp nonce is echoed
// back in the TicketMinted log and used for event-log correlation.
func NewMintCall(toAddress string, price decimal.Decimal, royaltyBps int, expectedTimestamp int64) Call {
	return Call{
		Method: "mintTicket",
		Args: map[string]any{
			"to":         toAddress,
			"price":      price.String(),
			"royaltyBps": royaltyBps,
			"timestamp":  expectedTimestamp,
		},
	}
}

// NewTransferCall builds a token transfer invocation.
func NewTransferCall(tokenID int64, fromAddress, toAddress string) Call {
	return Call{
		Method: "safeTransferFrom",
		Args: map[string]any{
			"tokenId": tokenID,
			"from":    fromAddress,
			"to":      toAddress,
		},
	}
}

// NewSetPriceCall builds a resale price update. A zero price clears
// the listing.
func NewSetPriceCall(tokenID int64, price decimal.Decimal) Call {
	return Call{
		Method: "setSalePrice",
		Args: map[string]any{
			"tokenId": tokenID,
			"price":   price.String(),
		},
	}
}

// Receipt is the confirmation status of a submitted transaction.
type Receipt struct {
	TxHash        string `json:"tx_hash"`
	BlockNumber   int64  `json:"block_number"`
	Confirmations int    `json:"confirmations"`
	Confirmed     bool   `json:"confirmed"`
}

// DecodedEvent is one decoded contract log.
type DecodedEvent struct {
	Signature   string `json:"signature"`
	Contract    string `json:"contract"`
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number"`
	TokenID     int64  `json:"token_id"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// Client is the minimal chain contract the settlement engine needs:
// submit a signed call, wait for depth, scan decoded logs. Scanning is
// read-only and safe to run concurrently across tickets.
type Client interface {
	Submit(ctx context.Context, signer Signer, contractAddress string, call Call) (string, error)
	WaitConfirmations(ctx context.Context, txHash string, n int) (*Receipt, error)
	ScanEvents(ctx context.Context, contractAddress string, fromBlock int64, signature string) ([]DecodedEvent, error)
}
