package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ticket-chain/internal/chain"
	"ticket-chain/internal/status"
)

type Config struct {
	BaseURL   string `json:"baseUrl" mapstructure:"base_url"`
	ClientID  string `json:"clientId" mapstructure:"client_id"`
	ClientKey string `json:"clientKey" mapstructure:"client_key"`
	HMACKey   string `json:"hmacKey" mapstructure:"hmac_key"`

	// PollInterval is how often WaitConfirmations re-reads the receipt.
	PollInterval time.Duration `json:"pollInterval" mapstructure:"poll_interval"`
}

// Relay is a chain.Client backed by a custodial chain-relay service:
// the relay keeps the keys, signs the calls, and exposes receipts and
// decoded logs over HTTP.
type Relay struct {
	client       *Client
	pollInterval time.Duration
}

var _ chain.Client = (*Relay)(nil)

// New connects to the relay backend and starts the token refresher.
func New(ctx context.Context, cfg *Config) (*Relay, error) {
	client := newClient(&ClientConfig{
		BaseURL:   cfg.BaseURL,
		ClientID:  cfg.ClientID,
		ClientKey: cfg.ClientKey,
		HMACKey:   cfg.HMACKey,
	})

	token, err := client.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay.New: %w", err)
	}
	client.setAccessToken(token)

	go client.refreshTokenLoop(ctx)

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	return &Relay{client: client, pollInterval: pollInterval}, nil
}

// Submit sends one signed contract call. A relay rejection surfaces as
// ErrChainSubmitFailed so the caller can take the fallback path.
func (r *Relay) Submit(ctx context.Context, signer chain.Signer, contractAddress string, call chain.Call) (string, error) {
	payload := map[string]any{
		"keyRef":   signer.KeyRef,
		"from":     signer.Address,
		"contract": contractAddress,
		"method":   call.Method,
		"args":     call.Args,
	}

	var data struct {
		TxHash string `json:"txHash"`
	}
	if err := r.client.post(ctx, "/api/v1/chain/submit", payload, &data); err != nil {
		return "", fmt.Errorf("%w: %v", status.ErrChainSubmitFailed, err)
	}
	if data.TxHash == "" {
		return "", fmt.Errorf("%w: relay returned empty tx hash", status.ErrChainSubmitFailed)
	}

	slog.Info("relay: call submitted", "contract", contractAddress, "method", call.Method, "tx", data.TxHash)
	return data.TxHash, nil
}

// WaitConfirmations polls the transaction receipt until it has n
// confirmations or ctx expires.
func (r *Relay) WaitConfirmations(ctx context.Context, txHash string, n int) (*chain.Receipt, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.receipt(ctx, txHash)
		if err == nil && receipt.Confirmations >= n {
			receipt.Confirmed = true
			return receipt, nil
		}
		if err != nil {
			slog.Warn("relay: receipt not ready", "tx", txHash, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: tx %s", status.ErrChainConfirmationTimeout, txHash)
		case <-ticker.C:
		}
	}
}

func (r *Relay) receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	var data struct {
		TxHash        string `json:"txHash"`
		BlockNumber   int64  `json:"blockNumber"`
		Confirmations int    `json:"confirmations"`
	}
	if err := r.client.post(ctx, "/api/v1/chain/receipt", map[string]any{"txHash": txHash}, &data); err != nil {
		return nil, err
	}
	return &chain.Receipt{
		TxHash:        data.TxHash,
		BlockNumber:   data.BlockNumber,
		Confirmations: data.Confirmations,
	}, nil
}

// ScanEvents returns the decoded logs matching signature emitted by
// contractAddress from fromBlock onward.
func (r *Relay) ScanEvents(ctx context.Context, contractAddress string, fromBlock int64, signature string) ([]chain.DecodedEvent, error) {
	payload := map[string]any{
		"contract":  contractAddress,
		"fromBlock": fromBlock,
		"topic":     eventTopic(signature),
	}

	var data struct {
		Events []struct {
			TxHash      string `json:"txHash"`
			BlockNumber int64  `json:"blockNumber"`
			TokenID     int64  `json:"tokenId"`
			From        string `json:"from"`
			To          string `json:"to"`
			Timestamp   int64  `json:"timestamp"`
		} `json:"events"`
	}
	if err := r.client.post(ctx, "/api/v1/chain/logs", payload, &data); err != nil {
		return nil, err
	}

	events := make([]chain.DecodedEvent, 0, len(data.Events))
	for _, e := range data.Events {
		events = append(events, chain.DecodedEvent{
			Signature:   signature,
			Contract:    contractAddress,
			TxHash:      e.TxHash,
			BlockNumber: e.BlockNumber,
			TokenID:     e.TokenID,
			From:        e.From,
			To:          e.To,
			Timestamp:   e.Timestamp,
		})
	}
	return events, nil
}

// CreateWallet provisions a custodial wallet for an owner and returns
// its signer handle. Used by the wallet provider on first resolve.
func (r *Relay) CreateWallet(ctx context.Context, ownerID string) (chain.Signer, error) {
	var data struct {
		Address string `json:"address"`
		KeyRef  string `json:"keyRef"`
	}
	if err := r.client.post(ctx, "/api/v1/wallets", map[string]any{"ownerId": ownerID}, &data); err != nil {
		return chain.Signer{}, fmt.Errorf("%w: %v", status.ErrWalletUnavailable, err)
	}
	return chain.Signer{OwnerID: ownerID, Address: data.Address, KeyRef: data.KeyRef}, nil
}
