package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ticket-chain/internal/chain"
	"ticket-chain/internal/repo"
)

// Provider resolves the signing identity for an owner, creating a
// custodial wallet on first use.
type Provider interface {
	ResolveSigner(ctx context.Context, ownerID string) (chain.Signer, error)
}

// Creator provisions new custodial wallets. The chain relay implements it.
type Creator interface {
	CreateWallet(ctx context.Context, ownerID string) (chain.Signer, error)
}

// RelayProvider resolves signers from the wallet store, provisioning
// through the relay when an owner has none. Resolved signers are held
// in an explicit keyed cache owned by this value, not shared state.
type RelayProvider struct {
	wallets repo.WalletRepository
	creator Creator

	mu    sync.RWMutex
	cache map[string]chain.Signer
}

func NewRelayProvider(wallets repo.WalletRepository, creator Creator) *RelayProvider {
	return &RelayProvider{
		wallets: wallets,
		creator: creator,
		cache:   make(map[string]chain.Signer),
	}
}

func (p *RelayProvider) ResolveSigner(ctx context.Context, ownerID string) (chain.Signer, error) {
	p.mu.RLock()
	signer, ok := p.cache[ownerID]
	p.mu.RUnlock()
	if ok {
		return signer, nil
	}

	existing, err := p.wallets.FindWalletByOwner(ctx, ownerID)
	if err != nil {
		return chain.Signer{}, fmt.Errorf("wallet: resolve signer for %s: %w", ownerID, err)
	}
	if existing != nil {
		p.put(*existing)
		return *existing, nil
	}

	created, err := p.creator.CreateWallet(ctx, ownerID)
	if err != nil {
		return chain.Signer{}, err
	}
	if err := p.wallets.SaveWallet(ctx, created); err != nil {
		// The custodial wallet exists; failing to persist the handle
		// only costs a re-create lookup next time.
		return chain.Signer{}, fmt.Errorf("wallet: persist wallet for %s: %w", ownerID, err)
	}
	slog.Info("wallet: created custodial wallet", "owner", ownerID, "address", created.Address)

	p.put(created)
	return created, nil
}

func (p *RelayProvider) put(signer chain.Signer) {
	p.mu.Lock()
	p.cache[signer.OwnerID] = signer
	p.mu.Unlock()
}
