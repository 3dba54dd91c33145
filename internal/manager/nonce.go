package manager

import (
	"context"
	"sync"

	"github.com/charliepank/blockchain-relay-utility/internal/chain"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
)

// NonceManager hands out transaction nonces for funding wallets.
// Concurrent relay requests funded by the same tenant wallet would race
// on PendingNonceAt; reserving nonces locally keeps their funding
// transactions from replacing each other in the mempool.
type NonceManager struct {
	client chain.Client

	mu     sync.Mutex
	nonces map[common.Address]uint64
}

func NewNonceManager(client chain.Client) *NonceManager {
	return &NonceManager{
		client: client,
		nonces: make(map[common.Address]uint64),
	}
}

// Reserve returns the next nonce for addr and advances the local counter.
// The first reservation per address seeds from the node's pending count.
func (m *NonceManager) Reserve(ctx context.Context, addr common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nonce, ok := m.nonces[addr]
	if !ok {
		fetched, err := m.client.PendingNonceAt(ctx, addr)
		if err != nil {
			return 0, err
		}
		nonce = fetched
	}

	m.nonces[addr] = nonce + 1
	return nonce, nil
}

// Reset drops the local counter and resyncs from the chain. Call on
// "nonce too low" or "replacement transaction underpriced" failures.
func (m *NonceManager) Reset(ctx context.Context, addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fetched, err := m.client.PendingNonceAt(ctx, addr)
	if err != nil {
		delete(m.nonces, addr)
		return err
	}
	m.nonces[addr] = fetched
	logger.Info("Reset funding wallet nonce", "address", addr.Hex(), "nonce", fetched)
	return nil
}
