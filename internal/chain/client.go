package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/charliepank/blockchain-relay-utility/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is the thin adapter over EVM JSON-RPC that the relay pipeline
// depends on. All methods are safe for concurrent use.
type Client interface {
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	// SendRawTransaction submits an already-encoded signed transaction.
	// The hex is forwarded verbatim; it is never decoded or re-encoded.
	SendRawTransaction(ctx context.Context, rawHex string) (common.Hash, error)
	// TransactionReceipt returns (nil, nil) while the transaction is unmined.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

type rpcClient struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

// Dial connects to the configured JSON-RPC endpoint. The underlying
// transport multiplexes concurrent calls over one connection pool.
func Dial(ctx context.Context, rpcURL string) (Client, error) {
	raw, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrChainRPC, "failed to connect to rpc endpoint", err)
	}
	return &rpcClient{
		eth: ethclient.NewClient(raw),
		rpc: raw,
	}, nil
}

func (c *rpcClient) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrChainRPC, "failed to fetch balance", err)
	}
	return balance, nil
}

func (c *rpcClient) SendRawTransaction(ctx context.Context, rawHex string) (common.Hash, error) {
	// The wire call needs the 0x prefix; adding it does not alter the
	// transaction bytes.
	payload := rawHex
	if !strings.HasPrefix(payload, "0x") && !strings.HasPrefix(payload, "0X") {
		payload = "0x" + payload
	}
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", payload); err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrChainRPC, "node rejected raw transaction", err)
	}
	return hash, nil
}

func (c *rpcClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, apperrors.New(apperrors.ErrChainRPC, "failed to fetch receipt", err)
	}
	return receipt, nil
}

func (c *rpcClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrChainRPC, "failed to fetch network gas price", err)
	}
	return price, nil
}

func (c *rpcClient) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrChainRPC, "failed to fetch chain id", err)
	}
	return id, nil
}

func (c *rpcClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrChainRPC, "gas estimation failed", err)
	}
	return gas, nil
}

func (c *rpcClient) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrChainRPC, "failed to fetch pending nonce", err)
	}
	return nonce, nil
}

func (c *rpcClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return apperrors.New(apperrors.ErrChainRPC, "failed to submit transaction", err)
	}
	return nil
}

func (c *rpcClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrChainRPC, "contract call failed", err)
	}
	return out, nil
}

func (c *rpcClient) Close() {
	c.eth.Close()
}
