package contract

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/chain"
	"github.com/charliepank/blockchain-relay-utility/internal/manager"
	"github.com/charliepank/blockchain-relay-utility/internal/model"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/apperrors"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const gasPayerABI = `[
  {"constant":true,"inputs":[{"name":"amount","type":"uint256"}],"name":"calculateFee","outputs":[{"name":"fee","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"user","type":"address"},{"name":"gasAmount","type":"uint256"}],"name":"fundAndRelay","outputs":[],"payable":true,"stateMutability":"payable","type":"function"}
]`

// fundingGasLimit is the fallback when estimation fails; the contract's
// transfer-and-bookkeeping path stays well under this.
const fundingGasLimit = 150000

// GasPayer encodes calls to the on-chain gas payer contract. Instances
// are constructed per request to bind one tenant's wallet; they are not
// shared across tenants.
type GasPayer struct {
	client   chain.Client
	nonces   *manager.NonceManager
	address  common.Address
	parsed   abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	attempts int
	interval time.Duration
}

// NewGasPayer binds the contract at contractAddr to the given tenant
// wallet. The wallet's optional address field, when present, must match
// the address derived from the private key.
func NewGasPayer(client chain.Client, nonces *manager.NonceManager, contractAddr string, wallet *model.WalletConfig, chainID *big.Int, receiptAttempts int, receiptInterval time.Duration) (*GasPayer, error) {
	if wallet == nil || wallet.PrivateKey == "" {
		return nil, apperrors.New(apperrors.ErrNoTenantWallet, "tenant has no funding wallet bound", nil)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(wallet.PrivateKey, "0x"))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrNoTenantWallet, "tenant wallet private key is invalid", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	if wallet.Address != "" && !strings.EqualFold(wallet.Address, from.Hex()) {
		return nil, apperrors.Newf(apperrors.ErrNoTenantWallet,
			"tenant wallet address %s does not match its private key", wallet.Address)
	}

	parsed, err := abi.JSON(strings.NewReader(gasPayerABI))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "failed to parse gas payer abi", err)
	}
	if receiptAttempts <= 0 {
		receiptAttempts = 30
	}
	if receiptInterval <= 0 {
		receiptInterval = 2 * time.Second
	}

	return &GasPayer{
		client:   client,
		nonces:   nonces,
		address:  common.HexToAddress(contractAddr),
		parsed:   parsed,
		key:      key,
		from:     from,
		chainID:  chainID,
		attempts: receiptAttempts,
		interval: receiptInterval,
	}, nil
}

// From returns the funding wallet address this adapter signs with.
func (g *GasPayer) From() common.Address {
	return g.from
}

// CalculateFee asks the contract for the service fee on a transfer of the
// given amount. Pure view call.
func (g *GasPayer) CalculateFee(ctx context.Context, amount *big.Int) (*big.Int, error) {
	data, err := g.parsed.Pack("calculateFee", amount)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "failed to pack calculateFee", err)
	}
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	results, err := g.parsed.Unpack("calculateFee", out)
	if err != nil || len(results) == 0 {
		return nil, apperrors.New(apperrors.ErrChainRPC, "unexpected calculateFee output", err)
	}
	fee, ok := results[0].(*big.Int)
	if !ok {
		return nil, apperrors.New(apperrors.ErrChainRPC, "unexpected calculateFee output type", nil)
	}
	return fee, nil
}

// FundAndRelay sends the funding transaction: the contract receives
// gasAmount + fee, forwards gasAmount native coin to user, and retains
// fee. Blocks until the transaction is mined or the receipt budget is
// exhausted; a receipt with a failed status is an error.
func (g *GasPayer) FundAndRelay(ctx context.Context, user common.Address, gasAmount, fee *big.Int) (common.Hash, error) {
	value := new(big.Int).Add(gasAmount, fee)

	data, err := g.parsed.Pack("fundAndRelay", user, gasAmount)
	if err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrInternal, "failed to pack fundAndRelay", err)
	}

	nonce, err := g.nextNonce(ctx)
	if err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrFundingFailed, "failed to fetch funding wallet nonce", err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrFundingFailed, "failed to fetch gas price for funding", err)
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.from,
		To:    &g.address,
		Value: value,
		Data:  data,
	})
	if err != nil {
		logger.Warn("Funding gas estimation failed, using fallback limit",
			"error", err, "fallback", fundingGasLimit)
		gasLimit = fundingGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &g.address,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrFundingFailed, "failed to sign funding transaction", err)
	}

	if err := g.client.SendTransaction(ctx, signed); err != nil {
		if g.nonces != nil && strings.Contains(strings.ToLower(err.Error()), "nonce") {
			logger.Warn("Detected nonce error on funding wallet, triggering re-sync",
				"wallet", g.from.Hex(), "error", err)
			_ = g.nonces.Reset(ctx, g.from)
		}
		return common.Hash{}, apperrors.New(apperrors.ErrFundingFailed, "failed to submit funding transaction", err)
	}
	hash := signed.Hash()

	receipt, err := g.waitMined(ctx, hash)
	if err != nil {
		return hash, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, apperrors.Newf(apperrors.ErrFundingFailed,
			"funding transaction %s reverted on chain", hash.Hex())
	}
	return hash, nil
}

func (g *GasPayer) nextNonce(ctx context.Context) (uint64, error) {
	if g.nonces != nil {
		return g.nonces.Reserve(ctx, g.from)
	}
	return g.client.PendingNonceAt(ctx, g.from)
}

func (g *GasPayer) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for attempt := 0; attempt < g.attempts; attempt++ {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.New(apperrors.ErrFundingFailed, "context cancelled while waiting for funding receipt", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil, apperrors.Newf(apperrors.ErrFundingFailed,
		"funding transaction %s not mined within budget", hash.Hex())
}
