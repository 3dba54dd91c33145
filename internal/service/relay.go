package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/chain"
	"github.com/charliepank/blockchain-relay-utility/internal/config"
	"github.com/charliepank/blockchain-relay-utility/internal/model"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/apperrors"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/logger"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Funder is the per-tenant gas payer contract binding.
type Funder interface {
	CalculateFee(ctx context.Context, amount *big.Int) (*big.Int, error)
	FundAndRelay(ctx context.Context, user common.Address, gasAmount, fee *big.Int) (common.Hash, error)
}

// FunderFactory binds a tenant wallet to a fresh contract adapter.
// Adapters are constructed per call and never shared across tenants.
type FunderFactory func(wallet *model.WalletConfig) (Funder, error)

// RelayEngine orchestrates the hot path:
// decode -> validate -> fund (if needed) -> forward -> await receipt.
type RelayEngine struct {
	client    chain.Client
	policy    *GasPolicy
	funderFor FunderFactory
	pricing   *PriceOracle
	usage     UsageRepo
	events    *EventHub

	chainID         int64
	receiptAttempts int
	receiptInterval time.Duration
}

func NewRelayEngine(client chain.Client, policy *GasPolicy, funderFor FunderFactory, gasCfg config.GasConfig, chainID int64) *RelayEngine {
	attempts := gasCfg.ReceiptWaitAttempts
	if attempts <= 0 {
		attempts = 30
	}
	interval := time.Duration(gasCfg.ReceiptWaitIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &RelayEngine{
		client:          client,
		policy:          policy,
		funderFor:       funderFor,
		chainID:         chainID,
		receiptAttempts: attempts,
		receiptInterval: interval,
	}
}

// WithPricing attaches the optional price oracle used for log formatting.
func (e *RelayEngine) WithPricing(oracle *PriceOracle) *RelayEngine {
	e.pricing = oracle
	return e
}

// WithUsage attaches the per-tenant usage recorder.
func (e *RelayEngine) WithUsage(repo UsageRepo) *RelayEngine {
	e.usage = repo
	return e
}

// WithEvents attaches the lifecycle event hub.
func (e *RelayEngine) WithEvents(hub *EventHub) *RelayEngine {
	e.events = hub
	return e
}

// Policy exposes the gas policy for the gas-cost endpoint.
func (e *RelayEngine) Policy() *GasPolicy {
	return e.policy
}

// Process runs one relay request to completion. It never panics: an
// unexpected failure collapses into a success=false outcome.
func (e *RelayEngine) Process(ctx context.Context, tenant *model.TenantContext, req model.RelayRequest) (outcome *model.RelayOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Relay pipeline panic", "panic", r, "operation", req.OperationName)
			outcome = &model.RelayOutcome{Success: false, Error: fmt.Sprintf("%v", r)}
		}
		status := "success"
		if !outcome.Success {
			status = outcomeStatus(outcome)
		}
		metrics.RelaysTotal.WithLabelValues(req.OperationName, status).Inc()
	}()

	keyName := ""
	if tenant != nil {
		keyName = tenant.APIKeyName
	}
	e.publish(RelayEvent{Stage: "received", Operation: req.OperationName, APIKeyName: keyName})

	// 1. Decode; the recovered signature sender is authoritative.
	decoded, err := chain.DecodeSignedTx(req.SignedTransactionHex)
	if err != nil {
		return e.fail(req, keyName, err, "", "")
	}
	sender := decoded.Sender

	// 2. The client-supplied wallet address is a hint only.
	if req.UserWalletAddress != "" && !strings.EqualFold(req.UserWalletAddress, sender.Hex()) {
		logger.Warn("Client wallet hint does not match recovered sender",
			"hint", req.UserWalletAddress, "sender", sender.Hex(), "operation", req.OperationName)
	}

	log := logger.With(
		"operation", req.OperationName,
		"sender", sender.Hex(),
		"to", decoded.ToHex(),
		"tx_type", decoded.Type,
		"api_key", keyName,
	)

	// 3. Validate against ceilings and the operation budget.
	if err := e.policy.Validate(ctx, decoded, req.ExpectedGasLimit); err != nil {
		log.Warn("Relay rejected by gas policy", "error", err)
		return e.fail(req, keyName, err, decoded.ToHex(), "")
	}

	// 4. Funding decision.
	decision, err := e.policy.DecideFunding(ctx, decoded, sender)
	if err != nil {
		return e.fail(req, keyName, err, decoded.ToHex(), "")
	}

	funded := big.NewInt(0)
	if !decision.Skip {
		if tenant == nil || tenant.Wallet == nil {
			err := apperrors.New(apperrors.ErrNoTenantWallet,
				"funding required but no wallet is bound to this API key", nil)
			return e.fail(req, keyName, err, decoded.ToHex(), "")
		}

		// 5. Fund through the gas payer contract.
		fundingHash, err := e.fund(ctx, tenant.Wallet, sender, decision, log)
		if err != nil {
			metrics.FundingTotal.WithLabelValues("failed").Inc()
			return e.fail(req, keyName, err, decoded.ToHex(), "")
		}
		metrics.FundingTotal.WithLabelValues("success").Inc()
		funded = decision.Deficit
		e.publish(RelayEvent{Stage: "funded", Operation: req.OperationName, APIKeyName: keyName, TxHash: fundingHash.Hex()})

		// 6. Wait for the transfer to land in the sender's balance.
		if err := e.policy.WaitForBalance(ctx, sender, decision.Needed); err != nil {
			return e.fail(req, keyName, err, decoded.ToHex(), "")
		}
	} else {
		log.Info("Sender balance sufficient, skipping funding", "needed", decision.Needed)
	}

	// 7. Forward the user's bytes unchanged.
	txHash, err := e.client.SendRawTransaction(ctx, decoded.RawHex)
	if err != nil {
		forwardErr := apperrors.New(apperrors.ErrForwardFailed, "node rejected the relayed transaction", err)
		return e.fail(req, keyName, forwardErr, decoded.ToHex(), "")
	}
	log.Info("Transaction forwarded", "tx_hash", txHash.Hex())
	e.publish(RelayEvent{Stage: "forwarded", Operation: req.OperationName, APIKeyName: keyName, TxHash: txHash.Hex()})

	// 8. Await the receipt within budget.
	receipt := e.awaitReceipt(ctx, txHash)
	if receipt == nil {
		log.Warn("Transaction not confirmed within budget", "tx_hash", txHash.Hex())
		outcome := &model.RelayOutcome{
			Success:         false,
			TransactionHash: txHash.Hex(),
			ContractAddress: decoded.ToHex(),
			Error:           "Transaction not confirmed within timeout",
		}
		e.publish(RelayEvent{Stage: "failed", Operation: req.OperationName, APIKeyName: keyName, TxHash: txHash.Hex(), Error: outcome.Error})
		return outcome
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		log.Warn("Transaction reverted on chain", "tx_hash", txHash.Hex())
		outcome := &model.RelayOutcome{
			Success:         false,
			TransactionHash: txHash.Hex(),
			ContractAddress: decoded.ToHex(),
			Error:           "Transaction failed on blockchain",
		}
		e.publish(RelayEvent{Stage: "failed", Operation: req.OperationName, APIKeyName: keyName, TxHash: txHash.Hex(), Error: outcome.Error})
		return outcome
	}

	// 9. Done.
	if e.usage != nil && keyName != "" {
		if err := e.usage.AddDailyUsage(ctx, keyName, 1, funded); err != nil {
			log.Warn("Failed to record usage", "error", err)
		}
	}
	if e.pricing != nil && funded.Sign() > 0 {
		log.Info("Relay complete with funding",
			"tx_hash", txHash.Hex(), "funded", e.pricing.FormatWei(ctx, e.chainID, funded))
	} else {
		log.Info("Relay complete", "tx_hash", txHash.Hex())
	}
	e.publish(RelayEvent{Stage: "confirmed", Operation: req.OperationName, APIKeyName: keyName, TxHash: txHash.Hex()})

	return &model.RelayOutcome{
		Success:         true,
		TransactionHash: txHash.Hex(),
		ContractAddress: decoded.ToHex(),
	}
}

func (e *RelayEngine) fund(ctx context.Context, wallet *model.WalletConfig, sender common.Address, decision *FundingDecision, log *slog.Logger) (common.Hash, error) {
	funder, err := e.funderFor(wallet)
	if err != nil {
		return common.Hash{}, err
	}

	fee, err := funder.CalculateFee(ctx, decision.Deficit)
	if err != nil {
		fee = FallbackFee(decision.Deficit)
		log.Warn("Fee estimate unavailable, using 5% fallback", "error", err, "fee", fee)
	}

	log.Info("Funding sender through gas payer contract",
		"deficit", decision.Deficit, "fee", fee,
		"transfer", new(big.Int).Add(decision.Deficit, fee))

	return funder.FundAndRelay(ctx, sender, decision.Deficit, fee)
}

func (e *RelayEngine) awaitReceipt(ctx context.Context, hash common.Hash) *types.Receipt {
	ticker := time.NewTicker(e.receiptInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < e.receiptAttempts; attempt++ {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt
		}
		if err != nil {
			logger.Warn("Receipt poll failed", "tx_hash", hash.Hex(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func (e *RelayEngine) fail(req model.RelayRequest, keyName string, err error, contractAddr, txHash string) *model.RelayOutcome {
	outcome := &model.RelayOutcome{
		Success:         false,
		TransactionHash: txHash,
		ContractAddress: contractAddr,
		Error:           err.Error(),
	}
	e.publish(RelayEvent{Stage: "failed", Operation: req.OperationName, APIKeyName: keyName, TxHash: txHash, Error: outcome.Error})
	return outcome
}

func (e *RelayEngine) publish(event RelayEvent) {
	if e.events != nil {
		e.events.Publish(event)
	}
}

func outcomeStatus(outcome *model.RelayOutcome) string {
	if outcome.TransactionHash != "" {
		return "onchain_failed"
	}
	return "rejected"
}
