package service

import (
	"context"
	"math"
	"math/big"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/chain"
	"github.com/charliepank/blockchain-relay-utility/internal/config"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/apperrors"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/logger"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/metrics"
	"github.com/ethereum/go-ethereum/common"
)

// operationBufferBps pads a plugin-declared gas budget before comparing
// it against the user's gas limit.
const operationBufferBps = 120

// fallbackFeeBps is the fee estimate used when the contract's
// calculateFee view is unavailable.
const fallbackFeeBps = 5

// GasPolicy computes funding amounts and validates user transactions
// against configured ceilings and per-operation budgets. All fractional
// multipliers use integer basis-point arithmetic so wei-scale values
// never pass through floats.
type GasPolicy struct {
	client chain.Client
	cfg    config.GasConfig
}

func NewGasPolicy(client chain.Client, cfg config.GasConfig) *GasPolicy {
	return &GasPolicy{client: client, cfg: cfg}
}

// FundingDecision is the transient outcome of the funding computation.
type FundingDecision struct {
	Skip    bool
	Needed  *big.Int
	Deficit *big.Int
}

// mulBasisPoints multiplies x by a fractional multiplier using integer
// arithmetic: round(mult * 100) / 100.
func mulBasisPoints(x *big.Int, mult float64) *big.Int {
	bps := big.NewInt(int64(math.Round(mult * 100)))
	out := new(big.Int).Mul(x, bps)
	return out.Div(out, big.NewInt(100))
}

// FallbackFee returns the fixed 5% fee estimate.
func FallbackFee(amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(fallbackFeeBps))
	return fee.Div(fee, big.NewInt(100))
}

// NetworkGasPrice fetches the node's suggested gas price floored at the
// configured minimum.
func (p *GasPolicy) NetworkGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	minimum := big.NewInt(p.cfg.MinimumGasPriceWei)
	if price.Cmp(minimum) < 0 {
		return minimum, nil
	}
	return price, nil
}

// Validate checks the decoded transaction against the gas-limit and
// gas-price ceilings. With a declared operation budget the limit ceiling
// is the budget plus a 20% buffer; without one the configured maximums
// and the total-cost ceiling apply.
func (p *GasPolicy) Validate(ctx context.Context, decoded *chain.DecodedTx, expectedGasLimit uint64) error {
	var limitCeiling uint64
	if expectedGasLimit > 0 {
		limitCeiling = expectedGasLimit * operationBufferBps / 100
	} else {
		limitCeiling = p.cfg.MaxGasLimit
	}
	if decoded.GasLimit > limitCeiling {
		metrics.ValidationRejects.WithLabelValues("gas_limit").Inc()
		return apperrors.Newf(apperrors.ErrValidation,
			"transaction gas limit %d exceeds allowed limit %d", decoded.GasLimit, limitCeiling)
	}

	networkPrice, err := p.NetworkGasPrice(ctx)
	if err != nil {
		return err
	}
	priceCeiling := mulBasisPoints(networkPrice, p.cfg.MaxGasPriceMultiplier)
	if decoded.EffectiveGasPrice.Cmp(priceCeiling) > 0 {
		metrics.ValidationRejects.WithLabelValues("gas_price").Inc()
		return apperrors.Newf(apperrors.ErrValidation,
			"transaction gas price %s exceeds allowed price %s (network %s)",
			decoded.EffectiveGasPrice, priceCeiling, networkPrice)
	}

	if expectedGasLimit == 0 {
		totalCost := new(big.Int).Mul(
			new(big.Int).SetUint64(decoded.GasLimit), decoded.EffectiveGasPrice)
		maxTotal := big.NewInt(p.cfg.MaxTotalCostWei)
		if totalCost.Cmp(maxTotal) > 0 {
			metrics.ValidationRejects.WithLabelValues("total_cost").Inc()
			return apperrors.Newf(apperrors.ErrValidation,
				"transaction total cost %s wei exceeds allowed total %s wei", totalCost, maxTotal)
		}
	}

	return nil
}

// DecideFunding computes what the sender needs to carry the transaction
// and whether the current balance already covers it.
func (p *GasPolicy) DecideFunding(ctx context.Context, decoded *chain.DecodedTx, sender common.Address) (*FundingDecision, error) {
	baseCost := new(big.Int).Mul(
		new(big.Int).SetUint64(decoded.GasLimit), decoded.EffectiveGasPrice)
	paddedCost := mulBasisPoints(baseCost, p.cfg.PriceMultiplier)
	needed := new(big.Int).Add(paddedCost, decoded.Value)

	balance, err := p.client.BalanceAt(ctx, sender)
	if err != nil {
		return nil, err
	}

	if balance.Cmp(needed) >= 0 {
		return &FundingDecision{Skip: true, Needed: needed}, nil
	}

	deficit := new(big.Int).Sub(needed, balance)
	logger.Info("Sender balance below required amount",
		"sender", sender.Hex(), "balance", balance, "needed", needed, "deficit", deficit)
	return &FundingDecision{Needed: needed, Deficit: deficit}, nil
}

// WaitForBalance polls the sender balance until it reaches needed or the
// attempt budget is exhausted. Returns as soon as the balance meets the
// target; exact equality is not required.
func (p *GasPolicy) WaitForBalance(ctx context.Context, sender common.Address, needed *big.Int) error {
	attempts := p.cfg.BalanceWaitAttempts
	if attempts <= 0 {
		attempts = 15
	}
	interval := time.Duration(p.cfg.BalanceWaitIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 0; attempt < attempts; attempt++ {
		balance, err := p.client.BalanceAt(ctx, sender)
		if err == nil && balance.Cmp(needed) >= 0 {
			return nil
		}
		if err != nil {
			logger.Warn("Balance poll failed", "sender", sender.Hex(), "error", err)
		}
		select {
		case <-ctx.Done():
			return apperrors.New(apperrors.ErrFundingTimeout,
				"request cancelled while waiting for funded balance", ctx.Err())
		case <-ticker.C:
		}
	}
	return apperrors.Newf(apperrors.ErrFundingTimeout,
		"sender %s balance did not reach %s wei within budget", sender.Hex(), needed)
}
