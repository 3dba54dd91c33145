package service

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/charliepank/blockchain-relay-utility/internal/config"
	"github.com/charliepank/blockchain-relay-utility/internal/model"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockChain implements chain.Client for pipeline tests.
type mockChain struct {
	mu sync.Mutex

	balanceFn  func(common.Address) (*big.Int, error)
	gasPriceFn func() (*big.Int, error)
	receiptFn  func(common.Hash) (*types.Receipt, error)
	sendRawFn  func(string) (common.Hash, error)

	sentRaw       []string
	balanceCalls  int
	gasPriceCalls int
}

func newMockChain() *mockChain {
	return &mockChain{
		balanceFn:  func(common.Address) (*big.Int, error) { return big.NewInt(0), nil },
		gasPriceFn: func() (*big.Int, error) { return big.NewInt(25_000_000_000), nil },
		receiptFn: func(common.Hash) (*types.Receipt, error) {
			return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
		},
		sendRawFn: func(string) (common.Hash, error) {
			return common.HexToHash("0xabc1"), nil
		},
	}
}

func (m *mockChain) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	m.mu.Lock()
	m.balanceCalls++
	m.mu.Unlock()
	return m.balanceFn(addr)
}

func (m *mockChain) SendRawTransaction(ctx context.Context, rawHex string) (common.Hash, error) {
	m.mu.Lock()
	m.sentRaw = append(m.sentRaw, rawHex)
	m.mu.Unlock()
	return m.sendRawFn(rawHex)
}

func (m *mockChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return m.receiptFn(hash)
}

func (m *mockChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	m.gasPriceCalls++
	m.mu.Unlock()
	return m.gasPriceFn()
}

func (m *mockChain) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(137), nil }

func (m *mockChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}

func (m *mockChain) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return 0, nil
}

func (m *mockChain) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }

func (m *mockChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func (m *mockChain) Close() {}

// mockFunder records contract interactions.
type mockFunder struct {
	mu            sync.Mutex
	feeFn         func(*big.Int) (*big.Int, error)
	fundFn        func(common.Address, *big.Int, *big.Int) (common.Hash, error)
	fundCalls     int
	fundGasAmount *big.Int
	fundFee       *big.Int
	fundUser      common.Address
}

func (f *mockFunder) CalculateFee(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if f.feeFn != nil {
		return f.feeFn(amount)
	}
	return FallbackFee(amount), nil
}

func (f *mockFunder) FundAndRelay(ctx context.Context, user common.Address, gasAmount, fee *big.Int) (common.Hash, error) {
	f.mu.Lock()
	f.fundCalls++
	f.fundUser = user
	f.fundGasAmount = new(big.Int).Set(gasAmount)
	f.fundFee = new(big.Int).Set(fee)
	f.mu.Unlock()
	if f.fundFn != nil {
		return f.fundFn(user, gasAmount, fee)
	}
	return common.HexToHash("0xfund"), nil
}

func testGasConfig() config.GasConfig {
	return config.GasConfig{
		PriceMultiplier:            1.20,
		MinimumGasPriceWei:         6,
		MaxTotalCostWei:            540_000_000,
		MaxGasLimit:                1_000_000,
		MaxGasPriceMultiplier:      3.0,
		BalanceWaitAttempts:        2,
		BalanceWaitIntervalSeconds: 1,
		ReceiptWaitAttempts:        2,
		ReceiptWaitIntervalSeconds: 1,
	}
}

func signedRelayTx(t *testing.T, gasLimit uint64, gasPrice, value *big.Int) (string, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	tx := types.MustSignNewTx(key, types.LatestSignerForChainID(big.NewInt(137)), &types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
	})
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return "0x" + common.Bytes2Hex(raw), sender
}

func newTestEngine(mock *mockChain, funder Funder, factoryCalled *bool) *RelayEngine {
	factory := func(wallet *model.WalletConfig) (Funder, error) {
		if factoryCalled != nil {
			*factoryCalled = true
		}
		return funder, nil
	}
	policy := NewGasPolicy(mock, testGasConfig())
	return NewRelayEngine(mock, policy, factory, testGasConfig(), 137)
}

func fundedTenant() *model.TenantContext {
	return &model.TenantContext{
		APIKeyName: "test-tenant",
		ClientIP:   "127.0.0.1",
		Wallet:     &model.WalletConfig{PrivateKey: "0x4c0883a69102937d6231471b5dbb6204fe512961708279f2e3e8a5d4b8e3e974"},
	}
}

func TestProcess_SufficientBalanceSkipsFunding(t *testing.T) {
	rawHex, _ := signedRelayTx(t, 100000, big.NewInt(25_000_000_000), big.NewInt(0))

	mock := newMockChain()
	// Plenty of balance: padded cost is 3e15 wei
	mock.balanceFn = func(common.Address) (*big.Int, error) {
		return new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18)), nil
	}

	factoryCalled := false
	engine := newTestEngine(mock, &mockFunder{}, &factoryCalled)

	outcome := engine.Process(context.Background(), fundedTenant(), model.RelayRequest{
		SignedTransactionHex: rawHex,
		OperationName:        "mint",
		ExpectedGasLimit:     130000,
	})

	assert.True(t, outcome.Success)
	assert.NotEmpty(t, outcome.TransactionHash)
	assert.False(t, factoryCalled, "no funding expected when balance is sufficient")
	require.Len(t, mock.sentRaw, 1)
	// Byte-identical forward
	assert.Equal(t, rawHex, mock.sentRaw[0])
}

func TestProcess_ConditionalFunding(t *testing.T) {
	rawHex, sender := signedRelayTx(t, 100000, big.NewInt(25_000_000_000), big.NewInt(0))

	// base cost 2.5e15, padded 3e15
	needed := big.NewInt(3_000_000_000_000_000)
	fee := big.NewInt(150_000_000_000_000)

	mock := newMockChain()
	var fundedMu sync.Mutex
	funded := false
	mock.balanceFn = func(common.Address) (*big.Int, error) {
		fundedMu.Lock()
		defer fundedMu.Unlock()
		if funded {
			return new(big.Int).Set(needed), nil
		}
		return big.NewInt(0), nil
	}

	funder := &mockFunder{
		feeFn: func(amount *big.Int) (*big.Int, error) { return fee, nil },
	}
	funder.fundFn = func(common.Address, *big.Int, *big.Int) (common.Hash, error) {
		fundedMu.Lock()
		funded = true
		fundedMu.Unlock()
		return common.HexToHash("0xfund"), nil
	}

	engine := newTestEngine(mock, funder, nil)

	outcome := engine.Process(context.Background(), fundedTenant(), model.RelayRequest{
		SignedTransactionHex: rawHex,
		OperationName:        "mint",
		ExpectedGasLimit:     130000,
	})

	assert.True(t, outcome.Success)
	assert.Equal(t, 1, funder.fundCalls)
	assert.Equal(t, sender, funder.fundUser)
	assert.Equal(t, 0, funder.fundGasAmount.Cmp(needed), "deficit should equal full padded cost at zero balance")
	assert.Equal(t, 0, funder.fundFee.Cmp(fee))
	require.Len(t, mock.sentRaw, 1)
	assert.Equal(t, rawHex, mock.sentRaw[0])
}

func TestProcess_RejectsOverBudgetGasLimit(t *testing.T) {
	rawHex, _ := signedRelayTx(t, 200000, big.NewInt(25_000_000_000), big.NewInt(0))

	mock := newMockChain()
	engine := newTestEngine(mock, &mockFunder{}, nil)

	outcome := engine.Process(context.Background(), fundedTenant(), model.RelayRequest{
		SignedTransactionHex: rawHex,
		OperationName:        "mint",
		ExpectedGasLimit:     130000,
	})

	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "gas limit")
	assert.Equal(t, "0x3333333333333333333333333333333333333333",
		common.HexToAddress(outcome.ContractAddress).Hex())
	// The limit check fires before any RPC call
	assert.Equal(t, 0, mock.gasPriceCalls)
	assert.Equal(t, 0, mock.balanceCalls)
	assert.Empty(t, mock.sentRaw)
}

func TestProcess_NoTenantWallet(t *testing.T) {
	rawHex, _ := signedRelayTx(t, 100000, big.NewInt(25_000_000_000), big.NewInt(0))

	mock := newMockChain() // zero balance: funding required
	factoryCalled := false
	engine := newTestEngine(mock, &mockFunder{}, &factoryCalled)

	tenant := &model.TenantContext{APIKeyName: "no-wallet", ClientIP: "127.0.0.1"}
	outcome := engine.Process(context.Background(), tenant, model.RelayRequest{
		SignedTransactionHex: rawHex,
		OperationName:        "mint",
		ExpectedGasLimit:     130000,
	})

	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "no wallet")
	assert.False(t, factoryCalled, "no contract adapter should be constructed without a wallet")
	assert.Empty(t, mock.sentRaw)
}

func TestProcess_DecodeFailure(t *testing.T) {
	mock := newMockChain()
	engine := newTestEngine(mock, &mockFunder{}, nil)

	outcome := engine.Process(context.Background(), fundedTenant(), model.RelayRequest{
		SignedTransactionHex: "0xnothex",
		OperationName:        "mint",
	})

	assert.False(t, outcome.Success)
	assert.NotEmpty(t, outcome.Error)
	assert.Empty(t, mock.sentRaw)
}

func TestProcess_OnChainRevertSurfacesHash(t *testing.T) {
	rawHex, _ := signedRelayTx(t, 100000, big.NewInt(25_000_000_000), big.NewInt(0))

	mock := newMockChain()
	mock.balanceFn = func(common.Address) (*big.Int, error) {
		return new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18)), nil
	}
	mock.receiptFn = func(common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusFailed}, nil
	}

	engine := newTestEngine(mock, &mockFunder{}, nil)

	outcome := engine.Process(context.Background(), fundedTenant(), model.RelayRequest{
		SignedTransactionHex: rawHex,
		OperationName:        "mint",
		ExpectedGasLimit:     130000,
	})

	assert.False(t, outcome.Success)
	assert.Equal(t, "Transaction failed on blockchain", outcome.Error)
	assert.NotEmpty(t, outcome.TransactionHash)
	assert.NotEmpty(t, outcome.ContractAddress)
}

func TestProcess_MissingReceiptStillReturnsHash(t *testing.T) {
	rawHex, _ := signedRelayTx(t, 100000, big.NewInt(25_000_000_000), big.NewInt(0))

	mock := newMockChain()
	mock.balanceFn = func(common.Address) (*big.Int, error) {
		return new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18)), nil
	}
	mock.receiptFn = func(common.Hash) (*types.Receipt, error) { return nil, nil }

	engine := newTestEngine(mock, &mockFunder{}, nil)

	outcome := engine.Process(context.Background(), fundedTenant(), model.RelayRequest{
		SignedTransactionHex: rawHex,
		OperationName:        "mint",
		ExpectedGasLimit:     130000,
	})

	assert.False(t, outcome.Success)
	assert.NotEmpty(t, outcome.TransactionHash)
	assert.Contains(t, outcome.Error, "not confirmed")
}

func TestProcess_WalletHintIsInformationalOnly(t *testing.T) {
	rawHex, _ := signedRelayTx(t, 100000, big.NewInt(25_000_000_000), big.NewInt(0))

	mock := newMockChain()
	mock.balanceFn = func(common.Address) (*big.Int, error) {
		return new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18)), nil
	}
	engine := newTestEngine(mock, &mockFunder{}, nil)

	outcome := engine.Process(context.Background(), fundedTenant(), model.RelayRequest{
		UserWalletAddress:    "0x9999999999999999999999999999999999999999",
		SignedTransactionHex: rawHex,
		OperationName:        "mint",
		ExpectedGasLimit:     130000,
	})

	// Mismatched hint never overrides the recovered sender
	assert.True(t, outcome.Success)
}
