package chain

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/charliepank/blockchain-relay-utility/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	TxTypeLegacy  = "legacy"
	TxTypeEIP1559 = "eip1559"
)

// DecodedTx is the parsed view of a client-supplied signed transaction.
// RawHex holds the exact string the client sent; forwarding always uses
// RawHex, never a re-encoding.
type DecodedTx struct {
	Sender            common.Address
	To                *common.Address
	Value             *big.Int
	Data              []byte
	GasLimit          uint64
	EffectiveGasPrice *big.Int
	Type              string
	RawHex            string
}

// ToHex returns the destination address, or the empty string for
// contract-creation transactions.
func (d *DecodedTx) ToHex() string {
	if d.To == nil {
		return ""
	}
	return d.To.Hex()
}

// DecodeSignedTx parses a hex-encoded signed transaction (legacy RLP or
// typed EIP-1559 envelope) and recovers the sender from the signature.
// The function is pure: the same hex always yields the same result.
func DecodeSignedTx(rawHex string) (*DecodedTx, error) {
	trimmed := strings.TrimSpace(rawHex)
	stripped := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if stripped == "" {
		return nil, apperrors.New(apperrors.ErrDecode, "signed transaction hex is empty", nil)
	}

	raw, err := hex.DecodeString(stripped)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrDecode, "signed transaction is not valid hex", err)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, apperrors.New(apperrors.ErrDecode, "failed to decode signed transaction", err)
	}

	var txType string
	var effectivePrice *big.Int
	switch tx.Type() {
	case types.LegacyTxType:
		txType = TxTypeLegacy
		effectivePrice = tx.GasPrice()
	case types.DynamicFeeTxType:
		txType = TxTypeEIP1559
		effectivePrice = tx.GasFeeCap()
	default:
		return nil, apperrors.Newf(apperrors.ErrDecode, "unsupported transaction type %d", tx.Type())
	}

	signer := types.LatestSignerForChainID(tx.ChainId())
	sender, err := types.Sender(signer, tx)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrDecode, "failed to recover sender from signature", err)
	}

	return &DecodedTx{
		Sender:            sender,
		To:                tx.To(),
		Value:             tx.Value(),
		Data:              tx.Data(),
		GasLimit:          tx.Gas(),
		EffectiveGasPrice: effectivePrice,
		Type:              txType,
		RawHex:            rawHex,
	}, nil
}
