package chainclient

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// HeaderFromEth reduces a parentchain header to what sync needs.
func HeaderFromEth(h *types.Header) interfaces.Header {
	return interfaces.Header{
		Number:     h.Number.Uint64(),
		ParentHash: h.ParentHash,
		Hash:       h.Hash(),
	}
}

// DecodeHeader parses an RLP encoded parentchain header.
func DecodeHeader(raw []byte) (interfaces.Header, error) {
	var h types.Header
	if err := rlp.DecodeBytes(raw, &h); err != nil {
		return interfaces.Header{}, fmt.Errorf("%w: header: %v", interfaces.ErrDecode, err)
	}
	if h.Number == nil {
		return interfaces.Header{}, fmt.Errorf("%w: header without number", interfaces.ErrDecode)
	}
	return HeaderFromEth(&h), nil
}

// AddressOf is the parentchain address of an account: its last 20 bytes.
func AddressOf(account interfaces.AccountId) common.Address {
	return common.BytesToAddress(account[12:])
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("value %s overflows 256 bits", v)
	}
	return out, nil
}
