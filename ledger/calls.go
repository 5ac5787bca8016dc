package ledger

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// ErrCallSignature is returned for a forwarded call not signed by its signer.
var ErrCallSignature = errors.New("invalid trusted call signature")

// CallKind selects the operation of a TrustedCall.
type CallKind uint8

const (
	// CallTransfer moves Amount from the signer to To.
	CallTransfer CallKind = iota + 1
	// CallSetBalance overwrites the free balance of To. Root only.
	CallSetBalance
)

func (k CallKind) String() string {
	switch k {
	case CallTransfer:
		return "transfer"
	case CallSetBalance:
		return "set_balance"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// TrustedCall is a shard call forwarded through the parentchain.
type TrustedCall struct {
	Kind   CallKind
	Signer interfaces.AccountId
	Nonce  uint64
	To     interfaces.AccountId
	Amount *uint256.Int
}

// Hash is what the signer signs.
func (c *TrustedCall) Hash() (common.Hash, error) {
	encoded, err := rlp.EncodeToBytes(c)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash([]byte("trusted_call"), encoded), nil
}

type signedCall struct {
	Call      TrustedCall
	Signature []byte
}

// EncodeSignedCall signs call with key and returns the payload carried by a
// Forwarded event. The signer is set to the account of key.
func EncodeSignedCall(key *ecdsa.PrivateKey, call TrustedCall) ([]byte, error) {
	call.Signer = attestation.AccountFromPubkey(&key.PublicKey)
	if call.Amount == nil {
		call.Amount = new(uint256.Int)
	}
	hash, err := call.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(&signedCall{Call: call, Signature: sig})
}

// DecodeSignedCall decodes a forwarded payload and checks that it is signed by
// its signer.
func DecodeSignedCall(payload []byte) (*TrustedCall, error) {
	var signed signedCall
	if err := rlp.DecodeBytes(payload, &signed); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecode, err)
	}
	hash, err := signed.Call.Hash()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecode, err)
	}
	pub, err := crypto.SigToPub(hash[:], signed.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallSignature, err)
	}
	if attestation.AccountFromPubkey(pub) != signed.Call.Signer {
		return nil, ErrCallSignature
	}
	if signed.Call.Amount == nil {
		signed.Call.Amount = new(uint256.Int)
	}
	return &signed.Call, nil
}

// ExecuteForwarded decodes a forwarded call and dispatches it through
// DispatchCall.
func (l *Ledger) ExecuteForwarded(payload []byte) error {
	call, err := DecodeSignedCall(payload)
	if err != nil {
		return err
	}
	if err := l.DispatchCall(call.Signer, call.Nonce, l.callExecutor(call)); err != nil {
		return err
	}
	l.log.Info("Executed trusted call",
		slog.String("kind", call.Kind.String()),
		slog.String("signer", call.Signer.String()),
		slog.Uint64("nonce", call.Nonce))
	return nil
}

// callExecutor runs call on the state copy handed in by DispatchCall.
func (l *Ledger) callExecutor(call *TrustedCall) Executor {
	return func(stateHash common.Hash, state *State) (interfaces.StatePayload, error) {
		base := state.Clone()

		switch call.Kind {
		case CallTransfer:
			from, ok := l.accountInfoIn(state, call.Signer)
			if !ok {
				return interfaces.StatePayload{}, &interfaces.AccountError{Kind: interfaces.ErrInexistentAccount, Account: call.Signer}
			}
			if from.Free.Lt(call.Amount) {
				return interfaces.StatePayload{}, interfaces.ErrMissingFunds
			}
			from.Free = new(uint256.Int).Sub(from.Free, call.Amount)
			putAccountInfoIn(state, call.Signer, from)

			to, ok := l.accountInfoIn(state, call.To)
			if !ok {
				to = interfaces.NewAccountInfo()
			}
			to.Free = new(uint256.Int).Add(to.Free, call.Amount)
			putAccountInfoIn(state, call.To, to)

		case CallSetBalance:
			if err := l.RequireRoot(call.Signer); err != nil {
				return interfaces.StatePayload{}, err
			}
			to, ok := l.accountInfoIn(state, call.To)
			if !ok {
				to = interfaces.NewAccountInfo()
			}
			to.Free = new(uint256.Int).Set(call.Amount)
			putAccountInfoIn(state, call.To, to)

		default:
			return interfaces.StatePayload{}, &interfaces.DispatchError{Reason: "unknown call " + call.Kind.String()}
		}

		return interfaces.StatePayload{
			StateHashApriori:     stateHash,
			StateHashAposteriori: state.Hash(),
			StateUpdate:          base.Diff(state),
		}, nil
	}
}
