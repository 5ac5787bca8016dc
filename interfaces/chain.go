package interfaces

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FinalityStatus is the inclusion state an extrinsic submission waits for.
type FinalityStatus int

const (
	InBlock FinalityStatus = iota
	Finalized
)

// Extrinsic is an encoded parentchain call ready for submission.
// Signed is false for the skip-attestation registration.
type Extrinsic struct {
	Payload []byte
	Signed  bool
}

// Authority is one member of the parentchain finality authority set.
type Authority struct {
	PublicKey [32]byte
	Weight    uint64
}

// AuthorityProof proves the authority set against the genesis state.
type AuthorityProof [][]byte

// Event is a decoded parentchain event. Fields are populated according to Kind.
type Event struct {
	Kind       EventKind
	Block      Header
	From       AccountId
	To         AccountId
	Amount     *uint256.Int
	Url        string
	Shard      ShardIdentifier
	BlockHash  common.Hash
	MerkleRoot common.Hash
	Payload    []byte
	Resource   ResourceId
	Nft        NftData
}

// EventKind enumerates the event kinds the dispatcher understands.
type EventKind int

const (
	UnknownEvent EventKind = iota
	TransferEvent
	AddedEnclaveEvent
	ForwardedEvent
	ProcessedParentchainBlockEvent
	ProposedSidechainBlockEvent
	ShieldFundsEvent
	UnshieldedFundsEvent
	NftUpdatedEvent
)

// String returns event kind name.
func (k EventKind) String() string {
	switch k {
	case TransferEvent:
		return "Transfer"
	case AddedEnclaveEvent:
		return "AddedEnclave"
	case ForwardedEvent:
		return "Forwarded"
	case ProcessedParentchainBlockEvent:
		return "ProcessedParentchainBlock"
	case ProposedSidechainBlockEvent:
		return "ProposedSidechainBlock"
	case ShieldFundsEvent:
		return "ShieldFunds"
	case UnshieldedFundsEvent:
		return "UnshieldedFunds"
	case NftUpdatedEvent:
		return "NftUpdated"
	default:
		return "Unknown"
	}
}

// EventBatch is the raw, still encoded set of events emitted by one block.
type EventBatch struct {
	Block  Header
	Events [][]byte
}

// Subscription is a live feed from the parentchain. Err delivers at most one
// error and is closed when the subscription ends.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// ChainQuery is the parentchain collaborator consumed by bootstrap, sync and dispatch.
type ChainQuery interface {
	Genesis(ctx context.Context) (Header, error)
	HeaderByNumber(ctx context.Context, number uint64) (Header, error)
	FinalizedHead(ctx context.Context) (Header, error)
	Authorities(ctx context.Context) ([]Authority, AuthorityProof, error)

	FreeBalance(ctx context.Context, account AccountId) (*uint256.Int, error)
	AccountNonce(ctx context.Context, account AccountId) (uint64, error)
	RegistrationFee(ctx context.Context, xt Extrinsic) (*uint256.Int, error)
	ExistentialDeposit(ctx context.Context) (*uint256.Int, error)
	EnclaveCount(ctx context.Context, at common.Hash) (uint64, error)

	// SubmitAndWatch submits xt and blocks until it reaches status.
	// It returns the hash of the block the extrinsic was included in.
	SubmitAndWatch(ctx context.Context, xt Extrinsic, status FinalityStatus) (common.Hash, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (Header, error)

	// Transfer moves funds from the faucet account. Only used in dev mode.
	Transfer(ctx context.Context, to AccountId, amount *uint256.Int) error
	FaucetBalance(ctx context.Context) (*uint256.Int, error)

	// SubscribeFinalizedHeads delivers RLP encoded headers.
	SubscribeFinalizedHeads(ctx context.Context, ch chan<- []byte) (Subscription, error)
	SubscribeEvents(ctx context.Context, ch chan<- EventBatch) (Subscription, error)
}

// LightClient is the enclave-side header verifier.
type LightClient interface {
	Init(genesis Header, authorities []Authority, proof AuthorityProof) (Header, error)
	Import(header Header) error
	Head() (Header, error)
}

// EventDecoder turns a raw event into an Event. Unknown kinds decode to UnknownEvent.
type EventDecoder interface {
	DecodeEvent(block Header, raw []byte) (Event, error)
}
