package events

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/chainclient"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

var eventKinds = map[string]interfaces.EventKind{
	"Transfer":                  interfaces.TransferEvent,
	"AddedEnclave":              interfaces.AddedEnclaveEvent,
	"Forwarded":                 interfaces.ForwardedEvent,
	"ProcessedParentchainBlock": interfaces.ProcessedParentchainBlockEvent,
	"ProposedSidechainBlock":    interfaces.ProposedSidechainBlockEvent,
	"ShieldFunds":               interfaces.ShieldFundsEvent,
	"UnshieldedFunds":           interfaces.UnshieldedFundsEvent,
	"NftUpdated":                interfaces.NftUpdatedEvent,
}

// LogDecoder decodes RLP encoded registry logs. Logs from other contracts or
// with unknown signatures decode to interfaces.UnknownEvent.
type LogDecoder struct {
	registry common.Address
	abi      abi.ABI
}

// NewLogDecoder creates a decoder for logs of the registry contract at registry.
func NewLogDecoder(registry common.Address) *LogDecoder {
	return &LogDecoder{registry: registry, abi: chainclient.RegistryABI}
}

func (d *LogDecoder) DecodeEvent(block interfaces.Header, raw []byte) (interfaces.Event, error) {
	var log types.Log
	if err := rlp.DecodeBytes(raw, &log); err != nil {
		return interfaces.Event{}, fmt.Errorf("%w: event log: %v", interfaces.ErrDecode, err)
	}

	unknown := interfaces.Event{Kind: interfaces.UnknownEvent, Block: block, Payload: raw}
	if log.Address != d.registry || len(log.Topics) == 0 {
		return unknown, nil
	}
	ev, err := d.abi.EventByID(log.Topics[0])
	if err != nil {
		return unknown, nil
	}
	kind, ok := eventKinds[ev.Name]
	if !ok {
		return unknown, nil
	}

	fields := make(map[string]interface{})
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(fields, log.Data); err != nil {
		return interfaces.Event{}, fmt.Errorf("%w: %s data: %v", interfaces.ErrDecode, ev.Name, err)
	}
	indexed := abi.Arguments{}
	for _, input := range ev.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(log.Topics)-1 != len(indexed) {
		return interfaces.Event{}, fmt.Errorf("%w: %s has %d topics", interfaces.ErrDecode, ev.Name, len(log.Topics))
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return interfaces.Event{}, fmt.Errorf("%w: %s topics: %v", interfaces.ErrDecode, ev.Name, err)
	}

	out := interfaces.Event{Kind: kind, Block: block}
	switch kind {
	case interfaces.TransferEvent:
		out.From = interfaces.AccountId(bytes32(fields["from"]))
		out.To = interfaces.AccountId(bytes32(fields["to"]))
		out.Amount, err = amount(fields["amount"])
	case interfaces.AddedEnclaveEvent:
		out.From = interfaces.AccountId(bytes32(fields["account"]))
		out.Url, _ = fields["url"].(string)
	case interfaces.ForwardedEvent:
		out.Shard = interfaces.ShardIdentifier(bytes32(fields["shard"]))
		out.Payload, _ = fields["call"].([]byte)
	case interfaces.ProcessedParentchainBlockEvent:
		out.From = interfaces.AccountId(bytes32(fields["account"]))
		out.BlockHash = bytes32(fields["blockHash"])
		out.MerkleRoot = bytes32(fields["merkleRoot"])
	case interfaces.ProposedSidechainBlockEvent:
		out.From = interfaces.AccountId(bytes32(fields["account"]))
		out.BlockHash = bytes32(fields["blockHash"])
	case interfaces.ShieldFundsEvent, interfaces.UnshieldedFundsEvent:
		out.Shard = interfaces.ShardIdentifier(bytes32(fields["shard"]))
		out.To = interfaces.AccountId(bytes32(fields["account"]))
		out.Amount, err = amount(fields["amount"])
	case interfaces.NftUpdatedEvent:
		id, _ := fields["id"].(uint32)
		out.Resource = interfaces.ResourceId(id)
		out.Nft.Owner = interfaces.AccountId(bytes32(fields["owner"]))
		out.Nft.Details.Data, _ = fields["data"].([]byte)
		out.Nft.Details.Edition, _ = fields["edition"].(uint32)
		out.Nft.Details.Listed, _ = fields["listed"].(bool)
		out.Nft.Locked, _ = fields["locked"].(bool)
		out.Nft.Capsule, _ = fields["capsule"].(bool)
	}
	if err != nil {
		return interfaces.Event{}, fmt.Errorf("%w: %s: %v", interfaces.ErrDecode, ev.Name, err)
	}
	return out, nil
}

func bytes32(v interface{}) common.Hash {
	switch b := v.(type) {
	case [32]byte:
		return common.Hash(b)
	case common.Hash:
		return b
	default:
		return common.Hash{}
	}
}

func amount(v interface{}) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok || b == nil {
		return nil, fmt.Errorf("missing amount")
	}
	out, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("amount %s overflows", b)
	}
	return out, nil
}
