package chainclient

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EnclaveRegistryABI is the interface of the parentchain contract enclaves
// register with and that emits the events the worker dispatches.
const EnclaveRegistryABI = `[
	{"type":"function","name":"registerEnclave","stateMutability":"nonpayable","inputs":[{"name":"registration","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"registerUnattested","stateMutability":"nonpayable","inputs":[{"name":"registration","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"enclaveCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"existentialDeposit","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"authorities","stateMutability":"view","inputs":[],"outputs":[{"name":"keys","type":"bytes32[]"},{"name":"weights","type":"uint64[]"},{"name":"proof","type":"bytes[]"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"bytes32","indexed":true},{"name":"to","type":"bytes32","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"AddedEnclave","anonymous":false,"inputs":[{"name":"account","type":"bytes32","indexed":true},{"name":"url","type":"string","indexed":false}]},
	{"type":"event","name":"Forwarded","anonymous":false,"inputs":[{"name":"shard","type":"bytes32","indexed":true},{"name":"call","type":"bytes","indexed":false}]},
	{"type":"event","name":"ProcessedParentchainBlock","anonymous":false,"inputs":[{"name":"account","type":"bytes32","indexed":true},{"name":"blockHash","type":"bytes32","indexed":false},{"name":"merkleRoot","type":"bytes32","indexed":false}]},
	{"type":"event","name":"ProposedSidechainBlock","anonymous":false,"inputs":[{"name":"account","type":"bytes32","indexed":true},{"name":"blockHash","type":"bytes32","indexed":false}]},
	{"type":"event","name":"ShieldFunds","anonymous":false,"inputs":[{"name":"shard","type":"bytes32","indexed":true},{"name":"account","type":"bytes32","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"UnshieldedFunds","anonymous":false,"inputs":[{"name":"shard","type":"bytes32","indexed":true},{"name":"account","type":"bytes32","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"NftUpdated","anonymous":false,"inputs":[{"name":"owner","type":"bytes32","indexed":true},{"name":"id","type":"uint32","indexed":false},{"name":"data","type":"bytes","indexed":false},{"name":"edition","type":"uint32","indexed":false},{"name":"listed","type":"bool","indexed":false},{"name":"locked","type":"bool","indexed":false},{"name":"capsule","type":"bool","indexed":false}]}
]`

// RegistryABI is the parsed EnclaveRegistryABI.
var RegistryABI = mustParseABI(EnclaveRegistryABI)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid registry abi: %v", err))
	}
	return parsed
}

// EventLog builds the log the registry contract at address emits for event
// name with args given in declaration order.
func EventLog(address common.Address, name string, args ...interface{}) (types.Log, error) {
	ev, ok := RegistryABI.Events[name]
	if !ok {
		return types.Log{}, fmt.Errorf("unknown event %q", name)
	}
	if len(args) != len(ev.Inputs) {
		return types.Log{}, fmt.Errorf("event %s takes %d arguments, got %d", name, len(ev.Inputs), len(args))
	}

	topics := []common.Hash{ev.ID}
	var data []interface{}
	for i, input := range ev.Inputs {
		if !input.Indexed {
			data = append(data, args[i])
			continue
		}
		word, ok := args[i].([32]byte)
		if !ok {
			return types.Log{}, fmt.Errorf("indexed argument %s of %s must be bytes32", input.Name, name)
		}
		topics = append(topics, common.Hash(word))
	}

	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return types.Log{}, fmt.Errorf("failed to pack %s: %w", name, err)
	}
	return types.Log{Address: address, Topics: topics, Data: packed}, nil
}
