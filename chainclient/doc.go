// Package chainclient connects the worker to its parentchain.
//
// Client implements interfaces.ChainQuery over go-ethereum RPC and the
// enclave registry contract described by EnclaveRegistryABI. Headers travel
// RLP encoded and registry events travel as RLP encoded logs.
//
// MemoryChain is a self-contained parentchain where every block is final on
// creation. It serves development mode and tests. MockChainQuery is the
// testify mock of the same interface.
package chainclient
