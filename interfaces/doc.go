// Package interfaces defines the shared types, collaborator interfaces and
// error taxonomy of the sidechain worker, separating contracts from the
// packages that implement them.
//
// # Domain Types
//
//   - ShardIdentifier: 32-byte partition id, one sealed namespace per shard
//   - AccountId: 32-byte public key of a parentchain account
//   - ResourceId: NFT id used as key into the key vault and the NFT registry
//   - Share: one Shamir share of a secret
//   - AccountInfo: nonce and balances mirrored inside the enclave
//   - StatePayload: a state diff with its before and after state hashes
//   - NftData: the NFT registry record
//   - Header: parentchain block header (number, parent hash, hash)
//
// # Collaborator Interfaces
//
//   - ChainQuery: everything the worker asks of the parentchain, from nonces
//     and fees to finalized-head and event subscriptions
//   - LightClient: enclave-side verification of the header chain
//   - EventDecoder: turns raw event records into Event values
//   - MirrorBackend: off-host replicas of sealed ciphertext
//   - Authorizer: decides whether an owner may touch a resource's secret share
//
// # Error Taxonomy
//
// Every component error wraps one of the sentinels in errors.go
// (ErrStorageIo, ErrUnauthorized, ErrDecode, ErrStorageHashMismatch,
// ErrInvalidStorageDiff, ErrInvalidNonce, ErrInsufficientFunds,
// ErrChainQuery, ErrBootstrapAborted and the dispatch errors), so callers
// classify failures with errors.Is and extract details with errors.As.
package interfaces
