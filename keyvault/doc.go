// Package keyvault holds per-NFT Shamir secret shares inside the enclave.
//
// Every share is sealed at keyshare/<id>_Nft.bin through a storage.SealedStore.
// Access is gated by an interfaces.Authorizer that is independent of the
// storage layout, so the policy can change without touching persistence:
// AllowAll grants everything, OwnerPolicy only the registered NFT owner.
//
// The outward answers are intentionally coarse. Provision fails with
// interfaces.ErrUnauthorized when denied, Check answers false and Get answers
// (nil, false) whether access was denied, the share is missing or it failed
// to unseal. A caller cannot tell these apart; the vault logs the cause.
package keyvault
