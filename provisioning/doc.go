// Package provisioning moves shard state between enclaves of the same
// sidechain. A secondary enclave proves itself to a registered peer with a
// registration committing to a fresh challenge, and the peer answers with
// its own registration for that challenge and the shard state encrypted to
// the requester's enclave key with ECIES.
//
// Peers are learnt from AddedEnclave events (PeerSet) or from DNS SRV
// records (ResolvePeers).
package provisioning
