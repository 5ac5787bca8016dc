// Package lightclient is the enclave-side verifier of parentchain headers.
//
// Trust is anchored by Init on the genesis header and an authority set whose
// proof commits to both. From there every imported header must be the child
// of the current head, so the head only ever advances one block at a time.
package lightclient
