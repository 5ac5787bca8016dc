// Package attestation produces and checks the credentials an enclave
// registers with on the parentchain.
//
// An AttestedCredential is a Registration signed by the enclave key whose
// quote commits to the enclave account, nonce and url. Quotes come from a
// Provider: DCAPProvider on TDX hosts, RemoteProvider through a quote
// service. The skip-attestation variant only exists in builds without the
// production tag; there NewSkipSource returns ErrSkipUnsupported.
package attestation
