// Package bootstrap registers a freshly started enclave on the parentchain.
//
// Run moves through Init, NonceFetched, CredentialObtained, Funded and
// Registered, and ends in Primary or Secondary depending on whether any
// enclave was registered before the registration block. Every failure is a
// *BootstrapError naming the stage and wrapping interfaces.ErrBootstrapAborted;
// the operator fixes the cause and restarts the process.
package bootstrap
