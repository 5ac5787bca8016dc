package interfaces

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Error taxonomy shared by every component. Concrete errors wrap one of
// these so callers can classify them with errors.Is.
var (
	// ErrStorageIo is returned for filesystem and seal failures.
	ErrStorageIo = errors.New("sealed storage io failure")

	// ErrUnauthorized is returned when the authorization policy denies access.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDecode is returned for malformed sealed or wire data.
	ErrDecode = errors.New("decode failure")

	// ErrStorageHashMismatch is returned when a state payload does not start
	// from the currently held state.
	ErrStorageHashMismatch = errors.New("storage hash mismatch")

	// ErrInvalidStorageDiff is returned when applying a state diff does not
	// produce the announced state.
	ErrInvalidStorageDiff = errors.New("invalid storage diff")

	// ErrInvalidNonce is returned when a supplied nonce is not the expected one.
	ErrInvalidNonce = errors.New("invalid nonce")

	// ErrInsufficientFunds is returned when the enclave account cannot pay for registration.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrChainQuery wraps any failure of the parentchain collaborator.
	ErrChainQuery = errors.New("chain query failure")

	// ErrBootstrapAborted is returned when any bootstrap stage fails.
	ErrBootstrapAborted = errors.New("bootstrap aborted")

	// ErrMissingPrivileges is returned when a privileged operation is attempted by a non-root account.
	ErrMissingPrivileges = errors.New("missing privileges")

	// ErrDispatch is returned when the underlying call execution failed.
	ErrDispatch = errors.New("dispatch failed")

	// ErrMissingFunds is returned when a debit exceeds the free balance.
	ErrMissingFunds = errors.New("missing funds")

	// ErrInexistentAccount is returned when an operation targets an unknown account.
	ErrInexistentAccount = errors.New("inexistent account")
)

// InvalidNonceError carries the rejected nonce.
type InvalidNonceError struct {
	Nonce uint64
}

func (e *InvalidNonceError) Error() string {
	return fmt.Sprintf("%s: %d", ErrInvalidNonce, e.Nonce)
}

func (e *InvalidNonceError) Unwrap() error {
	return ErrInvalidNonce
}

// AccountError ties an account-scoped failure to the offending account.
// Kind is one of ErrMissingPrivileges or ErrInexistentAccount.
type AccountError struct {
	Kind    error
	Account AccountId
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Account)
}

func (e *AccountError) Unwrap() error {
	return e.Kind
}

// DispatchError describes why call execution failed.
type DispatchError struct {
	Reason string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDispatch, e.Reason)
}

func (e *DispatchError) Unwrap() error {
	return ErrDispatch
}

// InsufficientFundsError reports the balance shortfall of the enclave account
// so an operator can fund it and restart.
type InsufficientFundsError struct {
	Account  AccountId
	Free     *uint256.Int
	Required *uint256.Int
}

// Missing returns Required - Free, saturating at zero.
func (e *InsufficientFundsError) Missing() *uint256.Int {
	if e.Free.Cmp(e.Required) >= 0 {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Sub(e.Required, e.Free)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("enclave account %s does not have enough funds on the parentchain to register: free %s, required %s, missing %s",
		e.Account, e.Free.Dec(), e.Required.Dec(), e.Missing().Dec())
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}
