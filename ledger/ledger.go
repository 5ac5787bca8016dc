package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/storage"
)

// StateFile is the sealed path of the shard state inside a shard namespace.
const StateFile = "state.bin"

// Executor runs a trusted call against the state whose hash it is given and
// returns the resulting state transition.
type Executor func(stateHash common.Hash, state *State) (interfaces.StatePayload, error)

// Ledger owns the state of one shard: account nonces and balances, and the
// hash-chained application of state payloads.
//
// The state lock guards the state pointer and content. Account locks
// serialise validate-execute-increment sequences per account.
type Ledger struct {
	mu    sync.RWMutex
	state *State
	root  interfaces.AccountId

	accountsMu sync.Mutex
	accounts   map[interfaces.AccountId]*sync.Mutex

	store *storage.SealedStore
	log   *slog.Logger
}

// New creates a ledger over state. root is the only account allowed to run
// privileged operations.
func New(state *State, root interfaces.AccountId, log *slog.Logger) *Ledger {
	return &Ledger{
		state:    state,
		root:     root,
		accounts: make(map[interfaces.AccountId]*sync.Mutex),
		log:      log.With("component", "ledger"),
	}
}

// InitShard prepares the sealed namespace of shard and seals an empty state
// into it if none exists yet, locally or as a mirrored blob. It returns the
// shard's store.
func InitShard(store *storage.SealedStore, shard interfaces.ShardIdentifier, log *slog.Logger) (*storage.SealedStore, error) {
	shardStore, err := store.ForShard(shard)
	if err != nil {
		return nil, err
	}
	if shardStore.Exists(StateFile) || shardStore.Mirrored(StateFile) {
		return shardStore, nil
	}

	encoded, err := NewState().Encode()
	if err != nil {
		return nil, err
	}
	if err := shardStore.Seal(StateFile, encoded); err != nil {
		return nil, fmt.Errorf("failed to seal initial shard state: %w", err)
	}
	log.Info("Initialized shard", slog.String("shard", shard.String()), slog.String("root", shardStore.Root()))
	return shardStore, nil
}

// Load unseals the shard state from store, restoring it from the store's
// mirror when the local copy is lost. The ledger persists back to the same store.
func Load(store *storage.SealedStore, root interfaces.AccountId, log *slog.Logger) (*Ledger, error) {
	encoded, err := store.UnsealOrRestore(StateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal shard state: %w", err)
	}
	state, err := DecodeState(encoded)
	if err != nil {
		return nil, err
	}

	l := New(state, root, log)
	l.store = store
	l.log.Info("Loaded shard state",
		slog.Int("keys", state.Len()),
		slog.String("state_hash", state.Hash().Hex()))
	return l, nil
}

// Persist seals the current state.
func (l *Ledger) Persist() error {
	if l.store == nil {
		return errors.New("ledger has no sealed store")
	}

	l.mu.RLock()
	encoded, err := l.state.Encode()
	l.mu.RUnlock()
	if err != nil {
		return err
	}
	return l.store.Seal(StateFile, encoded)
}

// StateHash returns the hash of the current state.
func (l *Ledger) StateHash() common.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Hash()
}

func (l *Ledger) accountLock(account interfaces.AccountId) func() {
	l.accountsMu.Lock()
	m, ok := l.accounts[account]
	if !ok {
		m = &sync.Mutex{}
		l.accounts[account] = m
	}
	l.accountsMu.Unlock()

	m.Lock()
	return m.Unlock
}

// GetAccountInfo returns the account record, or false if it is absent or undecodable.
func (l *Ledger) GetAccountInfo(account interfaces.AccountId) (*interfaces.AccountInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accountInfo(account)
}

func (l *Ledger) accountInfo(account interfaces.AccountId) (*interfaces.AccountInfo, bool) {
	return l.accountInfoIn(l.state, account)
}

func (l *Ledger) accountInfoIn(state *State, account interfaces.AccountId) (*interfaces.AccountInfo, bool) {
	raw, ok := state.Get(AccountKey(account))
	if !ok {
		return nil, false
	}

	info := interfaces.NewAccountInfo()
	if err := rlp.DecodeBytes(raw, info); err != nil {
		l.log.Error("Failed to decode account info", slog.String("account", account.String()), "err", err)
		return nil, false
	}
	return info, true
}

func (l *Ledger) putAccountInfo(account interfaces.AccountId, info *interfaces.AccountInfo) {
	putAccountInfoIn(l.state, account, info)
}

func putAccountInfoIn(state *State, account interfaces.AccountId, info *interfaces.AccountInfo) {
	encoded, err := rlp.EncodeToBytes(info)
	if err != nil {
		// Fixed-shape struct of integers
		panic(fmt.Sprintf("account info encoding failed: %v", err))
	}
	state.Set(AccountKey(account), encoded)
}

// ValidateNonce succeeds only if nonce equals the account's current nonce
// (0 for an absent account).
func (l *Ledger) ValidateNonce(account interfaces.AccountId, nonce uint64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validateNonce(account, nonce)
}

func (l *Ledger) validateNonce(account interfaces.AccountId, nonce uint64) error {
	var expected uint64
	if info, ok := l.accountInfo(account); ok {
		expected = info.Nonce
	}
	if nonce != expected {
		return &interfaces.InvalidNonceError{Nonce: nonce}
	}
	return nil
}

// IncrementNonce bumps the nonce of an existing account by one. It does not
// validate anything; callers validate first. A missing account is an error.
func (l *Ledger) IncrementNonce(account interfaces.AccountId) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.incrementNonce(account)
}

func (l *Ledger) incrementNonce(account interfaces.AccountId) error {
	return l.incrementNonceIn(l.state, account)
}

func (l *Ledger) incrementNonceIn(state *State, account interfaces.AccountId) error {
	info, ok := l.accountInfoIn(state, account)
	if !ok {
		l.log.Error("Cannot increment nonce of inexistent account", slog.String("account", account.String()))
		return &interfaces.AccountError{Kind: interfaces.ErrInexistentAccount, Account: account}
	}
	info.Nonce++
	putAccountInfoIn(state, account, info)
	return nil
}

// SetNonce overwrites the nonce of account, creating the account if needed.
func (l *Ledger) SetNonce(account interfaces.AccountId, nonce uint64) {
	unlock := l.accountLock(account)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.accountInfo(account)
	if !ok {
		info = interfaces.NewAccountInfo()
	}
	info.Nonce = nonce
	l.putAccountInfo(account, info)
}

// Credit adds amount to the free balance of account, creating it if needed.
func (l *Ledger) Credit(account interfaces.AccountId, amount *uint256.Int) {
	unlock := l.accountLock(account)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.accountInfo(account)
	if !ok {
		info = interfaces.NewAccountInfo()
	}
	info.Free = new(uint256.Int).Add(info.Free, amount)
	l.putAccountInfo(account, info)
}

// Debit removes amount from the free balance of account.
func (l *Ledger) Debit(account interfaces.AccountId, amount *uint256.Int) error {
	unlock := l.accountLock(account)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debit(account, amount)
}

func (l *Ledger) debit(account interfaces.AccountId, amount *uint256.Int) error {
	info, ok := l.accountInfo(account)
	if !ok {
		return &interfaces.AccountError{Kind: interfaces.ErrInexistentAccount, Account: account}
	}
	if info.Free.Lt(amount) {
		return interfaces.ErrMissingFunds
	}
	info.Free = new(uint256.Int).Sub(info.Free, amount)
	l.putAccountInfo(account, info)
	return nil
}

// Transfer moves amount between two accounts; the receiver is created if needed.
func (l *Ledger) Transfer(from, to interfaces.AccountId, amount *uint256.Int) error {
	// Lock in a fixed order so opposite transfers cannot deadlock
	first, second := from, to
	if string(second[:]) < string(first[:]) {
		first, second = second, first
	}
	unlockFirst := l.accountLock(first)
	defer unlockFirst()
	if first != second {
		unlockSecond := l.accountLock(second)
		defer unlockSecond()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.debit(from, amount); err != nil {
		return err
	}
	info, ok := l.accountInfo(to)
	if !ok {
		info = interfaces.NewAccountInfo()
	}
	info.Free = new(uint256.Int).Add(info.Free, amount)
	l.putAccountInfo(to, info)
	return nil
}

// RequireRoot fails with ErrMissingPrivileges unless account is the root account.
func (l *Ledger) RequireRoot(account interfaces.AccountId) error {
	if account != l.root {
		return &interfaces.AccountError{Kind: interfaces.ErrMissingPrivileges, Account: account}
	}
	return nil
}

// Apply applies payload all-or-nothing. The held state must hash to
// StateHashApriori, and the result must hash to StateHashAposteriori.
func (l *Ledger) Apply(payload interfaces.StatePayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply(payload)
}

func (l *Ledger) apply(payload interfaces.StatePayload) error {
	next, err := l.transition(payload)
	if err != nil {
		return err
	}
	l.state = next
	return nil
}

// transition checks payload against the held state and returns the resulting
// state without committing it.
func (l *Ledger) transition(payload interfaces.StatePayload) (*State, error) {
	current := l.state.Hash()
	if current != payload.StateHashApriori {
		l.log.Warn("State payload does not start from the held state",
			slog.String("held", current.Hex()),
			slog.String("apriori", payload.StateHashApriori.Hex()))
		return nil, interfaces.ErrStorageHashMismatch
	}

	next := l.state.Clone()
	next.ApplyDiff(payload.StateUpdate)
	if got := next.Hash(); got != payload.StateHashAposteriori {
		l.log.Warn("State diff does not produce the announced state",
			slog.String("computed", got.Hex()),
			slog.String("aposteriori", payload.StateHashAposteriori.Hex()))
		return nil, interfaces.ErrInvalidStorageDiff
	}
	return next, nil
}

// DispatchCall runs one trusted call from account: the nonce is validated,
// exec produces the state transition on a copy of the state, the transition
// is applied and the nonce incremented. The sequence is atomic per account
// and all-or-nothing: the state is replaced only when both the transition
// and the nonce increment succeed. Calls from an account without a record
// are rejected before exec runs.
func (l *Ledger) DispatchCall(account interfaces.AccountId, nonce uint64, exec Executor) error {
	unlock := l.accountLock(account)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accountInfo(account); !ok {
		l.log.Warn("Rejected call from inexistent account", slog.String("account", account.String()))
		return &interfaces.AccountError{Kind: interfaces.ErrInexistentAccount, Account: account}
	}
	if err := l.validateNonce(account, nonce); err != nil {
		return err
	}

	payload, err := exec(l.state.Hash(), l.state.Clone())
	if err != nil {
		var dispatchErr *interfaces.DispatchError
		if errors.As(err, &dispatchErr) || errors.Is(err, interfaces.ErrMissingFunds) ||
			errors.Is(err, interfaces.ErrMissingPrivileges) || errors.Is(err, interfaces.ErrInexistentAccount) {
			return err
		}
		return &interfaces.DispatchError{Reason: err.Error()}
	}

	next, err := l.transition(payload)
	if err != nil {
		return err
	}
	if err := l.incrementNonceIn(next, account); err != nil {
		return err
	}
	l.state = next

	l.log.Debug("Dispatched call",
		slog.String("account", account.String()),
		slog.Uint64("nonce", nonce),
		slog.String("state_hash", payload.StateHashAposteriori.Hex()))
	return nil
}

// Export returns the encoded state together with its hash.
func (l *Ledger) Export() ([]byte, common.Hash, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	encoded, err := l.state.Encode()
	if err != nil {
		return nil, common.Hash{}, err
	}
	return encoded, l.state.Hash(), nil
}

// Import replaces the whole state with an encoded state received from a
// provisioning peer. The state must hash to expected. The new state is
// persisted when the ledger has a store.
func (l *Ledger) Import(encoded []byte, expected common.Hash) error {
	state, err := DecodeState(encoded)
	if err != nil {
		return err
	}
	if got := state.Hash(); got != expected {
		l.log.Warn("Imported state does not match its announced hash",
			slog.String("computed", got.Hex()),
			slog.String("announced", expected.Hex()))
		return interfaces.ErrStorageHashMismatch
	}

	l.mu.Lock()
	l.state = state
	l.mu.Unlock()

	l.log.Info("Imported shard state", slog.Int("keys", state.Len()), slog.String("state_hash", expected.Hex()))
	if l.store == nil {
		return nil
	}
	return l.Persist()
}
