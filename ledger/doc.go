// Package ledger keeps the confidential state of a shard and the account
// bookkeeping on top of it.
//
// State transitions arrive as interfaces.StatePayload records produced by the
// call executor. Apply only accepts a payload that starts from the held state
// hash and ends at the announced one; anything else leaves the state
// untouched. Nonces are exact: a call from an account is accepted only with
// the account's current nonce, and the nonce moves by one per dispatched call.
package ledger
