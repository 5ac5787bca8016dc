// Package events decodes the registry contract logs delivered with each
// finalized parentchain block and dispatches them to the shard ledger and
// peer bookkeeping.
package events
