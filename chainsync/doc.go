// Package chainsync brings the enclave light client up to date with the
// parentchain and keeps it there.
//
// Headers are imported strictly in number order starting at the light client
// head, so catch-up never skips a block and repeating a sync is harmless.
// Run turns finalized head notifications into Sync calls; a notification
// that does not decode is fatal for the loop.
package chainsync
