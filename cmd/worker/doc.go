// Package main (cmd/worker) runs one TEE sidechain worker.
//
// The worker registers its enclave on the parentchain, syncs the parentchain
// light client, dispatches registry events into the shard ledger and the NFT
// registry, and serves the key vault and state provisioning APIs.
//
// Configuration comes from an optional TOML file (--config) and flags; flags
// set on the command line win. A failed bootstrap ends the process with exit
// code 2 after logging the stage that could not be reached.
//
// Example development run against a simulated parentchain:
//
//	sidechain-worker --dev --skip-ra --in-memory-chain \
//	    --registry=0x00000000000000000000000000000000000000aa \
//	    --data-dir=./data --listen-addr=127.0.0.1:8080
//
// Example production run:
//
//	sidechain-worker --config=/etc/worker/worker.toml \
//	    --seal-secret-file=/run/enclave/seal_secret \
//	    --peers-srv=_provision._tcp.workers.example
package main
