// Package worker assembles an enclave worker from its Config and runs it.
//
// New opens and locks the data directory, unseals or creates the enclave key,
// connects to the parentchain and loads the shard state, the light client and
// the NFT registry. Run then starts three threads under one errgroup:
//
//   - the HTTP server with the key vault, status and provisioning routes
//   - the parentchain event loop feeding the ledger, the registry and the peer set
//   - bootstrap, followed by catch-up for the primary enclave or state
//     provisioning from a peer for secondaries, and then live header sync
//
// The server reports ready only once the worker is in sync. The first thread
// to fail cancels the others.
package worker
