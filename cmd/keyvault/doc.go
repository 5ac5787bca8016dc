// Package main (cmd/keyvault) is the NFT owner's client for the worker key vaults.
//
// Commands:
//
//	status          - Show the status of each worker
//	generate-owner  - Generate an owner key and print the owner account
//	split           - Split a secret with Shamir's scheme, one share per worker
//	check           - Report which workers hold a share of an NFT secret
//	recover         - Fetch the shares from the workers and recombine the secret
//
// Requests are signed with the owner key; workers only serve the registered
// owner of the NFT.
package main
