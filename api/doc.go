/*
Package api holds the wire types of the worker's HTTP interface and the
configuration of its HTTP server.

# Key vault RPC

Owners provision, check and fetch the secret share of an NFT they own:

	POST /api/keyvault/provision        body ProvisionShareRequest
	GET  /api/keyvault/{owner}/{id}/check
	GET  /api/keyvault/{owner}/{id}

Every request carries a signature of the owner over OwnerRequestHash, in the
body for provisioning and in the OwnerSignatureHeader for reads. The hash
binds a unix timestamp, sent in the body or the OwnerTimestampHeader, which
must be within MaxRequestSkew of the worker clock. A stale or failed
signature check is answered exactly like a denial by the vault, so callers
cannot tell a wrong key from a missing share.

# Status

	GET /api/status                     StatusResponse

The subpackage clients implements a client for these routes.
*/
package api
