package keyvault

import (
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// AllowAll authorizes every owner for every resource.
var AllowAll interfaces.Authorizer = interfaces.AuthorizerFunc(func(interfaces.AccountId, interfaces.ResourceId) bool {
	return true
})

// OwnerLookup resolves the registered owner of an NFT.
type OwnerLookup interface {
	Owner(id interfaces.ResourceId) (interfaces.AccountId, bool)
}

// OwnerPolicy only authorizes the registered owner of the NFT. Unknown NFTs
// are denied.
type OwnerPolicy struct {
	Registry OwnerLookup
}

func (p OwnerPolicy) Authorize(owner interfaces.AccountId, id interfaces.ResourceId) bool {
	registered, ok := p.Registry.Owner(id)
	return ok && registered == owner
}
