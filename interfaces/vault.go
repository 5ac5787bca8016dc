package interfaces

// Authorizer decides whether owner may provision, check or read the secret
// share bound to resource.
type Authorizer interface {
	Authorize(owner AccountId, resource ResourceId) bool
}

// AuthorizerFunc adapts a plain function to Authorizer.
type AuthorizerFunc func(owner AccountId, resource ResourceId) bool

// Authorize calls f(owner, resource).
func (f AuthorizerFunc) Authorize(owner AccountId, resource ResourceId) bool {
	return f(owner, resource)
}
