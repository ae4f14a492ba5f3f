package identity

import "context"

// Identity is an authenticated user as far as the grid is concerned.
type Identity struct {
	UserID      int64
	DisplayName string
}

// Valid reports whether id can be admitted.
func (id Identity) Valid() bool {
	return id.UserID > 0 && id.DisplayName != ""
}

// Resolver maps an opaque join credential to an Identity.
// Any failure to authenticate is reported as ErrUnauthorized.
type Resolver interface {
	ResolveIdentity(ctx context.Context, credential string) (Identity, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, credential string) (Identity, error)

// ResolveIdentity calls f.
func (f ResolverFunc) ResolveIdentity(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}
