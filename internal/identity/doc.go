// Package identity turns a join credential into an authenticated user.
//
// Authentication itself lives elsewhere; this package only verifies what the
// issuing system handed the browser. Implementations:
//   - TokenResolver: PASETO v4.public access tokens.
//   - StaticResolver: fixed dev tokens from configuration.
//   - DirectoryResolver: wraps another Resolver and refreshes display names from PostgreSQL.
package identity
