package identity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// StaticResolver maps fixed tokens to identities. Dev and tests only.
type StaticResolver struct {
	tokens map[string]Identity
}

// NewStaticResolver copies tokens into a resolver.
func NewStaticResolver(tokens map[string]Identity) *StaticResolver {
	m := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		m[k] = v
	}
	return &StaticResolver{tokens: m}
}

// ParseStaticTokens parses "token:uid:name,token:uid:name".
func ParseStaticTokens(list string) (*StaticResolver, error) {
	tokens := make(map[string]Identity)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, OpError{Op: "identity.ParseStaticTokens", Kind: ErrConfig, Msg: fmt.Sprintf("malformed entry %q", entry)}
		}
		tok := strings.TrimSpace(parts[0])
		uid, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		name := NormalizeDisplayName(parts[2])
		if tok == "" || err != nil || uid <= 0 || name == "" {
			return nil, OpError{Op: "identity.ParseStaticTokens", Kind: ErrConfig, Msg: fmt.Sprintf("malformed entry %q", entry)}
		}
		tokens[tok] = Identity{UserID: uid, DisplayName: name}
	}
	return &StaticResolver{tokens: tokens}, nil
}

// Len returns the number of configured tokens.
func (s *StaticResolver) Len() int { return len(s.tokens) }

// ResolveIdentity looks the credential up.
func (s *StaticResolver) ResolveIdentity(ctx context.Context, credential string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	id, ok := s.tokens[strings.TrimSpace(credential)]
	if !ok {
		return Identity{}, unauthorized("identity.StaticResolver", "unknown token")
	}
	return id, nil
}

// Chain tries resolvers in order and returns the first identity.
// Only ErrUnauthorized falls through; any other error stops the chain.
type Chain []Resolver

// ResolveIdentity implements Resolver.
func (c Chain) ResolveIdentity(ctx context.Context, credential string) (Identity, error) {
	for _, r := range c {
		id, err := r.ResolveIdentity(ctx, credential)
		if err == nil {
			return id, nil
		}
		if !IsUnauthorized(err) {
			return Identity{}, err
		}
	}
	return Identity{}, unauthorized("identity.Chain", "no resolver accepted the credential")
}
