package app

import (
	"errors"

	"gridsync/internal/identity"

	"github.com/jackc/pgx/v5/pgxpool"
)

// newResolver assembles the identity chain: PASETO tokens first, then dev tokens.
// With directory lookup enabled the verified identity takes its display name from Postgres.
func newResolver(cfg Config, pool *pgxpool.Pool, log Logger) (identity.Resolver, error) {
	var chain identity.Chain

	if cfg.PasetoPublicHex != "" || cfg.PasetoSecretHex != "" {
		tr, err := identity.NewTokenResolver(cfg.tokenConfig())
		if err != nil {
			return nil, err
		}
		chain = append(chain, tr)
		log.Info("auth.paseto.enabled", "issuer", cfg.AuthIssuer)
	}

	if cfg.DevTokens != "" {
		st, err := identity.ParseStaticTokens(cfg.DevTokens)
		if err != nil {
			return nil, err
		}
		chain = append(chain, st)
		log.Warn("auth.dev_tokens.enabled", "count", st.Len())
	}

	if len(chain) == 0 {
		return nil, errors.New("auth: no identity source configured")
	}

	var r identity.Resolver = chain
	if len(chain) == 1 {
		r = chain[0]
	}

	if cfg.DirectoryLookup {
		if pool == nil {
			return nil, errors.New("auth: directory lookup requires a database pool")
		}
		dir, err := identity.NewPostgresDirectory(pool, identity.WithSchema(cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		r = identity.DirectoryResolver{Next: r, Directory: dir}
		log.Info("auth.directory.enabled", "schema", cfg.DBSchema)
	}
	return r, nil
}

func (c Config) tokenConfig() identity.TokenConfig {
	return identity.TokenConfig{
		Issuer:       c.AuthIssuer,
		TTL:          c.AuthTokenTTL,
		ClockSkew:    c.AuthClockSkew,
		PublicKeyHex: c.PasetoPublicHex,
		SecretKeyHex: c.PasetoSecretHex,
	}
}

// NewTokenIssuer builds an issuer from the configured secret key.
func NewTokenIssuer(cfg Config) (*identity.TokenIssuer, error) {
	return identity.NewTokenIssuer(cfg.tokenConfig())
}
