package identity

import (
	"context"
	"strconv"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// TokenConfig configures PASETO v4.public access tokens.
type TokenConfig struct {
	Issuer string
	TTL    time.Duration
	// ClockSkew is added to "now" during verification to tolerate minor clock differences.
	ClockSkew time.Duration

	// PublicKeyHex is enough to verify. SecretKeyHex is only needed to issue
	// (and implies the public key when PublicKeyHex is empty).
	PublicKeyHex string
	SecretKeyHex string
}

// TokenResolver verifies access tokens minted by the host application.
//
// Claims: standard iss/iat/nbf/exp plus "uid" (decimal user id) and "name" (display name).
type TokenResolver struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
	now       func() time.Time
}

// NewTokenResolver builds a verifier. It fails with ErrConfig when no usable key is configured.
func NewTokenResolver(cfg TokenConfig) (*TokenResolver, error) {
	public, err := publicKeyFrom(cfg)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, OpError{Op: "identity.NewTokenResolver", Kind: ErrConfig, Msg: "missing issuer"}
	}
	return &TokenResolver{
		issuer:    cfg.Issuer,
		clockSkew: cfg.ClockSkew,
		public:    public,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// ResolveIdentity verifies the token and extracts the identity claims.
func (r *TokenResolver) ResolveIdentity(ctx context.Context, credential string) (Identity, error) {
	const op = "identity.TokenResolver"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, unauthorized(op, "missing token")
	}

	// Build a fresh parser per call to avoid accumulating rules across verifies.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(r.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(r.now().Add(r.clockSkew)))

	parsed, err := p.ParseV4Public(r.public, credential, nil)
	if err != nil {
		return Identity{}, unauthorized(op, "invalid token")
	}

	rawUID, err := parsed.GetString("uid")
	if err != nil {
		return Identity{}, unauthorized(op, "missing uid claim")
	}
	uid, err := strconv.ParseInt(rawUID, 10, 64)
	if err != nil || uid <= 0 {
		return Identity{}, unauthorized(op, "invalid uid claim")
	}

	name, _ := parsed.GetString("name")
	name = NormalizeDisplayName(name)
	if name == "" {
		return Identity{}, unauthorized(op, "missing name claim")
	}

	return Identity{UserID: uid, DisplayName: name}, nil
}

// TokenIssuer mints access tokens. Production tokens come from the host application;
// this exists for the CLI and for tests.
type TokenIssuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewTokenIssuer builds an issuer from cfg.SecretKeyHex.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(cfg.SecretKeyHex))
	if err != nil {
		return nil, OpError{Op: "identity.NewTokenIssuer", Kind: ErrConfig, Msg: "invalid secret key"}
	}
	if strings.TrimSpace(cfg.Issuer) == "" || cfg.TTL <= 0 {
		return nil, OpError{Op: "identity.NewTokenIssuer", Kind: ErrConfig, Msg: "missing issuer or ttl"}
	}
	return &TokenIssuer{issuer: cfg.Issuer, ttl: cfg.TTL, secret: secret}, nil
}

// PublicKeyHex returns the verification key matching this issuer.
func (i *TokenIssuer) PublicKeyHex() string {
	return i.secret.Public().ExportHex()
}

// Issue signs a token for id valid from now for the configured TTL.
func (i *TokenIssuer) Issue(id Identity, now time.Time) (string, time.Time, error) {
	name := NormalizeDisplayName(id.DisplayName)
	if id.UserID <= 0 || name == "" {
		return "", time.Time{}, OpError{Op: "identity.TokenIssuer.Issue", Kind: ErrInvalidInput}
	}

	exp := now.Add(i.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(i.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetString("uid", strconv.FormatInt(id.UserID, 10))
	tok.SetString("name", name)

	return tok.V4Sign(i.secret, nil), exp, nil
}

// GenerateKeyPair returns a fresh hex-encoded v4.public keypair.
func GenerateKeyPair() (secretHex, publicHex string) {
	secret := paseto.NewV4AsymmetricSecretKey()
	return secret.ExportHex(), secret.Public().ExportHex()
}

func publicKeyFrom(cfg TokenConfig) (paseto.V4AsymmetricPublicKey, error) {
	const op = "identity.NewTokenResolver"

	if hex := strings.TrimSpace(cfg.PublicKeyHex); hex != "" {
		k, err := paseto.NewV4AsymmetricPublicKeyFromHex(hex)
		if err != nil {
			return paseto.V4AsymmetricPublicKey{}, OpError{Op: op, Kind: ErrConfig, Msg: "invalid public key"}
		}
		return k, nil
	}
	if hex := strings.TrimSpace(cfg.SecretKeyHex); hex != "" {
		k, err := paseto.NewV4AsymmetricSecretKeyFromHex(hex)
		if err != nil {
			return paseto.V4AsymmetricPublicKey{}, OpError{Op: op, Kind: ErrConfig, Msg: "invalid secret key"}
		}
		return k.Public(), nil
	}
	return paseto.V4AsymmetricPublicKey{}, OpError{Op: op, Kind: ErrConfig, Msg: "no key configured"}
}
