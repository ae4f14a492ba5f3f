package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory looks display names up in the host application's users table.
//
// The pgx pool is owned by the caller; the directory never closes it.
// Expected table: <schema>.users(id BIGINT PRIMARY KEY, display_name TEXT NOT NULL, disabled_at TIMESTAMPTZ NULL).
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// DirectoryOption configures a PostgresDirectory.
type DirectoryOption func(*PostgresDirectory) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the schema holding the users table (default "grid").
func WithSchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a directory over pool.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{pool: pool, schema: "grid"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return d, nil
}

// DisplayName returns the current display name of an active user.
func (d *PostgresDirectory) DisplayName(ctx context.Context, userID int64) (string, error) {
	const op = "identity.PostgresDirectory.DisplayName"

	if userID <= 0 {
		return "", OpError{Op: op, Kind: ErrInvalidInput}
	}

	users := pgx.Identifier{d.schema, "users"}.Sanitize()

	var name string
	err := d.pool.QueryRow(ctx,
		`SELECT display_name
		   FROM `+users+`
		  WHERE id = $1 AND disabled_at IS NULL`,
		userID,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", OpError{Op: op, Kind: ErrNotFound, Msg: "user"}
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return NormalizeDisplayName(name), nil
}

// Directory supplies current display names.
type Directory interface {
	DisplayName(ctx context.Context, userID int64) (string, error)
}

// DirectoryResolver verifies with Next, then replaces the display name with the
// directory's current one. A user missing from the directory is unauthorized.
type DirectoryResolver struct {
	Next      Resolver
	Directory Directory
}

// ResolveIdentity implements Resolver.
func (r DirectoryResolver) ResolveIdentity(ctx context.Context, credential string) (Identity, error) {
	id, err := r.Next.ResolveIdentity(ctx, credential)
	if err != nil {
		return Identity{}, err
	}

	name, err := r.Directory.DisplayName(ctx, id.UserID)
	switch {
	case err == nil:
		if name != "" {
			id.DisplayName = name
		}
		return id, nil
	case IsNotFound(err):
		return Identity{}, unauthorized("identity.DirectoryResolver", "user not active")
	default:
		return Identity{}, err
	}
}
