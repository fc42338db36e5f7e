package lists

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL. Each list is one jsonb document
// plus a revision column used for compare-and-swap writes.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "shopsync").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("lists: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("lists: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "shopsync",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("lists: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks that a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storageErr("lists.PostgresStore.Ping", err)
	}
	return nil
}

// EnsureSchema creates the schema objects when they are missing.
// Production deployments manage migrations out of band; this exists for dev and tests.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	users := pgIdent(s.schema, "users")
	lists := pgIdent(s.schema, "lists")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + users + ` (
		     id         text PRIMARY KEY,
		     username   text NOT NULL DEFAULT '',
		     email_norm text UNIQUE,
		     updated_at timestamptz NOT NULL DEFAULT now()
		   )`,
		`CREATE TABLE IF NOT EXISTS ` + lists + ` (
		     id         text PRIMARY KEY,
		     owner_id   text NOT NULL,
		     doc        jsonb NOT NULL,
		     revision   bigint NOT NULL,
		     created_at timestamptz NOT NULL,
		     updated_at timestamptz NOT NULL
		   )`,
		`CREATE INDEX IF NOT EXISTS lists_owner_idx ON ` + lists + ` (owner_id)`,
		`CREATE INDEX IF NOT EXISTS lists_shared_idx ON ` + lists + ` USING gin ((doc->'sharedWith') jsonb_path_ops)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return storageErr("lists.PostgresStore.EnsureSchema", err)
		}
	}
	return nil
}

// CreateList inserts a new document at revision 1.
func (s *PostgresStore) CreateList(ctx context.Context, l List) (List, error) {
	const op = "lists.PostgresStore.CreateList"
	if strings.TrimSpace(l.ID) == "" {
		return List{}, validationErr(op, "missing id")
	}
	if err := ctx.Err(); err != nil {
		return List{}, storageErr(op, err)
	}

	stored := l.Clone()
	stored.Revision = 1
	doc, err := json.Marshal(stored)
	if err != nil {
		return List{}, storageErr(op, err)
	}

	lists := pgIdent(s.schema, "lists")
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+lists+` (id, owner_id, doc, revision, created_at, updated_at)
		 VALUES ($1, $2, $3, 1, $4, $5)`,
		stored.ID, stored.Owner.ID, doc, stored.CreatedAt, stored.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return List{}, conflictErr(op, "list id exists")
	}
	if err != nil {
		return List{}, storageErr(op, err)
	}
	return stored, nil
}

// FindList loads a document by id.
func (s *PostgresStore) FindList(ctx context.Context, id string) (List, error) {
	const op = "lists.PostgresStore.FindList"
	if err := ctx.Err(); err != nil {
		return List{}, storageErr(op, err)
	}

	lists := pgIdent(s.schema, "lists")
	var (
		doc []byte
		rev int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT doc, revision FROM `+lists+` WHERE id = $1`, id,
	).Scan(&doc, &rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return List{}, notFoundErr(op, "list")
	}
	if err != nil {
		return List{}, storageErr(op, err)
	}
	return decodeListDoc(op, doc, rev)
}

// FindListsForUser returns lists owned by userID or carrying a sharing entry for it.
func (s *PostgresStore) FindListsForUser(ctx context.Context, userID string) ([]List, error) {
	const op = "lists.PostgresStore.FindListsForUser"
	if err := ctx.Err(); err != nil {
		return nil, storageErr(op, err)
	}

	lists := pgIdent(s.schema, "lists")
	rows, err := s.pool.Query(ctx,
		`SELECT doc, revision
		   FROM `+lists+`
		  WHERE owner_id = $1
		     OR (doc->'sharedWith') @> jsonb_build_array(jsonb_build_object('user', jsonb_build_object('id', $1::text)))
		  ORDER BY updated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	out := make([]List, 0, 8)
	for rows.Next() {
		var (
			doc []byte
			rev int64
		)
		if err := rows.Scan(&doc, &rev); err != nil {
			return nil, storageErr(op, err)
		}
		l, err := decodeListDoc(op, doc, rev)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// SaveList writes the document only if the stored revision equals expectedRevision.
func (s *PostgresStore) SaveList(ctx context.Context, l List, expectedRevision int64) (List, error) {
	const op = "lists.PostgresStore.SaveList"
	if err := ctx.Err(); err != nil {
		return List{}, storageErr(op, err)
	}

	stored := l.Clone()
	stored.Revision = expectedRevision + 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(stored)
	if err != nil {
		return List{}, storageErr(op, err)
	}

	lists := pgIdent(s.schema, "lists")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+lists+`
		    SET doc = $2, revision = revision + 1, updated_at = $3
		  WHERE id = $1 AND revision = $4`,
		stored.ID, doc, stored.UpdatedAt, expectedRevision,
	)
	if err != nil {
		return List{}, storageErr(op, err)
	}
	if tag.RowsAffected() == 1 {
		return stored, nil
	}

	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM `+lists+` WHERE id = $1`, stored.ID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return List{}, notFoundErr(op, "list")
	}
	if err != nil {
		return List{}, storageErr(op, err)
	}
	return List{}, staleErr(op)
}

// DeleteList removes the document; items and sharing entries live inside it.
func (s *PostgresStore) DeleteList(ctx context.Context, id string) error {
	const op = "lists.PostgresStore.DeleteList"
	lists := pgIdent(s.schema, "lists")
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+lists+` WHERE id = $1`, id)
	if err != nil {
		return storageErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundErr(op, "list")
	}
	return nil
}

// FindUserByEmail looks a user up by normalized email.
func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	const op = "lists.PostgresStore.FindUserByEmail"
	users := pgIdent(s.schema, "users")
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, COALESCE(email_norm, '') FROM `+users+` WHERE email_norm = $1`,
		NormalizeEmail(email),
	).Scan(&u.ID, &u.Username, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFoundErr(op, "user")
	}
	if err != nil {
		return User{}, storageErr(op, err)
	}
	return u, nil
}

// FindUserByID looks a user up by id.
func (s *PostgresStore) FindUserByID(ctx context.Context, id string) (User, error) {
	const op = "lists.PostgresStore.FindUserByID"
	users := pgIdent(s.schema, "users")
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, COALESCE(email_norm, '') FROM `+users+` WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFoundErr(op, "user")
	}
	if err != nil {
		return User{}, storageErr(op, err)
	}
	return u, nil
}

// PutUser upserts a user reference.
func (s *PostgresStore) PutUser(ctx context.Context, u User) error {
	const op = "lists.PostgresStore.PutUser"
	if strings.TrimSpace(u.ID) == "" {
		return validationErr(op, "missing id")
	}
	users := pgIdent(s.schema, "users")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+users+` (id, username, email_norm, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE
		    SET username = EXCLUDED.username,
		        email_norm = EXCLUDED.email_norm,
		        updated_at = now()`,
		u.ID, u.Username, nilIfEmpty(NormalizeEmail(u.Email)),
	)
	if isUniqueViolation(err) {
		return conflictErr(op, "email already bound to another user")
	}
	if err != nil {
		return storageErr(op, err)
	}
	return nil
}

func decodeListDoc(op string, doc []byte, rev int64) (List, error) {
	var l List
	if err := json.Unmarshal(doc, &l); err != nil {
		return List{}, storageErr(op, err)
	}
	l.Revision = rev
	if l.Items == nil {
		l.Items = []Item{}
	}
	if l.SharedWith == nil {
		l.SharedWith = []SharedWith{}
	}
	return l, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
