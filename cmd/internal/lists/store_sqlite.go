package lists

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
  id         TEXT PRIMARY KEY,
  username   TEXT NOT NULL DEFAULT '',
  email_norm TEXT UNIQUE,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS lists (
  id         TEXT PRIMARY KEY,
  owner_id   TEXT NOT NULL,
  doc        TEXT NOT NULL,
  revision   INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS lists_owner_idx ON lists (owner_id);
`

// SQLiteStore is a single-file Store for small deployments. Documents are JSON text.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("lists: sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("lists.SQLiteStore.Ping", err)
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func (s *SQLiteStore) CreateList(ctx context.Context, l List) (List, error) {
	const op = "lists.SQLiteStore.CreateList"
	if strings.TrimSpace(l.ID) == "" {
		return List{}, validationErr(op, "missing id")
	}
	stored := l.Clone()
	stored.Revision = 1
	doc, err := json.Marshal(stored)
	if err != nil {
		return List{}, storageErr(op, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lists (id, owner_id, doc, revision, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
		stored.ID, stored.Owner.ID, string(doc), toMillis(stored.CreatedAt), toMillis(stored.UpdatedAt),
	)
	if isSQLiteUniqueViolation(err) {
		return List{}, conflictErr(op, "list id exists")
	}
	if err != nil {
		return List{}, storageErr(op, err)
	}
	return stored, nil
}

func (s *SQLiteStore) FindList(ctx context.Context, id string) (List, error) {
	const op = "lists.SQLiteStore.FindList"
	var (
		doc string
		rev int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT doc, revision FROM lists WHERE id = ?`, id).Scan(&doc, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return List{}, notFoundErr(op, "list")
	}
	if err != nil {
		return List{}, storageErr(op, err)
	}
	return decodeListDoc(op, []byte(doc), rev)
}

func (s *SQLiteStore) FindListsForUser(ctx context.Context, userID string) ([]List, error) {
	const op = "lists.SQLiteStore.FindListsForUser"
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc, revision
		   FROM lists
		  WHERE owner_id = ?
		     OR EXISTS (
		          SELECT 1 FROM json_each(lists.doc, '$.sharedWith') AS je
		           WHERE json_extract(je.value, '$.user.id') = ?
		        )
		  ORDER BY updated_at DESC, id DESC`,
		userID, userID,
	)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	out := make([]List, 0, 8)
	for rows.Next() {
		var (
			doc string
			rev int64
		)
		if err := rows.Scan(&doc, &rev); err != nil {
			return nil, storageErr(op, err)
		}
		l, err := decodeListDoc(op, []byte(doc), rev)
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

func (s *SQLiteStore) SaveList(ctx context.Context, l List, expectedRevision int64) (List, error) {
	const op = "lists.SQLiteStore.SaveList"
	stored := l.Clone()
	stored.Revision = expectedRevision + 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(stored)
	if err != nil {
		return List{}, storageErr(op, err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE lists SET doc = ?, revision = revision + 1, updated_at = ? WHERE id = ? AND revision = ?`,
		string(doc), toMillis(stored.UpdatedAt), stored.ID, expectedRevision,
	)
	if err != nil {
		return List{}, storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return List{}, storageErr(op, err)
	}
	if n == 1 {
		return stored, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM lists WHERE id = ?`, stored.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return List{}, notFoundErr(op, "list")
	}
	if err != nil {
		return List{}, storageErr(op, err)
	}
	return List{}, staleErr(op)
}

func (s *SQLiteStore) DeleteList(ctx context.Context, id string) error {
	const op = "lists.SQLiteStore.DeleteList"
	res, err := s.db.ExecContext(ctx, `DELETE FROM lists WHERE id = ?`, id)
	if err != nil {
		return storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return notFoundErr(op, "list")
	}
	return nil
}

func (s *SQLiteStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return s.findUser(ctx, "lists.SQLiteStore.FindUserByEmail", `email_norm = ?`, NormalizeEmail(email))
}

func (s *SQLiteStore) FindUserByID(ctx context.Context, id string) (User, error) {
	return s.findUser(ctx, "lists.SQLiteStore.FindUserByID", `id = ?`, id)
}

func (s *SQLiteStore) findUser(ctx context.Context, op, where string, arg string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, COALESCE(email_norm, '') FROM users WHERE `+where, arg,
	).Scan(&u.ID, &u.Username, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, notFoundErr(op, "user")
	}
	if err != nil {
		return User{}, storageErr(op, err)
	}
	return u, nil
}

func (s *SQLiteStore) PutUser(ctx context.Context, u User) error {
	const op = "lists.SQLiteStore.PutUser"
	if strings.TrimSpace(u.ID) == "" {
		return validationErr(op, "missing id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email_norm, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		    SET username = excluded.username,
		        email_norm = excluded.email_norm,
		        updated_at = excluded.updated_at`,
		u.ID, u.Username, nilIfEmpty(NormalizeEmail(u.Email)), toMillis(time.Now()),
	)
	if isSQLiteUniqueViolation(err) {
		return conflictErr(op, "email already bound to another user")
	}
	if err != nil {
		return storageErr(op, err)
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
