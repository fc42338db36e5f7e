package lists

import "context"

// Store is the document persistence boundary.
//
// Requirements:
//   - SaveList is a compare-and-swap on Revision: it fails with ErrConflict wrapping
//     ErrStaleRevision when the stored revision differs from expectedRevision.
//   - FindListsForUser returns lists owned by userID or carrying any sharing entry for it,
//     most recently updated first.
//   - Missing rows are reported as ErrNotFound; driver failures as ErrUnavailable.
type Store interface {
	CreateList(ctx context.Context, l List) (List, error)
	FindList(ctx context.Context, id string) (List, error)
	FindListsForUser(ctx context.Context, userID string) ([]List, error)
	SaveList(ctx context.Context, l List, expectedRevision int64) (List, error)
	DeleteList(ctx context.Context, id string) error

	FindUserByEmail(ctx context.Context, email string) (User, error)
	FindUserByID(ctx context.Context, id string) (User, error)
	PutUser(ctx context.Context, u User) error

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
