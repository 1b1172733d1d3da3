// Package pebblestore implements storage.Storage on an embedded pebble
// database. The backend is file-backed by default and can run entirely in
// memory for tests and standalone nodes.
//
// Concurrency model: read-write transactions are exclusive per host and
// stage their writes in an indexed batch, so a transaction reads its own
// writes and nothing becomes visible before commit. Read-only transactions
// run against a point-in-time snapshot and never block writers.
package pebblestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/LeJamon/goOPRd/internal/logging"
	"github.com/LeJamon/goOPRd/internal/storage"
)

// Store is the pebble-backed storage implementation.
type Store struct {
	path     string
	inMemory bool
	logger   logging.Logger

	mu     sync.Mutex
	db     *pebble.DB
	opened bool

	// hostLocks serializes read-write transactions per host.
	hostLocks sync.Map // host org URL -> *sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New returns a file-backed store rooted at path.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, logger: logging.NewDefaultLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemory returns a store holding everything in memory.
func NewInMemory(opts ...Option) *Store {
	s := New("")
	s.inMemory = true
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open prepares the database.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	popts := &pebble.Options{}
	path := s.path
	if s.inMemory {
		popts.FS = vfs.NewMem()
		path = "oprd-mem"
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		return storage.NewConnectionError("pebblestore.Open",
			fmt.Sprintf("opening pebble database at %s", path), err)
	}
	s.db = db
	s.opened = true
	return nil
}

// Close releases the database.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	if err := s.db.Close(); err != nil {
		return storage.NewConnectionError("pebblestore.Close", "closing pebble database", err)
	}
	return nil
}

func (s *Store) handle() (*pebble.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil, storage.NewConnectionError("pebblestore", "store is not open", storage.ErrStorageClosed)
	}
	return s.db, nil
}

func (s *Store) hostLock(hostOrgURL string) *sync.Mutex {
	l, _ := s.hostLocks.LoadOrStore(hostOrgURL, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// RunTransaction implements storage.Storage.
func (s *Store) RunTransaction(ctx context.Context, hostOrgURL string, typ storage.TxType,
	fn func(ctx context.Context, tx storage.Tx) error) (err error) {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if typ == storage.TxReadOnly {
		snap := db.NewSnapshot()
		tx := &Tx{store: s, host: hostOrgURL, typ: typ, snap: snap}
		defer func() {
			tx.closed = true
			if cerr := snap.Close(); cerr != nil && err == nil {
				err = storage.NewTransactionError("pebblestore.RunTransaction",
					"closing snapshot", cerr)
			}
		}()
		return fn(ctx, tx)
	}

	lock := s.hostLock(hostOrgURL)
	lock.Lock()
	defer lock.Unlock()

	batch := db.NewIndexedBatch()
	tx := &Tx{store: s, host: hostOrgURL, typ: typ, batch: batch}
	defer func() {
		tx.closed = true
		if r := recover(); r != nil {
			batch.Close()
			panic(r)
		}
		if err != nil {
			batch.Close()
			return
		}
		if cerr := batch.Commit(pebble.Sync); cerr != nil {
			err = storage.NewTransactionError("pebblestore.RunTransaction",
				"committing batch", cerr)
		}
	}()
	return fn(ctx, tx)
}

var _ storage.Storage = (*Store)(nil)
