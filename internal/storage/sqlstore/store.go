// Package sqlstore implements storage.Storage on database/sql. Two
// drivers are supported: sqlite (pure Go, the default) and postgres.
//
// Isolation: postgres transactions run SERIALIZABLE; sqlite serializes
// writers natively and read-write transactions additionally take an
// in-process per-host lock so concurrent writers queue instead of
// failing with a busy error.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/LeJamon/goOPRd/internal/logging"
	"github.com/LeJamon/goOPRd/internal/storage"
)

// Driver names accepted by New.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and parameterizes the database driver.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is the driver-specific data source name. For sqlite this is the
	// database file path, or "file::memory:?cache=shared" style URIs for
	// in-memory databases.
	DSN string
	// MaxOpenConns bounds the connection pool. Zero keeps the driver
	// default; sqlite is always capped at one writer connection.
	MaxOpenConns int
}

// Store is the database/sql-backed storage implementation.
type Store struct {
	cfg    Config
	logger logging.Logger

	mu     sync.Mutex
	db     *sql.DB
	opened bool

	// hostLocks serializes sqlite read-write transactions per host.
	hostLocks sync.Map
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New returns an unopened store for cfg.
func New(cfg Config, opts ...Option) (*Store, error) {
	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
	case "":
		return nil, storage.NewConfigurationError("sqlstore.New",
			"no database driver configured", storage.ErrUnknownDriver)
	default:
		return nil, storage.NewConfigurationError("sqlstore.New",
			fmt.Sprintf("unknown database driver %q", cfg.Driver), storage.ErrUnknownDriver)
	}
	if cfg.DSN == "" {
		return nil, storage.NewConfigurationError("sqlstore.New",
			"database DSN is required", storage.ErrMissingConnStr)
	}
	s := &Store{cfg: cfg, logger: logging.NewDefaultLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewInMemory returns a store over a private in-memory sqlite database.
func NewInMemory(opts ...Option) *Store {
	s, err := New(Config{
		Driver: DriverSQLite,
		DSN:    "file:oprdmem?mode=memory&cache=shared",
	}, opts...)
	if err != nil {
		// The fixed config above is valid.
		panic(err)
	}
	return s
}

// Open connects and creates the schema.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	db, err := sql.Open(s.cfg.Driver, s.cfg.DSN)
	if err != nil {
		return storage.NewConnectionError("sqlstore.Open", "opening database", err)
	}
	if s.cfg.Driver == DriverSQLite {
		// modernc sqlite allows one writer; a single connection avoids
		// SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	} else if s.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return storage.NewConnectionError("sqlstore.Open", "pinging database", err)
	}
	if err := s.initSchema(ctx, db); err != nil {
		db.Close()
		return err
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
		return storage.NewConnectionError("sqlstore.Close", "closing database", err)
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS kv (
		host TEXT NOT NULL,
		k TEXT NOT NULL,
		v TEXT NOT NULL,
		PRIMARY KEY (host, k)
	)`,
	`CREATE TABLE IF NOT EXISTS corpus (
		host TEXT NOT NULL,
		producer_org TEXT NOT NULL,
		corpus_id TEXT NOT NULL,
		recorded_at BIGINT NOT NULL,
		is_latest INTEGER NOT NULL,
		PRIMARY KEY (host, producer_org, corpus_id)
	)`,
	`CREATE TABLE IF NOT EXISTS corpus_offer (
		host TEXT NOT NULL,
		producer_org TEXT NOT NULL,
		corpus_id TEXT NOT NULL,
		posting_org TEXT NOT NULL,
		offer_id TEXT NOT NULL,
		update_utc BIGINT NOT NULL,
		chain TEXT NOT NULL,
		PRIMARY KEY (host, producer_org, corpus_id, posting_org, offer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS offer_snapshot (
		host TEXT NOT NULL,
		posting_org TEXT NOT NULL,
		offer_id TEXT NOT NULL,
		update_utc BIGINT NOT NULL,
		expiration_utc BIGINT NOT NULL,
		doc TEXT NOT NULL,
		PRIMARY KEY (host, posting_org, offer_id, update_utc)
	)`,
	`CREATE TABLE IF NOT EXISTS timeline_entry (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		posting_org TEXT NOT NULL,
		offer_id TEXT NOT NULL,
		update_utc BIGINT NOT NULL,
		target_org TEXT NOT NULL,
		start_utc BIGINT NOT NULL,
		end_utc BIGINT NOT NULL,
		is_reservation INTEGER NOT NULL,
		is_rejection INTEGER NOT NULL,
		chain TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS timeline_entry_offer
		ON timeline_entry (host, posting_org, offer_id)`,
	`CREATE TABLE IF NOT EXISTS acceptance (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		posting_org TEXT NOT NULL,
		offer_id TEXT NOT NULL,
		update_utc BIGINT NOT NULL,
		accepting_org TEXT NOT NULL,
		accepted_at BIGINT NOT NULL,
		decoded_chain TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS acceptance_viewer (
		acceptance_id TEXT NOT NULL,
		viewer_org TEXT NOT NULL,
		PRIMARY KEY (acceptance_id, viewer_org)
	)`,
	`CREATE TABLE IF NOT EXISTS producer_metadata (
		host TEXT NOT NULL,
		org TEXT NOT NULL,
		next_run BIGINT NOT NULL,
		last_update BIGINT NOT NULL,
		failure_count INTEGER NOT NULL,
		PRIMARY KEY (host, org)
	)`,
	`CREATE TABLE IF NOT EXISTS known_offering_org (
		host TEXT NOT NULL,
		org TEXT NOT NULL,
		last_seen BIGINT NOT NULL,
		PRIMARY KEY (host, org)
	)`,
}

func (s *Store) initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return storage.NewConnectionError("sqlstore.initSchema",
				"creating schema", err)
		}
	}
	return nil
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil, storage.NewConnectionError("sqlstore", "store is not open", storage.ErrStorageClosed)
	}
	return s.db, nil
}

func (s *Store) hostLock(hostOrgURL string) *sync.Mutex {
	l, _ := s.hostLocks.LoadOrStore(hostOrgURL, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// limitAll renders the driver's unbounded LIMIT clause: sqlite needs a
// LIMIT before OFFSET and spells "no limit" as -1, which postgres rejects.
func (s *Store) limitAll() string {
	if s.cfg.Driver == DriverPostgres {
		return "LIMIT ALL"
	}
	return "LIMIT -1"
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.cfg.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// RunTransaction implements storage.Storage.
func (s *Store) RunTransaction(ctx context.Context, hostOrgURL string, typ storage.TxType,
	fn func(ctx context.Context, tx storage.Tx) error) (err error) {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if typ == storage.TxReadWrite && s.cfg.Driver == DriverSQLite {
		lock := s.hostLock(hostOrgURL)
		lock.Lock()
		defer lock.Unlock()
	}

	opts := &sql.TxOptions{ReadOnly: typ == storage.TxReadOnly}
	if s.cfg.Driver == DriverPostgres {
		opts.Isolation = sql.LevelSerializable
	}
	if s.cfg.Driver == DriverSQLite {
		// modernc sqlite rejects the read-only option; isolation is
		// database-wide there anyway.
		opts = nil
	}
	sqlTx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return wrapSQLError("sqlstore.RunTransaction", "beginning transaction", err)
	}
	tx := &Tx{store: s, host: hostOrgURL, typ: typ, tx: sqlTx}
	defer func() {
		tx.closed = true
		if r := recover(); r != nil {
			sqlTx.Rollback()
			panic(r)
		}
		if err != nil {
			sqlTx.Rollback()
			return
		}
		if cerr := sqlTx.Commit(); cerr != nil {
			err = wrapSQLError("sqlstore.RunTransaction", "committing transaction", cerr)
		}
	}()
	return fn(ctx, tx)
}

// wrapSQLError classifies a database error into the storage taxonomy.
func wrapSQLError(op, message string, err error) *storage.StoreError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "55p03") || strings.Contains(msg, "lock not available"):
		return storage.NewProducerLockedError(op, message)
	case strings.Contains(msg, "could not serialize") || strings.Contains(msg, "40001"):
		return storage.NewTransactionError(op, message, storage.ErrTxSerialization).
			WithCode("TX_SERIALIZATION")
	case strings.Contains(msg, "busy") || strings.Contains(msg, "locked"):
		return storage.NewTransactionError(op, message, err)
	default:
		return storage.NewDataError(op, message, err)
	}
}

var _ storage.Storage = (*Store)(nil)
