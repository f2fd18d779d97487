package db

import "github.com/jmoiron/sqlx"

// Pool provides separate read and write database connections for the
// history store.
//
// A worker's storage traffic is read-heavy: every orchestration turn
// streams the instance's full history before its handful of commit writes,
// and client polling (WaitForCompletion, listings) reads the instance
// table continuously. With SQLite in WAL mode the reader pool serves those
// scans from WAL snapshots while the single writer connection serializes
// turn commits, so replay never queues behind another instance's commit.
//
// For PostgreSQL, both Writer and Reader return the same *sqlx.DB since
// pgx handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// OpenSQLitePool opens the writer and reader halves of a SQLite-backed
// Pool for the database at dbPath.
func OpenSQLitePool(dbPath string) (*Pool, error) {
	writer, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
}

// Writer returns the connection pool used for history appends, state-row
// merges, and purge transactions. For SQLite this is limited to a single
// connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for history streaming and
// instance queries. For SQLite this opens multiple read-only connections
// that operate concurrently with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
