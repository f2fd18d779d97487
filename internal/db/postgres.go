package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres opens a PostgreSQL database connection using pgx.
//
// When maxConns or minConns are 0 they default to 32 and 8: a worker runs
// two per-kind dispatcher pools of concurrent work items, each turn
// holding one connection for its history stream plus a short write
// transaction, and the client API polls on top of that. 32 keeps a fully
// loaded worker from exhausting the pool; the retained idle connections
// let a burst of turns skip reconnect latency.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 32
	}
	if minConns <= 0 {
		minConns = 8
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}
