// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL
// portability, used by the history store's query layer.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Like returns the substring-match operator for the driver, used by the
// instance listing's name filter. Postgres needs ILIKE for the
// case-insensitive behavior SQLite's LIKE already has for ASCII.
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}
