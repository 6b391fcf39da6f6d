// Package postgres implements the persistence adapters of spec §3/§6
// against PostgreSQL: the event store, the executions projection, the
// workflow catalog, worker records, and schedules. Grounded on
// jordigilh-kubernaut's jmoiron/sqlx + lib/pq stack and its
// goose-managed migrations.
package postgres

import (
	"embed"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to dsn and verifies connectivity with a ping, the same
// construction shape kubernaut's datastorage package uses for its own
// sqlx.DB.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate applies every pending migration under migrations/ via
// goose.Up, the abstract SQL schema of spec §3/§6 expressed as
// versioned files rather than embedded DDL strings.
func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db.DB, "migrations")
}
