package store

import (
	"database/sql"

	assets "github.com/haatos/runsync"
	"github.com/haatos/runsync/internal"
	"github.com/pressly/goose/v3"
)

func RunMigrations(db *sql.DB) error {
	goose.SetBaseFS(assets.MigrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite"); err != nil {
		return err
	}
	return goose.Up(db, internal.MigrationsDir)
}
