package store

import (
	"database/sql"
	"runtime"

	"github.com/haatos/runsync/internal/settings"

	_ "modernc.org/sqlite"
)

func InitDatabase(as *settings.AppSettings, readonly bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite", as.SQLiteDbString(readonly))
	if err != nil {
		return nil, err
	}

	if readonly {
		db.SetMaxOpenConns(max(4, runtime.NumCPU()))
	} else {
		if _, err := db.Exec("PRAGMA temp_store=memory"); err != nil {
			return nil, err
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
	}

	return db, nil
}
