package featurestore

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/akiops/aki-pipeline/internal/errs"
	"github.com/akiops/aki-pipeline/pkg/log"
)

var sqliteDriverRegistered bool

// connect opens the SQLite database at path with query-timing hooks
// installed and a single connection, matching the single-writer
// crash-recovery model SQLite requires under concurrent access.
func connect(path string) (*sqlx.DB, error) {
	if !sqliteDriverRegistered {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &queryHooks{}))
		sqliteDriverRegistered = true
	}

	db, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("%w: opening feature store %q: %v", errs.FatalStartupError, path, err)
	}

	// SQLite does not multithread writers; a second connection would just
	// wait for the first one's lock, so pin this to a single connection
	// and let the in-process per-identity mutex provide the rest of the
	// serialization the store promises.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: pinging feature store %q: %v", errs.StorageFault, path, err)
	}

	log.Infof("featurestore: connected to %s", path)
	return db, nil
}
