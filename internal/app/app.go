package app

import (
	"database/sql"
	"fmt"

	"sozledger/internal/config"
	"sozledger/internal/db"
	"sozledger/internal/engine"
	"sozledger/internal/migrate"
)

// Open boots the ledger for a workspace: opens the database, applies
// migrations, and loads sozledger.yml (falling back to defaults when
// the file is absent). Callers own closing the returned *sql.DB.
func Open(workspace string) (*engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return engine.New(conn, cfg), conn, nil
}
