// Package database opens the read-only connection to the source
// appointment database, generalized to take an explicit connection
// timeout that bounds both the connect and the startup ping.
package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/config"
)

// Open connects to the source Postgres database using the source
// section of Config, verifying liveness with a bounded ping.
func Open(cfg config.SourceConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=%d",
		cfg.Server, cfg.Port, cfg.Username, cfg.Password, cfg.Database,
		int(cfg.ConnectionTimeout.Seconds()),
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping source database: %w", err)
	}

	return db, nil
}

// Close closes db, tolerating a nil handle.
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
