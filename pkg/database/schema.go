package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the ledger tables. It is idempotent.
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.WithComponent("database").Info("Creating ledger schema")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}

	db.logger.WithComponent("database").Info("Ledger schema ready")
	return nil
}

var schemaStatements = []string{
	createLedgerStateTable,
	createLedgerSequencesTable,
	createLedgerEventsTable,
	createLedgerEventsIndexes,
}

const (
	createLedgerStateTable = `
		CREATE TABLE IF NOT EXISTS ledger_state (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createLedgerSequencesTable = `
		CREATE TABLE IF NOT EXISTS ledger_sequences (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		);`

	createLedgerEventsTable = `
		CREATE TABLE IF NOT EXISTS ledger_events (
			stream TEXT NOT NULL,
			seq BIGINT NOT NULL,
			id UUID NOT NULL UNIQUE,
			type VARCHAR(64) NOT NULL,
			payload JSONB NOT NULL,
			recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (stream, seq)
		);`

	createLedgerEventsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_ledger_events_type ON ledger_events(type);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_recorded_at ON ledger_events(recorded_at);`
)
