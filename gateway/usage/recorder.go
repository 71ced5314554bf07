// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"database/sql"
	"log"

	_ "github.com/lib/pq"
)

// Recorder writes usage events to the billing database. The database is
// the durable ledger and lives outside this core; writes here are
// best-effort and never block or fail the request path.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder over an open billing database handle.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// OpenRecorder connects to the billing database by DSN.
func OpenRecorder(dsn string) (*Recorder, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return NewRecorder(db), nil
}

// Record inserts one usage event. Errors are logged, not returned to
// the request path; the returned error exists for tests and retries.
func (r *Recorder) Record(event Event) error {
	_, err := r.db.Exec(`
		INSERT INTO usage_events (
			event_id, workspace_id, provider, model,
			input_tokens, output_tokens, total_tokens,
			cost_usd, price_usd, estimated, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, event.ID, event.WorkspaceID, event.Provider, event.Model,
		event.InputTokens, event.OutputTokens, event.TotalTokens(),
		event.CostUSD, event.PriceUSD, event.Estimated, event.Timestamp)

	if err != nil {
		log.Printf("[USAGE] Failed to record usage event: %v", err)
	}

	return err
}

// Close releases the database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}
