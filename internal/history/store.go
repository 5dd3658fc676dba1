// Package history archives device samples in SQLite so the bridge can
// serve recent readings and survive restarts with its last-seen state
// intact. Records are append-only; a retention pruner trims old rows.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/siku2/wavemqtt/internal/wave"
)

// Entry is one archived sample row.
type Entry struct {
	ID        int64           `json:"id"`
	Serial    string          `json:"serial"`
	Name      string          `json:"name"`
	Model     string          `json:"model"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// DeviceSummary aggregates the archive per device.
type DeviceSummary struct {
	Serial   string    `json:"serial"`
	Name     string    `json:"name"`
	Model    string    `json:"model"`
	Samples  int64     `json:"samples"`
	LastSeen time.Time `json:"last_seen"`
}

// Store persists samples. All public methods are safe for concurrent use
// (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle, creating the schema on first
// use. The caller owns driver selection and the handle lifetime.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS samples (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			serial     TEXT NOT NULL,
			name       TEXT NOT NULL,
			model      TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_samples_serial_created
			ON samples(serial, created_at);
		CREATE INDEX IF NOT EXISTS idx_samples_created
			ON samples(created_at);
	`)
	return err
}

// Record archives one sample. The device is keyed by its stable ID
// (serial, or the address when the serial is still unknown).
func (s *Store) Record(ctx context.Context, dev wave.Device, sample wave.Sample) error {
	data, err := json.Marshal(sample.JSON(dev))
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO samples (serial, name, model, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		dev.ID(), dev.Name, string(dev.Model), string(data),
		sample.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record sample for %s: %w", dev.Name, err)
	}
	return nil
}

// Latest returns the newest entry for a device, or nil when the archive
// has none.
func (s *Store) Latest(ctx context.Context, serial string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, serial, name, model, data, created_at
		FROM samples WHERE serial = ?
		ORDER BY created_at DESC LIMIT 1`, serial)

	entry, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest sample for %s: %w", serial, err)
	}
	return &entry, nil
}

// Recent returns up to limit entries, newest first. An empty serial
// spans all devices.
func (s *Store) Recent(ctx context.Context, serial string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if serial == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, serial, name, model, data, created_at
			FROM samples ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, serial, name, model, data, created_at
			FROM samples WHERE serial = ?
			ORDER BY created_at DESC LIMIT ?`, serial, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("recent samples: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("recent samples: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Devices summarizes the archive per device, most recently seen first.
func (s *Store) Devices(ctx context.Context) ([]DeviceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT serial, name, model, COUNT(*), MAX(created_at)
		FROM samples GROUP BY serial ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("device summaries: %w", err)
	}
	defer rows.Close()

	var summaries []DeviceSummary
	for rows.Next() {
		var (
			sum      DeviceSummary
			lastSeen string
		)
		if err := rows.Scan(&sum.Serial, &sum.Name, &sum.Model, &sum.Samples, &lastSeen); err != nil {
			return nil, fmt.Errorf("device summaries: %w", err)
		}
		sum.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Count returns the total number of archived samples.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return n, nil
}

// Prune deletes entries older than the cutoff and reports how many rows
// were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM samples WHERE created_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanEntry(scan func(...any) error) (Entry, error) {
	var (
		entry     Entry
		data      string
		createdAt string
	)
	if err := scan(&entry.ID, &entry.Serial, &entry.Name, &entry.Model, &data, &createdAt); err != nil {
		return Entry{}, err
	}
	entry.Data = json.RawMessage(data)
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return entry, nil
}
