package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// LegacyStore reads the pre-migration unencrypted SQLite database. It
// is strictly read-only: the migration engine never mutates the legacy
// file, so a failed conversion loses nothing.
type LegacyStore struct {
	path string
	db   *sql.DB
}

// OpenLegacy opens the legacy database at path. The file must already
// exist; this is never the place where one gets created.
func OpenLegacy(path string) (*LegacyStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("legacy database not accessible: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open legacy database: %w", err)
	}

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read legacy database: %w", err)
	}

	return &LegacyStore{path: path, db: db}, nil
}

// Path returns the legacy database file path.
func (l *LegacyStore) Path() string {
	return l.path
}

// TableNames lists the user tables in the legacy database, sorted.
func (l *LegacyStore) TableNames() ([]string, error) {
	rows, err := l.db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tables: %w", err)
	}

	return names, nil
}

// RowCounts returns the number of rows in every user table.
func (l *LegacyStore) RowCounts() (map[string]int, error) {
	names, err := l.TableNames()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(names))
	for _, name := range names {
		var count int
		// Table names come from sqlite_master, not from user input.
		if err = l.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %q`, name)).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", name, err)
		}
		counts[name] = count
	}

	return counts, nil
}

// Snapshot reads every user table into a Tables value inside a single
// read transaction, so the copy is consistent even if the host process
// still has the database open elsewhere.
func (l *LegacyStore) Snapshot() (Tables, error) {
	names, err := l.TableNames()
	if err != nil {
		return nil, err
	}

	tx, err := l.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := make(Tables, len(names))
	for _, name := range names {
		rows, err := l.snapshotTable(tx, name)
		if err != nil {
			return nil, err
		}
		tables[name] = rows
	}

	return tables, nil
}

func (l *LegacyStore) snapshotTable(tx *sql.Tx, name string) ([]json.RawMessage, error) {
	rows, err := tx.Query(fmt.Sprintf(`SELECT * FROM %q`, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", name, err)
	}

	out := make([]json.RawMessage, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}

		if err = rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", name, err)
		}

		record := make(map[string]any, len(columns))
		for i, column := range columns {
			record[column] = normalizeValue(values[i])
		}

		encoded, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("failed to encode row from %s: %w", name, err)
		}
		out = append(out, json.RawMessage(encoded))
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows of %s: %w", name, err)
	}

	return out, nil
}

// normalizeValue maps driver values onto JSON-friendly types. BLOBs
// become strings so the round trip through the container is loss-free
// for text and stable for binary content.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Close releases the underlying database handle.
func (l *LegacyStore) Close() error {
	return l.db.Close()
}
