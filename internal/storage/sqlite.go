package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the venue directory and the
// extraction records that persist across runs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "venuewatch.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Venues ---

// UpsertVenue inserts or replaces a venue directory entry.
func (s *Store) UpsertVenue(v Venue) error {
	_, err := s.db.Exec(`
		INSERT INTO venues (id, name, website, area) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, website = excluded.website, area = excluded.area`,
		v.ID, v.Name, v.Website, v.Area,
	)
	return err
}

func (s *Store) GetVenue(id string) (Venue, error) {
	var v Venue
	err := s.db.QueryRow(`SELECT id, name, website, area FROM venues WHERE id = ?`, id).
		Scan(&v.ID, &v.Name, &v.Website, &v.Area)
	if err == sql.ErrNoRows {
		return Venue{}, ErrNotFound
	}
	return v, err
}

// ListVenues returns venues ordered by id. An empty area returns all venues.
func (s *Store) ListVenues(area string) ([]Venue, error) {
	query := `SELECT id, name, website, area FROM venues ORDER BY id ASC`
	args := []any{}
	if area != "" {
		query = `SELECT id, name, website, area FROM venues WHERE area = ? ORDER BY id ASC`
		args = append(args, area)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var venues []Venue
	for rows.Next() {
		var v Venue
		if err := rows.Scan(&v.ID, &v.Name, &v.Website, &v.Area); err != nil {
			return nil, err
		}
		venues = append(venues, v)
	}
	return venues, rows.Err()
}

// --- Extraction records ---

// SaveExtractionRecord stores the result of an extraction call, replacing
// any earlier record for the same venue.
func (s *Store) SaveExtractionRecord(r ExtractionRecord) error {
	found := 0
	if r.Found {
		found = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO extraction_records (id, venue_id, result_json, found, confidence, source_hash, normalized_source_hash, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(venue_id) DO UPDATE SET
			id = excluded.id,
			result_json = excluded.result_json,
			found = excluded.found,
			confidence = excluded.confidence,
			source_hash = excluded.source_hash,
			normalized_source_hash = excluded.normalized_source_hash,
			processed_at = excluded.processed_at`,
		r.ID, r.VenueID, r.ResultJSON, found, r.Confidence,
		r.SourceHash, r.NormalizedSourceHash, r.ProcessedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetExtractionRecord returns the most recent record for a venue.
func (s *Store) GetExtractionRecord(venueID string) (ExtractionRecord, error) {
	var r ExtractionRecord
	var found int
	var processedAt string
	err := s.db.QueryRow(`
		SELECT id, venue_id, result_json, found, confidence, source_hash, normalized_source_hash, processed_at
		FROM extraction_records WHERE venue_id = ?`, venueID,
	).Scan(&r.ID, &r.VenueID, &r.ResultJSON, &found, &r.Confidence, &r.SourceHash, &r.NormalizedSourceHash, &processedAt)
	if err == sql.ErrNoRows {
		return ExtractionRecord{}, ErrNotFound
	}
	if err != nil {
		return ExtractionRecord{}, err
	}
	r.Found = found != 0
	t, err := time.Parse(time.RFC3339, processedAt)
	if err != nil {
		return ExtractionRecord{}, fmt.Errorf("parsing processed_at: %w", err)
	}
	r.ProcessedAt = t
	return r, nil
}

// CountExtractionRecords reports how many venues have ever been extracted.
func (s *Store) CountExtractionRecords() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM extraction_records`).Scan(&n)
	return n, err
}
