// Package snapshot persists fetched pages and derived documents on disk.
// Every write goes through a temp-file-then-rename so a concurrent reader
// or a crashed process never observes a half-written file.
package snapshot

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Generation selects which snapshot set to read: today's working set or
// the previous day's archive.
type Generation string

const (
	Today    Generation = "today"
	Previous Generation = "previous"
)

// Page is one fetched page for a venue. Hash is the SHA-256 of Content and
// never recomputed after write.
type Page struct {
	URL         string    `json:"url"`
	ContentType string    `json:"content_type,omitempty"`
	Hash        string    `json:"hash"`
	FetchedAt   time.Time `json:"fetched_at"`
	Content     []byte    `json:"content"`
}

// VenueSnapshot is every page fetched for one venue on one day, ordered by
// URL. Pages are unique by URL within a snapshot.
type VenueSnapshot struct {
	VenueID string
	Pages   []Page
}

// ContentHash returns the SHA-256 hex digest of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Store lays out snapshot and derived-document directories under a root
// data directory:
//
//	snapshots/current_date
//	snapshots/today/<venue>/<urlkey>.json
//	snapshots/previous/<venue>/<urlkey>.json
//	derived/<kind>/<venue>.json
type Store struct {
	root string
}

func New(dataDir string) *Store {
	return &Store{root: dataDir}
}

func (s *Store) genDir(gen Generation) string {
	return filepath.Join(s.root, "snapshots", string(gen))
}

func (s *Store) venueDir(gen Generation, venueID string) string {
	return filepath.Join(s.genDir(gen), venueID)
}

func (s *Store) markerPath() string {
	return filepath.Join(s.root, "snapshots", "current_date")
}

// urlKey produces a stable filename for a page URL.
func urlKey(url string) string {
	sum := sha1.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// WritePage stores a page in today's set, replacing any existing snapshot
// of the same venue+URL.
func (s *Store) WritePage(venueID string, p Page) error {
	if p.Hash == "" {
		p.Hash = ContentHash(p.Content)
	}
	dir := s.venueDir(Today, venueID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating venue directory: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding page snapshot: %w", err)
	}
	return atomicWrite(filepath.Join(dir, urlKey(p.URL)+".json"), data)
}

// HasPage reports whether today's set already holds a snapshot for the
// venue+URL. The archiver rotates the set on day rollover, so presence in
// today's set means the page was fetched during the current run date and
// the network fetch can be skipped.
func (s *Store) HasPage(venueID, url string) bool {
	_, err := os.Stat(filepath.Join(s.venueDir(Today, venueID), urlKey(url)+".json"))
	return err == nil
}

// ReadPage loads a single page snapshot from today's set.
func (s *Store) ReadPage(venueID, url string) (Page, error) {
	data, err := os.ReadFile(filepath.Join(s.venueDir(Today, venueID), urlKey(url)+".json"))
	if err != nil {
		return Page{}, err
	}
	var p Page
	if err := json.Unmarshal(data, &p); err != nil {
		return Page{}, fmt.Errorf("decoding page snapshot: %w", err)
	}
	return p, nil
}

// ReadVenueSnapshot loads all pages for a venue from the given generation.
// A venue with no directory yields an empty snapshot, not an error.
func (s *Store) ReadVenueSnapshot(gen Generation, venueID string) (VenueSnapshot, error) {
	snap := VenueSnapshot{VenueID: venueID}
	dir := s.venueDir(gen, venueID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("reading venue directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return snap, fmt.Errorf("reading page snapshot %s: %w", entry.Name(), err)
		}
		var p Page
		if err := json.Unmarshal(data, &p); err != nil {
			// Quarantine rather than propagate: a malformed snapshot is
			// dropped from the set and will be refetched next day.
			continue
		}
		snap.Pages = append(snap.Pages, p)
	}

	sort.Slice(snap.Pages, func(i, j int) bool {
		return snap.Pages[i].URL < snap.Pages[j].URL
	})
	return snap, nil
}

// VenueIDs lists the venues present in a generation.
func (s *Store) VenueIDs(gen Generation) ([]string, error) {
	entries, err := os.ReadDir(s.genDir(gen))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CurrentDate returns the run date today's set belongs to, or "" if no
// set has been initialized yet.
func (s *Store) CurrentDate() string {
	data, err := os.ReadFile(s.markerPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Rotate archives today's set when runDate differs from the date marker:
// the old previous set is renamed aside, today becomes previous, and a
// fresh today directory is created. Same-date invocations are a no-op.
// All moves are renames so a crash cannot leave a half-copied archive.
// The previous set is only replaced when a today set exists to take its
// place: after a crash between the renames and the marker write, today is
// already gone and previous holds the just-archived set — re-rotating
// must not push that baseline into the trash.
func (s *Store) Rotate(runDate string) (bool, error) {
	if s.CurrentDate() == runDate {
		return false, nil
	}

	today := s.genDir(Today)
	previous := s.genDir(Previous)
	trash := previous + ".old"

	if _, err := os.Stat(today); err == nil {
		if err := os.RemoveAll(trash); err != nil {
			return false, fmt.Errorf("clearing stale archive: %w", err)
		}
		if _, err := os.Stat(previous); err == nil {
			if err := os.Rename(previous, trash); err != nil {
				return false, fmt.Errorf("moving previous archive aside: %w", err)
			}
		}
		if err := os.Rename(today, previous); err != nil {
			return false, fmt.Errorf("archiving today's snapshots: %w", err)
		}
	}
	if err := os.MkdirAll(today, 0o755); err != nil {
		return false, fmt.Errorf("creating today directory: %w", err)
	}
	if err := atomicWrite(s.markerPath(), []byte(runDate+"\n")); err != nil {
		return false, fmt.Errorf("writing date marker: %w", err)
	}
	os.RemoveAll(trash)
	return true, nil
}

// --- Derived documents ---

// WriteDerived stores a regenerable per-venue document (merged or trimmed)
// as JSON under derived/<kind>/.
func (s *Store) WriteDerived(kind, venueID string, v any) error {
	dir := filepath.Join(s.root, "derived", kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating derived directory: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s document: %w", kind, err)
	}
	return atomicWrite(filepath.Join(dir, venueID+".json"), data)
}

// ReadDerived loads a derived document into v. Returns os.ErrNotExist-
// wrapped errors when the document has not been generated.
func (s *Store) ReadDerived(kind, venueID string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.root, "derived", kind, venueID+".json"))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s document for %s: %w", kind, venueID, err)
	}
	return nil
}

// HasDerived reports whether a derived document exists for the venue.
func (s *Store) HasDerived(kind, venueID string) bool {
	_, err := os.Stat(filepath.Join(s.root, "derived", kind, venueID+".json"))
	return err == nil
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by a rename.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
