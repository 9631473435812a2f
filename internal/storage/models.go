package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Venue is one entry in the externally-maintained venue directory.
// The pipeline only reads venues; they are seeded via `venues import`.
type Venue struct {
	ID      string
	Name    string
	Website string
	Area    string
}

// ExtractionRecord is the stored result of one extraction service call for
// a venue. SourceHash is the hash of the trimmed text that was sent.
// NormalizedSourceHash is the skip key incremental runs compare against.
type ExtractionRecord struct {
	ID                   string
	VenueID              string
	ResultJSON           string
	Found                bool
	Confidence           float64
	SourceHash           string
	NormalizedSourceHash string
	ProcessedAt          time.Time
}
