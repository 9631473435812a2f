// Package delta classifies day-over-day venue changes. The raw comparison
// is a cheap byte-level filter; the normalized hash is the authoritative
// gate that decides whether a venue is worth an extraction call.
package delta

import "github.com/plateworks/venuewatch/internal/snapshot"

// Status classifies one venue's day-over-day outcome.
type Status string

const (
	StatusNew         Status = "new"
	StatusChanged     Status = "changed"
	StatusUnchanged   Status = "unchanged"
	StatusUnreachable Status = "unreachable"
)

// ChangeRecord is the outcome of comparing today against the previous
// archive for one venue. It lives only for the duration of a run.
type ChangeRecord struct {
	VenueID      string
	Status       Status
	ChangedPages int
}

// CompareRaw compares page content hashes between today's snapshot and the
// previous day's archive. It deliberately over-triggers on cosmetic churn;
// its only job is to skip venues that are byte-identical to yesterday.
func CompareRaw(today, previous snapshot.VenueSnapshot) ChangeRecord {
	rec := ChangeRecord{VenueID: today.VenueID}

	if len(today.Pages) == 0 {
		rec.Status = StatusUnreachable
		return rec
	}
	if len(previous.Pages) == 0 {
		rec.Status = StatusNew
		rec.ChangedPages = len(today.Pages)
		return rec
	}

	prevHashes := make(map[string]string, len(previous.Pages))
	for _, p := range previous.Pages {
		prevHashes[p.URL] = p.Hash
	}

	for _, p := range today.Pages {
		if prevHashes[p.URL] != p.Hash {
			rec.ChangedPages++
		}
	}
	if rec.ChangedPages > 0 || len(today.Pages) != len(previous.Pages) {
		rec.Status = StatusChanged
		return rec
	}

	rec.Status = StatusUnchanged
	return rec
}
