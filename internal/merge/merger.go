// Package merge combines all pages fetched for a venue into one document.
// The transform is pure: running it twice on the same snapshot produces
// byte-identical output.
package merge

import "github.com/plateworks/venuewatch/internal/snapshot"

// Page is one source page inside a merged document, with its origin URL
// preserved for later attribution.
type Page struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Hash        string `json:"hash"`
	Content     []byte `json:"content"`
}

// Document is a venue's pages combined, 1:1 with a venue snapshot.
type Document struct {
	VenueID   string `json:"venue_id"`
	VenueName string `json:"venue_name"`
	Pages     []Page `json:"pages"`
}

// Build creates the merged document for a venue. Page order follows the
// snapshot's URL ordering, so output is deterministic.
func Build(venueID, venueName string, snap snapshot.VenueSnapshot) Document {
	doc := Document{
		VenueID:   venueID,
		VenueName: venueName,
		Pages:     make([]Page, 0, len(snap.Pages)),
	}
	for _, p := range snap.Pages {
		doc.Pages = append(doc.Pages, Page{
			URL:         p.URL,
			ContentType: p.ContentType,
			Hash:        p.Hash,
			Content:     p.Content,
		})
	}
	return doc
}
