package merge

import (
	"reflect"
	"testing"

	"github.com/plateworks/venuewatch/internal/snapshot"
)

func TestBuild(t *testing.T) {
	snap := snapshot.VenueSnapshot{
		VenueID: "v1",
		Pages: []snapshot.Page{
			{URL: "https://v1.example", ContentType: "text/html", Hash: "h1", Content: []byte("home")},
			{URL: "https://v1.example/menu", ContentType: "text/html", Hash: "h2", Content: []byte("menu")},
		},
	}

	doc := Build("v1", "Venue One", snap)
	if doc.VenueID != "v1" || doc.VenueName != "Venue One" {
		t.Errorf("identity fields wrong: %+v", doc)
	}
	if len(doc.Pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(doc.Pages))
	}
	if doc.Pages[0].URL != "https://v1.example" || doc.Pages[1].URL != "https://v1.example/menu" {
		t.Errorf("page order does not follow snapshot order: %+v", doc.Pages)
	}
	if doc.Pages[1].Hash != "h2" || string(doc.Pages[1].Content) != "menu" {
		t.Errorf("page fields wrong: %+v", doc.Pages[1])
	}
}

func TestBuildDeterministic(t *testing.T) {
	snap := snapshot.VenueSnapshot{
		VenueID: "v1",
		Pages: []snapshot.Page{
			{URL: "a", Hash: "h1", Content: []byte("x")},
			{URL: "b", Hash: "h2", Content: []byte("y")},
		},
	}
	first := Build("v1", "V", snap)
	second := Build("v1", "V", snap)
	if !reflect.DeepEqual(first, second) {
		t.Error("Build is not deterministic for identical input")
	}
}

func TestBuildEmptySnapshot(t *testing.T) {
	doc := Build("v1", "V", snapshot.VenueSnapshot{VenueID: "v1"})
	if len(doc.Pages) != 0 {
		t.Errorf("got %d pages for empty snapshot", len(doc.Pages))
	}
}
