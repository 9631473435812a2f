package fetch

import (
	"testing"
)

var testKeywords = []string{"menu", "specials", "happy-hour"}

func TestDiscoverLinks(t *testing.T) {
	body := []byte(`<html><body>
		<a href="/menu">Menu</a>
		<a href="/about">About</a>
		<a href="https://example.com/specials/">Specials</a>
		<a href="https://other.example/menu">Other site</a>
		<a href="/menu#drinks">Anchor dup</a>
		<a href="/menu">Exact dup</a>
		<a href="mailto:info@example.com">Mail</a>
		<a href="tel:+15551234">Call</a>
		<a href="#top">Top</a>
	</body></html>`)

	links, err := DiscoverLinks("http://example.com", body, testKeywords, 10)
	if err != nil {
		t.Fatalf("DiscoverLinks: %v", err)
	}

	want := []string{"http://example.com/menu", "https://example.com/specials"}
	if len(links) != len(want) {
		t.Fatalf("got %v, want %v", links, want)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("links[%d] = %q, want %q", i, links[i], want[i])
		}
	}
}

func TestDiscoverLinksCaseInsensitiveKeyword(t *testing.T) {
	body := []byte(`<a href="/Happy-Hour/deals">HH</a>`)
	links, err := DiscoverLinks("https://example.com", body, testKeywords, 10)
	if err != nil {
		t.Fatalf("DiscoverLinks: %v", err)
	}
	if len(links) != 1 || links[0] != "https://example.com/Happy-Hour/deals" {
		t.Errorf("links = %v", links)
	}
}

func TestDiscoverLinksCap(t *testing.T) {
	body := []byte(`
		<a href="/menu/1">1</a>
		<a href="/menu/2">2</a>
		<a href="/menu/3">3</a>`)
	links, err := DiscoverLinks("http://example.com", body, testKeywords, 2)
	if err != nil {
		t.Fatalf("DiscoverLinks: %v", err)
	}
	if len(links) != 2 {
		t.Errorf("got %d links, want 2", len(links))
	}
}

func TestDiscoverLinksZeroMax(t *testing.T) {
	links, err := DiscoverLinks("http://example.com", []byte(`<a href="/menu">m</a>`), testKeywords, 0)
	if err != nil {
		t.Fatalf("DiscoverLinks: %v", err)
	}
	if links != nil {
		t.Errorf("got %v, want nil", links)
	}
}

func TestDiscoverLinksExcludesHomepage(t *testing.T) {
	// A nav link back to the homepage itself must not come out as a subpage,
	// even when the homepage URL happens to match a keyword.
	body := []byte(`<a href="/">Home</a><a href="/menu">Menu</a>`)
	links, err := DiscoverLinks("http://example.com/menu", body, testKeywords, 10)
	if err != nil {
		t.Fatalf("DiscoverLinks: %v", err)
	}
	for _, l := range links {
		if l == "http://example.com/menu" {
			t.Errorf("homepage leaked into discovered links: %v", links)
		}
	}
}
