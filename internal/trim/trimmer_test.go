package trim

import (
	"strings"
	"testing"

	"github.com/plateworks/venuewatch/internal/merge"
)

const samplePage = `<html>
<head>
  <title>The Blue Door</title>
  <script>window.track("abc123")</script>
  <style>body { color: red }</style>
</head>
<body>
  <div style="display: none">hidden promo</div>
  <div aria-hidden="true">decoration</div>
  <h1>Happy Hour</h1>
  <p>Half-price drafts, Mon-Fri 4-6pm.</p>
  <form><input name="email"><button>Subscribe</button></form>
</body>
</html>`

func mergedDoc(pages ...merge.Page) merge.Document {
	return merge.Document{VenueID: "v1", VenueName: "The Blue Door", Pages: pages}
}

func TestTrimStripsInvisibleContent(t *testing.T) {
	tr := New()
	doc := tr.Trim(mergedDoc(merge.Page{
		URL:         "https://bluedoor.example",
		ContentType: "text/html",
		Content:     []byte(samplePage),
	}))

	if len(doc.Pages) != 1 {
		t.Fatalf("got %d pages, want 1", len(doc.Pages))
	}
	p := doc.Pages[0]
	if p.Title != "The Blue Door" {
		t.Errorf("Title = %q", p.Title)
	}
	for _, gone := range []string{"window.track", "color: red", "hidden promo", "decoration", "Subscribe"} {
		if strings.Contains(p.Text, gone) {
			t.Errorf("trimmed text still contains %q", gone)
		}
	}
	for _, kept := range []string{"Happy Hour", "Half-price drafts"} {
		if !strings.Contains(p.Text, kept) {
			t.Errorf("trimmed text lost %q", kept)
		}
	}
	if doc.Reduction() <= 0 {
		t.Errorf("Reduction = %v, want > 0", doc.Reduction())
	}
}

func TestTrimDeterministic(t *testing.T) {
	tr := New()
	in := mergedDoc(merge.Page{URL: "u", ContentType: "text/html", Content: []byte(samplePage)})
	first := tr.Trim(in)
	second := tr.Trim(in)
	if first.CombinedText() != second.CombinedText() {
		t.Error("Trim output differs between identical runs")
	}
}

func TestTrimDropsEmptyPages(t *testing.T) {
	tr := New()
	doc := tr.Trim(mergedDoc(
		merge.Page{URL: "empty", ContentType: "text/html", Content: []byte("<html><script>x()</script></html>")},
		merge.Page{URL: "real", ContentType: "text/html", Content: []byte("<html><body>Tap list</body></html>")},
	))
	if len(doc.Pages) != 1 || doc.Pages[0].URL != "real" {
		t.Errorf("empty page not dropped: %+v", doc.Pages)
	}
}

func TestTrimBrokenPDFDoesNotPanic(t *testing.T) {
	tr := New()
	doc := tr.Trim(mergedDoc(merge.Page{
		URL:         "https://bluedoor.example/menu.pdf",
		ContentType: "application/pdf",
		Content:     []byte("%PDF-1.4 this is not a real pdf"),
	}))
	if len(doc.Pages) != 0 {
		t.Errorf("broken PDF yielded pages: %+v", doc.Pages)
	}
}

func TestCombinedTextFormat(t *testing.T) {
	doc := Document{
		Pages: []Page{
			{URL: "https://a.example", Title: "A", Text: "alpha"},
			{URL: "https://b.example", Text: "beta"},
		},
	}
	want := "## https://a.example\nA\nalpha\n\n## https://b.example\nbeta\n\n"
	if got := doc.CombinedText(); got != want {
		t.Errorf("CombinedText = %q, want %q", got, want)
	}
}

func TestReductionEmptyDocument(t *testing.T) {
	if r := (Document{}).Reduction(); r != 0 {
		t.Errorf("Reduction of empty document = %v", r)
	}
}
