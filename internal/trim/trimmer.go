// Package trim reduces merged venue documents to visible text. It strips
// markup structure, scripts, styles, and hidden elements, keeping page
// titles as a structural hint. PDF pages (menus are often published as
// PDFs) go through plain-text extraction instead.
package trim

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"

	"github.com/plateworks/venuewatch/internal/merge"
)

// Page is the visible-text rendering of one source page.
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// Document is the trimmed counterpart of a merged document, regenerable
// from it at any time.
type Document struct {
	VenueID       string `json:"venue_id"`
	VenueName     string `json:"venue_name"`
	Pages         []Page `json:"pages"`
	OriginalBytes int    `json:"original_bytes"`
	TrimmedBytes  int    `json:"trimmed_bytes"`
}

// Reduction returns the fraction of bytes removed by trimming, in [0, 1].
func (d Document) Reduction() float64 {
	if d.OriginalBytes == 0 {
		return 0
	}
	return 1 - float64(d.TrimmedBytes)/float64(d.OriginalBytes)
}

// CombinedText concatenates all pages with their source URLs, in page
// order. This is the exact text that gets hashed and sent for extraction.
func (d Document) CombinedText() string {
	var sb strings.Builder
	for _, p := range d.Pages {
		sb.WriteString("## ")
		sb.WriteString(p.URL)
		sb.WriteString("\n")
		if p.Title != "" {
			sb.WriteString(p.Title)
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

// Trimmer converts page markup to visible text. Not safe for concurrent
// use; the pipeline trims venues serially.
type Trimmer struct {
	converter *md.Converter
}

func New() *Trimmer {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Trimmer{converter: converter}
}

// Trim produces the trimmed document for a merged document. The transform
// is deterministic: identical input yields byte-identical output. Pages
// that yield no visible text are dropped.
func (t *Trimmer) Trim(doc merge.Document) Document {
	out := Document{VenueID: doc.VenueID, VenueName: doc.VenueName}
	for _, p := range doc.Pages {
		out.OriginalBytes += len(p.Content)

		var page Page
		if isPDF(p) {
			text, err := pdfText(p.Content)
			if err != nil || strings.TrimSpace(text) == "" {
				continue
			}
			page = Page{URL: p.URL, Text: cleanText(text)}
		} else {
			title, text := t.htmlText(p.Content)
			if strings.TrimSpace(text) == "" {
				continue
			}
			page = Page{URL: p.URL, Title: title, Text: text}
		}

		out.TrimmedBytes += len(page.Text)
		out.Pages = append(out.Pages, page)
	}
	return out
}

func isPDF(p merge.Page) bool {
	return strings.Contains(p.ContentType, "application/pdf") || bytes.HasPrefix(p.Content, []byte("%PDF-"))
}

// htmlText extracts the page title and visible text from HTML markup.
func (t *Trimmer) htmlText(content []byte) (title, text string) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return "", ""
	}

	title = findTitle(doc)
	pruneInvisible(doc)

	var sb strings.Builder
	if err := html.Render(&sb, doc); err != nil {
		return title, ""
	}
	markdown, err := t.converter.ConvertString(sb.String())
	if err != nil {
		return title, ""
	}
	return title, cleanText(markdown)
}

func findTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// invisibleTags are elements whose content never renders as page text.
var invisibleTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true,
	"object": true, "embed": true, "svg": true, "form": true,
	"input": true, "button": true, "select": true, "template": true,
	"head": true,
}

// pruneInvisible removes non-content elements and anything hidden via the
// hidden attribute, aria-hidden, or an inline display:none.
func pruneInvisible(n *html.Node) {
	var toRemove []*html.Node
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.ElementNode && (invisibleTags[node.Data] || isHidden(node)) {
			toRemove = append(toRemove, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)

	for _, node := range toRemove {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

func isHidden(n *html.Node) bool {
	for _, a := range n.Attr {
		switch a.Key {
		case "hidden":
			return true
		case "aria-hidden":
			if a.Val == "true" {
				return true
			}
		case "style":
			s := strings.ReplaceAll(strings.ToLower(a.Val), " ", "")
			if strings.Contains(s, "display:none") || strings.Contains(s, "visibility:hidden") {
				return true
			}
		}
	}
	return false
}

// cleanText collapses excessive blank lines and trailing whitespace so
// output stays stable across runs.
func cleanText(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// SizeLabel formats a reduction ratio for logs.
func SizeLabel(d Document) string {
	return fmt.Sprintf("%d -> %d bytes (%.0f%% reduction)", d.OriginalBytes, d.TrimmedBytes, d.Reduction()*100)
}
