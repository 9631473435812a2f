package fetch

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// DiscoverLinks parses the page body and returns up to max same-origin
// links whose path contains one of the keywords (case-insensitive).
// Results are deduplicated and preserve document order.
func DiscoverLinks(baseURL string, body []byte, keywords []string, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	seen := map[string]bool{canonical(base): true}
	var links []string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(links) >= max {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			if href := attr(n, "href"); href != "" {
				if resolved, ok := resolveLink(base, href, keywords); ok && !seen[resolved] {
					seen[resolved] = true
					links = append(links, resolved)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return links, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// resolveLink resolves href against base and accepts it only when it is a
// same-host http(s) URL whose path matches a keyword.
func resolveLink(base *url.URL, href string, keywords []string) (string, bool) {
	if strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !strings.EqualFold(u.Host, base.Host) {
		return "", false
	}

	path := strings.ToLower(u.Path)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(path, strings.ToLower(kw)) {
			return canonical(u), true
		}
	}
	return "", false
}

// canonical strips fragments and trailing slashes so the same page is not
// snapshotted twice under cosmetically different URLs.
func canonical(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.Path = strings.TrimSuffix(c.Path, "/")
	return c.String()
}
