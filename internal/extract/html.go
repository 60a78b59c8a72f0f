// Package extract fetches web pages and reduces them to readable paragraph text.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignatij/goresearch/pkg/research"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 4 << 20
	userAgent       = "goresearch/1.0 (+https://github.com/ignatij/goresearch)"
)

// HTMLExtractor implements research.Extractor with a plain HTTP fetch.
type HTMLExtractor struct {
	http     *http.Client
	maxBytes int64
}

func NewHTMLExtractor(timeout time.Duration) *HTMLExtractor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTMLExtractor{
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxBytes: defaultMaxBytes,
	}
}

// Scrape returns the page title and the text of its <p> elements. Pages without
// paragraphs fall back to the visible body text.
func (e *HTMLExtractor) Scrape(ctx context.Context, url string) (research.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return research.Page{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.http.Do(req)
	if err != nil {
		return research.Page{}, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return research.Page{}, fmt.Errorf("failed to fetch %s: status %d", url, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, e.maxBytes))
	if err != nil {
		return research.Page{}, fmt.Errorf("failed to parse %s: %w", url, err)
	}
	page := Parse(doc)
	page.URL = url
	return page, nil
}

// Parse extracts title and paragraph text from a parsed HTML document.
func Parse(doc *html.Node) research.Page {
	var (
		title      string
		paragraphs []string
		body       *html.Node
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.Title:
				if title == "" {
					title = collapse(text(n))
				}
				return
			case atom.Body:
				body = n
			case atom.P:
				if t := collapse(text(n)); t != "" {
					paragraphs = append(paragraphs, t)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	content := strings.Join(paragraphs, "\n\n")
	if content == "" && body != nil {
		content = collapse(text(body))
	}
	return research.Page{
		Title:     title,
		Content:   content,
		WordCount: len(strings.Fields(content)),
	}
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
