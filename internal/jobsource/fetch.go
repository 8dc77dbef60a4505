package jobsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/kalambet/jobpipe/internal/fault"
)

const (
	maxPageSize     = 5 << 20 // 5MB
	minJobTextChars = 50
	defaultTimeout  = 15 * time.Second
	userAgent       = "Mozilla/5.0 (compatible; jobpipe/1.0)"
	maxRedirects    = 10
)

// Fetcher downloads a job posting page and extracts its description text.
type Fetcher struct {
	client *http.Client
}

// NewFetcher returns a Fetcher using a copy of client, or a client with a
// 15s timeout when client is nil. Redirects are only followed to LinkedIn
// hosts.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	c := *client
	c.CheckRedirect = checkRedirect
	return &Fetcher{client: &c}
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" || !isLinkedInHost(req.URL.Hostname()) {
		return fmt.Errorf("redirect to %s leaves LinkedIn", req.URL.Host)
	}
	return nil
}

// Fetch returns the job description text at rawURL, which callers check with
// ValidateURL first. Every failure, including a page without usable text, is a
// job_url_unfetchable provider error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", unfetchable(err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", unfetchable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", unfetchable(fmt.Errorf("url returned status %d", resp.StatusCode))
	}

	text, err := ExtractText(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return "", unfetchable(err)
	}
	if len([]rune(text)) < minJobTextChars {
		return "", unfetchable(fmt.Errorf("page has no job description"))
	}
	return text, nil
}

func unfetchable(err error) error {
	return fault.Wrap(fault.Provider, CodeUnfetchable, err)
}

// ExtractText returns the readable text of an HTML document. When the page
// has an element whose class names a job description, only that element is
// used. Script, style and navigation content is skipped.
func ExtractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	root := findDescription(doc)
	if root == nil {
		root = findElement(doc, "body")
	}
	if root == nil {
		root = doc
	}

	var sb strings.Builder
	collectText(root, &sb)
	return normalizeSpace(sb.String()), nil
}

var descriptionClasses = []string{
	"show-more-less-html__markup",
	"description__text",
	"jobs-description",
	"job-description",
}

func findDescription(n *html.Node) *html.Node {
	if n.Type == html.ElementNode {
		class := attr(n, "class")
		for _, c := range descriptionClasses {
			if strings.Contains(class, c) {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findDescription(c); found != nil {
			return found
		}
	}
	return nil
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

var skipped = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"nav": true, "header": true, "footer": true, "svg": true, "button": true,
}

var blocks = map[string]bool{
	"p": true, "div": true, "li": true, "br": true, "section": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "ul": true, "ol": true, "tr": true,
}

func collectText(n *html.Node, sb *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.ElementNode:
		if skipped[n.Data] {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
	if n.Type == html.ElementNode && blocks[n.Data] {
		sb.WriteString("\n")
	}
}

// normalizeSpace collapses runs of blanks inside lines and drops empty lines.
func normalizeSpace(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
