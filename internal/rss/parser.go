package rss

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	xpp "github.com/mmcdole/goxpp"
	"golang.org/x/net/html/charset"
)

var declaredEncoding = regexp.MustCompile(`^\x{FEFF}?\s*<\?xml[^>]*\bencoding\s*=\s*["']([^"']+)["']`)

var (
	// ErrMalformed reports a document that is not well-formed enough to walk.
	ErrMalformed = errors.New("malformed feed document")
	// ErrUnrecognized reports a document with neither item nor entry elements.
	ErrUnrecognized = errors.New("unrecognized feed format")
)

// Source is a configured feed endpoint.
type Source struct {
	Name    string `hcl:",key" json:"name"`
	FeedURL string `hcl:"url" json:"url"`
}

// ParsedArticle is a normalized feed entry before it enters the window.
type ParsedArticle struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	Source    string `json:"source"`
	SourceURL string `json:"sourceUrl"`
}

// Format is the structure detected in a feed document.
type Format int

const (
	// FormatUnrecognized means neither item nor entry elements were found.
	FormatUnrecognized Format = iota
	// FormatRSS means item elements were found.
	FormatRSS
	// FormatAtom means entry elements were found and no item elements.
	FormatAtom
)

// String returns the lowercase format name.
func (f Format) String() string {
	switch f {
	case FormatRSS:
		return "rss"
	case FormatAtom:
		return "atom"
	default:
		return "unrecognized"
	}
}

// node is a minimal element tree; feeds are small enough to hold whole.
type node struct {
	name     string
	attrs    []xml.Attr
	children []*node
	// segments keeps character data and child elements in document order.
	segments []segment
}

type segment struct {
	text  string
	child *node
}

func (n *node) attr(name string) string {
	for _, a := range n.attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (n *node) child(name string) *node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *node) childrenNamed(name string) []*node {
	var out []*node
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// innerText concatenates the character data of n and its descendants.
func (n *node) innerText() string {
	var b strings.Builder
	for _, seg := range n.segments {
		if seg.child != nil {
			b.WriteString(seg.child.innerText())
			continue
		}
		b.WriteString(seg.text)
	}
	return b.String()
}

// detection is the tagged result of inspecting a document once: the format
// and the item or entry elements it applies to.
type detection struct {
	format  Format
	entries []*node
}

// Parse extracts the articles of one fetched document. The error explains
// why nothing could be extracted; callers that only want articles can
// ignore it since the slice is empty whenever err is non-nil.
func Parse(doc []byte, src Source) ([]ParsedArticle, error) {
	root, err := decode(doc)
	if err != nil {
		return nil, err
	}

	d := detect(root)
	switch d.format {
	case FormatRSS:
		return rssArticles(d.entries, src), nil
	case FormatAtom:
		return atomArticles(d.entries, src), nil
	default:
		return nil, ErrUnrecognized
	}
}

// Detect reports the structural format of doc.
func Detect(doc []byte) (Format, error) {
	root, err := decode(doc)
	if err != nil {
		return FormatUnrecognized, err
	}
	return detect(root).format, nil
}

func decode(doc []byte) (*node, error) {
	p := xpp.NewXMLPullParser(bytes.NewReader(repairUTF8(doc)), false, charset.NewReaderLabel)
	root := &node{}
	stack := []*node{root}

	for {
		event, err := p.Next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch event {
		case xpp.StartTag:
			n := &node{name: strings.ToLower(p.Name), attrs: p.Attrs}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, n)
			parent.segments = append(parent.segments, segment{child: n})
			stack = append(stack, n)
		case xpp.EndTag:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xpp.Text:
			cur := stack[len(stack)-1]
			cur.segments = append(cur.segments, segment{text: p.Text})
		case xpp.EndDocument:
			if len(root.children) == 0 {
				return nil, fmt.Errorf("%w: no root element", ErrMalformed)
			}
			return root, nil
		}
	}
}

// repairUTF8 replaces invalid byte sequences with U+FFFD in documents that
// are UTF-8 by declaration or default. Other declared charsets are left to
// the charset reader.
func repairUTF8(doc []byte) []byte {
	if utf8.Valid(doc) || bytes.HasPrefix(doc, []byte{0xFE, 0xFF}) || bytes.HasPrefix(doc, []byte{0xFF, 0xFE}) {
		return doc
	}
	if m := declaredEncoding.FindSubmatch(doc); m != nil {
		switch strings.ToLower(string(m[1])) {
		case "utf-8", "utf8":
		default:
			return doc
		}
	}
	return bytes.ToValidUTF8(doc, []byte("\uFFFD"))
}

func detect(root *node) detection {
	if items := collect(root, "item"); len(items) > 0 {
		return detection{format: FormatRSS, entries: items}
	}
	if entries := collect(root, "entry"); len(entries) > 0 {
		return detection{format: FormatAtom, entries: entries}
	}
	return detection{format: FormatUnrecognized}
}

// collect finds elements called name at any depth without descending into
// a match.
func collect(n *node, name string) []*node {
	var out []*node
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
			continue
		}
		out = append(out, collect(c, name)...)
	}
	return out
}

func rssArticles(items []*node, src Source) []ParsedArticle {
	articles := make([]ParsedArticle, 0, len(items))
	for _, item := range items {
		link := rssLink(item)
		if link == "" {
			continue
		}
		title := fieldText(item, "title")
		if title == "" {
			title = src.Name
		}
		snippet := fieldText(item, "description")
		if snippet == "" {
			// content:encoded
			snippet = fieldText(item, "encoded")
		}
		articles = append(articles, newArticle(link, title, snippet, src))
	}
	return articles
}

func rssLink(item *node) string {
	links := item.childrenNamed("link")
	for _, l := range links {
		if v := strings.TrimSpace(Normalize(l.innerText())); v != "" {
			return v
		}
	}
	for _, l := range links {
		if v := strings.TrimSpace(l.attr("href")); v != "" {
			return v
		}
	}
	return ""
}

func atomArticles(entries []*node, src Source) []ParsedArticle {
	articles := make([]ParsedArticle, 0, len(entries))
	for _, entry := range entries {
		link := atomLink(entry)
		title := fieldText(entry, "title")
		if link == "" || title == "" {
			continue
		}
		snippet := fieldText(entry, "content")
		if snippet == "" {
			snippet = fieldText(entry, "summary")
		}
		articles = append(articles, newArticle(link, title, snippet, src))
	}
	return articles
}

// atomLink prefers the alternate relation, then falls back to the first
// link element.
func atomLink(entry *node) string {
	links := entry.childrenNamed("link")
	if len(links) == 0 {
		return ""
	}
	for _, l := range links {
		rel := strings.TrimSpace(l.attr("rel"))
		if rel == "" || rel == "alternate" {
			if href := strings.TrimSpace(l.attr("href")); href != "" {
				return href
			}
		}
	}
	return strings.TrimSpace(links[0].attr("href"))
}

func fieldText(parent *node, name string) string {
	c := parent.child(name)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(Normalize(c.innerText()))
}

func newArticle(link, title, snippet string, src Source) ParsedArticle {
	return ParsedArticle{
		ID:        HashURL(link),
		URL:       link,
		Title:     title,
		Snippet:   snippet,
		Source:    src.Name,
		SourceURL: src.FeedURL,
	}
}
