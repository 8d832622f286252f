package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	nsContent = "http://purl.org/rss/1.0/modules/content/"
	nsDC      = "http://purl.org/dc/elements/1.1/"
	nsAtom    = "http://www.w3.org/2005/Atom"

	epubMIME  = "application/epub+zip"
	generator = "epubfeed"
)

type channelMeta struct {
	Title       string
	Link        string
	Description string
	SelfURL     string
}

type rssDoc struct {
	XMLName   xml.Name   `xml:"rss"`
	Version   string     `xml:"version,attr"`
	ContentNS string     `xml:"xmlns:content,attr"`
	DCNS      string     `xml:"xmlns:dc,attr"`
	AtomNS    string     `xml:"xmlns:atom,attr"`
	Channel   rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	AtomLink      *atomLink `xml:"atom:link,omitempty"`
	Generator     string    `xml:"generator"`
	LastBuildDate string    `xml:"lastBuildDate,omitempty"`
	Items         []rssItem `xml:"item"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

type rssItem struct {
	Title       string        `xml:"title"`
	Link        string        `xml:"link"`
	GUID        rssGUID       `xml:"guid"`
	Description cdata         `xml:"description"`
	Content     cdata         `xml:"content:encoded"`
	PubDate     string        `xml:"pubDate"`
	Date        string        `xml:"dc:date"`
	Category    string        `xml:"category,omitempty"`
	Enclosure   *rssEnclosure `xml:"enclosure"`
	Source      string        `xml:"dc:source,omitempty"`
}

type rssGUID struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Length string `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

type cdata struct {
	Text string `xml:",cdata"`
}

// renderRSS renders entries, already ordered and trimmed, as RSS 2.0.
func renderRSS(meta channelMeta, entries []Entry) ([]byte, error) {
	doc := rssDoc{
		Version:   "2.0",
		ContentNS: nsContent,
		DCNS:      nsDC,
		AtomNS:    nsAtom,
		Channel: rssChannel{
			Title:       meta.Title,
			Link:        meta.Link,
			Description: meta.Description,
			Generator:   generator,
		},
	}
	if meta.SelfURL != "" {
		doc.Channel.AtomLink = &atomLink{Href: meta.SelfURL, Rel: "self", Type: "application/rss+xml"}
	}
	if len(entries) > 0 {
		// Newest entry, so that replaying an upsert renders the same bytes.
		doc.Channel.LastBuildDate = entries[0].CreatedAt.Format(time.RFC1123Z)
	}

	doc.Channel.Items = make([]rssItem, 0, len(entries))
	for _, e := range entries {
		item := rssItem{
			Title:       xmlText(e.Title),
			Link:        xmlText(e.link()),
			GUID:        rssGUID{IsPermaLink: "false", Value: e.ID},
			Description: cdata{Text: xmlText(e.Excerpt)},
			Content:     cdata{Text: xmlText(e.content())},
			PubDate:     e.CreatedAt.Format(time.RFC1123Z),
			Date:        e.CreatedAt.Format(time.RFC3339Nano),
			Category:    string(e.Status),
			Source:      xmlText(e.SourceURL),
		}
		if e.Status == StatusCompleted && e.EpubURL != "" {
			item.Enclosure = &rssEnclosure{URL: e.EpubURL, Length: strconv.FormatInt(e.EpubSize, 10), Type: epubMIME}
		}
		doc.Channel.Items = append(doc.Channel.Items, item)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode rss: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	NS      string      `xml:"xmlns,attr"`
	Title   string      `xml:"title"`
	ID      string      `xml:"id"`
	Updated string      `xml:"updated"`
	Links   []atomLink  `xml:"link"`
	Gen     string      `xml:"generator"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string        `xml:"title"`
	ID        string        `xml:"id"`
	Updated   string        `xml:"updated"`
	Published string        `xml:"published"`
	Links     []atomLink    `xml:"link"`
	Category  *atomCategory `xml:"category"`
	Summary   atomText      `xml:"summary"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

type atomText struct {
	Type string `xml:"type,attr"`
	Body string `xml:",chardata"`
}

// renderAtom renders the same entries as an Atom 1.0 feed.
func renderAtom(meta channelMeta, entries []Entry) ([]byte, error) {
	feed := atomFeed{
		NS:      nsAtom,
		Title:   meta.Title,
		ID:      meta.Link,
		Updated: time.Unix(0, 0).UTC().Format(time.RFC3339),
		Links:   []atomLink{{Href: meta.Link, Rel: "alternate", Type: "text/html"}},
		Gen:     generator,
	}
	if meta.SelfURL != "" {
		feed.Links = append(feed.Links, atomLink{Href: meta.SelfURL, Rel: "related", Type: "application/rss+xml"})
	}
	if len(entries) > 0 {
		feed.Updated = entries[0].CreatedAt.Format(time.RFC3339Nano)
	}
	for _, e := range entries {
		entry := atomEntry{
			Title:     xmlText(e.Title),
			ID:        "urn:epubfeed:" + e.ID,
			Updated:   e.CreatedAt.Format(time.RFC3339Nano),
			Published: e.CreatedAt.Format(time.RFC3339Nano),
			Links:     []atomLink{{Href: xmlText(e.link()), Rel: "alternate", Type: "text/html"}},
			Category:  &atomCategory{Term: string(e.Status)},
			Summary:   atomText{Type: "html", Body: xmlText(e.content())},
		}
		if e.Status == StatusCompleted && e.EpubURL != "" {
			entry.Links[0].Type = epubMIME
			entry.Links = append(entry.Links, atomLink{Href: xmlText(e.SourceURL), Rel: "via", Type: "text/html"})
		}
		feed.Entries = append(feed.Entries, entry)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(feed); err != nil {
		return nil, fmt.Errorf("encode atom: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// link is the item link: the e-book for completed entries, the source
// document otherwise.
func (e Entry) link() string {
	if e.Status == StatusCompleted && e.EpubURL != "" {
		return e.EpubURL
	}
	return e.SourceURL
}

func (e Entry) content() string {
	src := html.EscapeString(e.SourceURL)
	return e.Excerpt + fmt.Sprintf(`<p><a href="%s">%s</a></p>`, src, src)
}

// xmlText removes characters that may not appear in an XML document. The
// encoder does not filter CDATA sections, and one stray control character
// would make the whole feed unparseable.
func xmlText(s string) string {
	if utf8.ValidString(s) && strings.IndexFunc(s, func(r rune) bool { return !isXMLChar(r) }) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return -1
	}, s)
}

func isXMLChar(r rune) bool {
	switch {
	case r == 0x09, r == 0x0A, r == 0x0D:
		return true
	case r >= 0x20 && r <= 0xD7FF, r >= 0xE000 && r <= 0xFFFD, r >= 0x10000 && r <= utf8.MaxRune:
		return true
	}
	return false
}
