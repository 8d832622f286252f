// Package excerpt derives short, sanitized HTML previews for feed readers.
//
// The output keeps a small set of inline and structural tags, drops active
// content entirely and bounds the visible text. All text and attribute values
// are re-escaped and characters outside the XML character range are removed,
// so the result never contains the sequence "]]>" and can be placed inside a
// CDATA section as is.
package excerpt

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Marker is appended to truncated excerpts. It counts towards the limit.
const Marker = "..."

var allowed = map[atom.Atom]bool{
	atom.P: true, atom.A: true, atom.Strong: true, atom.Em: true, atom.B: true, atom.I: true,
	atom.Ul: true, atom.Ol: true, atom.Li: true, atom.Br: true, atom.Blockquote: true, atom.Code: true,
}

// Elements removed together with everything inside them.
var dropped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true,
	atom.Iframe: true, atom.Object: true, atom.Svg: true, atom.Math: true,
	atom.Title: true, atom.Textarea: true, atom.Select: true,
}

// Elements whose boundaries render as whitespace.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
	atom.Blockquote: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Pre: true, atom.Hr: true, atom.Table: true, atom.Tr: true,
	atom.Td: true, atom.Th: true, atom.Section: true, atom.Article: true, atom.Header: true,
	atom.Footer: true, atom.Nav: true, atom.Aside: true, atom.Main: true, atom.Figure: true,
	atom.Figcaption: true, atom.Dl: true, atom.Dt: true, atom.Dd: true, atom.Body: true,
}

var linkSchemes = map[string]bool{"http": true, "https": true, "mailto": true}

// Build returns a sanitized fragment of doc whose rendered text is at most
// maxLen runes. Longer content is cut at a word boundary and Marker is
// appended; every tag opened in the output is closed.
func Build(doc string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	full := walk(doc, -1, "")
	if full.count <= maxLen {
		return full.html
	}

	marker := Marker
	budget := maxLen - utf8.RuneCountInString(marker)
	if budget <= 0 {
		budget, marker = maxLen, ""
	}
	return walk(doc, budget, marker).html
}

// Text returns the rendered text of doc as counted by Build: visible text
// only, whitespace runs and block boundaries collapsed to a single space.
func Text(doc string) string {
	return walk(doc, -1, "").text
}

type result struct {
	html  string
	text  string
	count int
}

type walker struct {
	budget  int
	out     strings.Builder
	text    strings.Builder
	count   int
	started bool
	pending bool
	stack   []atom.Atom
	// keep is the state right after the last emitted word.
	keep checkpoint
}

type checkpoint struct {
	out, text, count int
	stack            []atom.Atom
}

func walk(doc string, budget int, marker string) result {
	w := &walker{budget: budget}
	z := html.NewTokenizer(strings.NewReader(doc))
	skip := 0
	truncated := false

loop:
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			break loop

		case html.TextToken:
			if skip > 0 {
				continue
			}
			if !w.writeText(string(z.Text())) {
				truncated = true
				break loop
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Body {
				skip = 0
			}
			if dropped[a] {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if skip > 0 {
				continue
			}
			w.openTag(z, a, hasAttr)

		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if dropped[a] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if skip > 0 {
				continue
			}
			w.closeTag(a)
		}
	}

	if truncated {
		// Markup emitted after the last word would render as extra text
		// before the marker.
		w.rollback()
		if marker != "" {
			w.out.WriteString(html.EscapeString(marker))
			w.text.WriteString(marker)
			w.count += utf8.RuneCountInString(marker)
		}
	}
	for i := len(w.stack) - 1; i >= 0; i-- {
		w.out.WriteString("</" + w.stack[i].String() + ">")
	}
	return result{html: w.out.String(), text: w.text.String(), count: w.count}
}

// writeText emits the words of s, returning false once the budget is spent.
func (w *walker) writeText(s string) bool {
	s = xmlChars(s)
	if s == "" {
		return true
	}
	first, _ := utf8.DecodeRuneInString(s)
	if unicode.IsSpace(first) {
		w.pending = true
	}
	words := strings.Fields(s)
	for i, word := range words {
		if i > 0 {
			w.pending = true
		}
		if !w.writeWord(word) {
			return false
		}
	}
	last, _ := utf8.DecodeLastRuneInString(s)
	if unicode.IsSpace(last) {
		w.pending = true
	}
	return true
}

func (w *walker) writeWord(word string) bool {
	n := utf8.RuneCountInString(word)
	sep := 0
	if w.pending && w.started {
		sep = 1
	}
	if w.budget >= 0 && w.count+sep+n > w.budget {
		if !w.started && w.budget > 0 {
			// A single word longer than the whole budget is cut hard.
			cut := string([]rune(word)[:w.budget])
			w.out.WriteString(html.EscapeString(cut))
			w.text.WriteString(cut)
			w.count += w.budget
			w.started = true
			w.save()
		}
		return false
	}
	if sep == 1 {
		w.out.WriteByte(' ')
		w.text.WriteByte(' ')
	}
	w.out.WriteString(html.EscapeString(word))
	w.text.WriteString(word)
	w.count += sep + n
	w.started = true
	w.pending = false
	if w.budget >= 0 {
		w.save()
	}
	return true
}

func (w *walker) save() {
	w.keep = checkpoint{
		out:   w.out.Len(),
		text:  w.text.Len(),
		count: w.count,
		stack: append(w.keep.stack[:0], w.stack...),
	}
}

func (w *walker) rollback() {
	out, text := w.out.String()[:w.keep.out], w.text.String()[:w.keep.text]
	w.out.Reset()
	w.out.WriteString(out)
	w.text.Reset()
	w.text.WriteString(text)
	w.count = w.keep.count
	w.stack = append(w.stack[:0], w.keep.stack...)
}

func (w *walker) openTag(z *html.Tokenizer, a atom.Atom, hasAttr bool) {
	if blocks[a] {
		w.pending = true
	}
	if !allowed[a] {
		return
	}
	if a != atom.Br && !blocks[a] && w.pending && w.started && (w.budget < 0 || w.count < w.budget) {
		// Keep the separating space outside the inline element.
		w.out.WriteByte(' ')
		w.text.WriteByte(' ')
		w.count++
		w.pending = false
	}
	switch a {
	case atom.P, atom.Ul, atom.Ol, atom.Blockquote:
		w.closeOpen(atom.P, atom.Li, atom.Blockquote)
	case atom.Li:
		w.closeOpen(atom.Li, atom.Ul, atom.Ol)
	}
	switch a {
	case atom.Br:
		w.out.WriteString("<br>")
		return
	case atom.A:
		href := ""
		for hasAttr {
			var key, val []byte
			key, val, hasAttr = z.TagAttr()
			if string(key) == "href" && safeLink(string(val)) {
				href = strings.TrimSpace(string(val))
			}
		}
		if href == "" {
			return
		}
		w.out.WriteString(`<a href="` + html.EscapeString(href) + `">`)
	default:
		w.out.WriteString("<" + a.String() + ">")
	}
	w.stack = append(w.stack, a)
}

func (w *walker) closeTag(a atom.Atom) {
	if blocks[a] {
		w.pending = true
	}
	if !allowed[a] {
		return
	}
	idx := -1
	for i := len(w.stack) - 1; i >= 0; i-- {
		if w.stack[i] == a {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	for i := len(w.stack) - 1; i >= idx; i-- {
		w.out.WriteString("</" + w.stack[i].String() + ">")
	}
	w.stack = w.stack[:idx]
}

// closeOpen closes an open a element the way an HTML parser would when a new
// block starts inside it. The search stops at any of the boundary elements.
func (w *walker) closeOpen(a atom.Atom, boundary ...atom.Atom) {
	for i := len(w.stack) - 1; i >= 0; i-- {
		if w.stack[i] == a {
			w.closeTag(a)
			return
		}
		for _, b := range boundary {
			if w.stack[i] == b {
				return
			}
		}
	}
}

// xmlChars drops runes that may not appear in an XML document. Vertical tab
// and form feed become plain spaces so words stay apart.
func xmlChars(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case isXMLChar(r):
			return r
		case unicode.IsSpace(r):
			return ' '
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

func safeLink(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return linkSchemes[strings.ToLower(u.Scheme)]
}
