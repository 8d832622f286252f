package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// Elements removed from the fallback body rendering.
var noiseElements = map[string]bool{
	"nav": true, "header": true, "footer": true, "aside": true, "script": true, "style": true,
	"noscript": true, "iframe": true, "object": true, "embed": true, "form": true, "button": true,
}

func fromHTML(p *page, pageURL *url.URL) (Result, error) {
	r, err := charset.NewReader(bytes.NewReader(p.body), p.contentType)
	if err != nil {
		return Result{}, fmt.Errorf("decode charset: %w", err)
	}
	var utf8Body bytes.Buffer
	if _, err := utf8Body.ReadFrom(r); err != nil {
		return Result{}, fmt.Errorf("decode charset: %w", err)
	}
	raw := utf8Body.Bytes()

	title := ""
	content := ""
	empty := false

	article, err := readability.FromReader(bytes.NewReader(raw), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		title = article.Title
		content = article.Content
	} else {
		content, empty = bodyFallback(raw)
	}
	if title == "" {
		title = documentTitle(raw)
	}
	if empty {
		return Result{Title: title, Kind: KindHTML, Empty: true}, nil
	}
	return Result{HTML: document(title, content), Title: title, Kind: KindHTML}, nil
}

// documentTitle returns the text of the first <title> element.
func documentTitle(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return ""
	}

	var title string
	var find func(*html.Node)
	find = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	return title
}

// bodyFallback renders the cleaned <body> children when readability finds no
// article. The second return value reports a body without visible text.
func bodyFallback(content []byte) (string, bool) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return "", true
	}

	var body *html.Node
	var find func(*html.Node)
	find = func(n *html.Node) {
		if body != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "body" {
			body = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	if body == nil {
		return "", true
	}
	removeNoise(body)

	if strings.TrimSpace(textOf(body)) == "" {
		return "", true
	}
	var sb strings.Builder
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			return "", true
		}
	}
	return sb.String(), false
}

func removeNoise(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.ElementNode && noiseElements[c.Data] {
			n.RemoveChild(c)
			continue
		}
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
			continue
		}
		removeNoise(c)
	}
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// document wraps a body fragment into a complete UTF-8 HTML document.
func document(title, body string) string {
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	sb.WriteString(html.EscapeString(title))
	sb.WriteString("</title></head><body>\n")
	sb.WriteString(body)
	sb.WriteString("\n</body></html>\n")
	return sb.String()
}

// paragraphs converts plain text into escaped <p> blocks split on blank lines.
func paragraphs(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var sb strings.Builder
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		sb.WriteString("<p>")
		sb.WriteString(strings.ReplaceAll(html.EscapeString(block), "\n", "<br>\n"))
		sb.WriteString("</p>\n")
	}
	return sb.String()
}

func fromText(body []byte) Result {
	text := string(bytes.ToValidUTF8(body, []byte("�")))
	content := paragraphs(text)
	title := firstLine(text)
	if content == "" {
		return Result{Kind: KindText, Empty: true}
	}
	return Result{HTML: document(title, content), Title: title, Kind: KindText}
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return strings.TrimLeft(line, "# ")
		}
	}
	return ""
}
