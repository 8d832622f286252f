package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

func fromPDF(content []byte) (res Result, err error) {
	// The PDF reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return Result{}, fmt.Errorf("open PDF: %w", err)
	}

	var body strings.Builder
	var text strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			// Some pages use fonts the reader cannot decode; keep the rest.
			continue
		}
		if strings.TrimSpace(pageText) == "" {
			continue
		}
		text.WriteString(pageText)
		text.WriteString("\n\n")
		body.WriteString(paragraphs(pageText))
	}

	title := reader.Trailer().Key("Info").Key("Title").Text()
	if strings.TrimSpace(title) == "" {
		title = firstLine(text.String())
	}
	if body.Len() == 0 {
		return Result{Title: title, Kind: KindPDF, Empty: true}, nil
	}
	return Result{HTML: document(title, body.String()), Title: title, Kind: KindPDF}, nil
}
