// Package normalize turns staged source payloads into clean UTF-8 text and
// splits that text into retrieval chunks. Decoders are selected by mime
// type; everything downstream of the decoder (whitespace collapsing,
// sentence splitting, greedy packing) is format-independent.
package normalize

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Decode extracts plain text from data according to its mime type. The
// returned text is already normalized (collapsed whitespace, printable
// runes only). Mime parameters ("; charset=utf-8") are ignored.
func Decode(mimeType string, data []byte) (string, error) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	var (
		text string
		err  error
	)
	switch {
	case mt == "text/html" || mt == "application/xhtml+xml":
		text, err = CleanHTML(data)
	case mt == "application/pdf":
		text, err = decodePDF(data)
	case mt == "text/csv":
		text, err = decodeCSV(data)
	case strings.HasPrefix(mt, "text/"),
		mt == "application/json",
		mt == "application/xml":
		text = string(data)
	default:
		// Unknown types pass through only when they are plausibly text.
		if !utf8.Valid(data) {
			return "", fmt.Errorf("normalize: unsupported mime type %q", mimeType)
		}
		text = string(data)
	}
	if err != nil {
		return "", err
	}
	return Text(text), nil
}

// ── HTML ─────────────────────────────────────────────────────

// Tags whose entire subtree carries no retrievable prose.
var skippedTags = map[string]bool{
	"head":     true,
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"iframe":   true,
	"svg":      true,
}

// Tags that terminate a line of text when rendered.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "blockquote": true, "pre": true,
	"table": true, "ul": true, "ol": true,
}

// CleanHTML extracts the visible text of an HTML document. Script, style,
// nav, header, footer subtrees and comments are dropped; block elements
// produce line breaks so headings and paragraphs stay separated.
func CleanHTML(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("normalize: parse html: %w", err)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.CommentNode:
			return
		case html.ElementNode:
			if skippedTags[n.Data] {
				return
			}
		case html.TextNode:
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			sb.WriteString("\n")
		}
	}
	walk(doc)
	return sb.String(), nil
}

// HTMLTitle returns the <title> text of an HTML document, or "".
func HTMLTitle(data []byte) string {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return ""
	}
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

// ── PDF ──────────────────────────────────────────────────────

// decodePDF extracts page text in page order. Pages that fail to decode
// are skipped; the document fails only when no page yields text.
func decodePDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("normalize: open pdf: %w", err)
	}

	var sb strings.Builder
	decoded := 0
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
		decoded++
	}
	if decoded == 0 && r.NumPage() > 0 {
		return "", fmt.Errorf("normalize: pdf has no extractable text")
	}
	return sb.String(), nil
}

// ── CSV ──────────────────────────────────────────────────────

// decodeCSV renders each data row prefixed with the header row, so a row
// retrieved on its own still carries its column names.
func decodeCSV(data []byte) (string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("normalize: read csv header: %w", err)
	}
	prefix := strings.Join(header, ", ")

	var sb strings.Builder
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("normalize: read csv row: %w", err)
		}
		sb.WriteString(prefix)
		sb.WriteString(": ")
		sb.WriteString(strings.Join(row, ", "))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// ── Text normalization ───────────────────────────────────────

// Text collapses runs of spaces and tabs to a single space, caps newline
// runs at two (one paragraph break), and drops non-printable runes. The
// result is what the chunker operates on, so chunk offsets index into it.
func Text(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	space, newlines := false, 0
	for _, r := range s {
		switch {
		case r == '\n':
			newlines++
			space = false
		case unicode.IsSpace(r):
			space = true
		case !unicode.IsPrint(r):
			// drop
		default:
			if newlines > 0 {
				if sb.Len() > 0 {
					if newlines > 1 {
						sb.WriteString("\n\n")
					} else {
						sb.WriteByte('\n')
					}
				}
				newlines = 0
			} else if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
