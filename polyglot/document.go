// Package polyglot assembles and disassembles wah documents: files that parse
// as a WebAssembly module, an HTML page, and a pax tar archive at the same
// time. The tar and HTML interleaving is done by the tar package; this
// package owns the source document handling, the stage custom sections, and
// the artifact layouts.
package polyglot

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/wahdoc/wah/tar"
)

// Element ids and classes the loaders look for.
const (
	IDTarContent = "WAH_POLYGLOT_HTML_PLUS_TAR_CONTENT"
	IDTarStage0  = "WAH_POLYGLOT_HTML_PLUS_TAR_STAGE0"
	DataClass    = "wah_polyglot_data"
)

// Structure locates the pieces of a source document the packer splices
// around: the end of the <html> start tag, the element that receives the tar
// content, and the stage-0 script.
type Structure struct {
	HTMLInsertionPoint int
	Insertion          tar.Range
	Stage0             tar.Range
}

// MissingNodeError reports a source document without a required insertion
// point.
type MissingNodeError struct {
	Content     string
	SearchedFor string
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("missing node to insert %s, searched for %s", e.Content, e.SearchedFor)
}

// TarFile is a file entry recovered from a document's DOM: the data passed as
// the root fs in stage 1. It can rebuild a file into tar structure when the
// document was mangled by intermediate HTML transformations.
type TarFile struct {
	Header  tar.Header
	Content []byte
}

// Attributes returns the user-defined attributes of this file entry.
func (f *TarFile) Attributes() tar.Attributes {
	return f.Header.ParseAttributes()
}

// SourceDocument is an HTML document the packer reads from and splices into.
type SourceDocument struct {
	text string
	log  *zap.Logger
}

// ParseSource wraps an HTML document for packing.
func ParseSource(text string) *SourceDocument {
	return &SourceDocument{text: text, log: zap.NewNop()}
}

// WithLogger returns the document with warnings routed to log.
func (d *SourceDocument) WithLogger(log *zap.Logger) *SourceDocument {
	d.log = log
	return d
}

// Text returns the current document text.
func (d *SourceDocument) Text() string { return d.text }

// Slice returns the document bytes in the given range.
func (d *SourceDocument) Slice(r tar.Range) string { return d.text[r.Start:r.End] }

// token is one HTML token with its byte span in the document.
type token struct {
	typ   html.TokenType
	tok   html.Token
	start int
	end   int
}

func (d *SourceDocument) tokens() []token {
	// NUL runs in a packed document surface as replacement characters in
	// token data; the consumers undo that with cleanMangled.
	z := html.NewTokenizer(strings.NewReader(d.text))
	var out []token
	offset := 0
	for {
		tt := z.Next()
		raw := z.Raw()
		start, end := offset, offset+len(raw)
		offset = end
		if tt == html.ErrorToken {
			return out
		}
		out = append(out, token{typ: tt, tok: z.Token(), start: start, end: end})
	}
}

func attr(tok html.Token, name string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(tok html.Token, class string) bool {
	v, ok := attr(tok, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

// elementSpan returns the byte range of the element opened by toks[i],
// through its matching end tag.
func elementSpan(toks []token, i int) tar.Range {
	open := toks[i]
	if open.typ == html.SelfClosingTagToken {
		return tar.Range{Start: open.start, End: open.end}
	}
	depth := 1
	for j := i + 1; j < len(toks); j++ {
		t := toks[j]
		if t.tok.Data != open.tok.Data {
			continue
		}
		switch t.typ {
		case html.StartTagToken:
			depth++
		case html.EndTagToken:
			depth--
			if depth == 0 {
				return tar.Range{Start: open.start, End: t.end}
			}
		}
	}
	return tar.Range{Start: open.start, End: open.end}
}

// PrepareTarStructure finds the insertion points, synthesising them when the
// document was written without. A synthetic template lands at the end of
// <head>, a synthetic script at the start of <body>; neither modifies the
// document's semantics.
func (d *SourceDocument) PrepareTarStructure() (Structure, error) {
	for original := true; ; original = false {
		toks := d.tokens()

		var s Structure
		var haveHTML, haveInsertion, haveStage0 bool
		var headEnd, bodyStart = -1, -1

		for i, t := range toks {
			switch t.typ {
			case html.StartTagToken, html.SelfClosingTagToken:
				name := strings.ToLower(t.tok.Data)
				if name == "html" && !haveHTML {
					haveHTML = true
					s.HTMLInsertionPoint = t.end
				}
				if name == "body" && bodyStart < 0 {
					bodyStart = t.end
				}
				if id, ok := attr(t.tok, "id"); ok {
					switch {
					case id == IDTarContent && !haveInsertion:
						haveInsertion = true
						s.Insertion = elementSpan(toks, i)
					case id == IDTarStage0 && name == "script" && !haveStage0:
						haveStage0 = true
						s.Stage0 = elementSpan(toks, i)
					}
				}
			case html.EndTagToken:
				if strings.ToLower(t.tok.Data) == "head" && headEnd < 0 {
					headEnd = t.start
				}
			}
		}

		if !haveHTML {
			return Structure{}, &MissingNodeError{Content: "begin of Tar file", SearchedFor: "starting `<html>` tag"}
		}

		if original && (!haveInsertion || !haveStage0) {
			text := d.text
			// Insert back to front so earlier offsets stay valid.
			if !haveStage0 {
				if bodyStart < 0 {
					return Structure{}, &MissingNodeError{
						Content:     "fallback location for initialization script data",
						SearchedFor: "the end of `<body>` tag",
					}
				}
				text = text[:bodyStart] + `<script id="` + IDTarStage0 + `"></script>` + text[bodyStart:]
			}
			if !haveInsertion {
				if headEnd < 0 {
					return Structure{}, &MissingNodeError{
						Content:     "fallback location for template data",
						SearchedFor: "the end of `<head>` tag",
					}
				}
				text = text[:headEnd] + `<template id="` + IDTarContent + `"></template>` + text[headEnd:]
			}
			d.text = text
			continue
		}

		if !haveInsertion {
			return Structure{}, &MissingNodeError{
				Content:     "tag marked as insertion point for tar contents",
				SearchedFor: fmt.Sprintf("tag with id `%s`", IDTarContent),
			}
		}
		if !haveStage0 {
			return Structure{}, &MissingNodeError{
				Content:     "tag marked as insertion point for script entry point",
				SearchedFor: fmt.Sprintf("`<script>` tag with id `%s`", IDTarStage0),
			}
		}

		if s.Insertion.End > s.Stage0.Start {
			return Structure{}, fmt.Errorf("polyglot: tar content insertion point must precede the stage0 script")
		}

		return s, nil
	}
}

// cleanMangled undoes the transformations browsers apply when saving a page:
// NUL bytes come back as replacement characters or numeric references.
func cleanMangled(s string) string {
	s = strings.ReplaceAll(s, "�", "\x00")
	return strings.ReplaceAll(s, "&#65533;", "\x00")
}

// FileElements scans the document for polyglot data elements and rebuilds
// their tar headers. Elements with over-long names or headers are skipped
// with a warning, the way a loader must tolerate a partially mangled
// document.
func (d *SourceDocument) FileElements() []TarFile {
	toks := d.tokens()

	var files []TarFile
	for i, t := range toks {
		if t.typ != html.StartTagToken && t.typ != html.SelfClosingTagToken {
			continue
		}
		if !hasClass(t.tok, DataClass) {
			continue
		}

		givenName, ok := attr(t.tok, "data-wahtml_id")
		if !ok {
			continue
		}
		givenName = strings.Trim(cleanMangled(givenName), "\x00")
		if len(givenName) > 100 {
			d.log.Warn("file element has too long name, file ignored",
				zap.Int("len", len(givenName)))
			continue
		}

		headerAttr, ok := attr(t.tok, "data-b")
		if !ok {
			continue
		}
		headerBytes := []byte(cleanMangled(headerAttr))
		if len(headerBytes) > 412 {
			d.log.Warn("file element has too long header, file ignored",
				zap.Int("len", len(headerBytes)))
			continue
		}

		var block [tar.BlockSize]byte
		copy(block[100:], headerBytes)

		var header tar.Header
		header.SetFromBytes(block[:])
		copy(header.Name[:], givenName)

		var text strings.Builder
		if t.typ == html.StartTagToken {
			depth := 1
			for j := i + 1; j < len(toks) && depth > 0; j++ {
				switch toks[j].typ {
				case html.TextToken:
					text.WriteString(toks[j].tok.Data)
				case html.StartTagToken:
					if toks[j].tok.Data == t.tok.Data {
						depth++
					}
				case html.EndTagToken:
					if toks[j].tok.Data == t.tok.Data {
						depth--
					}
				}
			}
		}

		// The browser may have inserted line breaks while saving; cleaning
		// them cannot corrupt the base64 data.
		content := cleanMangled(text.String())
		content = strings.ReplaceAll(content, "\r", "")
		content = strings.ReplaceAll(content, "\n", "")
		raw := []byte(strings.TrimSpace(strings.Trim(content, "\x00")))

		data, ok := tar.FileData(&header, raw)
		if !ok {
			// Not a file element after all (an extension or external header).
			if url, realsize, isExternal := tar.ExternalRef(&header); isExternal {
				d.log.Debug("external file element",
					zap.String("name", givenName),
					zap.String("url", url),
					zap.Int64("realsize", realsize))
				files = append(files, TarFile{Header: header})
			}
			continue
		}

		files = append(files, TarFile{Header: header, Content: data})
	}
	return files
}

// SplitTarContents recovers the embedded files and rewrites the document back
// into its original, unpacked form: data elements removed, the data-a
// attribute dropped from <html>.
func (d *SourceDocument) SplitTarContents() ([]TarFile, error) {
	files := d.FileElements()

	cleaned, err := d.stripPolyglot()
	if err != nil {
		return nil, err
	}
	d.text = cleaned

	return files, nil
}

func (d *SourceDocument) stripPolyglot() (string, error) {
	root, err := html.Parse(strings.NewReader(strings.Trim(d.text, "\x00")))
	if err != nil {
		return "", err
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "html" {
			attrs := n.Attr[:0]
			for _, a := range n.Attr {
				if a.Key != "data-a" {
					attrs = append(attrs, a)
				}
			}
			n.Attr = attrs
		}

		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			if c.Type == html.ElementNode && nodeHasClass(c, DataClass) {
				n.RemoveChild(c)
			} else {
				walk(c)
			}
			c = next
		}
	}
	walk(root)

	var out strings.Builder
	if err := html.Render(&out, root); err != nil {
		return "", err
	}
	return out.String(), nil
}

func nodeHasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}
