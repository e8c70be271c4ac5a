// Package linkgraph extracts references between documents and answers
// questions about the resulting graph.
package linkgraph

import (
	"bytes"
	"net/url"
	"path"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/starford/trellis/internal/idalloc"
	"github.com/starford/trellis/internal/models"
	"github.com/starford/trellis/internal/parser"
)

// Extractor turns a parsed document into its outgoing edges.
type Extractor struct {
	md     goldmark.Markdown
	prefix string
}

// NewExtractor returns an Extractor recognising ids that start with prefix.
func NewExtractor(prefix string) *Extractor {
	return &Extractor{md: goldmark.New(), prefix: prefix}
}

// Extract returns the edges leaving the document at docPath: blocked-by,
// blocking and discovered-from entries first, then body references in the
// order they appear. Positions run from 0 across the whole list. bodyLine is
// the file line the body starts on, used to report body references.
func (e *Extractor) Extract(docPath string, fm *parser.Frontmatter, body string, bodyLine int) []models.Link {
	var links []models.Link
	add := func(l models.Link) {
		l.SourceID = fm.ID
		l.Position = len(links)
		links = append(links, l)
	}

	dir := models.Dir(docPath)
	for _, field := range []struct {
		kind models.LinkKind
		ids  []string
	}{
		{models.LinkBlockedBy, fm.BlockedBy},
		{models.LinkBlocking, fm.Blocking},
		{models.LinkDiscoveredFrom, fm.DiscoveredFrom},
	} {
		for _, raw := range field.ids {
			target, targetPath, ok := e.resolve(strings.TrimSpace(raw), dir)
			if !ok {
				continue
			}
			add(models.Link{TargetID: target, Kind: field.kind, TargetPath: targetPath})
		}
	}

	if bodyLine < 1 {
		bodyLine = 1
	}
	src := []byte(body)
	doc := e.md.Parser().Parse(text.NewReader(src))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		link, ok := n.(*ast.Link)
		if !ok {
			return ast.WalkContinue, nil
		}
		target, targetPath, ok := e.resolve(string(link.Destination), dir)
		if ok {
			line := bodyLine + bytes.Count(src[:offsetOf(link)], []byte("\n"))
			add(models.Link{TargetID: target, Kind: models.LinkBody, TargetPath: targetPath, Line: line})
		}
		return ast.WalkSkipChildren, nil
	})
	return links
}

// resolve reads a reference destination. "ID" and "#ID" name a document
// directly; "some/path.md#ID" also records the repo-relative path the author
// expected the target at. Anything else is not a document reference.
func (e *Extractor) resolve(dest, dir string) (id, targetPath string, ok bool) {
	if dest == "" || strings.Contains(dest, "://") || strings.HasPrefix(dest, "mailto:") {
		return "", "", false
	}
	p, frag, hasFrag := strings.Cut(dest, "#")
	if !hasFrag {
		if idalloc.Valid(p, e.prefix) {
			return p, "", true
		}
		return "", "", false
	}
	if !idalloc.Valid(frag, e.prefix) {
		return "", "", false
	}
	if p == "" {
		return frag, "", true
	}
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	if strings.HasPrefix(p, "/") {
		p = path.Clean(strings.TrimPrefix(p, "/"))
	} else {
		p = path.Join(dir, p)
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		p = ""
	}
	return frag, p, true
}

// offsetOf returns the byte offset a link starts at, taken from its first
// text segment or, for links without text, from the enclosing block.
func offsetOf(n ast.Node) int {
	var off = -1
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := c.(*ast.Text); ok && entering {
			off = t.Segment.Start
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	if off >= 0 {
		return off
	}
	for p := n.Parent(); p != nil; p = p.Parent() {
		if p.Type() == ast.TypeBlock && p.Lines().Len() > 0 {
			return p.Lines().At(0).Start
		}
	}
	return 0
}

// BodyStartLine returns the 1-based line of raw on which body begins, or 1
// when body is not a verbatim tail of raw.
func BodyStartLine(raw []byte, body string) int {
	if body == "" || !bytes.HasSuffix(raw, []byte(body)) {
		return 1
	}
	return bytes.Count(raw[:len(raw)-len(body)], []byte("\n")) + 1
}
