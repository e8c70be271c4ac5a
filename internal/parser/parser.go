// Package parser reads and writes markdown documents with YAML frontmatter.
//
// A document starts with a "---" line, carries a YAML mapping, and closes it
// with another "---" line. Everything after the closing delimiter, minus
// leading blank lines, is the body.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const delim = "---"

var (
	// ErrNoFrontmatter marks plain markdown that is not a tracked document.
	ErrNoFrontmatter = errors.New("parser: no frontmatter")
	// ErrMalformed marks a document whose frontmatter cannot be used.
	ErrMalformed = errors.New("parser: malformed frontmatter")
)

// Frontmatter is the structured metadata block of a document. Unknown keys
// survive a Parse/Serialize round trip through Extra.
type Frontmatter struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name,omitempty"`
	Description     string         `yaml:"description,omitempty"`
	ParentID        string         `yaml:"parent-id,omitempty"`
	Kind            string         `yaml:"kind,omitempty"`
	Status          string         `yaml:"status,omitempty"`
	Priority        *int           `yaml:"priority,omitempty"`
	Labels          []string       `yaml:"labels,omitempty"`
	BlockedBy       []string       `yaml:"blocked-by,omitempty"`
	Blocking        []string       `yaml:"blocking,omitempty"`
	DiscoveredFrom  []string       `yaml:"discovered-from,omitempty"`
	ContextFor      []string       `yaml:"context-for,omitempty"`
	ContextPriority int            `yaml:"context-priority,omitempty"`
	ContextPosition int            `yaml:"context-position,omitempty"`
	CreatedAt       *time.Time     `yaml:"created-at,omitempty"`
	UpdatedAt       *time.Time     `yaml:"updated-at,omitempty"`
	ClosedAt        *time.Time     `yaml:"closed-at,omitempty"`
	Extra           map[string]any `yaml:",inline"`
}

// DefaultPriority applies when a document declares none.
const DefaultPriority = 2

// PriorityOrDefault returns the declared priority or DefaultPriority.
func (fm *Frontmatter) PriorityOrDefault() int {
	if fm.Priority == nil {
		return DefaultPriority
	}
	return *fm.Priority
}

// Document is a parsed markdown file.
type Document struct {
	Frontmatter Frontmatter
	Body        string
}

// Parse splits data into frontmatter and body.
func Parse(data []byte) (*Document, error) {
	block, body, err := split(data)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(block)) == 0 {
		return nil, fmt.Errorf("%w: empty frontmatter", ErrMalformed)
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fm.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if p := fm.PriorityOrDefault(); p < 0 || p > 4 {
		return nil, fmt.Errorf("%w: priority %d outside 0-4", ErrMalformed, p)
	}
	if len(fm.Extra) == 0 {
		fm.Extra = nil
	}
	return &Document{Frontmatter: fm, Body: body}, nil
}

// Serialize renders fm and body back into document text.
func Serialize(fm Frontmatter, body string) ([]byte, error) {
	out, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("parser: marshal frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(out) + len(body) + 16)
	buf.WriteString(delim + "\n")
	buf.Write(out)
	buf.WriteString(delim + "\n\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// split separates the YAML block from the body. The opening delimiter must be
// the first line of the file.
func split(data []byte) ([]byte, string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	if !strings.HasPrefix(text, delim+"\n") {
		return nil, "", ErrNoFrontmatter
	}
	rest := text[len(delim)+1:]

	var end int
	switch {
	case strings.HasPrefix(rest, delim+"\n") || rest == delim:
		end = 0
	default:
		idx := strings.Index(rest, "\n"+delim+"\n")
		if idx < 0 {
			if !strings.HasSuffix(rest, "\n"+delim) {
				return nil, "", fmt.Errorf("%w: no closing delimiter", ErrMalformed)
			}
			idx = len(rest) - len(delim) - 1
		}
		end = idx + 1
	}

	block := rest[:end]
	after := strings.TrimPrefix(rest[end:], delim)
	body := strings.TrimLeft(after, "\n")
	return []byte(block), body, nil
}

// HasConflictMarkers reports whether data still carries an unresolved merge:
// all three marker kinds at the start of a line.
func HasConflictMarkers(data []byte) bool {
	var ours, sep, theirs bool
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimLeft(line, " \t")
		switch {
		case bytes.HasPrefix(line, []byte("<<<<<<<")):
			ours = true
		case bytes.HasPrefix(line, []byte(">>>>>>>")):
			theirs = true
		case bytes.HasPrefix(line, []byte("=======")):
			sep = true
		}
		if ours && sep && theirs {
			return true
		}
	}
	return false
}

// Title returns the display name: the declared name or the first heading.
func Title(doc *Document) string {
	if doc.Frontmatter.Name != "" {
		return doc.Frontmatter.Name
	}
	for _, line := range strings.Split(doc.Body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return doc.Frontmatter.ID
}
