package apperr

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// FindingKind classifies a per-document problem.
type FindingKind string

const (
	FindingParse           FindingKind = "parse"
	FindingConflictMarkers FindingKind = "conflict-markers"
	FindingDuplicateID     FindingKind = "duplicate-id"
	FindingRead            FindingKind = "read"
	FindingSelfLink        FindingKind = "self-link"
	FindingMissingTarget   FindingKind = "missing-target"
	FindingStalePath       FindingKind = "stale-path"
)

// Finding is a problem confined to one document. A bulk pass collects these
// next to whatever succeeded instead of aborting.
type Finding struct {
	Kind       FindingKind `json:"kind"`
	DocumentID string      `json:"document_id,omitempty"`
	Path       string      `json:"path"`
	Line       int         `json:"line,omitempty"`
	Message    string      `json:"message"`
	Remedy     string      `json:"remedy,omitempty"`
}

func (f Finding) Error() string {
	var b strings.Builder
	b.WriteString(f.Path)
	if f.Line > 0 {
		fmt.Fprintf(&b, ":%d", f.Line)
	}
	b.WriteString(": ")
	b.WriteString(f.Message)
	if f.Remedy != "" {
		b.WriteString(" (")
		b.WriteString(f.Remedy)
		b.WriteString(")")
	}
	return b.String()
}

// Findings is a batch of per-document problems.
type Findings []Finding

// Err folds the batch into a single error, or nil when empty.
func (fs Findings) Err() error {
	var result *multierror.Error
	for _, f := range fs {
		result = multierror.Append(result, f)
	}
	return result.ErrorOrNil()
}

// Of returns the findings of the given kind.
func (fs Findings) Of(kind FindingKind) Findings {
	var out Findings
	for _, f := range fs {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}
