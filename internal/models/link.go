package models

// LinkKind distinguishes references in prose from those in metadata fields.
type LinkKind string

const (
	LinkBody           LinkKind = "body"
	LinkBlockedBy      LinkKind = "blocked-by"
	LinkBlocking       LinkKind = "blocking"
	LinkDiscoveredFrom LinkKind = "discovered-from"
)

// IsMetadata reports whether the link came from a frontmatter field.
func (k LinkKind) IsMetadata() bool {
	return k != LinkBody
}

// Link is a directed edge between two documents. Position orders a source's
// edges: metadata fields first, then body references in document order.
type Link struct {
	SourceID   string   `json:"source_id"`
	TargetID   string   `json:"target_id"`
	Kind       LinkKind `json:"kind"`
	Position   int      `json:"position"`
	TargetPath string   `json:"target_path,omitempty"`
	Stale      bool     `json:"stale,omitempty"`
	Line       int      `json:"line,omitempty"`
}
