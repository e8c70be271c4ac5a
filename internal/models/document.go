// Package models defines the domain types shared by the cache, the link
// graph and the transports.
package models

import (
	"path"
	"strings"
	"time"
)

// ClosedDir is the directory name that marks every document below it closed.
const ClosedDir = ".closed"

// Document is one indexed markdown file.
type Document struct {
	ID              string     `json:"id"`
	ParentID        string     `json:"parent_id,omitempty"`
	Path            string     `json:"path"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Kind            string     `json:"kind,omitempty"`
	Status          string     `json:"status,omitempty"`
	Priority        int        `json:"priority"`
	ContextPriority int        `json:"context_priority,omitempty"`
	ContextPosition int        `json:"context_position,omitempty"`
	BodyHash        string     `json:"body_hash"`
	FileHash        string     `json:"-"`
	BodyLength      int        `json:"body_length"`
	LinkCount       int        `json:"link_count"`
	BacklinkCount   int        `json:"backlink_count"`
	ViewCount       int        `json:"view_count"`
	Closed          bool       `json:"closed"`
	Root            bool       `json:"root"`
	Materialized    bool       `json:"materialized"`
	Labels          []string   `json:"labels,omitempty"`
	ContextFor      []string   `json:"context_for,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	IndexedAt       time.Time  `json:"indexed_at"`
}

// Dir returns the directory holding the document ("" for the repository root).
func (d *Document) Dir() string {
	return Dir(d.Path)
}

// Dir returns the slash-separated parent directory of p, "" at the top.
func Dir(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// IsClosedPath reports whether p lies below a .closed directory.
func IsClosedPath(p string) bool {
	for _, seg := range strings.Split(Dir(p), "/") {
		if seg == ClosedDir {
			return true
		}
	}
	return false
}

// IsRootPath reports whether p names its directory's hierarchy root: the file
// stem equals the directory name, optionally with a leading underscore.
func IsRootPath(p string) bool {
	dir := Dir(p)
	if dir == "" {
		return false
	}
	stem := strings.TrimSuffix(path.Base(p), path.Ext(p))
	name := path.Base(dir)
	return stem == name || stem == "_"+name
}
