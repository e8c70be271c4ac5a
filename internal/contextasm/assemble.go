// Package contextasm picks the documents to show next to a target within a
// size budget and renders them.
package contextasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/models"
	"github.com/starford/trellis/internal/storage"
	"github.com/starford/trellis/internal/vcs"
)

// Category records why a document was considered.
type Category string

const (
	CategoryLabel    Category = "label"
	CategoryBody     Category = "body-link"
	CategoryRoot     Category = "root"
	CategoryMetadata Category = "metadata-link"
)

// Section is one rendered document in the output.
type Section struct {
	ID       string   `json:"id"`
	Path     string   `json:"path"`
	Name     string   `json:"name"`
	Category Category `json:"category,omitempty"`
	Target   bool     `json:"target,omitempty"`
	Position int      `json:"position"`
	Size     int      `json:"size"`
	Text     string   `json:"text"`
}

// Reference is a qualifying document that did not fit the budget.
type Reference struct {
	ID       string   `json:"id"`
	Path     string   `json:"path"`
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Size     int      `json:"size"`
}

// Result is the outcome of Assemble.
type Result struct {
	TargetID string      `json:"target_id"`
	Budget   int         `json:"budget"`
	Used     int         `json:"used"`
	Sections []Section   `json:"sections"`
	Overflow []Reference `json:"overflow,omitempty"`
	// Omitted counts overflow references that did not fit the reference
	// budget either.
	Omitted int `json:"omitted,omitempty"`
}

type candidate struct {
	doc      *models.Document
	category Category
	size     int
}

// Assembler selects and loads context documents.
type Assembler struct {
	db              *index.DB
	store           storage.Provider
	repo            vcs.Repository
	loadConcurrency int
	recordViews     bool
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithRepository lets bodies of documents outside a filtered checkout be
// read from HEAD.
func WithRepository(r vcs.Repository) Option {
	return func(a *Assembler) { a.repo = r }
}

// WithLoadConcurrency bounds parallel body loads.
func WithLoadConcurrency(n int) Option {
	return func(a *Assembler) { a.loadConcurrency = n }
}

// WithRecordViews controls whether assembling counts as viewing the target.
func WithRecordViews(on bool) Option {
	return func(a *Assembler) { a.recordViews = on }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// New returns an Assembler reading bodies through store.
func New(db *index.DB, store storage.Provider, opts ...Option) *Assembler {
	a := &Assembler{
		db:              db,
		store:           store,
		loadConcurrency: 8,
		recordViews:     true,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.loadConcurrency < 1 {
		a.loadConcurrency = 1
	}
	return a
}

// Assemble selects context for targetID. Candidates are taken in category
// order and accepted greedily while they fit budget; one that does not fit
// is skipped, never truncated, and listed in the overflow. The overflow is
// itself limited to refBudget characters of reference lines, or unlimited
// when refBudget <= 0.
func (a *Assembler) Assemble(ctx context.Context, targetID string, budget, refBudget int) (*Result, error) {
	return a.AssembleWith(ctx, NewMemo(), targetID, budget, refBudget)
}

// AssembleWith is Assemble with bodies shared through memo, so repeated
// attempts within one invocation do not reload what they already read.
func (a *Assembler) AssembleWith(ctx context.Context, memo *Memo, targetID string, budget, refBudget int) (*Result, error) {
	if memo == nil {
		memo = NewMemo()
	}
	if budget < 0 {
		return nil, fmt.Errorf("contextasm: budget %d: %w", budget, apperr.ErrInvalid)
	}
	target, err := a.db.Document(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("contextasm: target: %w", err)
	}
	cands, err := a.candidates(ctx, target)
	if err != nil {
		return nil, err
	}

	res := &Result{TargetID: targetID, Budget: budget}
	var selected []candidate
	for _, c := range cands {
		if res.Used+c.size <= budget {
			res.Used += c.size
			selected = append(selected, c)
			continue
		}
		res.Overflow = append(res.Overflow, Reference{
			ID: c.doc.ID, Path: c.doc.Path, Name: c.doc.Name, Category: c.category, Size: c.size,
		})
	}
	res.Overflow, res.Omitted = fitReferences(res.Overflow, refBudget)

	docs := make([]*models.Document, 0, len(selected)+1)
	docs = append(docs, target)
	for _, c := range selected {
		docs = append(docs, c.doc)
	}
	bodies, err := a.load(ctx, memo, docs, targetID)
	if err != nil {
		return nil, err
	}

	ordered := order(selected)
	for _, c := range ordered {
		if c.doc == nil {
			res.Sections = append(res.Sections, section(target, "", true, bodies[target.ID]))
			continue
		}
		res.Sections = append(res.Sections, section(c.doc, c.category, false, bodies[c.doc.ID]))
	}
	return res, nil
}

func section(d *models.Document, cat Category, target bool, body string) Section {
	text := header(d) + body
	return Section{
		ID: d.ID, Path: d.Path, Name: d.Name, Category: cat, Target: target,
		Position: d.ContextPosition, Size: Size(d), Text: text,
	}
}

// candidates gathers context documents in category order: context-label
// matches, body link targets, hierarchy roots nearest first, then metadata
// link targets. Each document appears once and never the target itself.
func (a *Assembler) candidates(ctx context.Context, target *models.Document) ([]candidate, error) {
	seen := map[string]bool{target.ID: true}
	var out []candidate
	addGroup := func(cat Category, ids []string) error {
		var group []candidate
		for _, id := range ids {
			if seen[id] {
				continue
			}
			d, err := a.db.Document(ctx, id)
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			seen[id] = true
			group = append(group, candidate{doc: d, category: cat, size: Size(d)})
		}
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].doc.ContextPriority > group[j].doc.ContextPriority
		})
		out = append(out, group...)
		return nil
	}

	labelled, err := a.db.ContextLabelMatches(ctx, target.Labels)
	if err != nil {
		return nil, err
	}
	if err := addGroup(CategoryLabel, labelled); err != nil {
		return nil, err
	}

	links, err := a.db.LinksFrom(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	var bodyIDs, metaIDs []string
	for _, l := range links {
		if l.Kind.IsMetadata() {
			metaIDs = append(metaIDs, l.TargetID)
		} else {
			bodyIDs = append(bodyIDs, l.TargetID)
		}
	}
	if err := addGroup(CategoryBody, bodyIDs); err != nil {
		return nil, err
	}

	roots, err := a.db.Ancestors(ctx, target.Dir())
	if err != nil {
		return nil, err
	}
	rootIDs := make([]string, len(roots))
	for i, r := range roots {
		rootIDs[i] = r.RootID
	}
	if err := addGroup(CategoryRoot, rootIDs); err != nil {
		return nil, err
	}

	if err := addGroup(CategoryMetadata, metaIDs); err != nil {
		return nil, err
	}
	return out, nil
}

// order lays out the selection around the target: negative position hints
// first in ascending order, then the target (returned as a candidate with a
// nil document), then unhinted documents as selected, then positive hints
// ascending. Equal hints keep selection order.
func order(selected []candidate) []candidate {
	var before, plain, after []candidate
	for _, c := range selected {
		switch p := c.doc.ContextPosition; {
		case p < 0:
			before = append(before, c)
		case p > 0:
			after = append(after, c)
		default:
			plain = append(plain, c)
		}
	}
	byHint := func(s []candidate) {
		sort.SliceStable(s, func(i, j int) bool { return s[i].doc.ContextPosition < s[j].doc.ContextPosition })
	}
	byHint(before)
	byHint(after)

	out := make([]candidate, 0, len(selected)+1)
	out = append(out, before...)
	out = append(out, candidate{})
	out = append(out, plain...)
	return append(out, after...)
}

// fitReferences keeps overflow references greedily while their listing
// lines fit refBudget, and returns how many were left out.
func fitReferences(refs []Reference, refBudget int) ([]Reference, int) {
	if refBudget <= 0 {
		return refs, 0
	}
	var kept []Reference
	used, omitted := 0, 0
	for _, r := range refs {
		n := runeLen(referenceLine(r))
		if used+n > refBudget {
			omitted++
			continue
		}
		used += n
		kept = append(kept, r)
	}
	return kept, omitted
}
