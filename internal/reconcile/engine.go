// Package reconcile brings the cache up to date with the document tree.
//
// Each pass picks the cheapest strategy that is still correct: nothing to do
// (fast), re-index what changed since the watermark (incremental), or drop
// the cache and index everything (full). The watermark is always the last
// write of a pass, so an interrupted pass is simply redone.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/idalloc"
	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/linkgraph"
	"github.com/starford/trellis/internal/models"
	"github.com/starford/trellis/internal/storage"
	"github.com/starford/trellis/internal/vcs"
)

// Strategy names how a pass brought the cache up to date.
type Strategy string

const (
	StrategyFast        Strategy = "fast"
	StrategyIncremental Strategy = "incremental"
	StrategyFull        Strategy = "full"
)

// DefaultPattern selects the documents the cache tracks.
const DefaultPattern = "*.md"

// Options tune a single pass.
type Options struct {
	// Force skips straight to a full rebuild.
	Force bool
}

// Result describes a finished pass.
type Result struct {
	Strategy  Strategy        `json:"strategy"`
	Reason    string          `json:"reason,omitempty"`
	Indexed   int             `json:"indexed"`
	Removed   int             `json:"removed"`
	Skipped   int             `json:"skipped"`
	Findings  apperr.Findings `json:"findings,omitempty"`
	Watermark string          `json:"watermark"`
	Duration  time.Duration   `json:"duration"`
}

// Engine reconciles one cache against one repository.
type Engine struct {
	mu              sync.Mutex
	db              *index.DB
	repo            vcs.Repository
	store           storage.Provider
	extractor       *linkgraph.Extractor
	pattern         string
	prefix          string
	loadConcurrency int
	debounce        time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPattern sets the path pattern of tracked documents.
func WithPattern(p string) Option {
	return func(e *Engine) { e.pattern = p }
}

// WithPrefix sets the identifier prefix documents must carry.
func WithPrefix(p string) Option {
	return func(e *Engine) { e.prefix = p }
}

// WithLoadConcurrency bounds parallel file reads.
func WithLoadConcurrency(n int) Option {
	return func(e *Engine) { e.loadConcurrency = n }
}

// WithDebounce sets how long Watch waits for events to settle.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) { e.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine keeping db in step with repo, reading working-tree
// files through store.
func New(db *index.DB, repo vcs.Repository, store storage.Provider, opts ...Option) *Engine {
	e := &Engine{
		db:              db,
		repo:            repo,
		store:           store,
		pattern:         DefaultPattern,
		prefix:          idalloc.DefaultPrefix,
		loadConcurrency: 8,
		debounce:        200 * time.Millisecond,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.loadConcurrency < 1 {
		e.loadConcurrency = 1
	}
	e.extractor = linkgraph.NewExtractor(e.prefix)
	return e
}

// Reconcile runs one pass.
func (e *Engine) Reconcile(ctx context.Context, opts Options) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	res, err := e.reconcile(ctx, opts)
	if err != nil {
		return nil, err
	}
	res.Duration = e.now().Sub(start)
	e.logger.Info("reconcile: done",
		slog.String("strategy", string(res.Strategy)),
		slog.String("reason", res.Reason),
		slog.Int("indexed", res.Indexed),
		slog.Int("removed", res.Removed),
		slog.Int("skipped", res.Skipped),
		slog.Int("findings", len(res.Findings)),
		slog.Duration("duration", res.Duration))
	return res, nil
}

func (e *Engine) reconcile(ctx context.Context, opts Options) (*Result, error) {
	head, err := e.repo.CurrentRevision(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: read HEAD: %w", err)
	}
	if opts.Force {
		return e.rebuild(ctx, head, "forced", false)
	}

	version, err := e.db.SchemaVersion(ctx)
	switch {
	case err != nil:
		return e.rebuild(ctx, head, "unreadable schema: "+err.Error(), errors.Is(err, apperr.ErrCorrupt))
	case version == 0:
		return e.rebuild(ctx, head, "empty cache", false)
	case version != index.SchemaVersion:
		return e.rebuild(ctx, head, fmt.Sprintf("schema version %d, want %d", version, index.SchemaVersion), false)
	}

	wm, err := e.db.Watermark(ctx)
	if err != nil {
		return e.rebuild(ctx, head, "unreadable watermark: "+err.Error(), false)
	}
	uncommitted, err := e.repo.UncommittedChanges(ctx, e.pattern)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list uncommitted changes: %w", err)
	}

	if wm.LastCommit == head {
		fresh, err := e.upToDate(ctx, uncommitted, wm.Dirty)
		if err != nil {
			return nil, err
		}
		if fresh {
			return &Result{Strategy: StrategyFast, Watermark: head}, nil
		}
	}
	if wm.LastCommit == "" && head != "" {
		return e.rebuild(ctx, head, "no indexed revision", false)
	}

	res, err := e.incremental(ctx, wm, head, uncommitted)
	if err == nil {
		return res, nil
	}
	if apperr.IsRetryable(err) || ctx.Err() != nil {
		return nil, err
	}
	reason := "incremental pass failed: " + err.Error()
	if errors.Is(err, vcs.ErrUnknownRevision) {
		reason = "indexed revision " + wm.LastCommit + " is not in local history"
	}
	e.logger.Warn("reconcile: falling back to full rebuild", slog.String("reason", reason))
	return e.rebuild(ctx, head, reason, false)
}

// upToDate reports whether the working tree matches what the last pass
// indexed: every path dirty now or at the last pass still hashes the same.
func (e *Engine) upToDate(ctx context.Context, uncommitted []vcs.Change, dirty map[string]string) (bool, error) {
	for _, c := range uncommitted {
		if _, ok := dirty[c.Path]; !ok {
			return false, nil
		}
	}
	for p, want := range dirty {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		got, err := e.diskHash(p)
		if err != nil {
			return false, nil
		}
		if got != want {
			return false, nil
		}
	}
	return true, nil
}

// dirtyState hashes the paths the working tree currently reports as
// changed, for the next fast-path check.
func (e *Engine) dirtyState(uncommitted []vcs.Change) (map[string]string, error) {
	out := make(map[string]string, len(uncommitted))
	for _, c := range uncommitted {
		h, err := e.diskHash(c.Path)
		if err != nil {
			return nil, fmt.Errorf("reconcile: hash %s: %w", c.Path, err)
		}
		out[c.Path] = h
	}
	return out, nil
}

func (e *Engine) incremental(ctx context.Context, wm *index.Watermark, head string, uncommitted []vcs.Change) (*Result, error) {
	touched := make(map[string]bool)
	deleted := make(map[string]bool)
	if wm.LastCommit != head {
		changes, err := e.repo.ChangedPaths(ctx, wm.LastCommit, head, e.pattern)
		if err != nil {
			return nil, fmt.Errorf("reconcile: diff %s..%s: %w", wm.LastCommit, head, err)
		}
		for _, c := range changes {
			touched[c.Path] = true
		}
	}
	for _, c := range uncommitted {
		touched[c.Path] = true
		if c.Deleted {
			deleted[c.Path] = true
		}
	}
	for p := range wm.Dirty {
		touched[p] = true
	}

	paths := sortedKeys(touched)
	entries, err := e.loadAll(ctx, head, paths, deleted)
	if err != nil {
		return nil, err
	}
	dirty, err := e.dirtyState(uncommitted)
	if err != nil {
		return nil, err
	}

	res := &Result{Strategy: StrategyIncremental, Reason: fmt.Sprintf("%d changed paths", len(paths)), Watermark: head}
	err = e.db.Update(ctx, func(tx *index.Tx) error {
		return e.apply(ctx, tx, entries, head, dirty, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// apply writes loaded entries in one transaction: removals, then documents,
// then their edges, then derived tables, and the watermark last.
func (e *Engine) apply(ctx context.Context, tx *index.Tx, entries []*entry, head string, dirty map[string]string, res *Result) error {
	existing := map[string]index.PathEntry{}
	if len(entries) > 0 {
		var err error
		if existing, err = tx.PathEntries(ctx, pathsOf(entries)...); err != nil {
			return err
		}
	}

	rootsTouched := false
	var keep []*entry
	for _, ent := range entries {
		if models.IsRootPath(ent.path) {
			rootsTouched = true
		}
		stored, had := existing[ent.path]
		switch {
		case ent.skip:
			res.Skipped++
			continue
		case ent.finding != nil:
			res.Skipped++
			res.Findings = append(res.Findings, *ent.finding)
			continue
		case ent.gone || ent.notDoc:
			if had {
				if err := tx.DeleteDocument(ctx, stored.ID); err != nil {
					return err
				}
				res.Removed++
			}
			continue
		}
		// A path whose id changed releases the old id before anything
		// claims it.
		if had && stored.ID != ent.doc.ID {
			if err := tx.DeleteDocument(ctx, stored.ID); err != nil {
				return err
			}
		}
		keep = append(keep, ent)
	}

	var written []*entry
	claimed := make(map[string]string)
	// A path that loses an id clash stays in the dirty set so later passes
	// index it once the winner is gone.
	lose := func(ent *entry, winner string) {
		res.Findings = append(res.Findings, duplicateFinding(ent, winner))
		res.Skipped++
		dirty[ent.path] = ent.diskHash()
	}
	for _, ent := range keep {
		if other, dup := claimed[ent.doc.ID]; dup {
			lose(ent, other)
			continue
		}
		current, err := tx.Document(ctx, ent.doc.ID)
		if err == nil && current.Path != ent.path {
			lose(ent, current.Path)
			continue
		}
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		claimed[ent.doc.ID] = ent.path
		if err := tx.UpsertDocument(ctx, ent.doc, ent.body); err != nil {
			return err
		}
		written = append(written, ent)
	}
	return e.finish(ctx, tx, written, rootsTouched, head, dirty, res)
}

// finish writes edges for the documents just stored and brings derived
// tables and the watermark up to date.
func (e *Engine) finish(ctx context.Context, tx *index.Tx, written []*entry, rootsTouched bool, head string, dirty map[string]string, res *Result) error {
	ids := make([]string, 0, len(written))
	for _, ent := range written {
		if err := tx.ReplaceLinks(ctx, ent.doc.ID, ent.links); err != nil {
			return err
		}
		ids = append(ids, ent.doc.ID)
	}
	res.Indexed = len(written)
	if err := idalloc.Observe(ctx, tx, e.prefix, ids...); err != nil {
		return err
	}
	if rootsTouched {
		if err := tx.RebuildDirectoryRoots(ctx); err != nil {
			return err
		}
	}
	if _, err := tx.RefreshStaleFlags(ctx); err != nil {
		return err
	}
	return tx.SetWatermark(ctx, head, dirty, e.now())
}

// rebuild drops the cache and indexes the whole tree. It is never retried:
// a failure here is reported with the manual remedy.
func (e *Engine) rebuild(ctx context.Context, head, reason string, wipe bool) (*Result, error) {
	e.logger.Info("reconcile: full rebuild", slog.String("reason", reason))
	res, err := e.full(ctx, head, reason, wipe)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w: %w (delete %s and retry)",
			apperr.ErrRebuildFailed, err, filepath.Dir(e.db.Path()))
	}
	return res, nil
}

func (e *Engine) full(ctx context.Context, head, reason string, wipe bool) (*Result, error) {
	if wipe {
		if err := e.db.Wipe(); err != nil {
			return nil, err
		}
	}
	var tracked []string
	if head != "" {
		var err error
		if tracked, err = e.repo.ListTrackedPaths(ctx, e.pattern); err != nil {
			return nil, fmt.Errorf("list tracked paths: %w", err)
		}
	}
	uncommitted, err := e.repo.UncommittedChanges(ctx, e.pattern)
	if err != nil {
		return nil, fmt.Errorf("list uncommitted changes: %w", err)
	}
	set := make(map[string]bool, len(tracked))
	for _, p := range tracked {
		set[p] = true
	}
	for _, c := range uncommitted {
		set[c.Path] = !c.Deleted
	}
	var paths []string
	for _, p := range sortedKeys(set) {
		if set[p] {
			paths = append(paths, p)
		}
	}

	entries, err := e.loadAll(ctx, head, paths, nil)
	if err != nil {
		return nil, err
	}
	dirty, err := e.dirtyState(uncommitted)
	if err != nil {
		return nil, err
	}

	res := &Result{Strategy: StrategyFull, Reason: reason, Watermark: head}
	err = e.db.Update(ctx, func(tx *index.Tx) error {
		local, err := tx.SnapshotLocalState(ctx)
		if err != nil {
			e.logger.Warn("reconcile: local state lost in rebuild", slog.String("error", err.Error()))
			local = nil
		}
		if err := tx.Recreate(ctx); err != nil {
			return err
		}
		if err := tx.RestoreLocalState(ctx, local); err != nil {
			return err
		}
		return e.apply(ctx, tx, entries, head, dirty, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func duplicateFinding(ent *entry, other string) apperr.Finding {
	return apperr.Finding{
		Kind:       apperr.FindingDuplicateID,
		DocumentID: ent.doc.ID,
		Path:       ent.path,
		Line:       1,
		Message:    fmt.Sprintf("id %s is already used by %s", ent.doc.ID, other),
		Remedy:     "give one of the documents a new id",
	}
}

func pathsOf(entries []*entry) []string {
	out := make([]string, len(entries))
	for i, ent := range entries {
		out[i] = ent.path
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
