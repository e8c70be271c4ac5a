package contextasm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/checksum"
	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/models"
	"github.com/starford/trellis/internal/parser"
)

type loaded struct {
	id    string
	body  string
	hash  string
	mtime int64
	hit   bool
}

// Memo keeps the bodies loaded during one invocation in memory, in front of
// the persistent content cache. An entry is reused only while the file's
// mtime and the indexed body hash are unchanged.
type Memo struct {
	mu     sync.Mutex
	bodies map[string]loaded
}

// NewMemo returns an empty Memo.
func NewMemo() *Memo {
	return &Memo{bodies: make(map[string]loaded)}
}

// Len returns the number of bodies held.
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bodies)
}

func (m *Memo) get(d *models.Document, mtime int64) (loaded, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.bodies[d.ID]
	if !ok || l.mtime != mtime || l.hash != d.BodyHash {
		return loaded{}, false
	}
	return l, true
}

func (m *Memo) put(l loaded) {
	m.mu.Lock()
	m.bodies[l.id] = l
	m.mu.Unlock()
}

// load returns the bodies of docs keyed by id. Bodies come from memo, then
// from the persistent content cache when its entry still matches the file's
// mtime and the indexed body hash, and from the working tree otherwise.
// Cache bookkeeping and the target's view are written in one transaction
// after everything loaded.
func (a *Assembler) load(ctx context.Context, memo *Memo, docs []*models.Document, targetID string) (map[string]string, error) {
	var (
		mu  sync.Mutex
		out = make(map[string]loaded, len(docs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.loadConcurrency)
	for _, d := range docs {
		g.Go(func() error {
			l, err := a.loadOne(gctx, memo, d)
			if err != nil {
				return err
			}
			mu.Lock()
			out[d.ID] = l
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := a.now()
	err := a.db.Update(ctx, func(tx *index.Tx) error {
		var hits []string
		for _, l := range out {
			if l.hit {
				hits = append(hits, l.id)
				continue
			}
			c := index.CachedContent{DocumentID: l.id, Body: l.body, ContentHash: l.hash, SourceMtime: l.mtime}
			if err := tx.PutContent(ctx, c, now); err != nil {
				return err
			}
		}
		if err := tx.TouchContent(ctx, now, hits...); err != nil {
			return err
		}
		if a.recordViews {
			return tx.RecordView(ctx, targetID, now)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("contextasm: record loads: %w", err)
	}

	bodies := make(map[string]string, len(out))
	for id, l := range out {
		bodies[id] = l.body
	}
	return bodies, nil
}

func (a *Assembler) loadOne(ctx context.Context, memo *Memo, d *models.Document) (loaded, error) {
	var mtime int64
	if d.Materialized {
		fi, err := a.store.Stat(d.Path)
		if err != nil {
			return loaded{}, fmt.Errorf("contextasm: %s: %w", d.Path, err)
		}
		mtime = fi.ModTime.UnixNano()
	}
	if l, ok := memo.get(d, mtime); ok {
		return l, nil
	}

	cached, err := a.db.CachedContent(ctx, d.ID)
	if err != nil {
		return loaded{}, err
	}
	if cached != nil && cached.SourceMtime == mtime && cached.ContentHash == d.BodyHash {
		l := loaded{id: d.ID, body: cached.Body, hash: d.BodyHash, mtime: mtime, hit: true}
		memo.put(l)
		return l, nil
	}

	raw, err := a.readRaw(ctx, d)
	if err != nil {
		return loaded{}, err
	}
	parsed, err := parser.Parse(raw)
	if err != nil {
		return loaded{}, fmt.Errorf("contextasm: %s: %w", d.Path, err)
	}
	if checksum.String(parsed.Body) != d.BodyHash {
		return loaded{}, fmt.Errorf("contextasm: %s changed since the last reconcile: %w", d.Path, apperr.ErrCorrupt)
	}
	a.logger.Debug("context body loaded from disk", "id", d.ID, "path", d.Path)
	l := loaded{id: d.ID, body: parsed.Body, hash: d.BodyHash, mtime: mtime}
	memo.put(l)
	return l, nil
}

func (a *Assembler) readRaw(ctx context.Context, d *models.Document) ([]byte, error) {
	if d.Materialized {
		raw, err := a.store.Read(d.Path)
		if err != nil {
			return nil, fmt.Errorf("contextasm: read %s: %w", d.Path, err)
		}
		return raw, nil
	}
	if a.repo == nil {
		return nil, fmt.Errorf("contextasm: %s is not in the working tree: %w", d.Path, apperr.ErrNotFound)
	}
	head, err := a.repo.CurrentRevision(ctx)
	if err != nil {
		return nil, err
	}
	return a.repo.ReadFileAt(ctx, head, d.Path)
}
