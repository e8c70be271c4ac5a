package contextasm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/idalloc"
	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/parser"
	"github.com/starford/trellis/internal/reconcile"
	"github.com/starford/trellis/internal/storage"
	"github.com/starford/trellis/internal/vcs"
)

var quiet = slog.New(slog.NewJSONHandler(io.Discard, nil))

func id(n int) string {
	return idalloc.Format("T", idalloc.InitialCounter+uint64(n), "WQN")
}

var (
	target = id(0)
	label  = id(1)
	body   = id(2)
	root   = id(3)
	meta   = id(4)
)

type fixture struct {
	t    *testing.T
	repo *vcs.Fake
	db   *index.DB
	eng  *reconcile.Engine
	asm  *Assembler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := vcs.NewFake(t.TempDir())
	store, err := storage.NewFS(repo.Root())
	if err != nil {
		t.Fatal(err)
	}
	db, err := index.Open(filepath.Join(t.TempDir(), "cache.db"), index.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return &fixture{
		t:    t,
		repo: repo,
		db:   db,
		eng:  reconcile.New(db, repo, store, reconcile.WithLogger(quiet)),
		asm:  New(db, store, WithRepository(repo), WithLogger(quiet)),
	}
}

func (f *fixture) write(path string, fm parser.Frontmatter, text string) {
	f.t.Helper()
	data, err := parser.Serialize(fm, text)
	if err != nil {
		f.t.Fatal(err)
	}
	if err := f.repo.WriteFile(path, data); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) reconcile() {
	f.t.Helper()
	res, err := f.eng.Reconcile(context.Background(), reconcile.Options{})
	if err != nil {
		f.t.Fatal(err)
	}
	if len(res.Findings) > 0 {
		f.t.Fatalf("findings: %v", res.Findings)
	}
}

// seed writes a target with one candidate in each category.
func (f *fixture) seed(mod func(p string, fm *parser.Frontmatter)) {
	f.t.Helper()
	docs := []struct {
		path string
		fm   parser.Frontmatter
		text string
	}{
		{"proj/task.md", parser.Frontmatter{ID: target, Name: "Task", Labels: []string{"api"}, BlockedBy: []string{meta}},
			"See [the body doc](" + body + ").\n"},
		{"docs/style.md", parser.Frontmatter{ID: label, Name: "Style", ContextFor: []string{"api"}}, "Use tabs.\n"},
		{"docs/body.md", parser.Frontmatter{ID: body, Name: "Body"}, "Linked from prose.\n"},
		{"proj/proj.md", parser.Frontmatter{ID: root, Name: "Project"}, "Project overview.\n"},
		{"docs/meta.md", parser.Frontmatter{ID: meta, Name: "Meta"}, "Blocks the task.\n"},
	}
	for _, d := range docs {
		if mod != nil {
			mod(d.path, &d.fm)
		}
		f.write(d.path, d.fm, d.text)
	}
	f.repo.Commit()
	f.reconcile()
}

func (f *fixture) size(ids ...string) int {
	f.t.Helper()
	n := 0
	for _, id := range ids {
		d, err := f.db.Document(context.Background(), id)
		if err != nil {
			f.t.Fatal(err)
		}
		n += Size(d)
	}
	return n
}

func (f *fixture) assemble(budget, refBudget int) *Result {
	f.t.Helper()
	res, err := f.asm.Assemble(context.Background(), target, budget, refBudget)
	if err != nil {
		f.t.Fatal(err)
	}
	return res
}

func sectionIDs(res *Result) []string {
	var ids []string
	for _, s := range res.Sections {
		ids = append(ids, s.ID)
	}
	return ids
}

func overflowIDs(res *Result) []string {
	var ids []string
	for _, r := range res.Overflow {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestCategoryOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(nil)

	res := f.assemble(1<<20, 0)
	want := []string{target, label, body, root, meta}
	if got := sectionIDs(res); !reflect.DeepEqual(got, want) {
		t.Fatalf("sections = %v, want %v", got, want)
	}
	if !res.Sections[0].Target {
		t.Error("first section should be the target")
	}
	cats := []Category{"", CategoryLabel, CategoryBody, CategoryRoot, CategoryMetadata}
	for i, s := range res.Sections {
		if s.Category != cats[i] {
			t.Errorf("section %s category = %q, want %q", s.ID, s.Category, cats[i])
		}
	}
	if len(res.Overflow) != 0 {
		t.Errorf("overflow = %v", res.Overflow)
	}
}

func TestBudgetNeverExceeded(t *testing.T) {
	f := newFixture(t)
	f.seed(nil)
	total := f.size(label, body, root, meta)

	for budget := 0; budget <= total+1; budget += 7 {
		res := f.assemble(budget, 0)
		if res.Used > budget {
			t.Fatalf("budget %d: used %d", budget, res.Used)
		}
		used, count := 0, 0
		for _, s := range res.Sections {
			if n := len([]rune(s.Text)); n != s.Size {
				t.Fatalf("section %s size %d, text has %d characters", s.ID, s.Size, n)
			}
			if s.Target {
				continue
			}
			used += s.Size
			count++
		}
		if used != res.Used {
			t.Fatalf("budget %d: sections sum to %d, reported %d", budget, used, res.Used)
		}
		for _, r := range res.Overflow {
			if r.Size <= budget-res.Used {
				t.Fatalf("budget %d: %s (size %d) overflowed but fits in the %d left", budget, r.ID, r.Size, budget-res.Used)
			}
		}
		if count+len(res.Overflow) != 4 {
			t.Fatalf("budget %d: %d selected + %d overflow, want 4", budget, count, len(res.Overflow))
		}
	}
}

func TestOversizedCandidateIsSkippedNotTruncated(t *testing.T) {
	f := newFixture(t)
	f.seed(nil)
	f.write("docs/body.md", parser.Frontmatter{ID: body, Name: "Body"}, strings.Repeat("long text ", 500))
	f.repo.Commit()
	f.reconcile()

	budget := f.size(label, root, meta)
	res := f.assemble(budget, 0)
	if got, want := sectionIDs(res), []string{target, label, root, meta}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sections = %v, want %v", got, want)
	}
	if got := overflowIDs(res); !reflect.DeepEqual(got, []string{body}) {
		t.Fatalf("overflow = %v", got)
	}
	if res.Used != budget {
		t.Errorf("used = %d, want %d", res.Used, budget)
	}
}

func TestPositionHints(t *testing.T) {
	f := newFixture(t)
	f.seed(func(_ string, fm *parser.Frontmatter) {
		switch fm.ID {
		case label:
			fm.ContextPosition = -1
		case root:
			fm.ContextPosition = -5
		case meta:
			fm.ContextPosition = 2
		}
	})
	res := f.assemble(1<<20, 0)
	want := []string{root, label, target, body, meta}
	if got := sectionIDs(res); !reflect.DeepEqual(got, want) {
		t.Fatalf("sections = %v, want %v", got, want)
	}
}

func TestPriorityWithinCategory(t *testing.T) {
	f := newFixture(t)
	f.seed(nil)
	extra := id(5)
	f.write("docs/guide.md", parser.Frontmatter{ID: extra, Name: "Guide", ContextFor: []string{"api"}, ContextPriority: 3}, "Read first.\n")
	f.repo.Commit()
	f.reconcile()

	res := f.assemble(1<<20, 0)
	want := []string{target, extra, label, body, root, meta}
	if got := sectionIDs(res); !reflect.DeepEqual(got, want) {
		t.Fatalf("sections = %v, want %v", got, want)
	}
}

func TestReferenceBudget(t *testing.T) {
	f := newFixture(t)
	f.seed(nil)

	res := f.assemble(0, 0)
	if got, want := overflowIDs(res), []string{label, body, root, meta}; !reflect.DeepEqual(got, want) {
		t.Fatalf("overflow = %v, want %v", got, want)
	}
	if len(res.Sections) != 1 || !res.Sections[0].Target {
		t.Fatalf("sections = %v, want the target only", sectionIDs(res))
	}

	first := len([]rune(referenceLine(res.Overflow[0])))
	res = f.assemble(0, first)
	if got := overflowIDs(res); !reflect.DeepEqual(got, []string{label}) {
		t.Fatalf("overflow = %v", got)
	}
	if res.Omitted != 3 {
		t.Errorf("omitted = %d, want 3", res.Omitted)
	}
	out := Render(res)
	if !strings.Contains(out, "and 3 more") || !strings.Contains(out, "docs/style.md#"+label) {
		t.Errorf("render:\n%s", out)
	}
}

func TestRenderIncludesBodies(t *testing.T) {
	f := newFixture(t)
	f.seed(nil)
	out := Render(f.assemble(1<<20, 0))
	for _, s := range []string{"## Task [" + target + "](proj/task.md)", "Use tabs.", "Project overview."} {
		if !strings.Contains(out, s) {
			t.Errorf("render missing %q:\n%s", s, out)
		}
	}
	if strings.Contains(out, "Also relevant") {
		t.Errorf("unexpected overflow listing:\n%s", out)
	}
}

func TestContentCacheAndViews(t *testing.T) {
	f := newFixture(t)
	f.seed(nil)
	ctx := context.Background()

	f.assemble(1<<20, 0)
	n, err := f.db.ContentEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("content entries = %d, want 5", n)
	}
	f.assemble(1<<20, 0)
	d, err := f.db.Document(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if d.ViewCount != 2 {
		t.Errorf("view count = %d, want 2", d.ViewCount)
	}

	// A re-indexed edit invalidates the cached body.
	f.write("docs/style.md", parser.Frontmatter{ID: label, Name: "Style", ContextFor: []string{"api"}}, "Use spaces.\n")
	f.reconcile()
	out := Render(f.assemble(1<<20, 0))
	if !strings.Contains(out, "Use spaces.") || strings.Contains(out, "Use tabs.") {
		t.Errorf("stale body served:\n%s", out)
	}
}

func TestEditSinceReconcileIsReported(t *testing.T) {
	f := newFixture(t)
	f.seed(nil)

	f.write("docs/body.md", parser.Frontmatter{ID: body, Name: "Body"}, "Edited behind the cache.\n")
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(f.repo.Root(), "docs", "body.md"), later, later); err != nil {
		t.Fatal(err)
	}
	_, err := f.asm.Assemble(context.Background(), target, 1<<20, 0)
	if !errors.Is(err, apperr.ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestMemoServesBodiesWithinOneInvocation(t *testing.T) {
	f := newFixture(t)
	f.seed(nil)
	ctx := context.Background()

	memo := NewMemo()
	if _, err := f.asm.AssembleWith(ctx, memo, target, 1<<20, 0); err != nil {
		t.Fatal(err)
	}
	if memo.Len() != 5 {
		t.Fatalf("memo holds %d bodies, want 5", memo.Len())
	}

	// Rewrite the body behind the cache with the old mtime and spoil the
	// persisted entry: only the memo still has a valid copy.
	abs := filepath.Join(f.repo.Root(), "docs", "body.md")
	fi, err := os.Stat(abs)
	if err != nil {
		t.Fatal(err)
	}
	f.write("docs/body.md", parser.Frontmatter{ID: body, Name: "Body"}, "Edited behind the cache.\n")
	if err := os.Chtimes(abs, fi.ModTime(), fi.ModTime()); err != nil {
		t.Fatal(err)
	}
	err = f.db.Update(ctx, func(tx *index.Tx) error {
		return tx.PutContent(ctx, index.CachedContent{
			DocumentID: body, Body: "spoiled", ContentHash: "spoiled", SourceMtime: fi.ModTime().UnixNano(),
		}, time.Now())
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.asm.Assemble(ctx, target, 1<<20, 0); !errors.Is(err, apperr.ErrCorrupt) {
		t.Fatalf("fresh invocation err = %v, want ErrCorrupt", err)
	}
	res, err := f.asm.AssembleWith(ctx, memo, target, 1<<20, 0)
	if err != nil {
		t.Fatalf("memo invocation: %v", err)
	}
	var text string
	for _, s := range res.Sections {
		if s.ID == body {
			text = s.Text
		}
	}
	if !strings.Contains(text, "Linked from prose.") {
		t.Errorf("body section = %q", text)
	}

	later := fi.ModTime().Add(time.Hour)
	if err := os.Chtimes(abs, later, later); err != nil {
		t.Fatal(err)
	}
	if _, err := f.asm.AssembleWith(ctx, memo, target, 1<<20, 0); !errors.Is(err, apperr.ErrCorrupt) {
		t.Fatalf("after mtime change err = %v, want ErrCorrupt", err)
	}
}

func TestUnknownTarget(t *testing.T) {
	f := newFixture(t)
	f.seed(nil)
	_, err := f.asm.Assemble(context.Background(), id(40), 100, 0)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
