package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
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
	"github.com/starford/trellis/internal/linkgraph"
	"github.com/starford/trellis/internal/models"
	"github.com/starford/trellis/internal/parser"
	"github.com/starford/trellis/internal/storage"
	"github.com/starford/trellis/internal/testutil"
	"github.com/starford/trellis/internal/vcs"
)

type env struct {
	t     testing.TB
	repo  *vcs.Fake
	db    *index.DB
	dbDir string
	eng   *Engine
	store *storage.FS
}

var quiet = slog.New(slog.NewJSONHandler(io.Discard, nil))

func newEnv(t testing.TB) *env {
	t.Helper()
	repo := testutil.TestRepo(t)
	store, err := storage.NewFS(repo.Root())
	if err != nil {
		t.Fatal(err)
	}
	e := &env{t: t, repo: repo, store: store, dbDir: t.TempDir()}
	e.open()
	t.Cleanup(func() { e.db.Close() })
	return e
}

func (e *env) open() {
	e.t.Helper()
	db, err := index.Open(filepath.Join(e.dbDir, "cache.db"), index.WithLogger(quiet))
	if err != nil {
		e.t.Fatal(err)
	}
	e.db = db
	e.eng = New(db, e.repo, e.store, WithLogger(quiet))
}

func id(n int) string {
	return idalloc.Format("T", idalloc.InitialCounter+uint64(n), "WQN")
}

func (e *env) write(path string, fm parser.Frontmatter, body string) {
	e.t.Helper()
	testutil.WriteDoc(e.t, e.repo, path, fm, body)
}

func (e *env) reconcile(opts Options) *Result {
	e.t.Helper()
	res, err := e.eng.Reconcile(context.Background(), opts)
	if err != nil {
		e.t.Fatalf("Reconcile: %v", err)
	}
	return res
}

func (e *env) consistent() {
	e.t.Helper()
	drift, err := e.db.Verify(context.Background())
	if err != nil {
		e.t.Fatal(err)
	}
	if len(drift) > 0 {
		e.t.Fatalf("cache drifted: %v", drift)
	}
}

// state is everything a query can observe, minus timestamps of indexing.
type state struct {
	Docs  []models.Document
	Links map[string][]models.Link
	Roots []index.Root
}

func (e *env) snapshot() state {
	e.t.Helper()
	ctx := context.Background()
	docs, err := e.db.Find(ctx, index.Filter{IncludeClosed: true})
	if err != nil {
		e.t.Fatal(err)
	}
	st := state{Links: map[string][]models.Link{}}
	for _, d := range docs {
		d.IndexedAt = time.Time{}
		if d.Labels, err = e.db.Labels(ctx, d.ID); err != nil {
			e.t.Fatal(err)
		}
		st.Docs = append(st.Docs, d)
		links, err := e.db.LinksFrom(ctx, d.ID)
		if err != nil {
			e.t.Fatal(err)
		}
		st.Links[d.ID] = links
	}
	if st.Roots, err = e.db.DirectoryRoots(ctx); err != nil {
		e.t.Fatal(err)
	}
	return st
}

func TestFirstPassRebuildsThenFast(t *testing.T) {
	e := newEnv(t)
	e.write("a.md", parser.Frontmatter{ID: id(0), Name: "A"}, "See [b](b.md#"+id(1)+").\n")
	e.write("b.md", parser.Frontmatter{ID: id(1), Name: "B"}, "plain\n")
	if err := e.repo.WriteFile("README.md", []byte("# Plain markdown\n")); err != nil {
		t.Fatal(err)
	}
	head := e.repo.Commit()

	res := e.reconcile(Options{})
	if res.Strategy != StrategyFull || res.Reason != "empty cache" {
		t.Errorf("first pass = %s (%s)", res.Strategy, res.Reason)
	}
	if res.Indexed != 2 || res.Watermark != head {
		t.Errorf("result = %+v", res)
	}
	e.consistent()

	again := e.reconcile(Options{})
	if again.Strategy != StrategyFast || again.Indexed != 0 {
		t.Errorf("second pass = %+v", again)
	}
	b, err := e.db.Document(context.Background(), id(1))
	if err != nil {
		t.Fatal(err)
	}
	if b.BacklinkCount != 1 {
		t.Errorf("backlinks = %d", b.BacklinkCount)
	}
}

func TestUncommittedEditsAreIdempotent(t *testing.T) {
	e := newEnv(t)
	e.write("a.md", parser.Frontmatter{ID: id(0), Name: "A"}, "one\n")
	e.repo.Commit()
	e.reconcile(Options{})

	e.write("a.md", parser.Frontmatter{ID: id(0), Name: "A edited"}, "two\n")
	e.write("new.md", parser.Frontmatter{ID: id(1), Name: "New"}, "fresh\n")
	if err := e.repo.WriteFile("broken.md", []byte("<<<<<<< HEAD\nx\n=======\ny\n>>>>>>> other\n")); err != nil {
		t.Fatal(err)
	}

	res := e.reconcile(Options{})
	if res.Strategy != StrategyIncremental || res.Indexed != 2 {
		t.Errorf("pass = %+v", res)
	}
	if len(res.Findings.Of(apperr.FindingConflictMarkers)) != 1 {
		t.Errorf("findings = %v", res.Findings)
	}
	before := e.snapshot()

	for range 2 {
		res = e.reconcile(Options{})
		if res.Strategy != StrategyFast {
			t.Fatalf("repeat pass = %+v", res)
		}
	}
	if !reflect.DeepEqual(before, e.snapshot()) {
		t.Error("repeat passes changed the cache")
	}

	// Reverting the working tree is itself a change.
	e.write("a.md", parser.Frontmatter{ID: id(0), Name: "A"}, "one\n")
	if res := e.reconcile(Options{}); res.Strategy != StrategyIncremental {
		t.Errorf("after revert = %s", res.Strategy)
	}
	a, _ := e.db.Document(context.Background(), id(0))
	if a.Name != "A" {
		t.Errorf("name after revert = %q", a.Name)
	}
}

func TestSingleEditTouchesOnePath(t *testing.T) {
	e := newEnv(t)
	for i := range 200 {
		e.write(fmt.Sprintf("docs/d%03d.md", i), parser.Frontmatter{ID: id(i)}, "body\n")
	}
	e.repo.Commit()
	e.reconcile(Options{})

	e.write("docs/d117.md", parser.Frontmatter{ID: id(117), Name: "changed"}, "new body\n")
	e.repo.Commit()
	res := e.reconcile(Options{})
	if res.Strategy != StrategyIncremental || res.Indexed != 1 || res.Removed != 0 {
		t.Errorf("pass = %+v", res)
	}
}

func TestRebuildEquivalence(t *testing.T) {
	e := newEnv(t)
	e.write("proj/proj.md", parser.Frontmatter{ID: id(0), Name: "Project", Labels: []string{"p"}}, "Root.\n")
	e.write("proj/a.md", parser.Frontmatter{ID: id(1), Name: "A"},
		"Uses [b](b.md#"+id(2)+") and [d](tasks/d.md#"+id(3)+").\n")
	e.write("proj/b.md", parser.Frontmatter{ID: id(2), Name: "B"}, "B.\n")
	e.write("proj/tasks/d.md", parser.Frontmatter{ID: id(3), Name: "D", BlockedBy: []string{id(1)}}, "D.\n")
	e.repo.Commit()
	e.reconcile(Options{})

	e.write("proj/a.md", parser.Frontmatter{ID: id(1), Name: "A2"},
		"Uses [b](b.md#"+id(2)+"), [d](tasks/d.md#"+id(3)+") and [p]("+id(0)+").\n")
	if err := e.repo.Move("proj/b.md", "proj/moved/b.md"); err != nil {
		t.Fatal(err)
	}
	if err := e.repo.Remove("proj/tasks/d.md"); err != nil {
		t.Fatal(err)
	}
	e.repo.Commit()
	if res := e.reconcile(Options{}); res.Strategy != StrategyIncremental {
		t.Fatalf("pass 2 = %+v", res)
	}

	e.write("proj/tasks/tasks.md", parser.Frontmatter{ID: id(4), Name: "Tasks"}, "Tasks root.\n")
	e.write("proj/proj.md", parser.Frontmatter{ID: id(0), Name: "Project", Labels: []string{"q"}}, "Root.\n")
	e.repo.Commit()
	e.write("proj/.closed/old.md", parser.Frontmatter{ID: id(5), Name: "Old"}, "[a]("+id(1)+")\n")
	if res := e.reconcile(Options{}); res.Strategy != StrategyIncremental {
		t.Fatalf("pass 3 = %+v", res)
	}
	e.consistent()
	incremental := e.snapshot()

	if res := e.reconcile(Options{Force: true}); res.Strategy != StrategyFull {
		t.Fatalf("forced = %+v", res)
	}
	e.consistent()
	full := e.snapshot()
	if !reflect.DeepEqual(incremental, full) {
		t.Errorf("incremental and full rebuild disagree:\n%+v\n%+v", incremental, full)
	}

	links := full.Links[id(1)]
	if len(links) != 3 || !links[0].Stale {
		t.Errorf("links of A = %+v", links)
	}
}

func TestShallowHistoryRebuilds(t *testing.T) {
	e := newEnv(t)
	e.write("a.md", parser.Frontmatter{ID: id(0)}, "a\n")
	first := e.repo.Commit()
	e.reconcile(Options{})

	e.write("b.md", parser.Frontmatter{ID: id(1)}, "b\n")
	e.repo.Commit()
	e.repo.Prune(first)

	res := e.reconcile(Options{})
	if res.Strategy != StrategyFull || !strings.Contains(res.Reason, "not in local history") {
		t.Errorf("pass = %+v", res)
	}
	if n, _ := e.db.CountDocuments(context.Background()); n != 2 {
		t.Errorf("documents = %d", n)
	}
}

func TestSparseCheckoutIndexesFromHistory(t *testing.T) {
	e := newEnv(t)
	e.write("a.md", parser.Frontmatter{ID: id(0)}, "a\n")
	e.write("far/b.md", parser.Frontmatter{ID: id(1)}, "b\n")
	e.repo.Commit()
	if err := e.repo.Hide("far/b.md"); err != nil {
		t.Fatal(err)
	}

	e.reconcile(Options{})
	b, err := e.db.Document(context.Background(), id(1))
	if err != nil {
		t.Fatalf("hidden document not indexed: %v", err)
	}
	if b.Materialized {
		t.Error("hidden document should not be materialized")
	}
	if res := e.reconcile(Options{}); res.Strategy != StrategyFast {
		t.Errorf("second pass = %s", res.Strategy)
	}
}

func TestDuplicateIDSkipped(t *testing.T) {
	e := newEnv(t)
	e.write("a.md", parser.Frontmatter{ID: id(0), Name: "first"}, "")
	e.write("b.md", parser.Frontmatter{ID: id(0), Name: "second"}, "")
	e.write("c.md", parser.Frontmatter{ID: "lowercase"}, "")
	e.repo.Commit()

	res := e.reconcile(Options{})
	if len(res.Findings.Of(apperr.FindingDuplicateID)) != 1 || len(res.Findings.Of(apperr.FindingParse)) != 1 {
		t.Errorf("findings = %v", res.Findings)
	}
	d, _ := e.db.Document(context.Background(), id(0))
	if d.Path != "a.md" {
		t.Errorf("kept %s", d.Path)
	}
}

func TestDuplicateLoserIndexedOnceWinnerIsGone(t *testing.T) {
	for _, committed := range []bool{true, false} {
		t.Run(fmt.Sprintf("committed=%v", committed), func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t)
			e.write("a.md", parser.Frontmatter{ID: id(0), Name: "first"}, "")
			e.repo.Commit()
			e.reconcile(Options{})

			e.write("b.md", parser.Frontmatter{ID: id(0), Name: "second"}, "")
			e.repo.Commit()
			res := e.reconcile(Options{})
			if len(res.Findings.Of(apperr.FindingDuplicateID)) != 1 || res.Indexed != 0 {
				t.Fatalf("clash pass: indexed=%d findings=%v", res.Indexed, res.Findings)
			}
			if res := e.reconcile(Options{}); res.Strategy != StrategyFast {
				t.Fatalf("unchanged tree ran %s", res.Strategy)
			}

			if err := e.repo.Remove("a.md"); err != nil {
				t.Fatal(err)
			}
			if committed {
				e.repo.Commit()
			}
			res = e.reconcile(Options{})
			if res.Strategy != StrategyIncremental || res.Removed != 1 || res.Indexed != 1 {
				t.Fatalf("winner removed: %+v", res)
			}
			d, err := e.db.Document(ctx, id(0))
			if err != nil || d.Path != "b.md" {
				t.Fatalf("Document = %+v, %v", d, err)
			}
			if res := e.reconcile(Options{}); res.Strategy != StrategyFast {
				t.Errorf("settled tree ran %s", res.Strategy)
			}
			e.consistent()

			incremental := e.snapshot()
			e.reconcile(Options{Force: true})
			if full := e.snapshot(); !reflect.DeepEqual(incremental, full) {
				t.Errorf("incremental and full passes disagree:\n%+v\n%+v", incremental, full)
			}
		})
	}
}

func TestStalePathAfterMove(t *testing.T) {
	e := newEnv(t)
	e.write("a.md", parser.Frontmatter{ID: id(0)}, "Read\n[the design](docs/b.md#"+id(1)+").\n")
	e.write("docs/b.md", parser.Frontmatter{ID: id(1)}, "")
	e.repo.Commit()
	e.reconcile(Options{})

	if err := e.repo.Move("docs/b.md", "archive/b.md"); err != nil {
		t.Fatal(err)
	}
	e.repo.Commit()
	e.reconcile(Options{})

	findings, err := linkgraph.New(e.db).Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	stale := findings.Of(apperr.FindingStalePath)
	if len(stale) != 1 || stale[0].Path != "a.md" || stale[0].Line != 6 {
		t.Errorf("findings = %v", findings)
	}
	into, _ := linkgraph.New(e.db).To(context.Background(), id(1))
	if len(into) != 1 {
		t.Errorf("edge lost on move: %+v", into)
	}
}

func TestCacheDeletionGivesSameAnswers(t *testing.T) {
	e := newEnv(t)
	e.write("x/x.md", parser.Frontmatter{ID: id(0), ContextFor: []string{"api"}}, "root\n")
	e.write("x/y.md", parser.Frontmatter{ID: id(1), BlockedBy: []string{id(0)}}, "[x]("+id(0)+")\n")
	e.repo.Commit()
	e.reconcile(Options{})
	before := e.snapshot()

	e.db.Close()
	if err := index.RemoveFiles(e.db.Path()); err != nil {
		t.Fatal(err)
	}
	e.open()
	if res := e.reconcile(Options{}); res.Strategy != StrategyFull {
		t.Errorf("after deletion = %s", res.Strategy)
	}
	if !reflect.DeepEqual(before, e.snapshot()) {
		t.Error("answers changed after cache deletion")
	}
}

func TestViewsSurviveRebuild(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.write("a.md", parser.Frontmatter{ID: id(0)}, "")
	e.repo.Commit()
	e.reconcile(Options{})
	if err := e.db.Update(ctx, func(tx *index.Tx) error { return tx.RecordView(ctx, id(0), time.Now()) }); err != nil {
		t.Fatal(err)
	}
	e.reconcile(Options{Force: true})
	a, _ := e.db.Document(ctx, id(0))
	if a.ViewCount != 1 {
		t.Errorf("views = %d", a.ViewCount)
	}
}

func TestRebuildFailureIsNotRetried(t *testing.T) {
	e := newEnv(t)
	e.write("a.md", parser.Frontmatter{ID: id(0)}, "")
	e.repo.Commit()
	e.repo.FailNext("ListTrackedPaths", errors.New("disk on fire"))

	_, err := e.eng.Reconcile(context.Background(), Options{})
	if !errors.Is(err, apperr.ErrRebuildFailed) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "delete "+e.dbDir) {
		t.Errorf("error lacks remedy: %v", err)
	}
	// The injected failure is consumed; a fresh call succeeds.
	if res := e.reconcile(Options{}); res.Strategy != StrategyFull {
		t.Errorf("retry by caller = %s", res.Strategy)
	}
}

func TestEmptiedCacheRebuilds(t *testing.T) {
	e := newEnv(t)
	e.write("a.md", parser.Frontmatter{ID: id(0)}, "")
	e.repo.Commit()
	e.reconcile(Options{})
	if err := e.db.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := e.reconcile(Options{})
	if res.Strategy != StrategyFull || res.Reason != "no indexed revision" || res.Indexed != 1 {
		t.Errorf("pass = %+v", res)
	}
}

func TestCorruptCacheFileIsReplaced(t *testing.T) {
	e := newEnv(t)
	e.write("a.md", parser.Frontmatter{ID: id(0)}, "")
	e.repo.Commit()
	e.reconcile(Options{})
	path := e.db.Path()
	e.db.Close()
	if err := index.RemoveFiles(path); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, bytes.Repeat([]byte("not a database "), 512), 0o644); err != nil {
		t.Fatal(err)
	}

	e.open()
	res := e.reconcile(Options{})
	if res.Strategy != StrategyFull || res.Indexed != 1 {
		t.Errorf("pass = %+v", res)
	}
}

func TestCounterRaisedByCommittedIDs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if err := e.db.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.db.Update(ctx, func(tx *index.Tx) error { return tx.SetCounter(ctx, "WQN", 51) }); err != nil {
		t.Fatal(err)
	}
	e.write("a.md", parser.Frontmatter{ID: id(30)}, "")
	e.repo.Commit()
	e.reconcile(Options{})

	raw, _, _ := e.db.Counter(ctx, "WQN")
	if raw != "81" {
		t.Errorf("counter = %q, want 81", raw)
	}
}

func BenchmarkSingleEditIncremental(b *testing.B) {
	if testing.Short() {
		b.Skip("large tree")
	}
	e := newEnv(b)
	for i := range 10000 {
		e.write(fmt.Sprintf("d%02d/doc%05d.md", i%100, i), parser.Frontmatter{ID: id(i)},
			fmt.Sprintf("Links to [next](%s).\n", id((i+1)%10000)))
	}
	e.repo.Commit()
	e.reconcile(Options{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		n := i % 10000
		e.write(fmt.Sprintf("d%02d/doc%05d.md", n%100, n), parser.Frontmatter{ID: id(n), Name: fmt.Sprint(i)}, "edited\n")
		e.repo.Commit()
		if res := e.reconcile(Options{}); res.Indexed != 1 {
			b.Fatalf("pass = %+v", res)
		}
	}
}
