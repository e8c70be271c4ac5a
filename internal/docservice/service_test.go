package docservice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/contextasm"
	"github.com/starford/trellis/internal/idalloc"
	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/parser"
	"github.com/starford/trellis/internal/reconcile"
	"github.com/starford/trellis/internal/storage"
	"github.com/starford/trellis/internal/testutil"
	"github.com/starford/trellis/internal/vcs"
)

var quiet = slog.New(slog.NewJSONHandler(io.Discard, nil))

func id(n int) string {
	return idalloc.Format("T", idalloc.InitialCounter+uint64(n), "WQN")
}

func newService(t *testing.T) (*Service, *vcs.Fake) {
	t.Helper()
	repo := testutil.TestRepo(t)
	store, err := storage.NewFS(repo.Root())
	if err != nil {
		t.Fatal(err)
	}
	db, err := index.Open(filepath.Join(t.TempDir(), "cache.db"), index.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	eng := reconcile.New(db, repo, store, reconcile.WithLogger(quiet))
	alloc := idalloc.New(db, idalloc.NewMemoryTokenStore("WQN"), idalloc.WithLogger(quiet))
	asm := contextasm.New(db, store, contextasm.WithRepository(repo), contextasm.WithLogger(quiet))
	return NewService(db, eng, alloc, asm, WithLogger(quiet)), repo
}

func TestQueriesSeeUncommittedEdits(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	testutil.WriteDoc(t, repo, "a.md", parser.Frontmatter{ID: id(0), Name: "Alpha"}, "Links to [b]("+id(1)+").\n")
	repo.Commit()
	if _, err := svc.Document(ctx, id(0)); err != nil {
		t.Fatal(err)
	}

	testutil.WriteDoc(t, repo, "b.md", parser.Frontmatter{ID: id(1), Name: "Beta"}, "Back to [a]("+id(0)+").\n")
	d, err := svc.DocumentByPath(ctx, "b.md")
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "Beta" || len(d.LinksFrom) != 1 || len(d.LinksTo) != 1 {
		t.Fatalf("detail = %+v", d)
	}

	path, err := svc.Path(ctx, id(1), id(0))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(path, []string{id(1), id(0)}) {
		t.Errorf("path = %v", path)
	}
}

func TestNewIDsSkipCommittedIDs(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	testutil.WriteDoc(t, repo, "a.md", parser.Frontmatter{ID: id(0)}, "a\n")
	repo.Commit()

	preview, err := svc.PreviewIDs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	ids, err := svc.NewIDs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(preview, ids) {
		t.Errorf("preview %v, allocated %v", preview, ids)
	}
	if ids[0] != id(1) || ids[1] != id(2) {
		t.Errorf("ids = %v, want %s %s", ids, id(1), id(2))
	}
	if _, err := svc.NewIDs(ctx, 0); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("NewIDs(0) err = %v", err)
	}
}

func TestCheckReport(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	testutil.WriteDoc(t, repo, "a.md", parser.Frontmatter{ID: id(0), BlockedBy: []string{id(9)}}, "self [a]("+id(0)+")\n")
	testutil.WriteDoc(t, repo, "bad.md", parser.Frontmatter{ID: "nope"}, "x\n")
	repo.Commit()

	rep, err := svc.Check(ctx)
	if err != nil {
		t.Fatal(err)
	}
	kinds := map[apperr.FindingKind]int{}
	for _, f := range rep.Findings {
		kinds[f.Kind]++
	}
	if kinds[apperr.FindingParse] != 1 || kinds[apperr.FindingSelfLink] != 1 || kinds[apperr.FindingMissingTarget] != 1 {
		t.Errorf("findings = %v", rep.Findings)
	}
	if len(rep.Drift) != 0 {
		t.Errorf("drift = %v", rep.Drift)
	}
}

func TestContextRendered(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	testutil.WriteDoc(t, repo, "a.md", parser.Frontmatter{ID: id(0), Name: "Alpha"}, "See [b]("+id(1)+").\n")
	testutil.WriteDoc(t, repo, "b.md", parser.Frontmatter{ID: id(1), Name: "Beta"}, "Beta body.\n")
	repo.Commit()

	res, err := svc.Context(ctx, id(0), 10000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sections) != 2 || !strings.Contains(res.Rendered, "Beta body.") {
		t.Errorf("context = %+v", res)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Search(context.Background(), "", 10); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}
