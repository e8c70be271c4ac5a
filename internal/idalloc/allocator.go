package idalloc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/index"
)

// DefaultPrefix starts every identifier unless configured otherwise.
const DefaultPrefix = "T"

// MaxPreview bounds a single Preview call.
const MaxPreview = 1000

var tokenPattern = regexp.MustCompile(`^[A-Z2-7]+$`)

// reader is the read surface shared by *index.DB and *index.Tx.
type reader interface {
	Counter(ctx context.Context, contributor string) (string, bool, error)
	IDsWithSuffix(ctx context.Context, suffix string) ([]string, error)
	HasDocument(ctx context.Context, id string) (bool, error)
}

// Allocator hands out identifiers for the local contributor.
type Allocator struct {
	db     *index.DB
	tokens TokenStore
	prefix string
	rand   io.Reader
	logger *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithPrefix sets the identifier prefix.
func WithPrefix(p string) Option {
	return func(a *Allocator) { a.prefix = p }
}

// WithRandom replaces crypto/rand as the token source.
func WithRandom(r io.Reader) Option {
	return func(a *Allocator) { a.rand = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// New returns an Allocator over db that keeps its token in tokens.
func New(db *index.DB, tokens TokenStore, opts ...Option) *Allocator {
	a := &Allocator{db: db, tokens: tokens, prefix: DefaultPrefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Prefix returns the identifier prefix.
func (a *Allocator) Prefix() string { return a.prefix }

// Token returns the local contributor token, choosing and persisting one
// the first time it is needed.
func (a *Allocator) Token(ctx context.Context) (string, error) {
	t, err := a.tokens.Load()
	if err != nil {
		return "", err
	}
	if t != "" {
		if err := ValidateToken(t); err != nil {
			return "", err
		}
		return t, nil
	}
	t, err = chooseToken(ctx, a.db, a.rand)
	if err != nil {
		return "", err
	}
	if err := a.tokens.Save(t); err != nil {
		return "", err
	}
	a.logger.Info("idalloc: chose contributor token", slog.String("token", t))
	return t, nil
}

// ValidateToken rejects tokens that cannot appear at the end of an id.
func ValidateToken(t string) error {
	err := validation.Validate(t,
		validation.Required,
		validation.Length(minTokenLen, maxTokenLen),
		validation.Match(tokenPattern),
	)
	if err != nil {
		return fmt.Errorf("idalloc: token %q: %v: %w", t, err, apperr.ErrInvalid)
	}
	return nil
}

// Allocate returns the next free identifier for contributor and advances
// the persisted counter past it, all in one write transaction.
func (a *Allocator) Allocate(ctx context.Context, contributor string) (string, error) {
	if err := ValidateToken(contributor); err != nil {
		return "", err
	}
	var id string
	err := a.db.Update(ctx, func(tx *index.Tx) error {
		start, err := a.startCounter(ctx, tx, contributor)
		if err != nil {
			return err
		}
		ids, next, err := a.sequence(ctx, tx, contributor, start, 1)
		if err != nil {
			return err
		}
		if err := tx.SetCounter(ctx, contributor, next); err != nil {
			return err
		}
		id = ids[0]
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("idalloc: allocate for %s: %w", contributor, err)
	}
	a.logger.Debug("idalloc: allocated", slog.String("id", id))
	return id, nil
}

// Preview returns the next n identifiers Allocate would hand out without
// reserving them. Nothing is written.
func (a *Allocator) Preview(ctx context.Context, contributor string, n int) ([]string, error) {
	if err := ValidateToken(contributor); err != nil {
		return nil, err
	}
	if err := validation.Validate(n, validation.Required, validation.Min(1), validation.Max(MaxPreview)); err != nil {
		return nil, fmt.Errorf("idalloc: preview count %d: %v: %w", n, err, apperr.ErrInvalid)
	}
	start, err := a.startCounter(ctx, a.db, contributor)
	if err != nil {
		return nil, err
	}
	ids, _, err := a.sequence(ctx, a.db, contributor, start, n)
	if err != nil {
		return nil, fmt.Errorf("idalloc: preview for %s: %w", contributor, err)
	}
	return ids, nil
}

// startCounter reads the persisted next counter. A missing row, or one that
// no longer parses, is rebuilt from the ids already in the cache.
func (a *Allocator) startCounter(ctx context.Context, r reader, contributor string) (uint64, error) {
	raw, ok, err := r.Counter(ctx, contributor)
	if err != nil {
		return 0, err
	}
	if ok {
		n, perr := strconv.ParseUint(raw, 10, 64)
		if perr == nil {
			return n, nil
		}
		a.logger.Warn("idalloc: unreadable counter, rescanning documents",
			slog.String("contributor", contributor), slog.String("value", raw))
	}
	return a.rescan(ctx, r, contributor)
}

func (a *Allocator) rescan(ctx context.Context, r reader, contributor string) (uint64, error) {
	ids, err := r.IDsWithSuffix(ctx, contributor)
	if err != nil {
		return 0, err
	}
	next := InitialCounter
	for _, id := range ids {
		if n, ok := CounterOf(id, a.prefix, contributor); ok && n+1 > next {
			next = n + 1
		}
	}
	return next, nil
}

// sequence walks counters from start, skipping ids already in use, until it
// has n of them. It returns the counter following the last one handed out.
func (a *Allocator) sequence(ctx context.Context, r reader, contributor string, start uint64, n int) ([]string, uint64, error) {
	out := make([]string, 0, n)
	seen := make(map[string]bool, n)
	c := start
	for len(out) < n {
		id := Format(a.prefix, c, contributor)
		c++
		taken, err := r.HasDocument(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		if taken {
			a.logger.Debug("idalloc: skipping id in use", slog.String("id", id))
			continue
		}
		if seen[id] {
			return nil, 0, fmt.Errorf("idalloc: %s produced twice: %w", id, apperr.ErrInvariant)
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, c, nil
}

// Observe raises the counter of every contributor with a counter row past
// the given committed ids, so ids minted elsewhere are never re-issued.
// Rows that do not parse are left for Allocate to rescan.
func Observe(ctx context.Context, tx *index.Tx, prefix string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	contributors, err := tx.Contributors(ctx)
	if err != nil {
		return err
	}
	for _, c := range contributors {
		raw, _, err := tx.Counter(ctx, c)
		if err != nil {
			return err
		}
		cur, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil {
			continue
		}
		next := cur
		for _, id := range ids {
			if n, ok := CounterOf(id, prefix, c); ok && n+1 > next {
				next = n + 1
			}
		}
		if next != cur {
			if err := tx.SetCounter(ctx, c, next); err != nil {
				return fmt.Errorf("idalloc: observe: %w", err)
			}
		}
	}
	return nil
}
