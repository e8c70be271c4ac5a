package internal

import (
	"fmt"
	"log/slog"

	"github.com/starford/trellis/internal/contextasm"
	"github.com/starford/trellis/internal/docservice"
	"github.com/starford/trellis/internal/idalloc"
	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/reconcile"
	"github.com/starford/trellis/internal/storage"
	"github.com/starford/trellis/internal/vcs"
)

// Stack is every component of one repository's cache, wired together.
type Stack struct {
	Config  *Config
	Root    string
	DB      *index.DB
	Engine  *reconcile.Engine
	Service *docservice.Service
}

// Close releases the cache.
func (s *Stack) Close() error {
	return s.DB.Close()
}

// NewStack opens the cache for cfg.Repo and wires the components over it.
func NewStack(cfg *Config, logger *slog.Logger) (*Stack, error) {
	repo, err := vcs.NewGit(cfg.Repo.Path, cfg.Repo.GitTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewFS(repo.Root())
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	db, err := index.Open(cfg.Cache.ResolvePath(repo.Root()),
		index.WithBusyTimeout(cfg.Cache.BusyTimeout),
		index.WithContentEntries(cfg.Cache.ContentEntries),
		index.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	tokens, err := tokenStore(cfg, repo.Root())
	if err != nil {
		db.Close()
		return nil, err
	}

	engine := reconcile.New(db, repo, store,
		reconcile.WithPattern(cfg.Repo.Pattern),
		reconcile.WithPrefix(cfg.IDs.Prefix),
		reconcile.WithLoadConcurrency(cfg.Cache.LoadConcurrency),
		reconcile.WithDebounce(cfg.Repo.Debounce),
		reconcile.WithLogger(logger))
	alloc := idalloc.New(db, tokens,
		idalloc.WithPrefix(cfg.IDs.Prefix),
		idalloc.WithLogger(logger))
	asm := contextasm.New(db, store,
		contextasm.WithRepository(repo),
		contextasm.WithLoadConcurrency(cfg.Cache.LoadConcurrency),
		contextasm.WithLogger(logger))

	return &Stack{
		Config:  cfg,
		Root:    repo.Root(),
		DB:      db,
		Engine:  engine,
		Service: docservice.NewService(db, engine, alloc, asm, docservice.WithLogger(logger)),
	}, nil
}

func tokenStore(cfg *Config, root string) (idalloc.TokenStore, error) {
	if cfg.IDs.Token != "" {
		return idalloc.NewMemoryTokenStore(cfg.IDs.Token), nil
	}
	path := cfg.IDs.TokenFile
	if path == "" {
		var err error
		if path, err = idalloc.DefaultTokenPath(); err != nil {
			return nil, err
		}
	}
	return idalloc.NewFileTokenStore(path, root), nil
}
