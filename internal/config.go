package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/trellis/internal/idalloc"
	"github.com/starford/trellis/internal/vcs"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// CacheDir is where the cache lives inside a repository.
const CacheDir = ".trellis"

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Repo    RepoConfig        `yaml:"repo"`
	Cache   CacheConfig       `yaml:"cache"`
	IDs     IDConfig          `yaml:"ids"`
	Context ContextConfig     `yaml:"context"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Repo.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.IDs.Validate(); err != nil {
		return err
	}
	if err := c.Context.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// RepoConfig locates the document tree.
type RepoConfig struct {
	Path       string        `yaml:"path"`
	Pattern    string        `yaml:"pattern"`
	GitTimeout time.Duration `yaml:"git_timeout"`
	Debounce   time.Duration `yaml:"debounce"`
}

var validPattern = validation.By(func(v any) error {
	if p, _ := v.(string); !vcs.ValidPattern(p) {
		return errors.New("must be a valid glob pattern")
	}
	return nil
})

// Validate validates the repository configuration.
func (c *RepoConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Pattern, validation.Required, validPattern),
		validation.Field(&c.GitTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
	)
}

// CacheConfig tunes the SQLite cache. An empty Path puts it under the
// repository's CacheDir.
type CacheConfig struct {
	Path            string        `yaml:"path"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
	ContentEntries  int           `yaml:"content_entries"`
	LoadConcurrency int           `yaml:"load_concurrency"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BusyTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.ContentEntries, validation.Required, validation.Min(1)),
		validation.Field(&c.LoadConcurrency, validation.Required, validation.Min(1), validation.Max(256)),
	)
}

// ResolvePath returns the cache file for a repository rooted at repo.
func (c *CacheConfig) ResolvePath(repo string) string {
	if c.Path != "" {
		return c.Path
	}
	return filepath.Join(repo, CacheDir, "cache.db")
}

// IDConfig controls identifier allocation. An empty Token means one is
// chosen on first use and remembered in TokenFile.
type IDConfig struct {
	Prefix    string `yaml:"prefix"`
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// Validate validates the identifier configuration.
func (c *IDConfig) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Prefix, validation.Required, validation.Length(1, 8)),
	)
	if err != nil {
		return err
	}
	if c.Token != "" {
		return idalloc.ValidateToken(c.Token)
	}
	return nil
}

// ContextConfig holds the default context budgets.
type ContextConfig struct {
	Budget    int `yaml:"budget"`
	RefBudget int `yaml:"ref_budget"`
}

// Validate validates the context configuration.
func (c *ContextConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Budget, validation.Min(0)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Repo: RepoConfig{
			Path:       ".",
			Pattern:    "*.md",
			GitTimeout: 30 * time.Second,
			Debounce:   200 * time.Millisecond,
		},
		Cache: CacheConfig{
			BusyTimeout:     5 * time.Second,
			ContentEntries:  100,
			LoadConcurrency: 8,
		},
		IDs: IDConfig{
			Prefix: idalloc.DefaultPrefix,
		},
		Context: ContextConfig{
			Budget: 8000,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
