package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/urfave/cli/v3"

	"github.com/starford/trellis/internal"
	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/index"
)

const maxRetries = 5

// withStack opens the cache for one command and runs fn, retrying while the
// cache is locked by another writer.
func withStack(fn func(ctx context.Context, cmd *cli.Command, stack *internal.Stack) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := internal.NewLogger(cfg.App.LogLevel)
		slog.SetDefault(logger)

		stack, err := internal.NewStack(cfg, logger)
		if err != nil {
			return err
		}
		defer stack.Close()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		policy := backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
		return backoff.RetryNotify(func() error {
			err := fn(ctx, cmd, stack)
			if err != nil && !apperr.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}, policy, func(err error, wait time.Duration) {
			logger.Warn("retrying", slog.String("error", err.Error()), slog.Duration("wait", wait))
		})
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireArgs(cmd *cli.Command, n int) error {
	if cmd.Args().Len() != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d: %w", cmd.Name, n, cmd.Args().Len(), apperr.ErrInvalid)
	}
	return nil
}

func queryCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "reconcile",
			Usage: "Bring the cache up to date with the working tree",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "force", Usage: "Rebuild from scratch"},
			},
			Action: withStack(func(ctx context.Context, cmd *cli.Command, s *internal.Stack) error {
				res, err := s.Service.Reconcile(ctx, cmd.Bool("force"))
				if err != nil {
					return err
				}
				return printJSON(res)
			}),
		},
		{
			Name:      "show",
			Usage:     "Show a document's metadata and links",
			ArgsUsage: "<id>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "path", Usage: "Treat the argument as a repository path"},
			},
			Action: withStack(func(ctx context.Context, cmd *cli.Command, s *internal.Stack) error {
				if err := requireArgs(cmd, 1); err != nil {
					return err
				}
				lookup := s.Service.Document
				if cmd.Bool("path") {
					lookup = s.Service.DocumentByPath
				}
				d, err := lookup(ctx, cmd.Args().First())
				if err != nil {
					return err
				}
				return printJSON(d)
			}),
		},
		{
			Name:      "context",
			Usage:     "Render a document with the related documents that fit a budget",
			ArgsUsage: "<id>",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "budget", Aliases: []string{"b"}, Usage: "Character budget (default from config)", Value: -1},
				&cli.IntFlag{Name: "ref-budget", Usage: "Character budget for the reference listing (default from config)", Value: -1},
				&cli.BoolFlag{Name: "json", Usage: "Print the selection as JSON"},
			},
			Action: withStack(func(ctx context.Context, cmd *cli.Command, s *internal.Stack) error {
				if err := requireArgs(cmd, 1); err != nil {
					return err
				}
				budget, refBudget := int(cmd.Int("budget")), int(cmd.Int("ref-budget"))
				if budget < 0 {
					budget = s.Config.Context.Budget
				}
				if refBudget < 0 {
					refBudget = s.Config.Context.RefBudget
				}
				res, err := s.Service.Context(ctx, cmd.Args().First(), budget, refBudget)
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return printJSON(res)
				}
				_, err = fmt.Fprint(os.Stdout, res.Rendered)
				return err
			}),
		},
		{
			Name:  "find",
			Usage: "List documents matching a filter",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "status"},
				&cli.StringFlag{Name: "kind"},
				&cli.StringSliceFlag{Name: "label", Usage: "Required label (repeatable)"},
				&cli.StringSliceFlag{Name: "any-label", Usage: "Alternative label (repeatable)"},
				&cli.StringFlag{Name: "prefix", Usage: "Path prefix"},
				&cli.StringFlag{Name: "name", Usage: "Name substring"},
				&cli.BoolFlag{Name: "closed", Usage: "Include closed documents"},
				&cli.StringFlag{Name: "sort", Value: index.SortPath},
				&cli.BoolFlag{Name: "desc"},
				&cli.IntFlag{Name: "limit"},
			},
			Action: withStack(func(ctx context.Context, cmd *cli.Command, s *internal.Stack) error {
				docs, err := s.Service.Find(ctx, index.Filter{
					Status:        cmd.String("status"),
					Kind:          cmd.String("kind"),
					LabelsAll:     cmd.StringSlice("label"),
					LabelsAny:     cmd.StringSlice("any-label"),
					PathPrefix:    cmd.String("prefix"),
					NameContains:  cmd.String("name"),
					IncludeClosed: cmd.Bool("closed"),
					Sort:          cmd.String("sort"),
					Descending:    cmd.Bool("desc"),
					Limit:         int(cmd.Int("limit")),
				})
				if err != nil {
					return err
				}
				for _, d := range docs {
					fmt.Printf("%s\t%s\t%s\n", d.ID, d.Path, d.Name)
				}
				return nil
			}),
		},
		{
			Name:      "search",
			Usage:     "Full-text search over names and bodies",
			ArgsUsage: "<query>",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "limit", Value: 20},
			},
			Action: withStack(func(ctx context.Context, cmd *cli.Command, s *internal.Stack) error {
				if err := requireArgs(cmd, 1); err != nil {
					return err
				}
				res, err := s.Service.Search(ctx, cmd.Args().First(), int(cmd.Int("limit")))
				if err != nil {
					return err
				}
				for _, r := range res {
					fmt.Printf("%s\t%s\t%s\n", r.ID, r.Path, r.Snippet)
				}
				return nil
			}),
		},
		{
			Name:      "links",
			Usage:     "List a document's outgoing links, or incoming with --back",
			ArgsUsage: "<id>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "back", Usage: "Show links arriving at the document"},
			},
			Action: withStack(func(ctx context.Context, cmd *cli.Command, s *internal.Stack) error {
				if err := requireArgs(cmd, 1); err != nil {
					return err
				}
				query := s.Service.LinksFrom
				if cmd.Bool("back") {
					query = s.Service.LinksTo
				}
				links, err := query(ctx, cmd.Args().First())
				if err != nil {
					return err
				}
				for _, l := range links {
					stale := ""
					if l.Stale {
						stale = "\tstale"
					}
					fmt.Printf("%s\t%s\t%s%s\n", l.SourceID, l.TargetID, l.Kind, stale)
				}
				return nil
			}),
		},
		{
			Name:      "path",
			Usage:     "Shortest chain of links between two documents",
			ArgsUsage: "<from> <to>",
			Action: withStack(func(ctx context.Context, cmd *cli.Command, s *internal.Stack) error {
				if err := requireArgs(cmd, 2); err != nil {
					return err
				}
				p, err := s.Service.Path(ctx, cmd.Args().Get(0), cmd.Args().Get(1))
				if err != nil {
					return err
				}
				for _, id := range p {
					fmt.Println(id)
				}
				return nil
			}),
		},
		{
			Name:  "labels",
			Usage: "List labels in use with document counts",
			Action: withStack(func(ctx context.Context, _ *cli.Command, s *internal.Stack) error {
				labels, err := s.Service.Labels(ctx)
				if err != nil {
					return err
				}
				return printJSON(labels)
			}),
		},
		{
			Name:  "check",
			Usage: "Report unreadable documents, broken or stale links, drift and orphans",
			Action: withStack(func(ctx context.Context, _ *cli.Command, s *internal.Stack) error {
				rep, err := s.Service.Check(ctx)
				if err != nil {
					return err
				}
				for _, d := range rep.Drift {
					fmt.Println("drift:", d.String())
				}
				for _, id := range rep.Orphans {
					fmt.Println("orphan:", id)
				}
				if len(rep.Drift) > 0 {
					return fmt.Errorf("check: %d denormalized values drifted (run reconcile --force): %w", len(rep.Drift), apperr.ErrCorrupt)
				}
				return rep.Findings.Err()
			}),
		},
		{
			Name:  "new-id",
			Usage: "Allocate fresh document ids",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "n", Value: 1, Usage: "How many"},
				&cli.BoolFlag{Name: "preview", Usage: "Show the next ids without reserving them"},
			},
			Action: withStack(func(ctx context.Context, cmd *cli.Command, s *internal.Stack) error {
				allocate := s.Service.NewIDs
				if cmd.Bool("preview") {
					allocate = s.Service.PreviewIDs
				}
				ids, err := allocate(ctx, int(cmd.Int("n")))
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			}),
		},
	}
}
