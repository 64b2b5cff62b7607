package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/andresuchdata/videodub/internal/artifacts"
	"github.com/andresuchdata/videodub/internal/cache"
	"github.com/andresuchdata/videodub/internal/config"
	"github.com/andresuchdata/videodub/internal/metrics"
	"github.com/andresuchdata/videodub/internal/storage"
	"github.com/andresuchdata/videodub/pkg/logger"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// env is what every command operates on, built once per invocation.
type env struct {
	cfg      *config.Config
	files    *storage.FileManager
	registry *artifacts.Registry
	index    artifacts.Index
}

func (e *env) close() {
	if closer, ok := e.index.(io.Closer); ok {
		_ = closer.Close()
	}
}

func withEnv(fn func(c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		logger.SetLevel(c.String("log-level"))

		cfg := config.Load()
		if err := cfg.Validate(); err != nil {
			return err
		}
		files := storage.NewFromConfig(c.Context, cfg.Storage, metrics.Noop{})
		index, err := cache.NewArtifactIndex(cfg.Cache)
		if err != nil {
			logger.Log.Warn().Err(err).Msg("artifact index unavailable, using a process-local one")
			index = artifacts.NewMemoryIndex()
		}
		e := &env{cfg: cfg, files: files, registry: artifacts.NewRegistry(files, index), index: index}
		defer e.close()
		return fn(c, e)
	}
}

func main() {
	app := &cli.App{
		Name:  "storagectl",
		Usage: "Inspect and maintain the video dubbing storage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "inspect",
				Usage:  "Show the active backend and the detected credential kind",
				Action: withEnv(runInspect),
			},
			{
				Name:      "sign",
				Usage:     "Produce a download descriptor for an object path",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Requested link lifetime",
						Value: time.Hour,
					},
				},
				Action: withEnv(runSign),
			},
			{
				Name:  "list",
				Usage: "List stored objects under a prefix",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "prefix",
						Usage: "Logical prefix such as outputs/ or uploads/<job>/",
						Value: storage.PrefixOutputs + "/",
					},
				},
				Action: withEnv(runList),
			},
			{
				Name:  "purge",
				Usage: "Expire objects older than --days under a purgeable prefix",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "prefix",
						Usage:    "Prefix to expire (temp/ or processing/)",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "days",
						Usage: "Minimum age in days; defaults to the configured retention",
					},
				},
				Action: withEnv(runPurge),
			},
			{
				Name:   "lifecycle",
				Usage:  "Run one retention sweep over every purgeable prefix",
				Action: withEnv(runLifecycle),
			},
			{
				Name:      "cleanup",
				Usage:     "Remove the processing files of a job",
				ArgsUsage: "<job-id>",
				Action:    withEnv(runCleanup),
			},
			{
				Name:      "delete",
				Usage:     "Delete every stored file of a job, uploads and outputs included",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Confirm the deletion",
					},
				},
				Action: withEnv(runDelete),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runInspect(c *cli.Context, e *env) error {
	w := c.App.Writer
	fmt.Fprintf(w, "configured backend: %s\n", e.cfg.Storage.Backend)
	fmt.Fprintf(w, "active backend:     %s\n", e.files.Backend())
	fmt.Fprintf(w, "degraded:           %t\n", e.files.Degraded())

	cred := storage.NewInspector(e.cfg.Storage).Inspect(c.Context)
	fmt.Fprintf(w, "credential kind:    %s\n", cred.Kind)
	if cred.Email != "" {
		fmt.Fprintf(w, "service account:    %s\n", cred.Email)
	}
	if cred.Source != "" {
		fmt.Fprintf(w, "source:             %s\n", cred.Source)
	}
	fmt.Fprintf(w, "signs locally:      %t\n", cred.CanSignLocally)
	fmt.Fprintf(w, "refreshable:        %t\n", cred.Refreshable)
	return nil
}

func runSign(c *cli.Context, e *env) error {
	p := c.Args().First()
	if p == "" {
		return errors.New("sign requires an object path")
	}

	desc, err := e.files.GetAccess(c.Context, p, c.Duration("ttl"))
	if err != nil {
		var genErr *storage.URLGenerationError
		if errors.As(err, &genErr) {
			return fmt.Errorf("no strategy produced a link (attempted %s): %w", strings.Join(genErr.Attempted, ", "), err)
		}
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(desc)
}

func runList(c *cli.Context, e *env) error {
	objects, err := e.files.List(c.Context, c.String("prefix"))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSIZE\tUPDATED")
	var total uint64
	for _, obj := range objects {
		total += uint64(obj.Size)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", obj.Key, humanize.Bytes(uint64(obj.Size)), humanize.Time(obj.Updated))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d objects, %s\n", len(objects), humanize.Bytes(total))
	return nil
}

func runPurge(c *cli.Context, e *env) error {
	days := c.Int("days")
	if days <= 0 {
		days = e.files.RetentionDays()
	}
	n, err := e.files.PurgeOlderThan(c.Context, c.String("prefix"), days)
	if err != nil {
		return err
	}
	if e.files.Backend() == storage.BackendRemote {
		if !e.cfg.Storage.EnableLifecycle {
			fmt.Fprintln(c.App.Writer, "lifecycle rules are disabled (GCS_ENABLE_LIFECYCLE=false), bucket left unchanged")
			return nil
		}
		fmt.Fprintf(c.App.Writer, "lifecycle rule for %s set to %d days\n", c.String("prefix"), days)
		return nil
	}
	fmt.Fprintf(c.App.Writer, "removed %s objects older than %d days\n", humanize.Comma(int64(n)), days)
	return nil
}

func runLifecycle(c *cli.Context, e *env) error {
	n := storage.NewSweeper(e.files, 0).SweepOnce(c.Context)
	fmt.Fprintf(c.App.Writer, "sweep finished on %s backend, %s objects removed\n", e.files.Backend(), humanize.Comma(int64(n)))
	return nil
}

func runCleanup(c *cli.Context, e *env) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("cleanup requires a job id")
	}
	n, err := e.registry.Cleanup(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "removed %d processing files of job %s\n", n, id)
	return nil
}

func runDelete(c *cli.Context, e *env) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("delete requires a job id")
	}
	if !c.Bool("yes") {
		return errors.New("refusing to delete without --yes")
	}
	n, err := e.registry.Purge(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "deleted %d files of job %s\n", n, id)
	return nil
}
