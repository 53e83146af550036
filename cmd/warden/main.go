// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// warden is the operator tool for the backup subsystem: it lists the
// backup catalog and drives point-in-time restores from the command
// line, against the same archive store the daemon writes.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"

	"github.com/wardenhq/warden/internal/archive"
	"github.com/wardenhq/warden/internal/catalog"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/protected"
	"github.com/wardenhq/warden/internal/restore"
)

const usage = `usage: warden [--config <path>] <command> [options]

commands:
    backups                list the backup catalog
    restore                rebuild state as of a point in time
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath string
	flags := gnuflag.NewFlagSet("warden", gnuflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to the daemon configuration file")
	if err := flags.Parse(false, args); err != nil {
		return errors.Trace(err)
	}
	if flags.NArg() == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("no command given")
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Read(configPath); err != nil {
			return errors.Trace(err)
		}
	}

	ctx := context.Background()
	cat, err := openCatalog(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}

	command, rest := flags.Arg(0), flags.Args()[1:]
	switch command {
	case "backups":
		return runBackups(ctx, cat, rest)
	case "restore":
		return runRestore(ctx, cat, rest)
	default:
		fmt.Fprint(os.Stderr, usage)
		return errors.NotValidf("command %q", command)
	}
}

func openCatalog(ctx context.Context, cfg *config.Config) (*catalog.Catalog, error) {
	var backend archive.Backend
	var err error
	switch cfg.Archive.Kind {
	case "file":
		backend, err = archive.NewFSBackend(cfg.Archive.Path)
	case "s3":
		backend, err = archive.NewS3Backend(ctx, archive.S3Config{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
		})
	default:
		return nil, errors.NotValidf("archive kind %q", cfg.Archive.Kind)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return catalog.New(backend), nil
}

// runBackups prints the catalog, newest first, tombstones included so
// provenance stays visible.
func runBackups(ctx context.Context, cat *catalog.Catalog, args []string) error {
	var all bool
	flags := gnuflag.NewFlagSet("backups", gnuflag.ContinueOnError)
	flags.BoolVar(&all, "all", false, "include deleted records")
	if err := flags.Parse(true, args); err != nil {
		return errors.Trace(err)
	}

	records, err := cat.Records(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 1, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIER\tCREATED\tSIZE\tVERIFICATION")
	for i := len(records) - 1; i >= 0; i-- {
		record := records[i]
		if record.Deleted() && !all {
			continue
		}
		status := string(record.Verification)
		if record.Deleted() {
			status = "deleted " + record.DeletedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			record.ID,
			record.Tier,
			record.Created.Format(time.RFC3339),
			humanize.IBytes(uint64(record.Size)),
			status,
		)
	}
	return w.Flush()
}

// runRestore rebuilds state as of --target into a sandbox and writes
// the resulting contents to --output as a snapshot-format dump.
func runRestore(ctx context.Context, cat *catalog.Catalog, args []string) error {
	var (
		targetArg string
		output    string
	)
	flags := gnuflag.NewFlagSet("restore", gnuflag.ContinueOnError)
	flags.StringVar(&targetArg, "target", "", "point in time to restore to (RFC3339); default now")
	flags.StringVar(&output, "output", "-", "file to write restored contents to; - for stdout")
	if err := flags.Parse(true, args); err != nil {
		return errors.Trace(err)
	}

	clk := clock.WallClock
	target := clk.Now()
	if targetArg != "" {
		var err error
		if target, err = time.Parse(time.RFC3339, targetArg); err != nil {
			return errors.NotValidf("target %q", targetArg)
		}
	}

	engine, err := restore.NewEngine(restore.Config{
		Catalog: cat,
		Clock:   clk,
		Logger:  loggo.GetLogger("warden.restore"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	sandbox := protected.NewMemStore(clk)
	plan, err := engine.Restore(ctx, target, sandbox, "cli")
	if err != nil {
		if plan != nil && plan.Diagnosis != "" {
			return errors.Annotatef(err, "restore %s", plan.ID)
		}
		return errors.Trace(err)
	}
	fmt.Fprintf(os.Stderr, "restored snapshot %s, segments %d..%d, %d mutations applied\n",
		plan.SnapshotID, plan.FirstSequence, plan.LastSequence, plan.MutationsApplied)

	rc, _, err := sandbox.Snapshot(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer rc.Close()

	out := os.Stdout
	if output != "-" {
		if out, err = os.Create(output); err != nil {
			return errors.Trace(err)
		}
		defer out.Close()
	}
	_, err = io.Copy(out, rc)
	return errors.Trace(err)
}
