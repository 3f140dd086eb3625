// chartpack builds, inspects and installs chart package archives, and
// manages the package store directly for ground operations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/efbtools/chartstore/internal/config"
	"github.com/efbtools/chartstore/internal/ingest"
	"github.com/efbtools/chartstore/internal/store"
	_ "github.com/efbtools/chartstore/internal/store/fsstore"
	_ "github.com/efbtools/chartstore/internal/store/redisstore"
)

var Version = "dev"

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "build":
		err = runBuild(args)
	case "inspect":
		err = runInspect(args)
	case "install":
		err = runInstall(args)
	case "list":
		err = runList(args)
	case "delete":
		err = runDelete(args)
	case "purge":
		err = runPurge(args)
	case "version":
		fmt.Println(Version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("chartpack %s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: chartpack <command> [flags]

commands:
  build    pack tile databases into a chart archive
  inspect  print an archive's manifest
  install  install an archive into the package store
  list     list installed packages
  delete   delete packages by id or chart
  purge    reclaim stalled installs
  version  print the version

The store commands read the same STORE_* environment as chartstored.
`)
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	out := fs.String("out", "", "archive file to write")
	chart := fs.String("chart", "", "chart id the packages belong to")
	cycle := fs.String("cycle", "", "publication cycle, e.g. 2609")
	_ = fs.Parse(args)
	if *out == "" || *chart == "" {
		return errors.New("-out and -chart are required")
	}
	if fs.NArg() == 0 {
		return errors.New("no tile database files given")
	}

	files := make([]ingest.File, 0, fs.NArg())
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		files = append(files, ingest.File{
			Name:      name,
			PackageID: strings.TrimSuffix(name, filepath.Ext(name)),
			Data:      data,
		})
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := ingest.Build(context.Background(), f, *chart, *cycle, files); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %s: %d packages for chart %s cycle %s\n", *out, len(files), *chart, *cycle)
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	in := fs.String("in", "", "archive file to read")
	_ = fs.Parse(args)
	if *in == "" {
		return errors.New("-in is required")
	}

	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := ingest.Inspect(f)
	if err != nil {
		return err
	}
	fmt.Printf("chart %s cycle %s, created %s, format v%d\n",
		m.ChartID, m.Cycle, m.CreatedAt.Format(time.RFC3339), m.FormatVersion)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tFILE\tSIZE\tZOOMS\tBOUNDS")
	for _, e := range m.Entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d-%d\t%s\n", e.PackageID, e.FileName, e.Size, e.MinZoom, e.MaxZoom, e.Bounds)
	}
	return w.Flush()
}

func runInstall(args []string) error {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	in := fs.String("in", "", "archive file to install")
	_ = fs.Parse(args)
	if *in == "" {
		return errors.New("-in is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, config.FromEnv())
	if err != nil {
		return err
	}
	defer st.Close()

	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer f.Close()

	installed, err := ingest.Install(ctx, st, f)
	if err != nil {
		return err
	}
	for _, meta := range installed {
		fmt.Printf("installed %s (%s cycle %s, %d bytes)\n", meta.ID, meta.Chart, meta.Cycle, meta.Size)
	}
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	chart := fs.String("chart", "", "only this chart")
	_ = fs.Parse(args)

	ctx := context.Background()
	st, err := store.Open(ctx, config.FromEnv())
	if err != nil {
		return err
	}
	defer st.Close()

	metas, err := st.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tCHART\tCYCLE\tSTATUS\tSIZE\tBOUNDS")
	for _, m := range metas {
		if *chart != "" && m.Chart != *chart {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", m.ID, m.Chart, m.Cycle, m.Status, m.Size, m.Bounds)
	}
	return w.Flush()
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	id := fs.String("id", "", "package id to delete")
	chart := fs.String("chart", "", "delete every package of this chart")
	cycle := fs.String("cycle", "", "with -chart, only this cycle")
	_ = fs.Parse(args)
	if (*id == "") == (*chart == "") {
		return errors.New("exactly one of -id or -chart is required")
	}

	ctx := context.Background()
	st, err := store.Open(ctx, config.FromEnv())
	if err != nil {
		return err
	}
	defer st.Close()

	if *id != "" {
		if err := st.Delete(ctx, *id); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", *id)
		return nil
	}

	metas, err := st.List(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, m := range metas {
		if m.Chart != *chart {
			continue
		}
		if *cycle != "" && m.Cycle != *cycle {
			continue
		}
		if err := st.Delete(ctx, m.ID); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", m.ID)
		n++
	}
	if n == 0 {
		fmt.Printf("no packages matched chart %s\n", *chart)
	}
	return nil
}

func runPurge(args []string) error {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	older := fs.Duration("older", 24*time.Hour, "purge stalled installs older than this")
	_ = fs.Parse(args)

	ctx := context.Background()
	st, err := store.Open(ctx, config.FromEnv())
	if err != nil {
		return err
	}
	defer st.Close()

	purged, err := st.PurgeStalled(ctx, *older)
	if err != nil {
		return err
	}
	if len(purged) == 0 {
		fmt.Println("nothing to purge")
		return nil
	}
	for _, id := range purged {
		fmt.Printf("purged %s\n", id)
	}
	return nil
}
