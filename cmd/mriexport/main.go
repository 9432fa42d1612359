// mriexport writes the scores of succeeded runs out of the mriflow database:
// as a TSV ready for `bq load`, streamed into a BigQuery table (skipping runs
// already present), as per-region summaries, and as distribution plots. It
// can also copy the derivatives directory to Google Storage.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/carbocation/mriflow"
	"github.com/carbocation/mriflow/compileinfo"
	_ "github.com/carbocation/mriflow/compileinfoprint"
	"github.com/carbocation/mriflow/export"
	"github.com/carbocation/mriflow/store"
	log "github.com/sirupsen/logrus"
)

type options struct {
	tsv, summary, plots string
	table, project      string
	upload, uploadDir   string
	filter              store.ScoreFilter
}

func main() {
	var opts options
	var configPath string
	var version bool
	flag.StringVar(&configPath, "config", "", "Path to the mriflow YAML config. If empty, mriflow.yaml in the working directory or beside the binary is used when present.")
	flag.StringVar(&opts.tsv, "tsv", "", "(Optional) Write every score as TSV to this file, or - for stdout.")
	flag.StringVar(&opts.summary, "summary", "", "(Optional) Write per-region summaries as TSV to this file, or - for stdout.")
	flag.StringVar(&opts.plots, "plots", "", "(Optional) Folder for one PNG distribution plot per atlas, region, hemisphere and metric. Use with -atlas and -metric to keep it small.")
	flag.StringVar(&opts.table, "bigquery", "", "(Optional) dataset.table or project.dataset.table to stream new scores into. Defaults to bigquery_table from the config.")
	flag.StringVar(&opts.project, "project", "", "Google Cloud project. Defaults to project from the config.")
	flag.StringVar(&opts.upload, "upload", "", "(Optional) gs:// destination for the derivatives folder. Defaults to upload from the config.")
	flag.StringVar(&opts.uploadDir, "upload-dir", "", "(Optional) Folder to upload. Defaults to derivatives_root from the config.")
	flag.StringVar(&opts.filter.Atlas, "atlas", "", "(Optional) Only export this atlas.")
	flag.StringVar(&opts.filter.Metric, "metric", "", "(Optional) Only export this metric.")
	flag.StringVar(&opts.filter.Node, "node", "", "(Optional) Only export runs of this pipeline node.")
	flag.BoolVar(&version, "version", false, "Print the build information and exit.")
	flag.Parse()

	if version {
		fmt.Println(compileinfo.Get())
		return
	}

	cfg, err := mriflow.LoadConfig(configPath)
	if err != nil {
		log.Fatalln(err)
	}
	if opts.table == "" {
		opts.table = cfg.BigQueryTable
	}
	if opts.project == "" {
		opts.project = cfg.Project
	}
	if opts.upload == "" {
		opts.upload = cfg.Upload
	}
	if opts.uploadDir == "" {
		opts.uploadDir = cfg.DerivativesRoot
	}

	if opts.tsv == "" && opts.summary == "" && opts.plots == "" && opts.table == "" && opts.upload == "" {
		fmt.Fprintln(os.Stderr, "Nothing to do: pass at least one of -tsv, -summary, -plots, -bigquery or -upload")
		flag.PrintDefaults()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts); err != nil {
		log.Fatalln(err)
	}
}

func run(ctx context.Context, cfg mriflow.Config, opts options) error {
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	rows, err := st.ScoreRows(ctx, opts.filter)
	if err != nil {
		return err
	}
	log.WithField("rows", len(rows)).Infoln("Loaded scores")

	if opts.tsv != "" {
		if err := withOutput(opts.tsv, func(w io.Writer) error { return export.WriteScoresTSV(w, rows) }); err != nil {
			return err
		}
	}

	if opts.summary != "" || opts.plots != "" {
		summaries, err := export.Summarize(rows)
		if err != nil {
			return err
		}
		if opts.summary != "" {
			if err := withOutput(opts.summary, func(w io.Writer) error { return export.WriteSummaryTSV(w, summaries) }); err != nil {
				return err
			}
		}
		if opts.plots != "" {
			if err := writePlots(opts.plots, rows); err != nil {
				return err
			}
		}
	}

	if opts.table != "" {
		if err := toBigQuery(ctx, opts, rows); err != nil {
			return err
		}
	}

	if opts.upload != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if _, err := export.UploadDirectory(ctx, client, opts.upload, opts.uploadDir); err != nil {
			return err
		}
	}

	return nil
}

func toBigQuery(ctx context.Context, opts options, rows []store.ScoreRow) error {
	table, err := export.ParseTable(opts.table, opts.project)
	if err != nil {
		return err
	}

	client, err := bigquery.NewClient(ctx, table.Project)
	if err != nil {
		return err
	}
	defer client.Close()

	existing, err := export.ExistingRunIDs(ctx, client, table)
	if err != nil {
		return err
	}
	fresh := export.FilterRuns(rows, existing)
	log.WithFields(log.Fields{"table": table.String(), "rows": len(fresh), "skipped": len(rows) - len(fresh)}).Infoln("Streaming to BigQuery")

	return export.InsertScores(ctx, client, table, fresh)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func writePlots(dir string, rows []store.ScoreRow) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	type key struct{ atlas, region, hemisphere, metric string }
	values := make(map[key][]float64)
	for _, r := range rows {
		k := key{r.Atlas, r.Region, r.Hemisphere, r.Metric}
		values[k] = append(values[k], r.Value)
	}

	written := 0
	for k, v := range values {
		if len(v) < 2 {
			continue
		}

		title := fmt.Sprintf("%s %s %s %s", k.atlas, k.region, k.hemisphere, k.metric)
		name := unsafeName.ReplaceAllString(fmt.Sprintf("%s_%s_%s_%s", k.atlas, k.region, k.hemisphere, k.metric), "-") + ".png"
		if err := withOutput(filepath.Join(dir, name), func(w io.Writer) error { return export.PlotDistribution(w, title, v) }); err != nil {
			return err
		}
		written++
	}
	log.WithFields(log.Fields{"dir": dir, "plots": written}).Infoln("Wrote plots")

	return nil
}

// withOutput runs fn against the named file, or stdout for "-".
func withOutput(path string, fn func(io.Writer) error) error {
	if path == "-" {
		return fn(os.Stdout)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
