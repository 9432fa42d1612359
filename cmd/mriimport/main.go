// mriimport registers the DICOM series found under one or more roots (local
// directories, zip archives or gs:// prefixes) in the mriflow database. With
// -watch it keeps polling a local root and imports new series once the
// transfer has gone quiet. With -convert every session that gained scans is
// converted to NIfTI and laid out as BIDS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/carbocation/mriflow"
	"github.com/carbocation/mriflow/compileinfo"
	_ "github.com/carbocation/mriflow/compileinfoprint"
	"github.com/carbocation/mriflow/convert"
	"github.com/carbocation/mriflow/importer"
	"github.com/carbocation/mriflow/sequence"
	"github.com/carbocation/mriflow/store"
	log "github.com/sirupsen/logrus"
)

func main() {
	var configPath, roots, definitions, sheet string
	var watch, convertNew, version bool
	var workers int
	flag.StringVar(&configPath, "config", "", "Path to the mriflow YAML config. If empty, mriflow.yaml in the working directory or beside the binary is used when present.")
	flag.StringVar(&roots, "root", "", "Comma-separated DICOM roots. Local directories, .zip files and gs:// prefixes are accepted. Overrides dicom_roots from the config.")
	flag.StringVar(&definitions, "definitions", "", "(Optional) YAML file of sequence definitions that override the built-in ones.")
	flag.StringVar(&sheet, "sheet", "", "(Optional) CSV, TSV or XLS sheet with a patient_id column that overrides subject labels, sex and birth dates.")
	flag.IntVar(&workers, "workers", 0, "Concurrent header parsers. If 0, the config value is used.")
	flag.BoolVar(&watch, "watch", false, "Keep watching the (single, local) root and import series once it has been quiet for quiet_period.")
	flag.BoolVar(&convertNew, "convert", false, "Convert the sessions that gained scans to NIfTI/BIDS after each import.")
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
	if roots != "" {
		cfg.DICOMRoots = strings.Split(roots, ",")
	}
	if definitions != "" {
		cfg.SequenceDefinitions = definitions
	}
	if sheet != "" {
		cfg.SubjectSheet = sheet
	}
	if workers > 0 {
		cfg.Workers = workers
	}

	if len(cfg.DICOMRoots) == 0 {
		flag.PrintDefaults()
		os.Exit(1)
	}
	if watch && (len(cfg.DICOMRoots) != 1 || mriflow.IsGoogleStorage(cfg.DICOMRoots[0])) {
		log.Fatalln("-watch needs exactly one local root")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, watch, convertNew); err != nil {
		log.Fatalln(err)
	}
}

func run(ctx context.Context, cfg mriflow.Config, watch, convertNew bool) error {
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	var client *storage.Client
	for _, root := range cfg.DICOMRoots {
		if mriflow.IsGoogleStorage(root) && client == nil {
			if client, err = storage.NewClient(ctx); err != nil {
				return err
			}
			defer client.Close()
		}
	}

	defs := sequence.Defaults()
	if cfg.SequenceDefinitions != "" {
		if defs, err = sequence.Load(cfg.SequenceDefinitions); err != nil {
			return err
		}
	}

	im := &importer.Importer{
		Store:       st,
		Definitions: defs,
		Storage:     client,
		Workers:     cfg.Workers,
	}
	if cfg.SubjectSheet != "" {
		if im.Sheet, err = importer.LoadSheet(cfg.SubjectSheet); err != nil {
			return err
		}
		log.WithField("subjects", len(im.Sheet)).Infoln("Loaded subject sheet", cfg.SubjectSheet)
	}

	conv := convert.FromConfig(cfg, st, client)
	afterImport := func(ctx context.Context, summary importer.Summary) {
		if !convertNew {
			return
		}
		if err := convertSessions(ctx, conv, summary.Scans); err != nil {
			log.WithError(err).Errorln("Conversion failed")
		}
	}

	if watch {
		w := &importer.Watcher{
			Importer: im,
			Root:     cfg.DICOMRoots[0],
			Quiet:    cfg.QuietPeriod,
			Imported: afterImport,
		}
		log.WithFields(log.Fields{"root": w.Root, "quiet": w.Quiet}).Infoln("Watching")
		return w.Run(ctx)
	}

	summary, err := im.Scan(ctx, cfg.DICOMRoots)
	afterImport(ctx, summary)

	return err
}

// convertSessions converts each session that holds one of scans once.
func convertSessions(ctx context.Context, conv *convert.Converter, scans []store.Scan) error {
	var errs []error
	done := make(map[int64]struct{})
	for _, scan := range scans {
		if _, exists := done[scan.SessionID]; exists {
			continue
		}
		done[scan.SessionID] = struct{}{}

		converted, err := conv.ConvertSession(ctx, scan.SessionID, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %d: %w", scan.SessionID, err))
		}
		log.WithFields(log.Fields{"session": scan.SessionID, "nifti": len(converted)}).Infoln("Converted session")
	}

	return errors.Join(errs...)
}
