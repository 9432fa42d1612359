// mribids converts registered scans to NIfTI with dcm2niix and places them in
// the BIDS tree, or under nifti_root for series that have no BIDS name.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/carbocation/mriflow"
	"github.com/carbocation/mriflow/compileinfo"
	_ "github.com/carbocation/mriflow/compileinfoprint"
	"github.com/carbocation/mriflow/convert"
	"github.com/carbocation/mriflow/store"
	log "github.com/sirupsen/logrus"
)

func main() {
	var configPath, bidsRoot string
	var session, scan int64
	var pending, force, dryRun, version bool
	flag.StringVar(&configPath, "config", "", "Path to the mriflow YAML config. If empty, mriflow.yaml in the working directory or beside the binary is used when present.")
	flag.StringVar(&bidsRoot, "bids", "", "(Optional) BIDS root. Overrides bids_root from the config.")
	flag.Int64Var(&session, "session", 0, "Convert every scan of this session ID.")
	flag.Int64Var(&scan, "scan", 0, "Convert this scan ID.")
	flag.BoolVar(&pending, "pending", false, "Convert every session that has scans without a NIfTI file.")
	flag.BoolVar(&force, "force", false, "Convert again even if the scan already has a NIfTI file.")
	flag.BoolVar(&dryRun, "dry-run", false, "Print where each scan would be written without converting.")
	flag.BoolVar(&version, "version", false, "Print the build information and exit.")
	flag.Parse()

	if version {
		fmt.Println(compileinfo.Get())
		return
	}

	chosen := 0
	for _, set := range []bool{session != 0, scan != 0, pending} {
		if set {
			chosen++
		}
	}
	if chosen != 1 {
		fmt.Fprintln(os.Stderr, "Pass exactly one of -session, -scan or -pending")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := mriflow.LoadConfig(configPath)
	if err != nil {
		log.Fatalln(err)
	}
	if bidsRoot != "" {
		if cfg.BIDSRoot, err = mriflow.ExpandHome(bidsRoot); err != nil {
			log.Fatalln(err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, session, scan, pending, force, dryRun); err != nil {
		log.Fatalln(err)
	}
}

func run(ctx context.Context, cfg mriflow.Config, session, scan int64, pending, force, dryRun bool) error {
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// Scans imported from buckets are staged through the storage client
	client, err := storage.NewClient(ctx)
	if err != nil {
		log.WithError(err).Warnln("No Google Storage client, gs:// series cannot be converted")
		client = nil
	} else {
		defer client.Close()
	}

	conv := convert.FromConfig(cfg, st, client)

	var sessions []int64
	switch {
	case scan != 0:
		if dryRun {
			return printDestination(ctx, conv, scan)
		}
		nifti, err := conv.ConvertScan(ctx, scan, force)
		if err != nil {
			return err
		}
		fmt.Println(nifti.Path)
		return nil
	case session != 0:
		sessions = []int64{session}
	case pending:
		scans, err := st.ScansWithoutNIfTI(ctx)
		if err != nil {
			return err
		}
		seen := make(map[int64]struct{})
		for _, s := range scans {
			if _, exists := seen[s.SessionID]; !exists {
				seen[s.SessionID] = struct{}{}
				sessions = append(sessions, s.SessionID)
			}
		}
	}

	var errs []error
	for _, id := range sessions {
		if dryRun {
			scans, err := st.ScansForSession(ctx, id)
			if err != nil {
				return err
			}
			for _, s := range scans {
				if err := printDestination(ctx, conv, s.ID); err != nil {
					errs = append(errs, err)
				}
			}
			continue
		}

		converted, err := conv.ConvertSession(ctx, id, force)
		for _, nifti := range converted {
			fmt.Println(nifti.Path)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("session %d: %w", id, err))
		}
	}

	return errors.Join(errs...)
}

func printDestination(ctx context.Context, conv *convert.Converter, scanID int64) error {
	dest, err := conv.ScanDestination(ctx, scanID)
	if err != nil {
		return fmt.Errorf("scan %d: %w", scanID, err)
	}

	kind := "nifti"
	if dest.BIDS != nil {
		kind = "bids"
	}
	fmt.Printf("%d\t%s\t%s\n", scanID, kind, filepath.Join(dest.Dir, dest.Name))

	return nil
}
