package interfaces

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/carbocation/mriflow"
	"github.com/carbocation/pfx"
)

// BIDSApp runs a containerized BIDS app with docker. The BIDS root is
// mounted read-only at /data and the output directory at /out.
//
// Inputs: participant (one or more labels, with or without "sub-"),
// bids_dir, output_dir, work_dir, image, level (default participant),
// args (extra arguments passed to the app).
type BIDSApp struct {
	Env Env

	Name  string
	Image string

	// NeedsLicense mounts the FreeSurfer license and passes
	// --fs-license-file.
	NeedsLicense bool
}

// DefaultBIDSApps are registered under their names.
var DefaultBIDSApps = []BIDSApp{
	{Name: "fmriprep", Image: "nipreps/fmriprep:23.2.1", NeedsLicense: true},
	{Name: "qsiprep", Image: "pennbbl/qsiprep:0.21.4", NeedsLicense: true},
	{Name: "mriqc", Image: "nipreps/mriqc:23.1.0"},
}

const containerLicense = "/opt/freesurfer/license.txt"

func (b *BIDSApp) Run(ctx context.Context, in Inputs) (Outputs, error) {
	participants, err := in.Strings("participant")
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("missing input \"participant\"")
	}
	labels := make([]string, 0, len(participants))
	for _, p := range participants {
		labels = append(labels, strings.TrimPrefix(p, "sub-"))
	}

	bidsDir, err := absolute(in.StringOr("bids_dir", b.Env.BIDSRoot))
	if err != nil {
		return nil, err
	}
	outputDir, err := absolute(in.StringOr("output_dir", filepath.Join(b.Env.DerivativesRoot, b.Name)))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, pfx.Err(err)
	}

	docker := b.Env.Docker
	if docker == "" {
		docker = "docker"
	}

	args := []string{"run", "--rm",
		"-v", bidsDir + ":/data:ro",
		"-v", outputDir + ":/out",
	}

	var appArgs []string
	if work := in.StringOr("work_dir", ""); work != "" {
		work, err = absolute(work)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(work, 0755); err != nil {
			return nil, pfx.Err(err)
		}
		args = append(args, "-v", work+":/work")
		appArgs = append(appArgs, "-w", "/work")
	}

	if b.NeedsLicense {
		license, err := FreeSurferLicense(b.Env.FreeSurferLicense)
		if err != nil {
			return nil, err
		}
		args = append(args, "-v", license+":"+containerLicense+":ro")
		appArgs = append(appArgs, "--fs-license-file", containerLicense)
	}
	if b.Env.Threads > 0 {
		appArgs = append(appArgs, "--nprocs", strconv.Itoa(b.Env.Threads))
	}

	extra, err := in.Strings("args")
	if err != nil {
		return nil, err
	}

	args = append(args, in.StringOr("image", b.Image), "/data", "/out", in.StringOr("level", "participant"), "--participant-label")
	args = append(args, labels...)
	args = append(args, appArgs...)
	args = append(args, extra...)

	cmd := Command{Name: docker, Args: args, LogDir: b.Env.logDir(b.Name, strings.Join(labels, "_"))}
	if err := b.Env.runner().Run(ctx, cmd); err != nil {
		return nil, err
	}

	subjectDirs := make([]string, 0, len(labels))
	for _, label := range labels {
		subjectDirs = append(subjectDirs, filepath.Join(outputDir, "sub-"+label))
	}

	return Outputs{
		"output_dir":   outputDir,
		"subject_dirs": subjectDirs,
	}, nil
}

// docker bind mounts need absolute paths.
func absolute(path string) (string, error) {
	expanded, err := mriflow.ExpandHome(path)
	if err != nil {
		return "", err
	}

	out, err := filepath.Abs(expanded)
	return out, pfx.Err(err)
}
