package interfaces

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/carbocation/mriflow/niftiio"
	"github.com/carbocation/pfx"
)

// DwiFslPreproc runs MRtrix3's dwifslpreproc (topup/eddy) on a diffusion
// series with FSL-style gradient files.
//
// Inputs: dwi (required), bval and bvec (default: beside dwi), pe_dir
// (required, e.g. AP or j-), rpe (none, pair or all; default none),
// se_epi (required for rpe pair), readout_time, eddy_options, output.
type DwiFslPreproc struct {
	Env Env
}

func (d *DwiFslPreproc) Run(ctx context.Context, in Inputs) (Outputs, error) {
	dwi, err := in.String("dwi")
	if err != nil {
		return nil, err
	}
	peDir, err := in.String("pe_dir")
	if err != nil {
		return nil, err
	}

	base := niftiio.TrimExt(dwi)
	bval := in.StringOr("bval", base+".bval")
	bvec := in.StringOr("bvec", base+".bvec")

	name := stem(dwi)
	output := in.StringOr("output", filepath.Join(d.Env.DerivativesRoot, "dwifslpreproc", name, name+"_preproc.nii.gz"))
	outBase := niftiio.TrimExt(output)

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, pfx.Err(err)
	}

	args := []string{dwi, output,
		"-fslgrad", bvec, bval,
		"-export_grad_fsl", outBase + ".bvec", outBase + ".bval",
		"-pe_dir", peDir,
		"-force",
	}

	switch rpe := in.StringOr("rpe", "none"); rpe {
	case "none":
		args = append(args, "-rpe_none")
	case "pair":
		seEPI, err := in.String("se_epi")
		if err != nil {
			return nil, fmt.Errorf("rpe pair: %w", err)
		}
		args = append(args, "-rpe_pair", "-se_epi", seEPI)
	case "all":
		args = append(args, "-rpe_all")
	default:
		return nil, fmt.Errorf("unknown rpe mode %q", rpe)
	}

	if rt := in.StringOr("readout_time", ""); rt != "" {
		args = append(args, "-readout_time", rt)
	}
	if eddy := in.StringOr("eddy_options", ""); eddy != "" {
		args = append(args, "-eddy_options", eddy)
	}
	if d.Env.Threads > 0 {
		args = append(args, "-nthreads", strconv.Itoa(d.Env.Threads))
	}

	if err := d.Env.runner().Run(ctx, Command{Name: "dwifslpreproc", Args: args, LogDir: d.Env.logDir("dwifslpreproc", name)}); err != nil {
		return nil, err
	}

	return Outputs{
		"dwi":  output,
		"bval": outBase + ".bval",
		"bvec": outBase + ".bvec",
	}, nil
}

// MRCat concatenates images with MRtrix3's mrcat.
//
// Inputs: images (at least two), output (required), axis (default 3).
type MRCat struct {
	Env Env
}

func (m *MRCat) Run(ctx context.Context, in Inputs) (Outputs, error) {
	images, err := in.Strings("images")
	if err != nil {
		return nil, err
	}
	if len(images) < 2 {
		return nil, fmt.Errorf("mrcat needs at least two images, got %d", len(images))
	}
	output, err := in.String("output")
	if err != nil {
		return nil, err
	}
	axis, err := in.IntOr("axis", 3)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, pfx.Err(err)
	}

	args := append(append([]string{}, images...), output, "-axis", strconv.Itoa(axis), "-force")
	if err := m.Env.runner().Run(ctx, Command{Name: "mrcat", Args: args, LogDir: m.Env.logDir("mrcat", stem(output))}); err != nil {
		return nil, err
	}

	return Outputs{"output": output}, nil
}
