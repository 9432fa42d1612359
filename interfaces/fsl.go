package interfaces

import (
	"context"
	"path/filepath"
	"strings"
)

// FslAnat runs FSL's fsl_anat structural pipeline on a T1 (or T2/PD) image.
//
// Inputs: t1 (required), output (output basename; fsl_anat appends .anat),
// type (T1, T2 or PD), clobber, nocrop, strongbias.
type FslAnat struct {
	Env Env
}

func (f *FslAnat) Run(ctx context.Context, in Inputs) (Outputs, error) {
	t1, err := in.String("t1")
	if err != nil {
		return nil, err
	}

	name := stem(t1)
	base := in.StringOr("output", filepath.Join(f.Env.DerivativesRoot, "fsl_anat", name))
	base = strings.TrimSuffix(base, ".anat")

	// Output files are prefixed with the image type
	kind := strings.ToUpper(in.StringOr("type", "T1"))

	args := []string{"-i", t1, "-o", base, "-t", kind}
	if in.Bool("clobber") {
		args = append(args, "--clobber")
	}
	if in.Bool("nocrop") {
		args = append(args, "--nocrop")
	}
	if in.Bool("strongbias") {
		args = append(args, "--strongbias")
	}

	if err := f.Env.runner().Run(ctx, Command{Name: "fsl_anat", Args: args, LogDir: f.Env.logDir("fsl_anat", name)}); err != nil {
		return nil, err
	}

	dir := base + ".anat"
	out := Outputs{
		"directory":  dir,
		"biascorr":   filepath.Join(dir, kind+"_biascorr.nii.gz"),
		"brain":      filepath.Join(dir, kind+"_biascorr_brain.nii.gz"),
		"brain_mask": filepath.Join(dir, kind+"_biascorr_brain_mask.nii.gz"),
		"mni_linear": filepath.Join(dir, kind+"_to_MNI_lin.nii.gz"),
		"mni_warp":   filepath.Join(dir, kind+"_to_MNI_nonlin_field.nii.gz"),
		"mni":        filepath.Join(dir, kind+"_to_MNI_nonlin.nii.gz"),
		"csf_pve":    filepath.Join(dir, kind+"_fast_pve_0.nii.gz"),
		"gm_pve":     filepath.Join(dir, kind+"_fast_pve_1.nii.gz"),
		"wm_pve":     filepath.Join(dir, kind+"_fast_pve_2.nii.gz"),
		"first_seg":  filepath.Join(dir, kind+"_subcort_seg.nii.gz"),
	}

	return out, nil
}
