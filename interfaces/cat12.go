package interfaces

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/carbocation/mriflow/niftiio"
	"github.com/carbocation/pfx"
)

// Cat12 runs the CAT12 segmentation toolbox for SPM through matlab -batch.
// The T1 is copied (and uncompressed, which SPM requires) into the output
// directory, where CAT12 writes its mri/, report/ and label/ folders.
//
// Inputs: t1 (required), output_dir, surface (also estimate surfaces).
type Cat12 struct {
	Env Env
}

var cat12Batch = template.Must(template.New("cat12").Parse(`{{if .SPMPath}}addpath('{{.SPMPath}}');
{{end}}spm('defaults', 'FMRI');
spm_jobman('initcfg');
matlabbatch{1}.spm.tools.cat.estwrite.data = {'{{.Image}},1'};
matlabbatch{1}.spm.tools.cat.estwrite.nproc = 0;
matlabbatch{1}.spm.tools.cat.estwrite.output.surface = {{.Surface}};
matlabbatch{1}.spm.tools.cat.estwrite.output.GM.mod = 1;
matlabbatch{1}.spm.tools.cat.estwrite.output.WM.mod = 1;
matlabbatch{1}.spm.tools.cat.estwrite.output.ROI = 1;
spm_jobman('run', matlabbatch);
`))

func (c *Cat12) Run(ctx context.Context, in Inputs) (Outputs, error) {
	t1, err := in.String("t1")
	if err != nil {
		return nil, err
	}

	name := stem(t1)
	outputDir, err := absolute(in.StringOr("output_dir", filepath.Join(c.Env.DerivativesRoot, "cat12", name)))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, pfx.Err(err)
	}

	image, err := stageImage(t1, outputDir)
	if err != nil {
		return nil, err
	}

	surface := 0
	if in.Bool("surface") {
		surface = 1
	}

	var script bytes.Buffer
	if err := cat12Batch.Execute(&script, struct {
		SPMPath string
		Image   string
		Surface int
	}{matlabQuote(c.Env.SPMPath), matlabQuote(image), surface}); err != nil {
		return nil, pfx.Err(err)
	}

	scriptPath := filepath.Join(outputDir, "cat12_batch.m")
	if err := os.WriteFile(scriptPath, script.Bytes(), 0644); err != nil {
		return nil, pfx.Err(err)
	}

	matlab := c.Env.Matlab
	if matlab == "" {
		matlab = "matlab"
	}
	cmd := Command{
		Name:   matlab,
		Args:   []string{"-nodisplay", "-nosplash", "-batch", fmt.Sprintf("run('%s')", matlabQuote(scriptPath))},
		Dir:    outputDir,
		LogDir: c.Env.logDir("cat12", name),
	}
	if err := c.Env.runner().Run(ctx, cmd); err != nil {
		return nil, err
	}

	base := stem(image)
	out := Outputs{
		"output_dir":   outputDir,
		"gray_matter":  filepath.Join(outputDir, "mri", "mwp1"+base+".nii"),
		"white_matter": filepath.Join(outputDir, "mri", "mwp2"+base+".nii"),
		"report":       filepath.Join(outputDir, "report", "cat_"+base+".xml"),
		"rois":         filepath.Join(outputDir, "label", "catROI_"+base+".xml"),
	}
	if surface == 1 {
		out["lh_thickness"] = filepath.Join(outputDir, "surf", "lh.thickness."+base)
		out["rh_thickness"] = filepath.Join(outputDir, "surf", "rh.thickness."+base)
	}

	return out, nil
}

// stageImage copies src into dir as an uncompressed .nii.
func stageImage(src, dir string) (string, error) {
	dest := filepath.Join(dir, filepath.Base(src))
	if abs, err := filepath.Abs(src); err == nil && abs == dest {
		return niftiio.Uncompress(dest)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", pfx.Err(err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", pfx.Err(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", pfx.Err(err)
	}
	if err := out.Close(); err != nil {
		return "", pfx.Err(err)
	}

	return niftiio.Uncompress(dest)
}

// matlabQuote escapes single quotes for a MATLAB char literal.
func matlabQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
