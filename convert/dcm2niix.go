// Package convert turns DICOM series into NIfTI files with dcm2niix and
// keeps the scan/NIfTI bookkeeping in step.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/carbocation/mriflow/interfaces"
	"github.com/carbocation/mriflow/niftiio"
	"github.com/carbocation/pfx"
)

// ErrNoOutput is returned when dcm2niix succeeds without writing a NIfTI
// file, which happens for non-image series.
var ErrNoOutput = errors.New("dcm2niix produced no NIfTI output")

// Dcm2niix invokes the dcm2niix binary.
type Dcm2niix struct {
	Binary   string
	Compress bool
	Runner   interfaces.Runner

	// LogRoot, if set, receives per-conversion stdout/stderr logs.
	LogRoot string
}

// Convert writes the NIfTI files (and BIDS sidecars) of the DICOM series in
// src to dest, named after name. It returns the NIfTI paths written, sorted.
func (d Dcm2niix) Convert(ctx context.Context, src, dest, name string) ([]string, error) {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, pfx.Err(err)
	}

	binary := d.Binary
	if binary == "" {
		binary = "dcm2niix"
	}
	runner := d.Runner
	if runner == nil {
		runner = interfaces.ExecRunner{}
	}

	compress := "n"
	if d.Compress {
		compress = "y"
	}

	cmd := interfaces.Command{
		Name: binary,
		Args: []string{"-z", compress, "-b", "y", "-f", name, "-o", dest, src},
	}
	if d.LogRoot != "" {
		cmd.LogDir = filepath.Join(d.LogRoot, "dcm2niix", name)
	}
	if err := runner.Run(ctx, cmd); err != nil {
		return nil, err
	}

	return Outputs(dest, name)
}

// Outputs lists the NIfTI files in dir that dcm2niix wrote for name,
// including suffixed variants such as name_e2 or name_ph.
func Outputs(dir, name string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, pfx.Err(err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), name) || !niftiio.IsNIfTI(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s in %s: %w", name, dir, ErrNoOutput)
	}
	sort.Strings(out)

	return out, nil
}

// Primary picks the file that represents the series. Diffusion series
// prefer the output that has gradient files; otherwise the shortest name
// wins, which is the first echo and the magnitude image.
func Primary(outputs []string, diffusion bool) string {
	candidates := outputs
	if diffusion {
		var withGradients []string
		for _, o := range outputs {
			if _, err := os.Stat(niftiio.TrimExt(o) + ".bval"); err == nil {
				withGradients = append(withGradients, o)
			}
		}
		if len(withGradients) > 0 {
			candidates = withGradients
		}
	}

	best := ""
	for _, c := range candidates {
		if best == "" || len(filepath.Base(c)) < len(filepath.Base(best)) {
			best = c
		}
	}

	return best
}

// Sidecar extensions that travel with a NIfTI file.
var companions = []string{".json", ".bval", ".bvec"}

// rename moves a NIfTI file and its companions to base, keeping the
// compression extension of the source.
func rename(src, base string) (string, error) {
	ext := niftiio.ExtNIfTI
	if niftiio.IsCompressed(src) {
		ext = niftiio.ExtCompressedNIfTI
	}

	dest := base + ext
	if src == dest {
		return dest, nil
	}

	if err := os.Rename(src, dest); err != nil {
		return "", pfx.Err(err)
	}

	srcBase := niftiio.TrimExt(src)
	for _, c := range companions {
		if _, err := os.Stat(srcBase + c); err != nil {
			continue
		}
		if err := os.Rename(srcBase+c, base+c); err != nil {
			return "", pfx.Err(err)
		}
	}

	return dest, nil
}
