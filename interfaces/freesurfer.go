package interfaces

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/carbocation/mriflow/store"
	"github.com/carbocation/pfx"
	log "github.com/sirupsen/logrus"
)

// ReconAll runs FreeSurfer's recon-all and collects the volume and
// cortical parcellation statistics as scores.
//
// Inputs: t1 (one or more images, required unless the subject already
// exists), subject (required), subjects_dir, t2, flair, directive
// (default all).
type ReconAll struct {
	Env Env
}

// Atlas names for the parcellations recon-all writes stats for.
var aparcAtlases = map[string]string{
	"aparc":            "Desikan-Killiany",
	"aparc.a2009s":     "Destrieux",
	"aparc.DKTatlas":   "DKT",
	"aparc.pial":       "Desikan-Killiany (pial)",
	"BA_exvivo":        "Brodmann",
	"BA_exvivo.thresh": "Brodmann (thresholded)",
}

func (r *ReconAll) Run(ctx context.Context, in Inputs) (Outputs, error) {
	license, err := FreeSurferLicense(r.Env.FreeSurferLicense)
	if err != nil {
		return nil, err
	}

	subject, err := in.String("subject")
	if err != nil {
		return nil, err
	}
	t1s, err := in.Strings("t1")
	if err != nil {
		return nil, err
	}

	subjectsDir := in.StringOr("subjects_dir", filepath.Join(r.Env.DerivativesRoot, "freesurfer"))
	if err := os.MkdirAll(subjectsDir, 0755); err != nil {
		return nil, pfx.Err(err)
	}
	subjectDir := filepath.Join(subjectsDir, subject)

	args := []string{"-sd", subjectsDir, "-s", subject}

	// recon-all refuses -i for a subject that has already been imported
	_, err = os.Stat(filepath.Join(subjectDir, "mri", "orig", "001.mgz"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, pfx.Err(err)
	}
	if err != nil {
		if len(t1s) == 0 {
			return nil, fmt.Errorf("missing input \"t1\" for new subject %s", subject)
		}
		for _, t1 := range t1s {
			args = append(args, "-i", t1)
		}
		if t2 := in.StringOr("t2", ""); t2 != "" {
			args = append(args, "-T2", t2, "-T2pial")
		} else if flair := in.StringOr("flair", ""); flair != "" {
			args = append(args, "-FLAIR", flair, "-FLAIRpial")
		}
	}

	args = append(args, "-"+in.StringOr("directive", "all"))
	if r.Env.Threads > 1 {
		args = append(args, "-parallel", "-openmp", strconv.Itoa(r.Env.Threads))
	}

	cmd := Command{
		Name:   "recon-all",
		Args:   args,
		Env:    []string{"FS_LICENSE=" + license, "SUBJECTS_DIR=" + subjectsDir},
		LogDir: r.Env.logDir("recon_all", subject),
	}
	if err := r.Env.runner().Run(ctx, cmd); err != nil {
		return nil, err
	}

	statsDir := filepath.Join(subjectDir, "stats")
	out := Outputs{
		"subject_dir": subjectDir,
		"brain":       filepath.Join(subjectDir, "mri", "brain.mgz"),
		"aseg":        filepath.Join(subjectDir, "mri", "aseg.mgz"),
		"aparc_aseg":  filepath.Join(subjectDir, "mri", "aparc+aseg.mgz"),
		"aseg_stats":  filepath.Join(statsDir, "aseg.stats"),
	}

	scores, err := CollectFreeSurferStats(statsDir)
	if err != nil {
		return nil, err
	}
	out[ScoresKey] = scores

	return out, nil
}

// CollectFreeSurferStats parses aseg.stats and every known hemisphere
// parcellation stats file under statsDir. Missing files are skipped.
func CollectFreeSurferStats(statsDir string) ([]store.Measurement, error) {
	var out []store.Measurement

	aseg, err := parseStatsFile(filepath.Join(statsDir, "aseg.stats"), ParseAsegStats)
	if err != nil {
		return nil, err
	}
	out = append(out, aseg...)

	for parc, atlas := range aparcAtlases {
		for hemi, label := range map[string]string{"lh": "L", "rh": "R"} {
			parc, atlas, label := parc, atlas, label
			ms, err := parseStatsFile(filepath.Join(statsDir, hemi+"."+parc+".stats"), func(r io.Reader) ([]store.Measurement, error) {
				return ParseAparcStats(r, atlas, label)
			})
			if err != nil {
				return nil, err
			}
			out = append(out, ms...)
		}
	}

	return out, nil
}

func parseStatsFile(path string, parse func(io.Reader) ([]store.Measurement, error)) ([]store.Measurement, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		log.WithField("path", path).Debugln("No stats file")
		return nil, nil
	} else if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	out, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return out, nil
}
