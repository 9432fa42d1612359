// Package sequence classifies MRI series into sequence types (MPRAGE, DWI,
// BOLD, ...) from their DICOM acquisition parameters.
package sequence

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/carbocation/mriflow/dicomheader"
	"github.com/carbocation/pfx"
	"gopkg.in/yaml.v3"
)

//go:embed definitions.yaml
var defaultDefinitions []byte

// Definition describes one sequence type. ScanningSequence and
// SequenceVariant must equal the header's values as sets. ImageType values
// must all be present in the header. When DescriptionHints is non-empty, the
// series description must contain one of them; it must contain none of
// ExcludeHints.
type Definition struct {
	Title            string   `yaml:"title"`
	Description      string   `yaml:"description"`
	ScanningSequence []string `yaml:"scanning_sequence"`
	SequenceVariant  []string `yaml:"sequence_variant"`
	ImageType        []string `yaml:"image_type"`
	DescriptionHints []string `yaml:"description_hints"`
	ExcludeHints     []string `yaml:"exclude_hints"`
}

// Validate rejects definitions that could never match.
func (d Definition) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("sequence definition without a title")
	}
	if len(d.ScanningSequence) == 0 || len(d.SequenceVariant) == 0 {
		return fmt.Errorf("sequence definition %q needs scanning_sequence and sequence_variant", d.Title)
	}

	return nil
}

// Defaults returns the built-in definitions.
func Defaults() []Definition {
	defs, err := parse(defaultDefinitions)
	if err != nil {
		// The embedded file is part of the build.
		panic(err)
	}

	return defs
}

// Load reads definitions from a YAML file and merges them over the defaults:
// a definition with a built-in title replaces it, new titles are appended.
func Load(path string) ([]Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, pfx.Err(err)
	}

	custom, err := parse(b)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	return Merge(Defaults(), custom), nil
}

// Merge overlays definitions by title, keeping the order of base.
func Merge(base, overrides []Definition) []Definition {
	out := make([]Definition, 0, len(base)+len(overrides))
	byTitle := make(map[string]int)
	for _, d := range base {
		byTitle[d.Title] = len(out)
		out = append(out, d)
	}

	for _, d := range overrides {
		if i, ok := byTitle[d.Title]; ok {
			out[i] = d
			continue
		}
		byTitle[d.Title] = len(out)
		out = append(out, d)
	}

	return out
}

func parse(b []byte) ([]Definition, error) {
	var defs []Definition
	if err := yaml.Unmarshal(b, &defs); err != nil {
		return nil, err
	}

	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	return defs, nil
}

// Score reports whether h matches d and, if so, how specific the match is.
// Larger scores win.
func (d Definition) Score(h dicomheader.Header) (int, bool) {
	if !sameSet(d.ScanningSequence, h.ScanningSequence) || !sameSet(d.SequenceVariant, h.SequenceVariant) {
		return 0, false
	}

	score := 1
	for _, it := range d.ImageType {
		if !h.HasImageType(it) {
			return 0, false
		}
		score++
	}

	desc := strings.ToLower(h.Description())
	for _, hint := range d.ExcludeHints {
		if strings.Contains(desc, strings.ToLower(hint)) {
			return 0, false
		}
	}

	if len(d.DescriptionHints) > 0 {
		found := false
		for _, hint := range d.DescriptionHints {
			if strings.Contains(desc, strings.ToLower(hint)) {
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
		score++
	}

	return score, true
}

// Infer returns the most specific definition matching h. Ties go to the
// definition listed first.
func Infer(h dicomheader.Header, defs []Definition) (Definition, bool) {
	best, bestScore := Definition{}, 0
	for _, d := range defs {
		if score, ok := d.Score(h); ok && score > bestScore {
			best, bestScore = d, score
		}
	}

	return best, bestScore > 0
}

func sameSet(want, got []string) bool {
	a, b := normalize(want), normalize(got)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func normalize(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)

	return out
}
