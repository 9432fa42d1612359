// Package bids composes Brain Imaging Data Structure paths for MRI scans and
// maintains the dataset-level files of a BIDS tree.
package bids

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrNotBIDS is returned for scans that have no place in a BIDS dataset, such
// as localizers, or scans whose sequence type is unknown.
var ErrNotBIDS = errors.New("scan has no BIDS representation")

// Version is the BIDS specification version written to
// dataset_description.json.
const Version = "1.8.0"

// SessionLayout formats the session time into the ses- label.
const SessionLayout = "200601021504"

// Scan carries everything about a scan that determines its BIDS name.
type Scan struct {
	ID     int64
	Number int

	Subject     string
	SessionTime time.Time

	// SequenceType is the title of the inferred sequence type, e.g. "mprage".
	SequenceType string
	Description  string
	ImageType    []string

	InversionTime  float64
	RepetitionTime float64

	// PhaseEncoding is the DICOM InPlanePhaseEncodingDirection, ROW or COL.
	PhaseEncoding         string
	PhaseEncodingPositive *bool
	ContrastAgent         string
}

type modality struct {
	dataType string
	suffix   string
	acq      string
}

var modalities = map[string]modality{
	"mprage":   {"anat", "T1w", "mprage"},
	"spgr":     {"anat", "T1w", "spgr"},
	"t2w":      {"anat", "T2w", ""},
	"flair":    {"anat", "FLAIR", ""},
	"ir_epi":   {"anat", "IRT1", ""},
	"dwi":      {"dwi", "dwi", ""},
	"bold":     {"func", "bold", ""},
	"sbref":    {"func", "sbref", ""},
	"fieldmap": {"fmap", "epi", ""},
}

// Inversion recovery series with a repetition time (ms) below this are
// labelled acq-fast.
const fastRepetitionTime = 1000.0

// DataType returns the BIDS data type directory for a sequence type title.
func DataType(sequenceType string) (string, error) {
	m, ok := modalities[sequenceType]
	if !ok {
		return "", fmt.Errorf("%w: sequence type %q", ErrNotBIDS, sequenceType)
	}

	return m.dataType, nil
}

// Path is a composed BIDS location, without file extension.
type Path struct {
	Root     string
	Subject  string
	Session  string
	DataType string
	Stem     string
}

// Dir is the data type directory that holds the files.
func (p Path) Dir() string {
	return filepath.Join(p.Root, "sub-"+p.Subject, "ses-"+p.Session, p.DataType)
}

// Base is the absolute path without extension.
func (p Path) Base() string {
	return filepath.Join(p.Dir(), p.Stem)
}

func (p Path) NIfTI() string { return p.Base() + ".nii.gz" }
func (p Path) JSON() string  { return p.Base() + ".json" }
func (p Path) Bval() string  { return p.Base() + ".bval" }
func (p Path) Bvec() string  { return p.Base() + ".bvec" }

// SubjectRelative is the NIfTI path relative to the subject directory, the
// form used by IntendedFor.
func (p Path) SubjectRelative() string {
	return filepath.ToSlash(filepath.Join("ses-"+p.Session, p.DataType, p.Stem+".nii.gz"))
}

// SubjectLabel sanitizes a subject identifier for use as sub-<label>.
func SubjectLabel(s string) string {
	return Label(s)
}

// SessionLabel formats a session time as the ses-<label> value.
func SessionLabel(t time.Time) string {
	return t.UTC().Format(SessionLayout)
}

// Label reduces s to the alphanumeric characters BIDS allows in entity
// values, transliterating accented letters.
func Label(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	for _, r := range stripped {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}

	return b.String()
}

var taskPattern = regexp.MustCompile(`(?i)(?:task-|fmri_)([a-z0-9]+)`)

// Task derives the task label of a functional scan from its description.
func Task(description string) string {
	lower := strings.ToLower(description)
	if strings.Contains(lower, "rest") {
		return "rest"
	}

	if m := taskPattern.FindStringSubmatch(description); len(m) == 2 {
		if label := strings.ToLower(Label(m[1])); label != "" && label != "sbref" {
			return label
		}
	}

	return "unknown"
}

// Direction maps the in-plane phase encoding axis and its polarity to the
// dir- entity value. An empty string means the direction is unknown.
func Direction(axis string, positive *bool) string {
	if positive == nil {
		return ""
	}

	switch strings.ToUpper(axis) {
	case "COL":
		if *positive {
			return "PA"
		}
		return "AP"
	case "ROW":
		if *positive {
			return "RL"
		}
		return "LR"
	}

	return ""
}

// PhaseEncodingDirection is the sidecar form of Direction: i, i-, j or j-.
func PhaseEncodingDirection(axis string, positive *bool) string {
	if positive == nil {
		return ""
	}

	var out string
	switch strings.ToUpper(axis) {
	case "COL":
		out = "j"
	case "ROW":
		out = "i"
	default:
		return ""
	}
	if !*positive {
		out += "-"
	}

	return out
}

func hasImageType(s Scan, v string) bool {
	for _, it := range s.ImageType {
		if strings.EqualFold(it, v) {
			return true
		}
	}

	return false
}

// entities holds the entity values of a scan before run numbering.
type entities struct {
	task, acq, ce, rec, dir string
	run, inv                int
	suffix                  string
}

func (e entities) stem(subject, session string) string {
	parts := []string{"sub-" + subject, "ses-" + session}
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"-"+value)
		}
	}
	add("task", e.task)
	add("acq", e.acq)
	add("ce", e.ce)
	add("rec", e.rec)
	add("dir", e.dir)
	if e.run > 0 {
		add("run", fmt.Sprintf("%d", e.run))
	}
	if e.inv > 0 {
		add("inv", fmt.Sprintf("%d", e.inv))
	}

	return strings.Join(parts, "_") + "_" + e.suffix
}

func scanEntities(s Scan) (modality, entities, error) {
	m, ok := modalities[s.SequenceType]
	if !ok {
		return m, entities{}, fmt.Errorf("%w: scan %d has sequence type %q", ErrNotBIDS, s.ID, s.SequenceType)
	}

	e := entities{acq: m.acq, suffix: m.suffix}
	if s.SequenceType == "ir_epi" && s.RepetitionTime > 0 && s.RepetitionTime < fastRepetitionTime {
		e.acq = "fast"
	}
	if s.ContrastAgent != "" {
		e.ce = strings.ToLower(Label(s.ContrastAgent))
	}

	switch m.dataType {
	case "anat":
		if hasImageType(s, "NORM") {
			e.rec = "norm"
		}
	case "func":
		e.task = Task(s.Description)
		e.dir = Direction(s.PhaseEncoding, s.PhaseEncodingPositive)
	case "dwi", "fmap":
		e.dir = Direction(s.PhaseEncoding, s.PhaseEncodingPositive)
	}

	return m, e, nil
}

// Manager composes paths below a BIDS root.
type Manager struct {
	Root string
}

// Compose returns the BIDS path of scan. Siblings are the other scans of the
// same session; they decide run and inv numbering. The scan itself may be
// included among them.
func (m Manager) Compose(scan Scan, siblings []Scan) (Path, error) {
	all := []Scan{scan}
	for _, s := range siblings {
		if key(s) != key(scan) {
			all = append(all, s)
		}
	}

	paths, err := m.ComposeSession(all)
	if err != nil && !errors.Is(err, ErrNotBIDS) {
		return Path{}, err
	}

	p, ok := paths[key(scan)]
	if !ok {
		_, _, err := scanEntities(scan)
		if err == nil {
			err = fmt.Errorf("%w: scan %d", ErrNotBIDS, scan.ID)
		}
		return Path{}, err
	}

	return p, nil
}

func key(s Scan) int64 {
	if s.ID != 0 {
		return s.ID
	}

	// Unsaved scans are keyed by their negated series number
	return -int64(s.Number) - 1
}

// ComposeSession names every scan of one session at once. Scans without a
// BIDS representation are left out of the result, and ErrNotBIDS is returned
// alongside the paths that could be composed when any were skipped.
func (m Manager) ComposeSession(scans []Scan) (map[int64]Path, error) {
	type composed struct {
		scan Scan
		mod  modality
		ent  entities
	}

	var items []composed
	var skipped int
	for _, s := range scans {
		mod, ent, err := scanEntities(s)
		if err != nil {
			skipped++
			continue
		}
		if s.Subject == "" || s.SessionTime.IsZero() {
			return nil, fmt.Errorf("scan %d: subject and session time are required", s.ID)
		}
		items = append(items, composed{s, mod, ent})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].scan.Number < items[j].scan.Number
	})

	// inv numbers IR-EPI series by ascending inversion time
	var irIdx []int
	for i, it := range items {
		if it.scan.SequenceType == "ir_epi" {
			irIdx = append(irIdx, i)
		}
	}
	sort.SliceStable(irIdx, func(a, b int) bool {
		return items[irIdx[a]].scan.InversionTime < items[irIdx[b]].scan.InversionTime
	})
	for n, i := range irIdx {
		items[i].ent.inv = n + 1
	}

	// run is only added when stems collide
	groups := make(map[string][]int)
	for i, it := range items {
		stem := it.ent.stem(SubjectLabel(it.scan.Subject), SessionLabel(it.scan.SessionTime))
		groups[stem] = append(groups[stem], i)
	}
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		for n, i := range members {
			items[i].ent.run = n + 1
		}
	}

	out := make(map[int64]Path, len(items))
	for _, it := range items {
		subject, session := SubjectLabel(it.scan.Subject), SessionLabel(it.scan.SessionTime)
		out[key(it.scan)] = Path{
			Root:     m.Root,
			Subject:  subject,
			Session:  session,
			DataType: it.mod.dataType,
			Stem:     it.ent.stem(subject, session),
		}
	}

	if skipped > 0 {
		return out, fmt.Errorf("%w: %d of %d scans skipped", ErrNotBIDS, skipped, len(scans))
	}

	return out, nil
}

// IntendedFor lists, for a field map, the subject-relative NIfTI paths of the
// session's functional and diffusion scans.
func IntendedFor(fmap Path, paths map[int64]Path) []string {
	var out []string
	for _, p := range paths {
		if p.Session != fmap.Session || p.Subject != fmap.Subject {
			continue
		}
		if p.DataType == "func" || p.DataType == "dwi" {
			if strings.HasSuffix(p.Stem, "_sbref") {
				continue
			}
			out = append(out, p.SubjectRelative())
		}
	}
	sort.Strings(out)

	return out
}
