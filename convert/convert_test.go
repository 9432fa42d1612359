package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carbocation/mriflow/bids"
	"github.com/carbocation/mriflow/interfaces"
	"github.com/carbocation/mriflow/store"
	"gopkg.in/guregu/null.v3"
)

// fakeDcm2niix writes a NIfTI file and a sidecar for every invocation,
// taking the series number from the source directory name.
type fakeDcm2niix struct {
	mu    sync.Mutex
	calls []interfaces.Command

	// empty makes the conversion produce nothing
	empty bool
}

func (f *fakeDcm2niix) Run(ctx context.Context, c interfaces.Command) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	if f.empty {
		return nil
	}

	var name, dir string
	for i := 0; i+1 < len(c.Args); i++ {
		switch c.Args[i] {
		case "-f":
			name = c.Args[i+1]
		case "-o":
			dir = c.Args[i+1]
		}
	}
	src := c.Args[len(c.Args)-1]

	base := filepath.Join(dir, name)
	if err := os.WriteFile(base+".nii", []byte("nifti "+src), 0644); err != nil {
		return err
	}
	if strings.Contains(src, "dwi") {
		if err := os.WriteFile(base+".bval", []byte("0 1000\n"), 0644); err != nil {
			return err
		}
	}
	sidecar := fmt.Sprintf(`{"SeriesNumber": %s, "EchoTime": 0.003}`, filepath.Base(src))

	return os.WriteFile(base+".json", []byte(sidecar), 0644)
}

type fixture struct {
	store     *store.Store
	converter *Converter
	runner    *fakeDcm2niix
	session   store.Session
	scans     map[string]store.Scan
	root      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	runner := &fakeDcm2niix{}
	f := &fixture{
		store:  s,
		runner: runner,
		root:   root,
		scans:  make(map[string]store.Scan),
		converter: &Converter{
			Store:       s,
			BIDS:        bids.Manager{Root: filepath.Join(root, "bids")},
			NIfTIRoot:   filepath.Join(root, "nifti"),
			DatasetName: "test",
			Dcm2niix:    Dcm2niix{Runner: runner},
		},
	}

	subject, err := s.GetOrCreateSubject(ctx, store.Subject{Label: "P001", Sex: null.StringFrom("F")})
	if err != nil {
		t.Fatal(err)
	}
	f.session, err = s.GetOrCreateSession(ctx, store.Session{SubjectID: subject.ID, StudyUID: "1.2", Time: time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)})
	if err != nil {
		t.Fatal(err)
	}

	for i, def := range []struct {
		seq, description string
	}{
		{"localizer", "AAHead_Scout"},
		{"mprage", "MPRAGE"},
		{"fieldmap", "SpinEchoFieldMap"},
		{"bold", "fMRI_rest"},
		{"mystery", "Something else"},
	} {
		st, err := s.UpsertSequenceType(ctx, store.SequenceType{Title: def.seq})
		if err != nil {
			t.Fatal(err)
		}

		number := i + 1
		src := filepath.Join(root, "dicom", fmt.Sprintf("%d", number))
		if err := os.MkdirAll(src, 0755); err != nil {
			t.Fatal(err)
		}

		scan, _, err := s.GetOrCreateScan(ctx, store.Scan{
			SessionID:             f.session.ID,
			SeriesUID:             fmt.Sprintf("1.2.%d", number),
			Number:                number,
			Description:           def.description,
			SequenceTypeID:        null.IntFrom(st.ID),
			DICOMPath:             src,
			PhaseEncoding:         "COL",
			PhaseEncodingPositive: null.BoolFrom(false),
		})
		if err != nil {
			t.Fatal(err)
		}
		f.scans[def.seq] = scan
	}

	return f
}

func TestDcm2niixCommand(t *testing.T) {
	runner := &fakeDcm2niix{}
	dest := filepath.Join(t.TempDir(), "out")
	src := filepath.Join(t.TempDir(), "7")

	outputs, err := Dcm2niix{Runner: runner, Compress: true, Binary: "/opt/dcm2niix"}.Convert(context.Background(), src, dest, "series7")
	if err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 1 || filepath.Base(outputs[0]) != "series7.nii" {
		t.Fatalf("outputs: %v", outputs)
	}

	c := runner.calls[0]
	want := []string{"-z", "y", "-b", "y", "-f", "series7", "-o", dest, src}
	if c.Name != "/opt/dcm2niix" || strings.Join(c.Args, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected command %s", c)
	}

	runner.empty = true
	if _, err := (Dcm2niix{Runner: runner}).Convert(context.Background(), src, t.TempDir(), "nothing"); !errors.Is(err, ErrNoOutput) {
		t.Fatalf("expected ErrNoOutput, got %v", err)
	}
}

func TestPrimary(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a_e1.nii.gz", "a_e2.nii.gz", "a.nii.gz", "b_ph.nii", "b.nii", "b.bval"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	p := func(names ...string) []string {
		var out []string
		for _, n := range names {
			out = append(out, filepath.Join(dir, n))
		}
		return out
	}

	if got := Primary(p("a_e1.nii.gz", "a_e2.nii.gz", "a.nii.gz"), false); filepath.Base(got) != "a.nii.gz" {
		t.Errorf("got %s", got)
	}
	if got := Primary(p("a_e1.nii.gz", "b_ph.nii", "b.nii"), true); filepath.Base(got) != "b.nii" {
		t.Errorf("diffusion should prefer the output with gradients, got %s", got)
	}
}

func TestConvertSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	converted, err := f.converter.ConvertSession(ctx, f.session.ID, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := converted[f.scans["localizer"].ID]; ok {
		t.Errorf("localizers are not converted")
	}
	if len(converted) != 4 {
		t.Fatalf("expected 4 conversions, got %d", len(converted))
	}

	ses := filepath.Join(f.root, "bids", "sub-P001", "ses-202001020304")
	t1 := filepath.Join(ses, "anat", "sub-P001_ses-202001020304_acq-mprage_T1w.nii.gz")
	if converted[f.scans["mprage"].ID].Path != t1 {
		t.Errorf("mprage path: %s", converted[f.scans["mprage"].ID].Path)
	}
	if _, err := os.Stat(t1); err != nil {
		t.Errorf("mprage NIfTI not written: %v", err)
	}

	bold := filepath.Join(ses, "func", "sub-P001_ses-202001020304_task-rest_dir-AP_bold")
	sc, err := bids.ReadSidecar(bold + ".json")
	if err != nil {
		t.Fatal(err)
	}
	if sc["TaskName"] != "rest" || sc["PhaseEncodingDirection"] != "j-" || sc["EchoTime"] != 0.003 {
		t.Errorf("bold sidecar: %v", sc)
	}

	fmap, err := bids.ReadSidecar(filepath.Join(ses, "fmap", "sub-P001_ses-202001020304_dir-AP_epi.json"))
	if err != nil {
		t.Fatal(err)
	}
	intended, _ := fmap["IntendedFor"].([]interface{})
	if len(intended) != 1 || intended[0] != "ses-202001020304/func/sub-P001_ses-202001020304_task-rest_dir-AP_bold.nii.gz" {
		t.Errorf("IntendedFor: %v", fmap["IntendedFor"])
	}

	// Unknown sequence types land outside the BIDS tree
	mystery := filepath.Join(f.root, "nifti", "P001", "202001020304", "5", "5.nii")
	if converted[f.scans["mystery"].ID].Path != mystery {
		t.Errorf("non-BIDS path: %s", converted[f.scans["mystery"].ID].Path)
	}

	participants, err := f.converter.BIDS.ReadParticipants()
	if err != nil {
		t.Fatal(err)
	}
	if len(participants) != 1 || participants[0].ParticipantID != "sub-P001" || participants[0].Sex != "F" {
		t.Errorf("participants: %+v", participants)
	}
	if _, err := os.Stat(filepath.Join(f.root, "bids", "dataset_description.json")); err != nil {
		t.Errorf("dataset description missing: %v", err)
	}

	scan, err := f.store.ScanByID(ctx, f.scans["bold"].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !scan.NIfTIID.Valid {
		t.Errorf("scan not linked to its NIfTI")
	}

	// A second pass reuses the existing files
	calls := len(f.runner.calls)
	if _, err := f.converter.ConvertSession(ctx, f.session.ID, false); err != nil {
		t.Fatal(err)
	}
	if len(f.runner.calls) != calls {
		t.Errorf("conversion repeated without force")
	}
}

func TestConvertScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.scans["mprage"].ID

	first, err := f.converter.ConvertScan(ctx, id, false)
	if err != nil {
		t.Fatal(err)
	}
	if !first.IsRaw || first.ParentScanID.Int64 != id {
		t.Errorf("NIfTI row: %+v", first)
	}

	again, err := f.converter.ConvertScan(ctx, id, false)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID || len(f.runner.calls) != 1 {
		t.Errorf("expected the existing NIfTI without converting again")
	}

	forced, err := f.converter.ConvertScan(ctx, id, true)
	if err != nil {
		t.Fatal(err)
	}
	if forced.ID != first.ID || len(f.runner.calls) != 2 {
		t.Errorf("force should convert again into the same path")
	}

	dest, err := f.converter.ScanDestination(ctx, f.scans["localizer"].ID)
	if err != nil {
		t.Fatal(err)
	}
	if dest.BIDS != nil || dest.Name != "1" {
		t.Errorf("localizer destination: %+v", dest)
	}
}

func TestConvertScanFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.empty = true

	_, err := f.converter.ConvertScan(context.Background(), f.scans["mprage"].ID, false)
	if !errors.Is(err, ErrNoOutput) {
		t.Fatalf("expected ErrNoOutput, got %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(f.root, "bids", "sub-P001", "ses-202001020304"))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".dcm2niix-") {
			t.Errorf("scratch directory left behind: %s", e.Name())
		}
	}
}
