package sequence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/carbocation/mriflow/dicomheader"
)

func TestInfer(t *testing.T) {
	cases := []struct {
		name string
		h    dicomheader.Header
		want string
	}{
		{
			name: "mprage",
			h:    dicomheader.Header{ScanningSequence: []string{"IR", "GR"}, SequenceVariant: []string{"SP", "MP", "SK"}, SeriesDescription: "MPRAGE"},
			want: "mprage",
		},
		{
			name: "flair",
			h:    dicomheader.Header{ScanningSequence: []string{"SE", "IR"}, SequenceVariant: []string{"SK", "SP", "MP"}},
			want: "flair",
		},
		{
			name: "dwi needs diffusion image type",
			h:    dicomheader.Header{ScanningSequence: []string{"EP"}, SequenceVariant: []string{"SK", "SP"}, ImageType: []string{"ORIGINAL", "PRIMARY", "DIFFUSION"}},
			want: "dwi",
		},
		{
			name: "fieldmap by description",
			h:    dicomheader.Header{ScanningSequence: []string{"EP"}, SequenceVariant: []string{"SK", "SP"}, SeriesDescription: "SE_EPI_fieldmap_PA"},
			want: "fieldmap",
		},
		{
			name: "bold",
			h:    dicomheader.Header{ScanningSequence: []string{"EP"}, SequenceVariant: []string{"SK", "SS"}, ImageType: []string{"ORIGINAL", "PRIMARY", "FMRI"}, SeriesDescription: "fMRI_rest"},
			want: "bold",
		},
		{
			name: "sbref beats nothing",
			h:    dicomheader.Header{ScanningSequence: []string{"EP"}, SequenceVariant: []string{"SK", "SS"}, SeriesDescription: "fMRI_rest_SBRef"},
			want: "sbref",
		},
		{
			name: "localizer by description",
			h:    dicomheader.Header{ScanningSequence: []string{"GR"}, SequenceVariant: []string{"SP"}, SeriesDescription: "AAHead_Scout"},
			want: "localizer",
		},
		{
			name: "protocol name stands in for description",
			h:    dicomheader.Header{ScanningSequence: []string{"GR"}, SequenceVariant: []string{"SP"}, ProtocolName: "localizer"},
			want: "localizer",
		},
	}

	defs := Defaults()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Infer(tc.h, defs)
			if !ok {
				t.Fatalf("no match")
			}
			if got.Title != tc.want {
				t.Fatalf("got %s want %s", got.Title, tc.want)
			}
		})
	}
}

func TestInferNoMatch(t *testing.T) {
	h := dicomheader.Header{ScanningSequence: []string{"EP"}, SequenceVariant: []string{"SK", "SP"}, SeriesDescription: "mystery"}
	if got, ok := Infer(h, Defaults()); ok {
		t.Fatalf("expected no match, got %s", got.Title)
	}

	h = dicomheader.Header{ScanningSequence: []string{"GR"}, SequenceVariant: []string{"SP", "SS"}, SeriesDescription: "localizer_3plane"}
	if got, ok := Infer(h, Defaults()); ok {
		t.Fatalf("spgr must exclude localizers, got %s", got.Title)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sequences.yaml")
	body := `
- title: mprage
  description: site specific MPRAGE
  scanning_sequence: [GR, IR]
  sequence_variant: [SP, MP]
- title: swi
  scanning_sequence: [GR]
  sequence_variant: [SP, OSP]
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	defs, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(defs) != len(Defaults())+1 {
		t.Fatalf("expected one new definition, got %d total", len(defs))
	}
	if defs[0].Title != "mprage" || defs[0].Description != "site specific MPRAGE" {
		t.Fatalf("mprage was not overridden in place: %+v", defs[0])
	}
	if defs[len(defs)-1].Title != "swi" {
		t.Fatalf("swi not appended: %+v", defs[len(defs)-1])
	}
}

func TestLoadRejectsIncompleteDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("- title: broken\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}
