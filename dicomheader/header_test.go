package dicomheader

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func mustNewElement(t *testing.T, tg tag.Tag, value interface{}) *dicom.Element {
	t.Helper()
	elem, err := dicom.NewElement(tg, value)
	if err != nil {
		t.Fatalf("failed to create element %v: %v", tg, err)
	}
	return elem
}

func mustNewPrivateElement(t *testing.T, tg tag.Tag, rawVR string, data interface{}) *dicom.Element {
	t.Helper()
	value, err := dicom.NewValue(data)
	if err != nil {
		t.Fatalf("failed to create value for private element %v: %v", tg, err)
	}
	return &dicom.Element{
		Tag:                    tg,
		ValueRepresentation:    tag.GetVRKind(tg, rawVR),
		RawValueRepresentation: rawVR,
		Value:                  value,
	}
}

type csaElement struct {
	Name   string
	Values []string
}

// buildCSA writes an SV10 header the way Siemens scanners do.
func buildCSA(elements []csaElement) []byte {
	var buf bytes.Buffer
	buf.Write(csaSV10Magic)
	binary.Write(&buf, binary.LittleEndian, uint32(len(elements)))
	binary.Write(&buf, binary.LittleEndian, uint32(77))

	for _, elem := range elements {
		name := make([]byte, 64)
		copy(name, elem.Name)
		buf.Write(name)
		binary.Write(&buf, binary.LittleEndian, int32(1))
		buf.Write([]byte{'I', 'S', 0, 0})
		binary.Write(&buf, binary.LittleEndian, int32(6))
		binary.Write(&buf, binary.LittleEndian, uint32(len(elem.Values)))
		binary.Write(&buf, binary.LittleEndian, uint32(77))

		for _, v := range elem.Values {
			val := append([]byte(v), 0)
			for j := 0; j < 4; j++ {
				binary.Write(&buf, binary.LittleEndian, uint32(len(val)))
			}
			buf.Write(val)
			if pad := (4 - len(val)%4) % 4; pad > 0 {
				buf.Write(make([]byte, pad))
			}
		}
	}

	return buf.Bytes()
}

func TestParseCSA(t *testing.T) {
	raw := buildCSA([]csaElement{
		{Name: "EchoLinePosition", Values: []string{"64"}},
		{Name: "PhaseEncodingDirectionPositive", Values: []string{"1"}},
		{Name: "MosaicRefAcqTimes", Values: []string{"0.0", "512.5", "1025.0"}},
		{Name: "Empty"},
	})

	csa, err := ParseCSA(raw)
	if err != nil {
		t.Fatal(err)
	}

	if v, ok := csa.Value("EchoLinePosition"); !ok || v != "64" {
		t.Errorf("EchoLinePosition: got %q %v", v, ok)
	}
	if pos := csa.Bool("PhaseEncodingDirectionPositive"); pos == nil || !*pos {
		t.Errorf("PhaseEncodingDirectionPositive: got %v", pos)
	}
	if got := csa["MosaicRefAcqTimes"]; len(got) != 3 || got[1] != "512.5" {
		t.Errorf("MosaicRefAcqTimes: got %v", got)
	}
	if csa.Bool("Empty") != nil {
		t.Error("empty element should not yield a flag")
	}
	if csa.Bool("Missing") != nil {
		t.Error("missing element should not yield a flag")
	}
}

func TestParseCSARejectsGarbage(t *testing.T) {
	if _, err := ParseCSA([]byte("CSA1 not really")); err == nil {
		t.Error("expected error for non-SV10 header")
	}

	raw := buildCSA([]csaElement{{Name: "PhaseEncodingDirectionPositive", Values: []string{"0"}}})
	if _, err := ParseCSA(raw[:len(raw)-6]); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestParseDateTime(t *testing.T) {
	cases := []struct {
		da, tm string
		want   time.Time
	}{
		{"20190517", "120501.123", time.Date(2019, 5, 17, 12, 5, 1, 123000000, time.UTC)},
		{"20190517", "1205", time.Date(2019, 5, 17, 12, 5, 0, 0, time.UTC)},
		{"20190517", "", time.Date(2019, 5, 17, 0, 0, 0, 0, time.UTC)},
		{"20190517", "12:05:01", time.Date(2019, 5, 17, 12, 5, 1, 0, time.UTC)},
		{"2019.05.17", "08", time.Date(2019, 5, 17, 8, 0, 0, 0, time.UTC)},
	}

	for _, tc := range cases {
		got, err := ParseDateTime(tc.da, tc.tm)
		if err != nil {
			t.Errorf("%s %s: %v", tc.da, tc.tm, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("%s %s: got %v want %v", tc.da, tc.tm, got, tc.want)
		}
	}

	if _, err := ParseDateTime("", "1200"); err == nil {
		t.Error("expected error for missing date")
	}
	if _, err := ParseDateTime("20190517", "1"); err == nil {
		t.Error("expected error for odd-length time")
	}
}

func TestFromDataset(t *testing.T) {
	ds := dicom.Dataset{Elements: []*dicom.Element{
		mustNewElement(t, tag.SeriesInstanceUID, []string{"1.2.3.4"}),
		mustNewElement(t, tag.StudyInstanceUID, []string{"1.2.3"}),
		mustNewElement(t, tag.PatientID, []string{"304848286"}),
		mustNewElement(t, tag.PatientSex, []string{"f"}),
		mustNewElement(t, tag.StudyDate, []string{"20190517"}),
		mustNewElement(t, tag.StudyTime, []string{"101500"}),
		mustNewElement(t, tag.SeriesNumber, []string{"7"}),
		mustNewElement(t, tag.SeriesDescription, []string{"ep2d_diff_mddw_30_p2_AP"}),
		mustNewElement(t, tag.ScanningSequence, []string{"EP"}),
		mustNewElement(t, tag.SequenceVariant, []string{"SK", "SP"}),
		mustNewElement(t, tag.ImageType, []string{"ORIGINAL", "PRIMARY", "DIFFUSION", "NONE", "ND", "NORM"}),
		mustNewElement(t, tag.EchoTime, []string{"89"}),
		mustNewElement(t, tag.RepetitionTime, []string{"8400"}),
		mustNewElement(t, tag.PixelSpacing, []string{"1.796875", "1.796875"}),
		mustNewElement(t, tag.InPlanePhaseEncodingDirection, []string{"COL"}),
		mustNewPrivateElement(t, csaImageHeaderInfo, "OB", buildCSA([]csaElement{
			{Name: "PhaseEncodingDirectionPositive", Values: []string{"0"}},
		})),
	}}

	h, err := FromDataset(ds)
	if err != nil {
		t.Fatal(err)
	}

	if h.SeriesInstanceUID != "1.2.3.4" || h.StudyInstanceUID != "1.2.3" {
		t.Errorf("uids: %q %q", h.SeriesInstanceUID, h.StudyInstanceUID)
	}
	if h.PatientSex != "F" {
		t.Errorf("sex should be upper-cased, got %q", h.PatientSex)
	}
	if h.SeriesNumber != 7 {
		t.Errorf("series number: %d", h.SeriesNumber)
	}
	if len(h.SequenceVariant) != 2 || h.SequenceVariant[1] != "SP" {
		t.Errorf("sequence variant: %v", h.SequenceVariant)
	}
	if !h.HasImageType("norm") {
		t.Errorf("image type: %v", h.ImageType)
	}
	if h.EchoTime != 89 || h.RepetitionTime != 8400 {
		t.Errorf("TE/TR: %v %v", h.EchoTime, h.RepetitionTime)
	}
	if len(h.PixelSpacing) != 2 || h.PixelSpacing[0] != 1.796875 {
		t.Errorf("pixel spacing: %v", h.PixelSpacing)
	}
	if h.PhaseEncodingPositive == nil || *h.PhaseEncodingPositive {
		t.Errorf("CSA polarity: %v", h.PhaseEncodingPositive)
	}

	// No series time, so the study time is used
	st, err := h.SeriesTime()
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2019, 5, 17, 10, 15, 0, 0, time.UTC); !st.Equal(want) {
		t.Errorf("series time: got %v want %v", st, want)
	}
}

func TestFromDatasetRequiresSeries(t *testing.T) {
	ds := dicom.Dataset{Elements: []*dicom.Element{
		mustNewElement(t, tag.PatientID, []string{"1"}),
	}}

	if _, err := FromDataset(ds); err == nil {
		t.Fatal("expected an error without a SeriesInstanceUID")
	}
}

func TestParseReaderRejectsNonDICOM(t *testing.T) {
	if _, err := ParseReader(bytes.NewReader([]byte("definitely not a dicom file")), -1); err == nil {
		t.Fatal("expected an error")
	}
}
