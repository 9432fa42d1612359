// Package dicomheader distills the handful of DICOM attributes that drive
// scan classification and BIDS naming out of a full DICOM dataset.
package dicomheader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/carbocation/mriflow"
	"github.com/carbocation/pfx"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Siemens private elements
var csaImageHeaderInfo = tag.Tag{Group: 0x0029, Element: 0x1010}

// Header holds the DICOM metadata used by the rest of mriflow.
type Header struct {
	// Path is where the file was read from. May be a gs:// URL.
	Path string

	SOPInstanceUID    string
	SeriesInstanceUID string
	StudyInstanceUID  string
	InstanceNumber    int

	PatientID        string
	PatientName      string
	PatientSex       string
	PatientBirthDate string

	StudyDate         string
	StudyTimeOfDay    string
	SeriesDate        string
	SeriesTimeOfDay   string
	SeriesNumber      int
	SeriesDescription string
	ProtocolName      string
	StudyDescription  string

	Modality              string
	Manufacturer          string
	ManufacturerModelName string
	InstitutionName       string

	ScanningSequence []string
	SequenceVariant  []string
	ScanOptions      []string
	ImageType        []string

	EchoTime              float64
	RepetitionTime        float64
	InversionTime         float64
	FlipAngle             float64
	PixelSpacing          []float64
	SliceThickness        float64
	MagneticFieldStrength float64

	InPlanePhaseEncodingDirection string
	ContrastBolusAgent            string

	// PhaseEncodingPositive comes from the Siemens CSA image header and is nil
	// for other vendors or when the CSA header could not be read.
	PhaseEncodingPositive *bool
}

// ParseFile reads the header of a local or gs:// DICOM file. Compressed files
// (.gz, .xz, .bz2) are decompressed on the fly. A nil client restricts
// reading to local files.
func ParseFile(ctx context.Context, path string, client *storage.Client) (Header, error) {
	src, size, err := mriflow.MaybeOpenFromGoogleStorage(ctx, path, client)
	if err != nil {
		return Header{}, err
	}
	defer src.Close()

	r, dt, err := mriflow.MaybeDecompress(src)
	if err != nil {
		return Header{}, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	defer r.Close()

	if dt != mriflow.DataTypeNoCompression {
		// Unknown length; the parser stops at EOF.
		size = -1
	}

	h, err := ParseReader(r, size)
	if err != nil {
		return h, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	h.Path = path

	return h, nil
}

// ParseReader parses a DICOM stream without its pixel data.
func ParseReader(r io.Reader, size int64) (Header, error) {
	if size < 0 {
		b, err := io.ReadAll(r)
		if err != nil {
			return Header{}, err
		}
		r = bytes.NewReader(b)
		size = int64(len(b))
	}

	ds, err := SafelyDicomParse(r, size)
	if err != nil {
		return Header{}, err
	}

	return FromDataset(ds)
}

// FromDataset extracts a Header from an already-parsed dataset.
func FromDataset(ds dicom.Dataset) (Header, error) {
	h := Header{
		SOPInstanceUID:    first(ds, tag.SOPInstanceUID),
		SeriesInstanceUID: first(ds, tag.SeriesInstanceUID),
		StudyInstanceUID:  first(ds, tag.StudyInstanceUID),
		InstanceNumber:    firstInt(ds, tag.InstanceNumber),

		PatientID:        first(ds, tag.PatientID),
		PatientName:      first(ds, tag.PatientName),
		PatientSex:       strings.ToUpper(first(ds, tag.PatientSex)),
		PatientBirthDate: first(ds, tag.PatientBirthDate),

		StudyDate:         first(ds, tag.StudyDate),
		StudyTimeOfDay:    first(ds, tag.StudyTime),
		SeriesDate:        first(ds, tag.SeriesDate),
		SeriesTimeOfDay:   first(ds, tag.SeriesTime),
		SeriesNumber:      firstInt(ds, tag.SeriesNumber),
		SeriesDescription: first(ds, tag.SeriesDescription),
		ProtocolName:      first(ds, tag.ProtocolName),
		StudyDescription:  first(ds, tag.StudyDescription),

		Modality:              first(ds, tag.Modality),
		Manufacturer:          first(ds, tag.Manufacturer),
		ManufacturerModelName: first(ds, tag.ManufacturerModelName),
		InstitutionName:       first(ds, tag.InstitutionName),

		ScanningSequence: multi(ds, tag.ScanningSequence),
		SequenceVariant:  multi(ds, tag.SequenceVariant),
		ScanOptions:      multi(ds, tag.ScanOptions),
		ImageType:        multi(ds, tag.ImageType),

		EchoTime:              firstFloat(ds, tag.EchoTime),
		RepetitionTime:        firstFloat(ds, tag.RepetitionTime),
		InversionTime:         firstFloat(ds, tag.InversionTime),
		FlipAngle:             firstFloat(ds, tag.FlipAngle),
		PixelSpacing:          floats(ds, tag.PixelSpacing),
		SliceThickness:        firstFloat(ds, tag.SliceThickness),
		MagneticFieldStrength: firstFloat(ds, tag.MagneticFieldStrength),

		InPlanePhaseEncodingDirection: strings.ToUpper(first(ds, tag.InPlanePhaseEncodingDirection)),
		ContrastBolusAgent:            first(ds, tag.ContrastBolusAgent),
	}

	if h.SeriesInstanceUID == "" {
		return h, fmt.Errorf("no SeriesInstanceUID; not an image DICOM")
	}

	if raw := rawBytes(ds, csaImageHeaderInfo); len(raw) > 0 {
		if csa, err := ParseCSA(raw); err == nil {
			h.PhaseEncodingPositive = csa.Bool("PhaseEncodingDirectionPositive")
		}
	}

	return h, nil
}

// SeriesTime returns the acquisition time of the series, falling back to the
// study time when the series has none.
func (h Header) SeriesTime() (time.Time, error) {
	if h.SeriesDate != "" {
		return ParseDateTime(h.SeriesDate, h.SeriesTimeOfDay)
	}

	return h.StudyTime()
}

// StudyTime returns the start of the study.
func (h Header) StudyTime() (time.Time, error) {
	return ParseDateTime(h.StudyDate, h.StudyTimeOfDay)
}

// BirthDate returns the patient's date of birth, or the zero time.
func (h Header) BirthDate() (time.Time, error) {
	if h.PatientBirthDate == "" {
		return time.Time{}, nil
	}

	return ParseDateTime(h.PatientBirthDate, "")
}

// Description returns the series description, or the protocol name when the
// series has no description.
func (h Header) Description() string {
	if h.SeriesDescription != "" {
		return h.SeriesDescription
	}

	return h.ProtocolName
}

// HasImageType reports whether ImageType contains v, case-insensitively.
func (h Header) HasImageType(v string) bool {
	for _, it := range h.ImageType {
		if strings.EqualFold(it, v) {
			return true
		}
	}

	return false
}

func element(ds dicom.Dataset, t tag.Tag) *dicom.Element {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return nil
	}

	return elem
}

func multi(ds dicom.Dataset, t tag.Tag) []string {
	elem := element(ds, t)
	if elem == nil {
		return nil
	}

	var out []string
	switch v := elem.Value.GetValue().(type) {
	case []string:
		for _, s := range v {
			// Some writers pack multiple values into one backslash separated
			// string.
			for _, part := range strings.Split(s, `\`) {
				if part = strings.TrimSpace(strings.Trim(part, "\x00")); part != "" {
					out = append(out, part)
				}
			}
		}
	case []int:
		for _, i := range v {
			out = append(out, strconv.Itoa(i))
		}
	case []float64:
		for _, f := range v {
			out = append(out, strconv.FormatFloat(f, 'g', -1, 64))
		}
	}

	return out
}

func first(ds dicom.Dataset, t tag.Tag) string {
	vals := multi(ds, t)
	if len(vals) == 0 {
		return ""
	}

	return vals[0]
}

func floats(ds dicom.Dataset, t tag.Tag) []float64 {
	var out []float64
	for _, s := range multi(ds, t) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		out = append(out, f)
	}

	return out
}

func firstFloat(ds dicom.Dataset, t tag.Tag) float64 {
	if vals := floats(ds, t); len(vals) > 0 {
		return vals[0]
	}

	return 0
}

func firstInt(ds dicom.Dataset, t tag.Tag) int {
	return int(firstFloat(ds, t))
}

func rawBytes(ds dicom.Dataset, t tag.Tag) []byte {
	elem := element(ds, t)
	if elem == nil {
		return nil
	}

	if b, ok := elem.Value.GetValue().([]byte); ok {
		return b
	}

	return nil
}
