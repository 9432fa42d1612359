// Package importer finds DICOM series on disk, in zip archives or in Google
// Storage and registers their subjects, sessions and scans.
package importer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/carbocation/mriflow/bids"
	"github.com/carbocation/mriflow/dicomheader"
	"github.com/carbocation/mriflow/sequence"
	"github.com/carbocation/mriflow/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/guregu/null.v3"
)

// Importer registers DICOM series in the store.
type Importer struct {
	Store       *store.Store
	Definitions []sequence.Definition

	// Sheet optionally overrides subject labels, sex and birth dates by
	// PatientID.
	Sheet Sheet

	// Storage is required for gs:// roots.
	Storage *storage.Client

	// Workers bounds concurrent header parsing. Zero means one per CPU.
	Workers int

	sequenceTypes map[string]store.SequenceType
}

// Summary describes one import.
type Summary struct {
	Files   int
	Skipped int
	Series  int
	Failed  int

	// Scans lists the scans created by this import, by session then number.
	Scans []store.Scan
}

// series gathers what is known about one series while files are parsed.
type series struct {
	header   dicomheader.Header
	location string
	files    int
}

// Scan parses every candidate file under roots and registers each series
// found. Files that are not DICOM are skipped. Importing the same files
// again creates nothing new.
func (im *Importer) Scan(ctx context.Context, roots []string) (Summary, error) {
	var summary Summary

	candidates, cleanup, err := im.discover(ctx, roots)
	if err != nil {
		return summary, err
	}
	defer cleanup()
	summary.Files = len(candidates)

	found, skipped, err := im.parseAll(ctx, candidates)
	if err != nil {
		return summary, err
	}
	summary.Skipped = skipped
	summary.Series = len(found)

	ordered := make([]*series, 0, len(found))
	for _, s := range found {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].header, ordered[j].header
		if a.StudyInstanceUID != b.StudyInstanceUID {
			return a.StudyInstanceUID < b.StudyInstanceUID
		}
		if a.SeriesNumber != b.SeriesNumber {
			return a.SeriesNumber < b.SeriesNumber
		}
		return a.SeriesInstanceUID < b.SeriesInstanceUID
	})

	var failures []error
	for _, s := range ordered {
		scan, created, err := im.register(ctx, s)
		if err != nil {
			summary.Failed++
			failures = append(failures, err)
			log.WithFields(log.Fields{"series": s.header.SeriesInstanceUID, "location": s.location}).WithError(err).Warnln("Could not register series")
			continue
		}
		if created {
			summary.Scans = append(summary.Scans, scan)
		}
	}

	log.WithFields(log.Fields{
		"files":   summary.Files,
		"skipped": summary.Skipped,
		"series":  summary.Series,
		"new":     len(summary.Scans),
		"failed":  summary.Failed,
	}).Infoln("Import finished")

	return summary, errors.Join(failures...)
}

// parseAll reads headers with a bounded pool and groups them by series. The
// header kept for a series is the one with the lowest instance number.
func (im *Importer) parseAll(ctx context.Context, candidates []candidate) (map[string]*series, int, error) {
	workers := im.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	var mu sync.Mutex
	found := make(map[string]*series)
	skipped := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			h, err := im.header(gctx, c)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				skipped++
				log.WithField("file", c.String()).WithError(err).Debugln("Not a DICOM file")
				return nil
			}

			s, ok := found[h.SeriesInstanceUID]
			if !ok {
				found[h.SeriesInstanceUID] = &series{header: h, location: c.location(), files: 1}
				return nil
			}

			s.files++
			if s.location != c.location() {
				log.WithFields(log.Fields{"series": h.SeriesInstanceUID, "kept": s.location, "also": c.location()}).Warnln("Series is split across locations")
			}
			if h.InstanceNumber < s.header.InstanceNumber {
				s.header = h
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, skipped, err
	}

	return found, skipped, nil
}

// register creates or finds the subject, session and scan of a series.
func (im *Importer) register(ctx context.Context, s *series) (store.Scan, bool, error) {
	h := s.header
	if h.PatientID == "" {
		return store.Scan{}, false, fmt.Errorf("series %s has no PatientID", h.SeriesInstanceUID)
	}

	subject, err := im.subject(h)
	if err != nil {
		return store.Scan{}, false, err
	}

	studyTime, err := h.StudyTime()
	if err != nil {
		if studyTime, err = h.SeriesTime(); err != nil {
			return store.Scan{}, false, fmt.Errorf("series %s: no usable study time: %w", h.SeriesInstanceUID, err)
		}
	}
	session := store.Session{StudyUID: h.StudyInstanceUID, Time: studyTime}

	scan := store.Scan{
		SeriesUID:             h.SeriesInstanceUID,
		Number:                h.SeriesNumber,
		Description:           h.Description(),
		EchoTime:              positive(h.EchoTime),
		RepetitionTime:        positive(h.RepetitionTime),
		InversionTime:         positive(h.InversionTime),
		FlipAngle:             positive(h.FlipAngle),
		FieldStrength:         positive(h.MagneticFieldStrength),
		DICOMPath:             s.location,
		PhaseEncoding:         h.InPlanePhaseEncodingDirection,
		PhaseEncodingPositive: null.BoolFromPtr(h.PhaseEncodingPositive),
		ContrastAgent:         h.ContrastBolusAgent,
		ImageType:             store.Strings(h.ImageType),
	}
	if t, err := h.SeriesTime(); err == nil {
		scan.Time = null.TimeFrom(t)
	}
	if len(h.PixelSpacing) == 2 {
		scan.SpatialResolution = store.Floats{h.PixelSpacing[0], h.PixelSpacing[1], h.SliceThickness}
	}

	if def, ok := sequence.Infer(h, im.Definitions); ok {
		st, err := im.sequenceType(ctx, def)
		if err != nil {
			return store.Scan{}, false, err
		}
		scan.SequenceTypeID = null.IntFrom(st.ID)
	}

	out, created, err := im.Store.RegisterSeries(ctx, subject, session, scan)
	if err != nil {
		return out, false, err
	}

	// Scans registered before their sequence type was known pick it up now.
	if !created && !out.SequenceTypeID.Valid && scan.SequenceTypeID.Valid {
		if err := im.Store.SetScanSequenceType(ctx, out.ID, scan.SequenceTypeID); err != nil {
			return out, false, err
		}
		out.SequenceTypeID = scan.SequenceTypeID
	}

	if created {
		log.WithFields(log.Fields{
			"subject":  subject.Label,
			"study":    h.StudyInstanceUID,
			"number":   h.SeriesNumber,
			"sequence": scan.SequenceTypeID.Int64,
			"files":    s.files,
		}).Infoln("Registered", h.Description())
	}

	return out, created, nil
}

func (im *Importer) subject(h dicomheader.Header) (store.Subject, error) {
	out := store.Subject{
		Label:     bids.SubjectLabel(h.PatientID),
		PatientID: null.StringFrom(h.PatientID),
		Sex:       null.NewString(h.PatientSex, h.PatientSex != ""),
	}
	if dob, err := h.BirthDate(); err == nil && !dob.IsZero() {
		out.DateOfBirth = null.TimeFrom(dob)
	}

	row, ok := im.Sheet[h.PatientID]
	if !ok {
		return out, nil
	}

	if row.Label != "" {
		out.Label = bids.SubjectLabel(row.Label)
	}
	if row.Sex != "" {
		out.Sex = null.StringFrom(row.Sex)
	}
	dob, err := row.BirthDate()
	if err != nil {
		return out, fmt.Errorf("patient %s: %w", h.PatientID, err)
	}
	if !dob.IsZero() {
		out.DateOfBirth = null.TimeFrom(dob)
	}

	return out, nil
}

// sequenceType stores a definition the first time a scan matches it.
func (im *Importer) sequenceType(ctx context.Context, def sequence.Definition) (store.SequenceType, error) {
	if st, ok := im.sequenceTypes[def.Title]; ok {
		return st, nil
	}

	st, err := im.Store.UpsertSequenceType(ctx, store.SequenceType{
		Title:            def.Title,
		Description:      def.Description,
		ScanningSequence: store.Strings(def.ScanningSequence),
		SequenceVariant:  store.Strings(def.SequenceVariant),
		ImageType:        store.Strings(def.ImageType),
		DescriptionHints: store.Strings(def.DescriptionHints),
		ExcludeHints:     store.Strings(def.ExcludeHints),
	})
	if err != nil {
		return st, err
	}

	if im.sequenceTypes == nil {
		im.sequenceTypes = make(map[string]store.SequenceType)
	}
	im.sequenceTypes[def.Title] = st

	return st, nil
}

func positive(v float64) null.Float {
	return null.NewFloat(v, v > 0)
}
