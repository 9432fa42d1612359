package convert

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/carbocation/mriflow"
	"github.com/carbocation/mriflow/bids"
	"github.com/carbocation/mriflow/niftiio"
	"github.com/carbocation/mriflow/store"
	"github.com/carbocation/pfx"
	log "github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"
)

// Converter converts the scans recorded in the store, placing them in the
// BIDS tree when they have a BIDS name and under NIfTIRoot otherwise.
type Converter struct {
	Store       *store.Store
	BIDS        bids.Manager
	NIfTIRoot   string
	DatasetName string
	Dcm2niix    Dcm2niix

	// Storage is used for DICOM series that live in gs:// buckets.
	Storage *storage.Client
}

// FromConfig builds a Converter that runs the configured dcm2niix binary.
func FromConfig(cfg mriflow.Config, st *store.Store, client *storage.Client) *Converter {
	return &Converter{
		Store:       st,
		BIDS:        bids.Manager{Root: cfg.BIDSRoot},
		NIfTIRoot:   cfg.NIfTIRoot,
		DatasetName: cfg.DatasetName,
		Dcm2niix: Dcm2niix{
			Binary:   cfg.Dcm2niix,
			Compress: true,
			LogRoot:  cfg.LogRoot,
		},
		Storage: client,
	}
}

// Destination is where a scan's NIfTI file goes. BIDS is nil for scans
// outside the BIDS tree.
type Destination struct {
	Dir  string
	Name string
	BIDS *bids.Path
}

// sessionScans gathers a session's scans with the labels BIDS naming needs.
type sessionScans struct {
	session store.Session
	subject store.Subject
	scans   []store.Scan
	named   []bids.Scan
}

func (c *Converter) loadSession(ctx context.Context, sessionID int64) (sessionScans, error) {
	var out sessionScans
	var err error

	if out.session, err = c.Store.SessionByID(ctx, sessionID); err != nil {
		return out, err
	}
	if out.subject, err = c.Store.SubjectByID(ctx, out.session.SubjectID); err != nil {
		return out, err
	}
	if out.scans, err = c.Store.ScansForSession(ctx, sessionID); err != nil {
		return out, err
	}

	titles := make(map[int64]string)
	types, err := c.Store.SequenceTypes(ctx)
	if err != nil {
		return out, err
	}
	for _, st := range types {
		titles[st.ID] = st.Title
	}

	for _, s := range out.scans {
		out.named = append(out.named, BIDSScan(s, out.subject, out.session, titles[s.SequenceTypeID.Int64]))
	}

	return out, nil
}

// BIDSScan collects the naming inputs of a stored scan.
func BIDSScan(s store.Scan, subject store.Subject, session store.Session, sequenceType string) bids.Scan {
	out := bids.Scan{
		ID:             s.ID,
		Number:         s.Number,
		Subject:        subject.Label,
		SessionTime:    session.Time,
		SequenceType:   sequenceType,
		Description:    s.Description,
		ImageType:      s.ImageType,
		InversionTime:  s.InversionTime.Float64,
		RepetitionTime: s.RepetitionTime.Float64,
		PhaseEncoding:  s.PhaseEncoding,
		ContrastAgent:  s.ContrastAgent,
	}
	if s.PhaseEncodingPositive.Valid {
		positive := s.PhaseEncodingPositive.Bool
		out.PhaseEncodingPositive = &positive
	}

	return out
}

func (c *Converter) destination(ss sessionScans, scan store.Scan) (Destination, bids.Scan, error) {
	var named bids.Scan
	for _, n := range ss.named {
		if n.ID == scan.ID {
			named = n
		}
	}

	p, err := c.BIDS.Compose(named, ss.named)
	if err == nil {
		return Destination{Dir: p.Dir(), Name: p.Stem, BIDS: &p}, named, nil
	} else if !errors.Is(err, bids.ErrNotBIDS) {
		return Destination{}, named, err
	}

	number := strconv.Itoa(scan.Number)
	return Destination{
		Dir:  filepath.Join(c.NIfTIRoot, bids.SubjectLabel(ss.subject.Label), bids.SessionLabel(ss.session.Time), number),
		Name: number,
	}, named, nil
}

// ScanDestination returns where the scan's NIfTI file belongs.
func (c *Converter) ScanDestination(ctx context.Context, scanID int64) (Destination, error) {
	scan, err := c.Store.ScanByID(ctx, scanID)
	if err != nil {
		return Destination{}, err
	}
	ss, err := c.loadSession(ctx, scan.SessionID)
	if err != nil {
		return Destination{}, err
	}

	dest, _, err := c.destination(ss, scan)
	return dest, err
}

// ConvertScan converts one scan and registers its NIfTI file. A scan that
// already has a NIfTI file is returned as is unless force is set.
func (c *Converter) ConvertScan(ctx context.Context, scanID int64, force bool) (store.NIfTI, error) {
	scan, err := c.Store.ScanByID(ctx, scanID)
	if err != nil {
		return store.NIfTI{}, err
	}
	if scan.NIfTIID.Valid && !force {
		return c.Store.NIfTIByID(ctx, scan.NIfTIID.Int64)
	}

	ss, err := c.loadSession(ctx, scan.SessionID)
	if err != nil {
		return store.NIfTI{}, err
	}

	return c.convert(ctx, ss, scan)
}

func (c *Converter) convert(ctx context.Context, ss sessionScans, scan store.Scan) (store.NIfTI, error) {
	dest, named, err := c.destination(ss, scan)
	if err != nil {
		return store.NIfTI{}, err
	}

	src, cleanup, err := c.stage(ctx, scan.DICOMPath)
	if err != nil {
		return store.NIfTI{}, err
	}
	defer cleanup()

	// dcm2niix writes into a scratch directory beside the destination so
	// that a failed or partial conversion never leaves files in the tree.
	if err := os.MkdirAll(filepath.Dir(dest.Dir), 0755); err != nil {
		return store.NIfTI{}, pfx.Err(err)
	}
	scratch, err := os.MkdirTemp(filepath.Dir(dest.Dir), ".dcm2niix-")
	if err != nil {
		return store.NIfTI{}, pfx.Err(err)
	}
	defer os.RemoveAll(scratch)

	outputs, err := c.Dcm2niix.Convert(ctx, src, scratch, dest.Name)
	if err != nil {
		return store.NIfTI{}, fmt.Errorf("scan %d (series %d): %w", scan.ID, scan.Number, err)
	}
	outputs = ofSeries(outputs, scan.Number)

	primary := Primary(outputs, named.SequenceType == "dwi")
	if err := os.MkdirAll(dest.Dir, 0755); err != nil {
		return store.NIfTI{}, pfx.Err(err)
	}
	path, err := rename(primary, filepath.Join(dest.Dir, dest.Name))
	if err != nil {
		return store.NIfTI{}, err
	}

	if dest.BIDS != nil {
		// dcm2niix may not have compressed; BIDS names use .nii.gz
		if path, err = niftiio.Compress(path); err != nil {
			return store.NIfTI{}, err
		}

		var intendedFor []string
		if dest.BIDS.DataType == "fmap" {
			intendedFor = c.intendedFor(ss, *dest.BIDS)
		}
		if err := bids.WriteSidecar(*dest.BIDS, named, intendedFor); err != nil {
			return store.NIfTI{}, err
		}
	}

	nifti, err := c.Store.CreateNIfTI(ctx, store.NIfTI{Path: path, IsRaw: true, ParentScanID: null.IntFrom(scan.ID)})
	if err != nil {
		return nifti, err
	}
	if err := c.Store.SetScanNIfTI(ctx, scan.ID, nifti.ID); err != nil {
		return nifti, err
	}

	log.WithFields(log.Fields{"scan": scan.ID, "series": scan.Number, "path": path}).Infoln("Converted")

	return nifti, nil
}

func (c *Converter) intendedFor(ss sessionScans, fmap bids.Path) []string {
	paths, err := c.BIDS.ComposeSession(ss.named)
	if err != nil && !errors.Is(err, bids.ErrNotBIDS) {
		return nil
	}
	return bids.IntendedFor(fmap, paths)
}

// ConvertSession converts every scan of a session, then refreshes the field
// map sidecars and the dataset-level files. Localizers are skipped. The
// per-scan errors are joined; scans that converted stay converted.
func (c *Converter) ConvertSession(ctx context.Context, sessionID int64, force bool) (map[int64]store.NIfTI, error) {
	ss, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := c.BIDS.InitDataset(c.datasetName()); err != nil {
		return nil, err
	}

	out := make(map[int64]store.NIfTI)
	var errs []error
	for i, scan := range ss.scans {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if ss.named[i].SequenceType == "localizer" {
			continue
		}

		if scan.NIfTIID.Valid && !force {
			nifti, err := c.Store.NIfTIByID(ctx, scan.NIfTIID.Int64)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out[scan.ID] = nifti
			continue
		}

		nifti, err := c.convert(ctx, ss, scan)
		if err != nil {
			log.WithError(err).WithField("scan", scan.ID).Warnln("Conversion failed")
			errs = append(errs, err)
			continue
		}
		out[scan.ID] = nifti
	}

	// Field maps converted before their targets need IntendedFor again
	if err := c.refreshFieldMaps(ss); err != nil {
		errs = append(errs, err)
	}
	if err := c.updateParticipants(ss.subject); err != nil {
		errs = append(errs, err)
	}

	return out, errors.Join(errs...)
}

func (c *Converter) refreshFieldMaps(ss sessionScans) error {
	paths, err := c.BIDS.ComposeSession(ss.named)
	if err != nil && !errors.Is(err, bids.ErrNotBIDS) {
		return err
	}

	for _, named := range ss.named {
		p, ok := paths[named.ID]
		if !ok || p.DataType != "fmap" {
			continue
		}
		if _, err := os.Stat(p.NIfTI()); err != nil {
			continue
		}
		if err := bids.WriteSidecar(p, named, bids.IntendedFor(p, paths)); err != nil {
			return err
		}
	}

	return nil
}

// updateParticipants adds or refreshes the subject's participants.tsv row.
func (c *Converter) updateParticipants(subject store.Subject) error {
	var participants []bids.Participant
	if _, err := os.Stat(filepath.Join(c.BIDS.Root, "participants.tsv")); err == nil {
		if participants, err = c.BIDS.ReadParticipants(); err != nil {
			return err
		}
	}

	row := bids.NewParticipant(subject.Label, subject.Sex.String, subject.DateOfBirth.Time)
	replaced := false
	for i := range participants {
		if participants[i].ParticipantID == row.ParticipantID {
			participants[i] = row
			replaced = true
		}
	}
	if !replaced {
		participants = append(participants, row)
	}

	return c.BIDS.WriteParticipants(participants)
}

func (c *Converter) datasetName() string {
	if c.DatasetName == "" {
		return "mriflow"
	}
	return c.DatasetName
}

// stage makes a DICOM source available as a local directory: gs:// prefixes
// are downloaded and .zip archives are extracted.
func (c *Converter) stage(ctx context.Context, src string) (string, func(), error) {
	noop := func() {}

	if src == "" {
		return "", noop, fmt.Errorf("scan has no DICOM path")
	}

	if mriflow.IsGoogleStorage(src) {
		if c.Storage == nil {
			return "", noop, fmt.Errorf("%s: no storage client configured", src)
		}
		dir, err := os.MkdirTemp("", "dicom-")
		if err != nil {
			return "", noop, pfx.Err(err)
		}
		cleanup := func() { os.RemoveAll(dir) }

		objects, err := mriflow.ListFromGoogleStorage(ctx, src, c.Storage)
		if err != nil {
			cleanup()
			return "", noop, err
		}
		for _, object := range objects {
			if _, err := mriflow.DownloadFromGoogleStorage(ctx, object, dir, c.Storage); err != nil {
				cleanup()
				return "", noop, err
			}
		}

		return dir, cleanup, nil
	}

	local, err := mriflow.ExpandHome(src)
	if err != nil {
		return "", noop, err
	}

	if strings.HasSuffix(strings.ToLower(local), ".zip") {
		dir, err := os.MkdirTemp("", "dicom-")
		if err != nil {
			return "", noop, pfx.Err(err)
		}
		cleanup := func() { os.RemoveAll(dir) }
		if err := unzip(local, dir); err != nil {
			cleanup()
			return "", noop, err
		}
		return dir, cleanup, nil
	}

	return local, noop, nil
}

func unzip(archive, dir string) error {
	rc, err := zip.OpenReader(archive)
	if err != nil {
		return pfx.Err(err)
	}
	defer rc.Close()

	for i, f := range rc.File {
		if f.FileInfo().IsDir() {
			continue
		}

		// Flatten entries; names inside archives are not trusted as paths
		dest := filepath.Join(dir, fmt.Sprintf("%06d_%s", i, filepath.Base(f.Name)))
		if err := extract(f, dest); err != nil {
			return err
		}
	}

	return nil
}

func extract(f *zip.File, dest string) error {
	src, err := f.Open()
	if err != nil {
		return pfx.Err(err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return pfx.Err(err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return pfx.Err(err)
	}

	return pfx.Err(out.Close())
}

// ofSeries narrows dcm2niix outputs to one series when the source held
// several, using the SeriesNumber of each sidecar.
func ofSeries(outputs []string, number int) []string {
	if len(outputs) < 2 {
		return outputs
	}

	var out []string
	for _, o := range outputs {
		sc, err := bids.ReadSidecar(niftiio.TrimExt(o) + ".json")
		if err != nil {
			continue
		}
		if n, ok := sc["SeriesNumber"].(float64); ok && int(n) == number {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return outputs
	}

	return out
}
