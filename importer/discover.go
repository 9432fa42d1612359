package importer

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/carbocation/mriflow"
	"github.com/carbocation/mriflow/dicomheader"
	"github.com/carbocation/pfx"
	log "github.com/sirupsen/logrus"
)

// candidate is one file that may hold a DICOM instance: a local file, a
// gs:// object, or a member of a local zip archive.
type candidate struct {
	Path string

	// archive is set for zip members; Path is then the member name.
	archive string
	entry   *zip.File
}

// location is the DICOM path recorded for the candidate's series: the
// containing directory (or gs:// prefix), or the archive itself.
func (c candidate) location() string {
	if c.archive != "" {
		return c.archive
	}
	if mriflow.IsGoogleStorage(c.Path) {
		return path.Dir(c.Path)
	}

	return filepath.Dir(c.Path)
}

func (c candidate) String() string {
	if c.archive != "" {
		return c.archive + ":" + c.Path
	}
	return c.Path
}

// Extensions that are never DICOM, found next to DICOM files in the wild.
var notDICOM = map[string]struct{}{
	".json": {}, ".nii": {}, ".bval": {}, ".bvec": {}, ".txt": {}, ".csv": {},
	".tsv": {}, ".xml": {}, ".html": {}, ".pdf": {}, ".jpg": {}, ".png": {},
	".log": {}, ".md": {}, ".yaml": {}, ".yml": {},
}

func skipName(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.EqualFold(base, "DICOMDIR") {
		return true
	}

	_, skip := notDICOM[strings.ToLower(filepath.Ext(mriflow.TrimCompressionExt(base)))]
	return skip
}

func isZip(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}

// discover expands roots into candidates. The returned function closes the
// zip archives that were opened along the way.
func (im *Importer) discover(ctx context.Context, roots []string) ([]candidate, func(), error) {
	var out []candidate
	var archives []*zip.ReadCloser
	cleanup := func() {
		for _, a := range archives {
			a.Close()
		}
	}

	addArchive := func(p string) error {
		zr, err := zip.OpenReader(p)
		if err != nil {
			return pfx.Err(err)
		}
		archives = append(archives, zr)

		for _, entry := range zr.File {
			if entry.FileInfo().IsDir() || skipName(entry.Name) {
				continue
			}
			out = append(out, candidate{Path: entry.Name, archive: p, entry: entry})
		}
		return nil
	}

	for _, root := range roots {
		if mriflow.IsGoogleStorage(root) {
			if im.Storage == nil {
				cleanup()
				return nil, nil, pfx.Err(fmt.Errorf("%s: no storage client configured", root))
			}
			objects, err := mriflow.ListFromGoogleStorage(ctx, root, im.Storage)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			for _, o := range objects {
				if isZip(o) {
					log.WithField("object", o).Warnln("Skipping zip archive in bucket; download it first")
					continue
				}
				if !skipName(o) {
					out = append(out, candidate{Path: o})
				}
			}
			continue
		}

		root, err := mriflow.ExpandHome(root)
		if err != nil {
			cleanup()
			return nil, nil, err
		}

		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if isZip(p) {
				return addArchive(p)
			}
			if !skipName(p) {
				out = append(out, candidate{Path: p})
			}
			return nil
		})
		if err != nil {
			cleanup()
			return nil, nil, pfx.Err(err)
		}
	}

	return out, cleanup, nil
}

// header parses the DICOM header of one candidate.
func (im *Importer) header(ctx context.Context, c candidate) (dicomheader.Header, error) {
	if c.entry == nil {
		return dicomheader.ParseFile(ctx, c.Path, im.Storage)
	}

	rc, err := c.entry.Open()
	if err != nil {
		return dicomheader.Header{}, pfx.Err(err)
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return dicomheader.Header{}, pfx.Err(err)
	}

	h, err := dicomheader.ParseReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return h, err
	}
	h.Path = c.String()

	return h, nil
}
