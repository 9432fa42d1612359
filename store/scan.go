package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"
	"gopkg.in/guregu/null.v3"
)

const insertScan = `INSERT INTO scan (session_id, series_uid, number, description, time,
	echo_time, repetition_time, inversion_time, flip_angle, spatial_resolution, field_strength,
	sequence_type_id, dicom_path, phase_encoding, phase_encoding_positive, contrast_agent,
	image_type, nifti_id, created)
VALUES (:session_id, :series_uid, :number, :description, :time,
	:echo_time, :repetition_time, :inversion_time, :flip_angle, :spatial_resolution, :field_strength,
	:sequence_type_id, :dicom_path, :phase_encoding, :phase_encoding_positive, :contrast_agent,
	:image_type, :nifti_id, :created)`

// GetOrCreateScan returns the scan with in's series instance UID, inserting
// it if absent. The boolean reports whether a row was inserted.
func (s *Store) GetOrCreateScan(ctx context.Context, in Scan) (Scan, bool, error) {
	var out Scan
	var created bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, created, err = s.getOrCreateScan(ctx, tx, in)
		return err
	})

	return out, created, err
}

func (s *Store) getOrCreateScan(ctx context.Context, tx *sqlx.Tx, in Scan) (Scan, bool, error) {
	if in.SeriesUID == "" || in.SessionID == 0 {
		return in, false, fmt.Errorf("%w: scan needs a session and series UID", ErrInvalid)
	}

	var out Scan
	err := tx.GetContext(ctx, &out, `SELECT * FROM scan WHERE series_uid = ?`, in.SeriesUID)
	if err == nil {
		if out.SessionID != in.SessionID {
			return out, false, fmt.Errorf("%w: series %s belongs to session %d, not %d", ErrInvalid, in.SeriesUID, out.SessionID, in.SessionID)
		}
		return out, false, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return out, false, pfx.Err(err)
	}

	in.Created = s.now()
	res, err := sqlx.NamedExecContext(ctx, tx, insertScan, in)
	if err != nil {
		return out, false, constraint(err)
	}

	out = in
	out.ID, err = res.LastInsertId()
	return out, true, pfx.Err(err)
}

// RegisterSeries gets or creates the subject, session and scan of one DICOM
// series in a single transaction. The session and scan are linked to their
// parents here, so their SubjectID and SessionID may be left zero. The
// boolean reports whether the scan is new.
func (s *Store) RegisterSeries(ctx context.Context, subj Subject, sess Session, scan Scan) (Scan, bool, error) {
	var out Scan
	var created bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		subject, err := s.getOrCreateSubject(ctx, tx, subj)
		if err != nil {
			return err
		}

		sess.SubjectID = subject.ID
		session, err := s.getOrCreateSession(ctx, tx, sess)
		if err != nil {
			return err
		}

		scan.SessionID = session.ID
		out, created, err = s.getOrCreateScan(ctx, tx, scan)
		return err
	})

	return out, created, err
}

func (s *Store) ScanByID(ctx context.Context, id int64) (Scan, error) {
	var out Scan
	if err := s.db.GetContext(ctx, &out, `SELECT * FROM scan WHERE id = ?`, id); err != nil {
		return out, notFound(err, "scan", id)
	}

	return out, nil
}

// ScansForSession lists a session's scans by series number.
func (s *Store) ScansForSession(ctx context.Context, sessionID int64) ([]Scan, error) {
	out := make([]Scan, 0)
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM scan WHERE session_id = ? ORDER BY number, id`, sessionID); err != nil {
		return nil, pfx.Err(err)
	}

	return out, nil
}

// ScansWithoutNIfTI lists scans that have not been converted yet.
func (s *Store) ScansWithoutNIfTI(ctx context.Context) ([]Scan, error) {
	out := make([]Scan, 0)
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM scan WHERE nifti_id IS NULL ORDER BY session_id, number`); err != nil {
		return nil, pfx.Err(err)
	}

	return out, nil
}

// SetScanNIfTI links a scan to its converted NIfTI file.
func (s *Store) SetScanNIfTI(ctx context.Context, scanID, niftiID int64) error {
	return s.exactlyOne(ctx, "scan", scanID, `UPDATE scan SET nifti_id = ? WHERE id = ?`, niftiID, scanID)
}

// SetScanSequenceType changes the sequence type of a scan. An invalid id
// clears it.
func (s *Store) SetScanSequenceType(ctx context.Context, scanID int64, sequenceTypeID null.Int) error {
	return s.exactlyOne(ctx, "scan", scanID, `UPDATE scan SET sequence_type_id = ? WHERE id = ?`, sequenceTypeID, scanID)
}

// SetScanDICOMPath records where the series' DICOM files live.
func (s *Store) SetScanDICOMPath(ctx context.Context, scanID int64, path string) error {
	return s.exactlyOne(ctx, "scan", scanID, `UPDATE scan SET dicom_path = ? WHERE id = ?`, path, scanID)
}

// exactlyOne executes an update and reports ErrNotFound if no row changed.
func (s *Store) exactlyOne(ctx context.Context, what string, id int64, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return constraint(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return pfx.Err(err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}

	return nil
}
