package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"
	"github.com/minio/blake2b-simd"
)

// Hex characters of the patient id hash appended to disambiguate labels
const labelHashLength = 8

// patientLabelSuffix is a short, stable, alphanumeric digest of a patient id.
func patientLabelSuffix(patientID string) string {
	sum := blake2b.Sum256([]byte(patientID))
	return hex.EncodeToString(sum[:])[:labelHashLength]
}

// GetOrCreateSubject returns the subject with the same patient id (or, when
// the patient id is unset, the same label), inserting it if absent.
//
// A new subject with a patient id whose label is empty, or already taken by
// another patient, is labelled with a digest of the patient id appended so
// that distinct patients never share a label.
func (s *Store) GetOrCreateSubject(ctx context.Context, in Subject) (Subject, error) {
	var out Subject
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, err = s.getOrCreateSubject(ctx, tx, in)
		return err
	})

	return out, err
}

func (s *Store) getOrCreateSubject(ctx context.Context, tx *sqlx.Tx, in Subject) (Subject, error) {
	hasPatientID := in.PatientID.Valid && in.PatientID.String != ""
	if in.Label == "" && !hasPatientID {
		return in, fmt.Errorf("%w: subject without a label", ErrInvalid)
	}

	var out Subject
	var err error
	if hasPatientID {
		err = tx.GetContext(ctx, &out, `SELECT * FROM subject WHERE patient_id = ?`, in.PatientID)
	} else {
		err = tx.GetContext(ctx, &out, `SELECT * FROM subject WHERE label = ?`, in.Label)
	}
	if err == nil {
		return out, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return out, pfx.Err(err)
	}

	if hasPatientID {
		var taken int
		if err := tx.GetContext(ctx, &taken, `SELECT COUNT(*) FROM subject WHERE label = ?`, in.Label); err != nil {
			return out, pfx.Err(err)
		}
		if in.Label == "" || taken > 0 {
			in.Label += patientLabelSuffix(in.PatientID.String)
		}
	}

	in.Created = s.now()
	res, err := sqlx.NamedExecContext(ctx, tx, `INSERT INTO subject (label, patient_id, sex, date_of_birth, created)
		VALUES (:label, :patient_id, :sex, :date_of_birth, :created)`, in)
	if err != nil {
		return out, constraint(err)
	}

	out = in
	out.ID, err = res.LastInsertId()
	return out, pfx.Err(err)
}

func (s *Store) SubjectByID(ctx context.Context, id int64) (Subject, error) {
	var out Subject
	if err := s.db.GetContext(ctx, &out, `SELECT * FROM subject WHERE id = ?`, id); err != nil {
		return out, notFound(err, "subject", id)
	}

	return out, nil
}

func (s *Store) SubjectByLabel(ctx context.Context, label string) (Subject, error) {
	var out Subject
	if err := s.db.GetContext(ctx, &out, `SELECT * FROM subject WHERE label = ?`, label); err != nil {
		return out, notFound(err, "subject", label)
	}

	return out, nil
}

// Subjects lists every subject ordered by label.
func (s *Store) Subjects(ctx context.Context) ([]Subject, error) {
	out := make([]Subject, 0)
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM subject ORDER BY label`); err != nil {
		return nil, pfx.Err(err)
	}

	return out, nil
}
