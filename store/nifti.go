package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"
)

// CreateNIfTI registers a NIfTI file. Paths are unique: registering a path
// twice returns the existing row.
func (s *Store) CreateNIfTI(ctx context.Context, in NIfTI) (NIfTI, error) {
	if in.Path == "" {
		return in, fmt.Errorf("%w: NIfTI without a path", ErrInvalid)
	}

	var out NIfTI
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &out, `SELECT * FROM nifti WHERE path = ?`, in.Path)
		if err == nil {
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return pfx.Err(err)
		}

		in.Created = s.now()
		res, err := sqlx.NamedExecContext(ctx, tx, `INSERT INTO nifti (path, is_raw, parent_scan_id, run_id, created)
			VALUES (:path, :is_raw, :parent_scan_id, :run_id, :created)`, in)
		if err != nil {
			return constraint(err)
		}

		out = in
		out.ID, err = res.LastInsertId()
		return pfx.Err(err)
	})

	return out, err
}

func (s *Store) NIfTIByID(ctx context.Context, id int64) (NIfTI, error) {
	var out NIfTI
	if err := s.db.GetContext(ctx, &out, `SELECT * FROM nifti WHERE id = ?`, id); err != nil {
		return out, notFound(err, "nifti", id)
	}

	return out, nil
}

func (s *Store) NIfTIByPath(ctx context.Context, path string) (NIfTI, error) {
	var out NIfTI
	if err := s.db.GetContext(ctx, &out, `SELECT * FROM nifti WHERE path = ?`, path); err != nil {
		return out, notFound(err, "nifti", path)
	}

	return out, nil
}

// DerivativesOf lists the non-raw NIfTI files produced from a scan.
func (s *Store) DerivativesOf(ctx context.Context, scanID int64) ([]NIfTI, error) {
	out := make([]NIfTI, 0)
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM nifti WHERE parent_scan_id = ? AND is_raw = 0 ORDER BY id`, scanID); err != nil {
		return nil, pfx.Err(err)
	}

	return out, nil
}
