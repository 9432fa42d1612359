package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"
)

// GetOrCreateSession returns the session with in's study instance UID,
// inserting it if absent. A study UID that already belongs to a different
// subject is rejected.
func (s *Store) GetOrCreateSession(ctx context.Context, in Session) (Session, error) {
	var out Session
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, err = s.getOrCreateSession(ctx, tx, in)
		return err
	})

	return out, err
}

func (s *Store) getOrCreateSession(ctx context.Context, tx *sqlx.Tx, in Session) (Session, error) {
	if in.StudyUID == "" || in.SubjectID == 0 || in.Time.IsZero() {
		return in, fmt.Errorf("%w: session needs a subject, study UID and time", ErrInvalid)
	}

	var out Session
	err := tx.GetContext(ctx, &out, `SELECT * FROM session WHERE study_uid = ?`, in.StudyUID)
	if err == nil {
		if out.SubjectID != in.SubjectID {
			return out, fmt.Errorf("%w: study %s belongs to subject %d, not %d", ErrInvalid, in.StudyUID, out.SubjectID, in.SubjectID)
		}
		return out, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return out, pfx.Err(err)
	}

	in.Created = s.now()
	in.Time = in.Time.UTC()
	res, err := sqlx.NamedExecContext(ctx, tx, `INSERT INTO session (subject_id, study_uid, time, comments, created)
		VALUES (:subject_id, :study_uid, :time, :comments, :created)`, in)
	if err != nil {
		return out, constraint(err)
	}

	out = in
	out.ID, err = res.LastInsertId()
	return out, pfx.Err(err)
}

func (s *Store) SessionByID(ctx context.Context, id int64) (Session, error) {
	var out Session
	if err := s.db.GetContext(ctx, &out, `SELECT * FROM session WHERE id = ?`, id); err != nil {
		return out, notFound(err, "session", id)
	}

	return out, nil
}

// SessionsForSubject lists a subject's sessions in chronological order.
func (s *Store) SessionsForSubject(ctx context.Context, subjectID int64) ([]Session, error) {
	out := make([]Session, 0)
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM session WHERE subject_id = ? ORDER BY time, id`, subjectID); err != nil {
		return nil, pfx.Err(err)
	}

	return out, nil
}

// Sessions lists every session in chronological order.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	out := make([]Session, 0)
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM session ORDER BY time, id`); err != nil {
		return nil, pfx.Err(err)
	}

	return out, nil
}
