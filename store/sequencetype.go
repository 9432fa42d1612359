package store

import (
	"context"
	"fmt"

	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"
)

// UpsertSequenceType inserts or updates a sequence type by title.
func (s *Store) UpsertSequenceType(ctx context.Context, in SequenceType) (SequenceType, error) {
	if in.Title == "" {
		return in, fmt.Errorf("%w: sequence type without a title", ErrInvalid)
	}

	var out SequenceType
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := sqlx.NamedExecContext(ctx, tx, `INSERT INTO sequence_type
			(title, description, scanning_sequence, sequence_variant, image_type, description_hints, exclude_hints)
			VALUES (:title, :description, :scanning_sequence, :sequence_variant, :image_type, :description_hints, :exclude_hints)
			ON CONFLICT (title) DO UPDATE SET
				description = excluded.description,
				scanning_sequence = excluded.scanning_sequence,
				sequence_variant = excluded.sequence_variant,
				image_type = excluded.image_type,
				description_hints = excluded.description_hints,
				exclude_hints = excluded.exclude_hints`, in); err != nil {
			return constraint(err)
		}

		return pfx.Err(tx.GetContext(ctx, &out, `SELECT * FROM sequence_type WHERE title = ?`, in.Title))
	})

	return out, err
}

// SequenceTypes lists every sequence type in insertion order.
func (s *Store) SequenceTypes(ctx context.Context) ([]SequenceType, error) {
	out := make([]SequenceType, 0)
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM sequence_type ORDER BY id`); err != nil {
		return nil, pfx.Err(err)
	}

	return out, nil
}

func (s *Store) SequenceTypeByTitle(ctx context.Context, title string) (SequenceType, error) {
	var out SequenceType
	if err := s.db.GetContext(ctx, &out, `SELECT * FROM sequence_type WHERE title = ?`, title); err != nil {
		return out, notFound(err, "sequence type", title)
	}

	return out, nil
}

func (s *Store) SequenceTypeByID(ctx context.Context, id int64) (SequenceType, error) {
	var out SequenceType
	if err := s.db.GetContext(ctx, &out, `SELECT * FROM sequence_type WHERE id = ?`, id); err != nil {
		return out, notFound(err, "sequence type", id)
	}

	return out, nil
}
