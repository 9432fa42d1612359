package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"
	"github.com/minio/blake2b-simd"
	"gopkg.in/guregu/null.v3"
)

// InputHash fingerprints run inputs. encoding/json sorts map keys, so equal
// inputs always hash alike.
func InputHash(inputs Document) (string, error) {
	if inputs == nil {
		inputs = Document{}
	}

	b, err := json.Marshal(map[string]interface{}(inputs))
	if err != nil {
		return "", pfx.Err(err)
	}
	h, err := blake2b.New(&blake2b.Config{Size: 32})
	if err != nil {
		return "", pfx.Err(err)
	}
	if _, err := h.Write(b); err != nil {
		return "", pfx.Err(err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// CreateRun inserts a run. An empty status means pending.
func (s *Store) CreateRun(ctx context.Context, in Run) (Run, error) {
	if in.Node == "" || in.Interface == "" {
		return in, fmt.Errorf("%w: run needs a node and an interface", ErrInvalid)
	}
	if in.Status == "" {
		in.Status = RunPending
	}
	if in.Inputs == nil {
		in.Inputs = Document{}
	}

	var err error
	if in.InputHash, err = InputHash(in.Inputs); err != nil {
		return in, err
	}
	in.Created = s.now()
	if in.Status == RunRunning && !in.Started.Valid {
		in.Started = null.TimeFrom(in.Created)
	}

	res, err := s.db.NamedExecContext(ctx, `INSERT INTO run (node, interface, scan_id, inputs, input_hash, outputs, status, error, created, started, finished)
		VALUES (:node, :interface, :scan_id, :inputs, :input_hash, :outputs, :status, :error, :created, :started, :finished)`, in)
	if err != nil {
		return in, constraint(err)
	}

	in.ID, err = res.LastInsertId()
	return in, pfx.Err(err)
}

func (s *Store) RunByID(ctx context.Context, id int64) (Run, error) {
	var out Run
	if err := s.db.GetContext(ctx, &out, `SELECT * FROM run WHERE id = ?`, id); err != nil {
		return out, notFound(err, "run", id)
	}

	return out, nil
}

// FindSucceededRun returns the latest successful run of node with identical
// inputs, so that its outputs can be reused.
func (s *Store) FindSucceededRun(ctx context.Context, node string, inputs Document) (Run, error) {
	var out Run
	hash, err := InputHash(inputs)
	if err != nil {
		return out, err
	}

	err = s.db.GetContext(ctx, &out, `SELECT * FROM run WHERE node = ? AND input_hash = ? AND status = ? ORDER BY id DESC LIMIT 1`,
		node, hash, RunSucceeded)
	if err != nil {
		return out, notFound(err, "succeeded run of", node)
	}

	return out, nil
}

// ClaimRun atomically moves the oldest pending run to running and returns
// it. ErrNotFound means the queue is empty.
func (s *Store) ClaimRun(ctx context.Context) (Run, error) {
	var out Run
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &out, `SELECT * FROM run WHERE status = ? ORDER BY id LIMIT 1`, RunPending)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pending run: %w", ErrNotFound)
		} else if err != nil {
			return pfx.Err(err)
		}

		started := s.now()
		res, err := tx.ExecContext(ctx, `UPDATE run SET status = ?, started = ? WHERE id = ? AND status = ?`,
			RunRunning, started, out.ID, RunPending)
		if err != nil {
			return pfx.Err(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return pfx.Err(err)
		} else if n != 1 {
			return fmt.Errorf("run %d was claimed concurrently: %w", out.ID, ErrNotFound)
		}

		out.Status = RunRunning
		out.Started = null.TimeFrom(started)
		return nil
	})

	return out, err
}

// FinishRun records a successful run's outputs.
func (s *Store) FinishRun(ctx context.Context, id int64, outputs Document) error {
	if outputs == nil {
		outputs = Document{}
	}

	return s.exactlyOne(ctx, "run", id, `UPDATE run SET status = ?, outputs = ?, error = '', finished = ? WHERE id = ?`,
		RunSucceeded, outputs, s.now(), id)
}

// FailRun records why a run failed.
func (s *Store) FailRun(ctx context.Context, id int64, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	return s.exactlyOne(ctx, "run", id, `UPDATE run SET status = ?, error = ?, finished = ? WHERE id = ?`,
		RunFailed, msg, s.now(), id)
}

// RequeueRunning returns runs left running by a crashed worker to the queue.
func (s *Store) RequeueRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE run SET status = ?, started = NULL WHERE status = ?`, RunPending, RunRunning)
	if err != nil {
		return 0, pfx.Err(err)
	}

	n, err := res.RowsAffected()
	return n, pfx.Err(err)
}

// RunsByStatus lists runs with the given status, oldest first. A limit of
// zero or less means no limit.
func (s *Store) RunsByStatus(ctx context.Context, status RunStatus, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}

	out := make([]Run, 0)
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM run WHERE status = ? ORDER BY id LIMIT ?`, status, limit)

	return out, pfx.Err(err)
}

// RunCounts tallies runs per status.
func (s *Store) RunCounts(ctx context.Context) (map[RunStatus]int, error) {
	rows := []struct {
		Status RunStatus `db:"status"`
		N      int       `db:"n"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM run GROUP BY status`); err != nil {
		return nil, pfx.Err(err)
	}

	out := make(map[RunStatus]int)
	for _, r := range rows {
		out[r.Status] = r.N
	}

	return out, nil
}
