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

// Measurement is one value produced by an analysis, named by atlas, region,
// hemisphere and metric rather than by id.
type Measurement struct {
	Atlas       string
	Region      string
	RegionIndex null.Int
	Hemisphere  string
	Metric      string
	Value       float64
}

func getOrCreateAtlas(ctx context.Context, q queryer, title string) (Atlas, error) {
	var out Atlas
	if _, err := q.ExecContext(ctx, `INSERT INTO atlas (title) VALUES (?) ON CONFLICT (title) DO NOTHING`, title); err != nil {
		return out, constraint(err)
	}

	return out, pfx.Err(q.GetContext(ctx, &out, `SELECT * FROM atlas WHERE title = ?`, title))
}

func getOrCreateMetric(ctx context.Context, q queryer, title string) (Metric, error) {
	var out Metric
	if _, err := q.ExecContext(ctx, `INSERT INTO metric (title) VALUES (?) ON CONFLICT (title) DO NOTHING`, title); err != nil {
		return out, constraint(err)
	}

	return out, pfx.Err(q.GetContext(ctx, &out, `SELECT * FROM metric WHERE title = ?`, title))
}

func getOrCreateRegion(ctx context.Context, q queryer, in Region) (Region, error) {
	var out Region
	err := q.GetContext(ctx, &out, `SELECT * FROM region WHERE atlas_id = ? AND title = ? AND hemisphere = ?`, in.AtlasID, in.Title, in.Hemisphere)
	if err == nil {
		return out, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return out, pfx.Err(err)
	}

	res, err := sqlx.NamedExecContext(ctx, q, `INSERT INTO region (atlas_id, idx, title, hemisphere)
		VALUES (:atlas_id, :idx, :title, :hemisphere)`, in)
	if err != nil {
		return out, constraint(err)
	}

	out = in
	out.ID, err = res.LastInsertId()
	return out, pfx.Err(err)
}

// GetOrCreateAtlas returns the atlas with the given title, creating it if
// needed.
func (s *Store) GetOrCreateAtlas(ctx context.Context, title string) (Atlas, error) {
	if title == "" {
		return Atlas{}, fmt.Errorf("%w: atlas without a title", ErrInvalid)
	}
	return getOrCreateAtlas(ctx, s.db, title)
}

// GetOrCreateMetric returns the metric with the given title, creating it if
// needed.
func (s *Store) GetOrCreateMetric(ctx context.Context, title string) (Metric, error) {
	if title == "" {
		return Metric{}, fmt.Errorf("%w: metric without a title", ErrInvalid)
	}
	return getOrCreateMetric(ctx, s.db, title)
}

// GetOrCreateRegion returns the region of an atlas, creating it if needed.
func (s *Store) GetOrCreateRegion(ctx context.Context, in Region) (Region, error) {
	if in.Title == "" || in.AtlasID == 0 {
		return Region{}, fmt.Errorf("%w: region needs an atlas and a title", ErrInvalid)
	}
	return getOrCreateRegion(ctx, s.db, in)
}

func (s *Store) Atlases(ctx context.Context) ([]Atlas, error) {
	out := make([]Atlas, 0)
	return out, pfx.Err(s.db.SelectContext(ctx, &out, `SELECT * FROM atlas ORDER BY title`))
}

func (s *Store) RegionsOf(ctx context.Context, atlasID int64) ([]Region, error) {
	out := make([]Region, 0)
	return out, pfx.Err(s.db.SelectContext(ctx, &out, `SELECT * FROM region WHERE atlas_id = ? ORDER BY idx, title, hemisphere`, atlasID))
}

func (s *Store) Metrics(ctx context.Context) ([]Metric, error) {
	out := make([]Metric, 0)
	return out, pfx.Err(s.db.SelectContext(ctx, &out, `SELECT * FROM metric ORDER BY title`))
}

// SaveScores stores the measurements of a run in one transaction, creating
// atlases, regions and metrics on demand. Saving a measurement twice
// overwrites its value.
func (s *Store) SaveScores(ctx context.Context, runID int64, measurements []Measurement) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		atlases := make(map[string]Atlas)
		metrics := make(map[string]Metric)

		for _, m := range measurements {
			if m.Atlas == "" || m.Region == "" || m.Metric == "" {
				return fmt.Errorf("%w: measurement %+v is incomplete", ErrInvalid, m)
			}

			atlas, ok := atlases[m.Atlas]
			if !ok {
				var err error
				if atlas, err = getOrCreateAtlas(ctx, tx, m.Atlas); err != nil {
					return err
				}
				atlases[m.Atlas] = atlas
			}

			metric, ok := metrics[m.Metric]
			if !ok {
				var err error
				if metric, err = getOrCreateMetric(ctx, tx, m.Metric); err != nil {
					return err
				}
				metrics[m.Metric] = metric
			}

			region, err := getOrCreateRegion(ctx, tx, Region{AtlasID: atlas.ID, Index: m.RegionIndex, Title: m.Region, Hemisphere: m.Hemisphere})
			if err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, `INSERT INTO score (run_id, region_id, metric_id, value) VALUES (?, ?, ?, ?)
				ON CONFLICT (run_id, region_id, metric_id) DO UPDATE SET value = excluded.value`,
				runID, region.ID, metric.ID, m.Value); err != nil {
				return constraint(err)
			}
		}

		return nil
	})
}

// ScoresForRun returns the raw scores of a run.
func (s *Store) ScoresForRun(ctx context.Context, runID int64) ([]Score, error) {
	out := make([]Score, 0)
	return out, pfx.Err(s.db.SelectContext(ctx, &out, `SELECT * FROM score WHERE run_id = ? ORDER BY id`, runID))
}

// ScoreRow is a denormalized score, as exported.
type ScoreRow struct {
	RunID       int64       `db:"run_id" csv:"run_id"`
	Node        string      `db:"node" csv:"node"`
	Subject     null.String `db:"subject" csv:"subject"`
	SessionTime null.Time   `db:"session_time" csv:"-"`
	Session     string      `db:"-" csv:"session"`
	Atlas       string      `db:"atlas" csv:"atlas"`
	Region      string      `db:"region" csv:"region"`
	Hemisphere  string      `db:"hemisphere" csv:"hemisphere"`
	Metric      string      `db:"metric" csv:"metric"`
	Value       float64     `db:"value" csv:"value"`
}

// ScoreFilter narrows ScoreRows. Zero values match everything.
type ScoreFilter struct {
	Atlas  string
	Metric string
	Node   string
}

// ScoreRows returns every score of succeeded runs joined with its labels.
// Runs that are not tied to a scan have no subject.
func (s *Store) ScoreRows(ctx context.Context, f ScoreFilter) ([]ScoreRow, error) {
	out := make([]ScoreRow, 0)
	err := s.db.SelectContext(ctx, &out, `SELECT
			run.id AS run_id, run.node AS node,
			subject.label AS subject, session.time AS session_time,
			atlas.title AS atlas, region.title AS region, region.hemisphere AS hemisphere,
			metric.title AS metric, score.value AS value
		FROM score
		JOIN run ON run.id = score.run_id
		JOIN region ON region.id = score.region_id
		JOIN atlas ON atlas.id = region.atlas_id
		JOIN metric ON metric.id = score.metric_id
		LEFT JOIN scan ON scan.id = run.scan_id
		LEFT JOIN session ON session.id = scan.session_id
		LEFT JOIN subject ON subject.id = session.subject_id
		WHERE run.status = ?
			AND (? = '' OR atlas.title = ?)
			AND (? = '' OR metric.title = ?)
			AND (? = '' OR run.node = ?)
		ORDER BY run.id, atlas.title, region.idx, region.title, region.hemisphere, metric.title`,
		RunSucceeded, f.Atlas, f.Atlas, f.Metric, f.Metric, f.Node, f.Node)
	if err != nil {
		return nil, pfx.Err(err)
	}

	for i := range out {
		if out[i].SessionTime.Valid {
			out[i].Session = out[i].SessionTime.Time.UTC().Format(sessionLabelLayout)
		}
	}

	return out, nil
}

// Matches the ses- label of BIDS paths
const sessionLabelLayout = "200601021504"
