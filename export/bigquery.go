package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/carbocation/mriflow/store"
	"github.com/carbocation/pfx"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

var tablePattern = regexp.MustCompile(`^([A-Za-z0-9_-]+\.)?[A-Za-z0-9_]+\.[A-Za-z0-9_]+$`)

// Table is a BigQuery table reference, written dataset.table or
// project.dataset.table.
type Table struct {
	Project string
	Dataset string
	Table   string
}

// ParseTable splits a table reference, taking the project from
// defaultProject when the reference has none.
func ParseTable(ref, defaultProject string) (Table, error) {
	if !tablePattern.MatchString(ref) {
		return Table{}, fmt.Errorf("%q is not a dataset.table or project.dataset.table reference", ref)
	}

	parts := strings.Split(ref, ".")
	if len(parts) == 2 {
		parts = append([]string{defaultProject}, parts...)
	}
	if parts[0] == "" {
		return Table{}, fmt.Errorf("table %q needs a project", ref)
	}

	return Table{Project: parts[0], Dataset: parts[1], Table: parts[2]}, nil
}

func (t Table) String() string {
	return fmt.Sprintf("%s.%s.%s", t.Project, t.Dataset, t.Table)
}

// ExistingRunIDs lists the run ids already loaded into table so that they
// are not exported twice. A table that does not exist yet holds none.
func ExistingRunIDs(ctx context.Context, client *bigquery.Client, table Table) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})

	query := client.Query(fmt.Sprintf("SELECT DISTINCT run_id FROM `%s`", table))
	itr, err := query.Read(ctx)
	if isNotFound(err) {
		return out, nil
	} else if err != nil {
		return nil, pfx.Err(err)
	}

	for {
		var row struct {
			RunID int64 `bigquery:"run_id"`
		}
		err := itr.Next(&row)
		if err == iterator.Done {
			break
		} else if isNotFound(err) {
			return out, nil
		} else if err != nil {
			return nil, pfx.Err(err)
		}
		out[row.RunID] = struct{}{}
	}

	return out, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// bqScore is the BigQuery row of a score.
type bqScore struct {
	RunID      int64               `bigquery:"run_id"`
	Node       string              `bigquery:"node"`
	Subject    bigquery.NullString `bigquery:"subject"`
	Session    bigquery.NullString `bigquery:"session"`
	Atlas      string              `bigquery:"atlas"`
	Region     string              `bigquery:"region"`
	Hemisphere string              `bigquery:"hemisphere"`
	Metric     string              `bigquery:"metric"`
	Value      float64             `bigquery:"value"`
}

func toBigQuery(r store.ScoreRow) bqScore {
	return bqScore{
		RunID:      r.RunID,
		Node:       r.Node,
		Subject:    bigquery.NullString{StringVal: r.Subject.String, Valid: r.Subject.Valid},
		Session:    bigquery.NullString{StringVal: r.Session, Valid: r.Session != ""},
		Atlas:      r.Atlas,
		Region:     r.Region,
		Hemisphere: r.Hemisphere,
		Metric:     r.Metric,
		Value:      r.Value,
	}
}

// insertBatch bounds the rows of one streaming insert request.
const insertBatch = 500

// InsertScores streams rows into table, creating the table from the row
// schema if needed.
func InsertScores(ctx context.Context, client *bigquery.Client, table Table, rows []store.ScoreRow) error {
	handle := client.DatasetInProject(table.Project, table.Dataset).Table(table.Table)

	if _, err := handle.Metadata(ctx); isNotFound(err) {
		schema, err := bigquery.InferSchema(bqScore{})
		if err != nil {
			return pfx.Err(err)
		}
		if err := handle.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
			return pfx.Err(fmt.Errorf("creating %s: %w", table, err))
		}
	} else if err != nil {
		return pfx.Err(err)
	}

	inserter := handle.Inserter()
	for start := 0; start < len(rows); start += insertBatch {
		end := start + insertBatch
		if end > len(rows) {
			end = len(rows)
		}

		batch := make([]bqScore, 0, end-start)
		for _, r := range rows[start:end] {
			batch = append(batch, toBigQuery(r))
		}
		if err := inserter.Put(ctx, batch); err != nil {
			return pfx.Err(fmt.Errorf("inserting rows %d-%d into %s: %w", start, end, table, err))
		}
	}

	return nil
}
