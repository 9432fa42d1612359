// Package export writes scores out of the store: as TSV for `bq load`,
// straight into BigQuery, as per-region summaries and plots, and copies
// derivative directories to Google Storage.
package export

import (
	"encoding/csv"
	"io"

	"github.com/carbocation/mriflow/store"
	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"
)

// scoreRecord is the flat TSV form of a score. Its columns match the
// BigQuery table so that the file can be loaded with `bq load`.
type scoreRecord struct {
	RunID      int64   `csv:"run_id"`
	Node       string  `csv:"node"`
	Subject    string  `csv:"subject"`
	Session    string  `csv:"session"`
	Atlas      string  `csv:"atlas"`
	Region     string  `csv:"region"`
	Hemisphere string  `csv:"hemisphere"`
	Metric     string  `csv:"metric"`
	Value      float64 `csv:"value"`
}

// WriteScoresTSV writes rows, header first, tab-delimited. Runs without a
// subject have an empty subject column.
func WriteScoresTSV(w io.Writer, rows []store.ScoreRow) error {
	records := make([]scoreRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, scoreRecord{
			RunID:      r.RunID,
			Node:       r.Node,
			Subject:    r.Subject.String,
			Session:    r.Session,
			Atlas:      r.Atlas,
			Region:     r.Region,
			Hemisphere: r.Hemisphere,
			Metric:     r.Metric,
			Value:      r.Value,
		})
	}

	return writeTSV(w, &records)
}

func writeTSV(w io.Writer, rows interface{}) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	if err := gocsv.MarshalCSV(rows, gocsv.NewSafeCSVWriter(cw)); err != nil {
		return pfx.Err(err)
	}
	cw.Flush()

	return pfx.Err(cw.Error())
}

// FilterRuns drops the rows of runs in skip.
func FilterRuns(rows []store.ScoreRow, skip map[int64]struct{}) []store.ScoreRow {
	out := make([]store.ScoreRow, 0, len(rows))
	for _, r := range rows {
		if _, ok := skip[r.RunID]; !ok {
			out = append(out, r)
		}
	}

	return out
}
