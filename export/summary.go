package export

import (
	"io"
	"sort"

	"github.com/carbocation/mriflow/store"
	"github.com/carbocation/pfx"
	"github.com/montanaflynn/stats"
)

// Summary describes the distribution of one metric in one region across
// runs.
type Summary struct {
	Atlas      string  `csv:"atlas"`
	Region     string  `csv:"region"`
	Hemisphere string  `csv:"hemisphere"`
	Metric     string  `csv:"metric"`
	N          int     `csv:"n"`
	Mean       float64 `csv:"mean"`
	Median     float64 `csv:"median"`
	StdDev     float64 `csv:"sd"`
	Min        float64 `csv:"min"`
	Max        float64 `csv:"max"`
}

type summaryKey struct {
	atlas, region, hemisphere, metric string
}

// Summarize groups rows by atlas, region, hemisphere and metric. The
// standard deviation is the sample standard deviation, zero for a single
// value.
func Summarize(rows []store.ScoreRow) ([]Summary, error) {
	groups := make(map[summaryKey]stats.Float64Data)
	for _, r := range rows {
		k := summaryKey{r.Atlas, r.Region, r.Hemisphere, r.Metric}
		groups[k] = append(groups[k], r.Value)
	}

	out := make([]Summary, 0, len(groups))
	for k, values := range groups {
		s := Summary{Atlas: k.atlas, Region: k.region, Hemisphere: k.hemisphere, Metric: k.metric, N: values.Len()}

		var err error
		if s.Mean, err = values.Mean(); err != nil {
			return nil, pfx.Err(err)
		}
		if s.Median, err = values.Median(); err != nil {
			return nil, pfx.Err(err)
		}
		if s.Min, err = values.Min(); err != nil {
			return nil, pfx.Err(err)
		}
		if s.Max, err = values.Max(); err != nil {
			return nil, pfx.Err(err)
		}
		if values.Len() > 1 {
			if s.StdDev, err = values.StandardDeviationSample(); err != nil {
				return nil, pfx.Err(err)
			}
		}

		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Atlas != b.Atlas {
			return a.Atlas < b.Atlas
		}
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		if a.Hemisphere != b.Hemisphere {
			return a.Hemisphere < b.Hemisphere
		}
		return a.Metric < b.Metric
	})

	return out, nil
}

// WriteSummaryTSV writes summaries tab-delimited.
func WriteSummaryTSV(w io.Writer, summaries []Summary) error {
	return writeTSV(w, &summaries)
}
