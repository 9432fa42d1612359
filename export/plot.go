package export

import (
	"fmt"
	"io"
	"sort"

	"github.com/carbocation/pfx"
	"github.com/wcharczuk/go-chart/v2"
)

// PlotDistribution renders a quantile plot of values as PNG: the sorted
// values against their rank, scaled to [0, 1].
func PlotDistribution(w io.Writer, title string, values []float64) error {
	if len(values) < 2 {
		return fmt.Errorf("plotting %s: need at least 2 values, have %d", title, len(values))
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	quantiles := make([]float64, len(sorted))
	for i := range sorted {
		quantiles[i] = float64(i) / float64(len(sorted)-1)
	}

	graph := chart.Chart{
		Title:  title,
		Width:  640,
		Height: 320,
		XAxis: chart.XAxis{
			Name:  "quantile",
			Range: &chart.ContinuousRange{Min: 0, Max: 1},
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    title,
				XValues: quantiles,
				YValues: sorted,
			},
		},
	}

	if sorted[0] == sorted[len(sorted)-1] {
		// go-chart refuses a zero-height range
		graph.YAxis.Range = &chart.ContinuousRange{Min: sorted[0] - 1, Max: sorted[0] + 1}
	}

	return pfx.Err(graph.Render(chart.PNG, w))
}
