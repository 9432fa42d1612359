package interfaces

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/carbocation/mriflow/store"
	"github.com/carbocation/pfx"
	"gopkg.in/guregu/null.v3"
)

// ParseAsegStats reads a FreeSurfer aseg.stats table. Hemispheres come from
// the Left-/Right- structure name prefixes.
func ParseAsegStats(r io.Reader) ([]store.Measurement, error) {
	return parseStatsTable(r, "aseg", "")
}

// ParseAparcStats reads a FreeSurfer ?h.aparc*.stats table for one
// hemisphere.
func ParseAparcStats(r io.Reader, atlas, hemisphere string) ([]store.Measurement, error) {
	return parseStatsTable(r, atlas, hemisphere)
}

// Columns that identify a row rather than measure it.
var statsIdentifierColumns = map[string]struct{}{
	"Index":      {},
	"SegId":      {},
	"StructName": {},
}

// parseStatsTable handles the shared stats layout: "# Measure" lines with
// global values, a "# ColHeaders" line, then whitespace-separated rows.
func parseStatsTable(r io.Reader, atlas, hemisphere string) ([]store.Measurement, error) {
	var out []store.Measurement
	var headers []string

	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		switch {
		case strings.HasPrefix(text, "# Measure "):
			m, err := parseMeasureLine(strings.TrimPrefix(text, "# Measure "))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			m.Atlas = atlas
			m.Hemisphere = hemisphere
			out = append(out, m)

		case strings.HasPrefix(text, "# ColHeaders"):
			headers = strings.Fields(strings.TrimPrefix(text, "# ColHeaders"))

		case strings.HasPrefix(text, "#"):
			continue

		default:
			if headers == nil {
				return nil, fmt.Errorf("line %d: data before column headers", line)
			}
			ms, err := parseStatsRow(headers, strings.Fields(text), atlas, hemisphere)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			out = append(out, ms...)
		}
	}

	return out, pfx.Err(scanner.Err())
}

// parseMeasureLine reads "Structure, Name, Description, Value, Units".
func parseMeasureLine(text string) (store.Measurement, error) {
	fields := strings.Split(text, ",")
	if len(fields) < 4 {
		return store.Measurement{}, fmt.Errorf("measure %q has %d fields", text, len(fields))
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
	if err != nil {
		return store.Measurement{}, fmt.Errorf("measure %q: %w", text, err)
	}

	return store.Measurement{
		Region: strings.TrimSpace(fields[0]),
		Metric: strings.TrimSpace(fields[1]),
		Value:  value,
	}, nil
}

func parseStatsRow(headers, fields []string, atlas, hemisphere string) ([]store.Measurement, error) {
	if len(fields) != len(headers) {
		return nil, fmt.Errorf("expected %d columns, found %d", len(headers), len(fields))
	}

	var region string
	var index null.Int
	for i, h := range headers {
		switch h {
		case "StructName":
			region = fields[i]
		case "SegId":
			id, err := strconv.ParseInt(fields[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("SegId: %w", err)
			}
			index = null.IntFrom(id)
		}
	}
	if region == "" {
		return nil, fmt.Errorf("no StructName column")
	}

	hemi := hemisphere
	if hemi == "" {
		hemi = hemisphereOf(region)
	}

	out := make([]store.Measurement, 0, len(headers))
	for i, h := range headers {
		if _, skip := statsIdentifierColumns[h]; skip {
			continue
		}

		value, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", h, err)
		}
		out = append(out, store.Measurement{
			Atlas:       atlas,
			Region:      region,
			RegionIndex: index,
			Hemisphere:  hemi,
			Metric:      h,
			Value:       value,
		})
	}

	return out, nil
}

func hemisphereOf(structure string) string {
	switch {
	case strings.HasPrefix(structure, "Left-"), strings.HasPrefix(structure, "lh-"):
		return "L"
	case strings.HasPrefix(structure, "Right-"), strings.HasPrefix(structure, "rh-"):
		return "R"
	}
	return ""
}
