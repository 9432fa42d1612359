package niftiio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
)

// ReadBvals reads an FSL-style .bval file: one row of b-values separated by
// whitespace.
func ReadBvals(path string) ([]float64, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}

	var out []float64
	for _, row := range rows {
		out = append(out, row...)
	}

	return out, nil
}

// ReadBvecs reads an FSL-style .bvec file: three rows (x, y, z) with one
// column per volume.
func ReadBvecs(path string) ([3][]float64, error) {
	var out [3][]float64

	rows, err := readRows(path)
	if err != nil {
		return out, err
	}
	if len(rows) != 3 {
		return out, fmt.Errorf("%s: expected 3 rows, found %d", path, len(rows))
	}
	for i := 1; i < 3; i++ {
		if len(rows[i]) != len(rows[0]) {
			return out, fmt.Errorf("%s: row %d has %d columns, row 1 has %d", path, i+1, len(rows[i]), len(rows[0]))
		}
	}

	copy(out[:], rows)
	return out, nil
}

func readRows(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	var out [][]float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		row := make([]float64, 0, len(fields))
		for _, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, line, err)
			}
			row = append(row, v)
		}
		out = append(out, row)
	}

	return out, pfx.Err(scanner.Err())
}

// ReadJSON reads a JSON sidecar into a generic map.
func ReadJSON(path string) (map[string]interface{}, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, pfx.Err(err)
	}

	out := make(map[string]interface{})
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return out, nil
}
