package mriflow

import (
	"bufio"
	"bytes"
	"io"

	"github.com/csimplestring/go-csv/detector"
)

// DetermineDelimiter returns the single most likely rune that would delimit the
// values in the reader, assuming a CSV-like file. If nothing can be detected,
// fallback is returned.
func DetermineDelimiter(r io.Reader, fallback rune) rune {
	d := detector.New()
	delimiters := d.DetectDelimiter(r, '"')

	if len(delimiters) > 0 && len(delimiters[0]) > 0 {
		return rune(delimiters[0][0])
	}

	return fallback
}

// SniffDelimiter determines the delimiter from the first lines of r and
// returns a reader that still yields the complete input.
func SniffDelimiter(r io.Reader, fallback rune) (rune, io.Reader, error) {
	br := bufio.NewReader(r)

	var sample bytes.Buffer
	for i := 0; i < 10; i++ {
		line, err := br.ReadBytes('\n')
		sample.Write(line)
		if err == io.EOF {
			break
		} else if err != nil {
			return fallback, nil, err
		}
	}

	delim := DetermineDelimiter(bytes.NewReader(sample.Bytes()), fallback)

	return delim, io.MultiReader(bytes.NewReader(sample.Bytes()), br), nil
}
