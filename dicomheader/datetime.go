package dicomheader

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ParseDateTime combines a DICOM DA value (YYYYMMDD) and an optional TM value
// (HH, HHMM, HHMMSS or HHMMSS.FFFFFF) into a time in UTC. Values that do not
// follow the standard, such as the ACR-NEMA "YYYY.MM.DD" form, are handed to
// dateparse.
func ParseDateTime(da, tm string) (time.Time, error) {
	da = strings.TrimSpace(da)
	tm = strings.TrimSpace(tm)
	if da == "" {
		return time.Time{}, fmt.Errorf("no date")
	}

	day, err := time.Parse("20060102", da)
	if err != nil {
		day, err = dateparse.ParseIn(da, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable DICOM date %q: %w", da, err)
		}
		day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	}

	if tm == "" {
		return day, nil
	}

	clock, err := parseTM(tm)
	if err != nil {
		return time.Time{}, err
	}

	return day.Add(clock), nil
}

// parseTM returns the offset since midnight described by a TM value.
func parseTM(tm string) (time.Duration, error) {
	// Colons are tolerated by older writers
	tm = strings.ReplaceAll(tm, ":", "")

	var frac string
	if i := strings.IndexByte(tm, '.'); i >= 0 {
		tm, frac = tm[:i], tm[i+1:]
	}

	layouts := map[int]string{2: "15", 4: "1504", 6: "150405"}
	layout, ok := layouts[len(tm)]
	if !ok {
		return 0, fmt.Errorf("unparseable DICOM time %q", tm)
	}

	t, err := time.Parse(layout, tm)
	if err != nil {
		return 0, fmt.Errorf("unparseable DICOM time %q: %w", tm, err)
	}
	out := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second

	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		var micros int
		if _, err := fmt.Sscanf(frac, "%06d", &micros); err != nil {
			return 0, fmt.Errorf("unparseable DICOM time fraction %q: %w", frac, err)
		}
		out += time.Duration(micros) * time.Microsecond
	}

	return out, nil
}
