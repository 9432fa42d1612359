package bids

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cucumber/godog"
)

// namingContext holds state for a single scenario
type namingContext struct {
	subject string
	at      time.Time
	scans   []Scan
	paths   map[int64]Path
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(sc *godog.ScenarioContext) {
	nc := &namingContext{}

	sc.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		*nc = namingContext{}
		return ctx, nil
	})

	sc.Step(`^a session of subject "([^"]*)" acquired at "([^"]*)"$`, nc.aSession)
	sc.Step(`^the session contains the scans:$`, nc.theSessionContains)
	sc.Step(`^scan (\d+) is named "([^"]*)"$`, nc.scanIsNamed)
	sc.Step(`^scan (\d+) has no BIDS name$`, nc.scanHasNoName)
}

func (nc *namingContext) aSession(subject, at string) error {
	t, err := time.Parse("2006-01-02 15:04", at)
	if err != nil {
		return err
	}
	nc.subject, nc.at = subject, t

	return nil
}

func (nc *namingContext) theSessionContains(table *godog.Table) error {
	if len(table.Rows) < 2 {
		return fmt.Errorf("expected a header and at least one scan")
	}

	columns := make(map[string]int)
	for i, cell := range table.Rows[0].Cells {
		columns[cell.Value] = i
	}
	value := func(row int, column string) string {
		i, ok := columns[column]
		if !ok {
			return ""
		}
		return table.Rows[row].Cells[i].Value
	}

	for row := 1; row < len(table.Rows); row++ {
		number, err := strconv.Atoi(value(row, "number"))
		if err != nil {
			return err
		}

		s := Scan{
			ID:            int64(number),
			Number:        number,
			Subject:       nc.subject,
			SessionTime:   nc.at,
			SequenceType:  value(row, "sequence"),
			Description:   value(row, "description"),
			PhaseEncoding: value(row, "phase"),
		}

		switch value(row, "positive") {
		case "yes":
			s.PhaseEncodingPositive = boolPtr(true)
		case "no":
			s.PhaseEncodingPositive = boolPtr(false)
		}

		if ti := value(row, "ti"); ti != "" {
			if s.InversionTime, err = strconv.ParseFloat(ti, 64); err != nil {
				return err
			}
		}

		if tr := value(row, "tr"); tr != "" {
			if s.RepetitionTime, err = strconv.ParseFloat(tr, 64); err != nil {
				return err
			}
		}

		nc.scans = append(nc.scans, s)
	}

	paths, err := Manager{Root: "bids"}.ComposeSession(nc.scans)
	if err != nil && !errors.Is(err, ErrNotBIDS) {
		return err
	}
	nc.paths = paths

	return nil
}

func (nc *namingContext) scanIsNamed(number int, want string) error {
	p, ok := nc.paths[int64(number)]
	if !ok {
		return fmt.Errorf("scan %d has no name", number)
	}

	got, err := filepath.Rel(filepath.Join("bids", "sub-"+p.Subject, "ses-"+p.Session), p.Base())
	if err != nil {
		return err
	}
	if filepath.ToSlash(got) != want {
		return fmt.Errorf("scan %d: got %s, want %s", number, filepath.ToSlash(got), want)
	}

	return nil
}

func (nc *namingContext) scanHasNoName(number int) error {
	if p, ok := nc.paths[int64(number)]; ok {
		return fmt.Errorf("scan %d unexpectedly named %s", number, p.Stem)
	}

	return nil
}
