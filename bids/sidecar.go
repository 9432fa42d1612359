package bids

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"

	"github.com/carbocation/pfx"
)

// Sidecar is the decoded JSON sidecar of a NIfTI file.
type Sidecar map[string]interface{}

// ReadSidecar loads the sidecar at path. A missing file yields an empty
// sidecar.
func ReadSidecar(path string) (Sidecar, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Sidecar{}, nil
	} else if err != nil {
		return nil, pfx.Err(err)
	}

	out := Sidecar{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, pfx.Err(err)
	}

	return out, nil
}

// Complete adds the fields the BIDS validator requires but dcm2niix cannot
// know: TaskName for functional scans, PhaseEncodingDirection when the
// polarity is known, and IntendedFor for field maps.
func (sc Sidecar) Complete(p Path, s Scan, intendedFor []string) {
	if p.DataType == "func" {
		sc["TaskName"] = Task(s.Description)
	}

	if ped := PhaseEncodingDirection(s.PhaseEncoding, s.PhaseEncodingPositive); ped != "" {
		sc["PhaseEncodingDirection"] = ped
	}

	if p.DataType == "fmap" && len(intendedFor) > 0 {
		sc["IntendedFor"] = intendedFor
	}
}

// WriteSidecar merges the BIDS additions for scan into the JSON sidecar that
// sits next to its NIfTI file, creating the file if needed.
func WriteSidecar(p Path, s Scan, intendedFor []string) error {
	sc, err := ReadSidecar(p.JSON())
	if err != nil {
		return err
	}

	sc.Complete(p, s, intendedFor)

	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return pfx.Err(err)
	}

	if err := os.MkdirAll(p.Dir(), 0755); err != nil {
		return pfx.Err(err)
	}

	return pfx.Err(os.WriteFile(p.JSON(), append(b, '\n'), 0644))
}
