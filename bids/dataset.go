package bids

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"
)

// DatasetDescription is the content of dataset_description.json.
type DatasetDescription struct {
	Name        string   `json:"Name"`
	BIDSVersion string   `json:"BIDSVersion"`
	DatasetType string   `json:"DatasetType"`
	Authors     []string `json:"Authors,omitempty"`
}

var defaultIgnore = []string{
	"*_sbref.*",
	"**/derivatives/",
	"sourcedata/",
}

// InitDataset creates the dataset-level files that are missing. Existing
// files are left untouched.
func (m Manager) InitDataset(name string) error {
	if err := os.MkdirAll(m.Root, 0755); err != nil {
		return pfx.Err(err)
	}

	desc := DatasetDescription{Name: name, BIDSVersion: Version, DatasetType: "raw"}
	b, err := json.MarshalIndent(desc, "", "    ")
	if err != nil {
		return pfx.Err(err)
	}
	if err := writeIfAbsent(filepath.Join(m.Root, "dataset_description.json"), append(b, '\n')); err != nil {
		return err
	}

	readme := "# " + name + "\n\nRaw MRI data converted from DICOM.\n"
	if err := writeIfAbsent(filepath.Join(m.Root, "README"), []byte(readme)); err != nil {
		return err
	}

	return writeIfAbsent(filepath.Join(m.Root, ".bidsignore"), []byte(strings.Join(defaultIgnore, "\n")+"\n"))
}

func writeIfAbsent(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return pfx.Err(err)
	}

	return pfx.Err(os.WriteFile(path, content, 0644))
}

// Participant is one row of participants.tsv.
type Participant struct {
	ParticipantID string `csv:"participant_id"`
	Sex           string `csv:"sex"`
	DateOfBirth   string `csv:"date_of_birth"`
}

// NewParticipant formats a subject for participants.tsv. Unknown values
// become "n/a".
func NewParticipant(subject, sex string, dob time.Time) Participant {
	p := Participant{
		ParticipantID: "sub-" + SubjectLabel(subject),
		Sex:           "n/a",
		DateOfBirth:   "n/a",
	}

	switch strings.ToUpper(sex) {
	case "M":
		p.Sex = "M"
	case "F":
		p.Sex = "F"
	case "O":
		p.Sex = "O"
	}

	if !dob.IsZero() {
		p.DateOfBirth = dob.Format("2006-01-02")
	}

	return p
}

// WriteParticipants rewrites participants.tsv, sorted by participant id.
func (m Manager) WriteParticipants(participants []Participant) error {
	rows := make([]Participant, len(participants))
	copy(rows, participants)
	sort.Slice(rows, func(i, j int) bool { return rows[i].ParticipantID < rows[j].ParticipantID })

	if err := os.MkdirAll(m.Root, 0755); err != nil {
		return pfx.Err(err)
	}

	f, err := os.Create(filepath.Join(m.Root, "participants.tsv"))
	if err != nil {
		return pfx.Err(err)
	}

	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err := gocsv.MarshalCSV(&rows, gocsv.NewSafeCSVWriter(w)); err != nil {
		f.Close()
		return pfx.Err(err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return pfx.Err(err)
	}

	return pfx.Err(f.Close())
}

// ReadParticipants parses an existing participants.tsv.
func (m Manager) ReadParticipants() ([]Participant, error) {
	f, err := os.Open(filepath.Join(m.Root, "participants.tsv"))
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'

	var out []Participant
	if err := gocsv.UnmarshalCSV(r, &out); err != nil {
		return nil, pfx.Err(err)
	}

	return out, nil
}
