package importer

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSheet(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"tabs", "Patient ID\tLabel\tSex\tDate of Birth\nPAT-1\tAlpha01\tM\t1980-01-02\nPAT-2\t\tF\t\n"},
		{"semicolons", "patient_id;label;sex;date_of_birth\nPAT-1;Alpha01;M;01/02/1980\nPAT-2;;F;\n"},
		{"commas with a BOM", "\ufeffpatient_id,label,sex,date_of_birth\n\"PAT-1\",Alpha01,M,1980-01-02\nPAT-2,,F,\n"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "subjects.txt")
			if err := os.WriteFile(path, []byte(c.content), 0644); err != nil {
				t.Fatal(err)
			}

			sheet, err := LoadSheet(path)
			if err != nil {
				t.Fatal(err)
			}
			if len(sheet) != 2 {
				t.Fatalf("expected 2 rows, got %+v", sheet)
			}

			row := sheet["PAT-1"]
			if row.Label != "Alpha01" || row.Sex != "M" {
				t.Errorf("row: %+v", row)
			}
			dob, err := row.BirthDate()
			if err != nil {
				t.Fatal(err)
			}
			if want := time.Date(1980, 1, 2, 0, 0, 0, 0, time.UTC); !dob.Equal(want) {
				t.Errorf("date of birth: %v", dob)
			}

			if dob, err := sheet["PAT-2"].BirthDate(); err != nil || !dob.IsZero() {
				t.Errorf("blank date of birth: %v %v", dob, err)
			}
		})
	}
}

func TestLoadSheetWindows1252(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subjects.csv")
	content := []byte("patient_id,label\nPAT-9,Jos\xe9\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	sheet, err := LoadSheet(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := sheet["PAT-9"].Label; got != "José" {
		t.Errorf("label decoded as %q", got)
	}
}

func TestLoadSheetErrors(t *testing.T) {
	cases := map[string]string{
		"no id column": "label,sex\nAlpha,M\n",
		"duplicate":    "patient_id,label\nP1,A\nP1,B\n",
		"bad date":     "patient_id,date_of_birth\nP1,not a date\n",
	}

	for name, content := range cases {
		path := filepath.Join(t.TempDir(), "subjects.csv")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadSheet(path); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}
