package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Strings is a string list stored as a JSON array.
type Strings []string

func (s Strings) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	return string(b), err
}

func (s *Strings) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// Floats is a float list stored as a JSON array.
type Floats []float64

func (f Floats) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]float64(f))
	return string(b), err
}

func (f *Floats) Scan(src interface{}) error {
	return scanJSON(src, f)
}

// Document is a free-form JSON object, used for run inputs and outputs.
type Document map[string]interface{}

func (d Document) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]interface{}(d))
	return string(b), err
}

func (d *Document) Scan(src interface{}) error {
	return scanJSON(src, d)
}

func scanJSON(src interface{}, dest interface{}) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("cannot scan %T as JSON", src)
	}

	if len(b) == 0 {
		return nil
	}

	return json.Unmarshal(b, dest)
}
