package dicomheader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

var csaSV10Magic = []byte{'S', 'V', '1', '0', 0x04, 0x03, 0x02, 0x01}

// Hard limits to keep a corrupt header from driving huge allocations
const (
	csaMaxTags  = 1024
	csaMaxItems = 512
)

// CSA holds the decoded elements of a Siemens CSA header. Each element maps
// to the non-empty item values it carried.
type CSA map[string][]string

// ParseCSA decodes a Siemens CSA header in the SV10 ("CSA2") layout. Older
// CSA1 headers, which lack the magic prefix, are rejected.
func ParseCSA(b []byte) (CSA, error) {
	if len(b) < 16 || !bytes.Equal(b[:8], csaSV10Magic) {
		return nil, fmt.Errorf("not an SV10 CSA header")
	}

	r := csaReader{b: b, pos: 8}
	nTags, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if nTags == 0 || nTags > csaMaxTags {
		return nil, fmt.Errorf("implausible CSA tag count %d", nTags)
	}
	// Unused, conventionally 77
	if _, err := r.uint32(); err != nil {
		return nil, err
	}

	out := make(CSA, nTags)
	for i := uint32(0); i < nTags; i++ {
		nameBytes, err := r.next(64)
		if err != nil {
			return nil, err
		}
		name := cString(nameBytes)

		// vm, vr, syngodt
		if _, err := r.next(4 + 4 + 4); err != nil {
			return nil, err
		}
		nItems, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if nItems > csaMaxItems {
			return nil, fmt.Errorf("implausible CSA item count %d for %s", nItems, name)
		}
		// Unused, 77 or 205
		if _, err := r.uint32(); err != nil {
			return nil, err
		}

		var values []string
		for j := uint32(0); j < nItems; j++ {
			lengths, err := r.next(16)
			if err != nil {
				return nil, err
			}
			itemLen := int(binary.LittleEndian.Uint32(lengths[4:8]))
			if itemLen < 0 || itemLen > len(b) {
				return nil, fmt.Errorf("implausible CSA item length %d for %s", itemLen, name)
			}

			data, err := r.next(itemLen)
			if err != nil {
				return nil, err
			}
			if pad := (4 - itemLen%4) % 4; pad > 0 {
				if _, err := r.next(pad); err != nil {
					return nil, err
				}
			}

			if v := strings.TrimSpace(cString(data)); v != "" {
				values = append(values, v)
			}
		}

		out[name] = values
	}

	return out, nil
}

// Value returns the first value of the named element.
func (c CSA) Value(name string) (string, bool) {
	vals, ok := c[name]
	if !ok || len(vals) == 0 {
		return "", false
	}

	return vals[0], true
}

// Bool interprets the named element as a 0/1 flag. Nil means absent.
func (c CSA) Bool(name string) *bool {
	v, ok := c.Value(name)
	if !ok {
		return nil
	}

	i, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	out := i != 0

	return &out
}

type csaReader struct {
	b   []byte
	pos int
}

func (r *csaReader) next(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.b) {
		return nil, fmt.Errorf("CSA header truncated at byte %d", r.pos)
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n

	return out, nil
}

func (r *csaReader) uint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b)
}
