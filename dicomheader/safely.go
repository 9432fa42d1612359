package dicomheader

import (
	"fmt"
	"io"

	"github.com/suyashkumar/dicom"
)

// SafelyDicomParse parses everything but the pixel data. Panics emitted by
// the dicom library are captured and turned into errors, and a file that is
// truncated or malformed partway through still yields the elements read
// before the damage.
func SafelyDicomParse(r io.Reader, size int64) (ds dicom.Dataset, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("dicom parser panic: %v", panicErr)
		}
	}()

	p, err := dicom.NewParser(r, size, nil, dicom.SkipPixelData())
	if err != nil {
		return ds, err
	}

	var elements []*dicom.Element
	for {
		elem, err := p.Next()
		if err != nil {
			break
		}
		elements = append(elements, elem)
	}

	if len(elements) == 0 {
		return ds, fmt.Errorf("no elements parsed")
	}

	meta := p.GetMetadata()
	ds.Elements = append(meta.Elements, elements...)

	return ds, nil
}
