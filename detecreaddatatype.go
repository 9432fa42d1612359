package mriflow

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"strings"

	"github.com/krolaw/zipstream"
	"github.com/xi2/xz"
)

type DataType byte

const (
	DataTypeInvalid DataType = iota
	DataTypeNoCompression
	DataTypeGzip
	DataTypeZip
	DataTypeXZ
	DataTypeBZip2
)

func (d DataType) String() string {
	switch d {
	case DataTypeNoCompression:
		return "uncompressed"
	case DataTypeGzip:
		return "gzip"
	case DataTypeZip:
		return "zip"
	case DataTypeXZ:
		return "xz"
	case DataTypeBZip2:
		return "bzip2"
	}

	return "invalid"
}

var byteCodeSigs = map[DataType][]byte{
	DataTypeGzip:  {0x1f, 0x8b, 0x08},
	DataTypeZip:   {0x50, 0x4b, 0x03, 0x04},
	DataTypeXZ:    {0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00},
	DataTypeBZip2: {0x42, 0x5a, 0x68},
}

// DetectDataType classifies the leading bytes of a stream against known
// compression signatures. Byte code signatures from
// https://stackoverflow.com/a/19127748/199475
func DetectDataType(head []byte) DataType {
	if len(head) == 0 {
		return DataTypeInvalid
	}

Outer:
	for dt, sig := range byteCodeSigs {
		if len(head) < len(sig) {
			continue
		}
		for position := range sig {
			if head[position] != sig[position] {
				continue Outer
			}
		}
		return dt
	}

	return DataTypeNoCompression
}

// MaybeDecompress peeks at r and, if it is compressed, wraps it in the
// matching decompressor. Zip streams yield the first entry only; whole
// archives of DICOMs go through the importer's archive walker instead.
func MaybeDecompress(r io.Reader) (io.ReadCloser, DataType, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(6)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, DataTypeInvalid, err
	}

	dt := DetectDataType(head)
	switch dt {
	case DataTypeGzip:
		gz, err := gzip.NewReader(br)
		return gz, dt, err
	case DataTypeZip:
		zr := zipstream.NewReader(br)
		if _, err := zr.Next(); err != nil {
			return nil, dt, err
		}
		return &readCloserFaker{zr}, dt, nil
	case DataTypeBZip2:
		return &readCloserFaker{bzip2.NewReader(br)}, dt, nil
	case DataTypeXZ:
		reader, err := xz.NewReader(br, 0)
		if err != nil {
			return nil, dt, err
		}
		return &readCloserFaker{reader}, dt, nil
	}

	return &readCloserFaker{br}, dt, nil
}

// TrimCompressionExt removes a trailing compression extension, so that
// "x.dcm.gz" and "x.dcm" are treated alike.
func TrimCompressionExt(name string) string {
	for _, ext := range []string{".gz", ".xz", ".bz2"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return name[:len(name)-len(ext)]
		}
	}

	return name
}

// readCloserFaker "upgrades" readers that don't need to be closed
type readCloserFaker struct {
	io.Reader
}

func (c *readCloserFaker) Close() error {
	return nil
}
