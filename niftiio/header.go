// Package niftiio inspects NIfTI-1 files and the sidecars dcm2niix writes
// beside them.
package niftiio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/carbocation/mriflow"
	"github.com/carbocation/pfx"
	"github.com/henghuang/nifti"
)

// ErrNotNIfTI is returned for files without a NIfTI-1 header.
var ErrNotNIfTI = errors.New("not a NIfTI-1 file")

const (
	headerSize  = 348
	magicOffset = 344
)

// Info is the part of a NIfTI header that is stored and displayed.
type Info struct {
	Path string

	// Dims holds the x, y, z and t extents. Three dimensional images have a
	// t extent of 1.
	Dims [4]int

	// Pixdim holds the voxel size in x, y and z, usually millimeters.
	Pixdim [3]float64
}

func (i Info) Volumes() int {
	if i.Dims[3] < 1 {
		return 1
	}
	return i.Dims[3]
}

func (i Info) String() string {
	return fmt.Sprintf("%dx%dx%dx%d @ %gx%gx%g", i.Dims[0], i.Dims[1], i.Dims[2], i.Volumes(), i.Pixdim[0], i.Pixdim[1], i.Pixdim[2])
}

// ReadHeader reads the dimensions and voxel sizes of a .nii or .nii.gz file.
func ReadHeader(path string) (Info, error) {
	out := Info{Path: path}

	err := withUncompressed(path, func(local string) error {
		if err := checkMagic(local); err != nil {
			return err
		}

		img, err := safelyNiftiParse(local, false)
		if err != nil {
			return pfx.Err(fmt.Errorf("%s: %w", path, err))
		}
		hdr, err := safelyNiftiHeaderParse(local)
		if err != nil {
			return pfx.Err(fmt.Errorf("%s: %w", path, err))
		}

		dims := img.GetDims()
		out.Dims = [4]int{dims[0], dims[1], dims[2], dims[3]}
		for i := range out.Pixdim {
			out.Pixdim[i] = float64(hdr.Pixdim[i+1])
		}

		return nil
	})

	return out, err
}

// checkMagic verifies the header size field (in either byte order) and the
// single-file or pair magic string.
func checkMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return fmt.Errorf("%s: %w", path, ErrNotNIfTI)
	}

	if binary.LittleEndian.Uint32(hdr) != headerSize && binary.BigEndian.Uint32(hdr) != headerSize {
		return fmt.Errorf("%s: %w", path, ErrNotNIfTI)
	}

	magic := hdr[magicOffset : magicOffset+4]
	if !bytes.Equal(magic, []byte("n+1\x00")) && !bytes.Equal(magic, []byte("ni1\x00")) {
		return fmt.Errorf("%s: bad magic %q: %w", path, magic, ErrNotNIfTI)
	}

	return nil
}

// withUncompressed calls fn with a plain .nii path, inflating .nii.gz files
// into a temporary file first.
func withUncompressed(path string, fn func(local string) error) error {
	path, err := mriflow.ExpandHome(path)
	if err != nil {
		return err
	}
	if !IsCompressed(path) {
		return fn(path)
	}

	tmp, err := os.CreateTemp("", "niftiio-*.nii")
	if err != nil {
		return pfx.Err(err)
	}
	defer os.Remove(tmp.Name())

	if err := inflate(path, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return pfx.Err(err)
	}

	return fn(tmp.Name())
}

// The nifti library panics on malformed input.

func safelyNiftiParse(filename string, rdata bool) (parsed nifti.Nifti1Image, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	parsed.LoadImage(filename, rdata)

	return
}

func safelyNiftiHeaderParse(filename string) (parsed nifti.Nifti1Header, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	parsed.LoadHeader(filename)

	return
}
