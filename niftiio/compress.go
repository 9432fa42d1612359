package niftiio

import (
	"compress/gzip"
	"io"
	"os"
	"strings"

	"github.com/carbocation/pfx"
)

const (
	ExtNIfTI           = ".nii"
	ExtCompressedNIfTI = ".nii.gz"
)

func IsCompressed(path string) bool {
	return strings.HasSuffix(path, ExtCompressedNIfTI)
}

// IsNIfTI reports whether path names a .nii or .nii.gz file.
func IsNIfTI(path string) bool {
	return strings.HasSuffix(path, ExtNIfTI) || IsCompressed(path)
}

// TrimExt strips .nii or .nii.gz.
func TrimExt(path string) string {
	if IsCompressed(path) {
		return strings.TrimSuffix(path, ExtCompressedNIfTI)
	}
	return strings.TrimSuffix(path, ExtNIfTI)
}

// Compress gzips a .nii file into .nii.gz and removes the original. Already
// compressed paths are returned unchanged.
func Compress(path string) (string, error) {
	if IsCompressed(path) {
		return path, nil
	}

	dest := TrimExt(path) + ExtCompressedNIfTI
	in, err := os.Open(path)
	if err != nil {
		return "", pfx.Err(err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", pfx.Err(err)
	}

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		os.Remove(dest)
		return "", pfx.Err(err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dest)
		return "", pfx.Err(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", pfx.Err(err)
	}

	in.Close()
	return dest, pfx.Err(os.Remove(path))
}

// Uncompress inflates a .nii.gz file into .nii and removes the original.
// Uncompressed paths are returned unchanged.
func Uncompress(path string) (string, error) {
	if !IsCompressed(path) {
		return path, nil
	}

	dest := TrimExt(path) + ExtNIfTI
	out, err := os.Create(dest)
	if err != nil {
		return "", pfx.Err(err)
	}

	if err := inflate(path, out); err != nil {
		out.Close()
		os.Remove(dest)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", pfx.Err(err)
	}

	return dest, pfx.Err(os.Remove(path))
}

func inflate(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return pfx.Err(err)
	}
	defer zr.Close()

	_, err = io.Copy(w, zr)
	return pfx.Err(err)
}
