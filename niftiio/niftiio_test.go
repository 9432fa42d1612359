package niftiio

import (
	"bytes"
	"errors"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub-1_T1w.nii")
	payload := bytes.Repeat([]byte("voxel"), 1000)
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatal(err)
	}

	gz, err := Compress(path)
	if err != nil {
		t.Fatal(err)
	}
	if gz != filepath.Join(dir, "sub-1_T1w.nii.gz") {
		t.Fatalf("unexpected compressed name %s", gz)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("original should be removed, stat returned %v", err)
	}

	again, err := Compress(gz)
	if err != nil || again != gz {
		t.Fatalf("compressing twice should be a no-op, got %s, %v", again, err)
	}

	plain, err := Uncompress(gz)
	if err != nil {
		t.Fatal(err)
	}
	if plain != path {
		t.Fatalf("unexpected uncompressed name %s", plain)
	}

	got, err := os.ReadFile(plain)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload changed in the round trip")
	}
}

func TestTrimExt(t *testing.T) {
	cases := map[string]string{
		"a/b.nii.gz": "a/b",
		"a/b.nii":    "a/b",
		"a/b.json":   "a/b.json",
	}
	for in, want := range cases {
		if got := TrimExt(in); got != want {
			t.Errorf("TrimExt(%q) = %q, want %q", in, got, want)
		}
	}

	if !IsNIfTI("x.nii.gz") || !IsNIfTI("x.nii") || IsNIfTI("x.bval") {
		t.Errorf("IsNIfTI misclassified")
	}
}

func TestReadBvalsBvecs(t *testing.T) {
	dir := t.TempDir()
	bval := filepath.Join(dir, "dwi.bval")
	bvec := filepath.Join(dir, "dwi.bvec")

	if err := os.WriteFile(bval, []byte("0 1000 1000 2000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bvec, []byte("0 1 0 0.5\n0 0 1 0.5\n0 0 0 0.7071\n"), 0644); err != nil {
		t.Fatal(err)
	}

	vals, err := ReadBvals(bval)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 4 || vals[3] != 2000 {
		t.Fatalf("bvals: %v", vals)
	}

	vecs, err := ReadBvecs(bvec)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs[2]) != 4 || vecs[2][3] != 0.7071 {
		t.Fatalf("bvecs: %v", vecs)
	}

	if err := os.WriteFile(bvec, []byte("0 1\n0 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadBvecs(bvec); err == nil {
		t.Fatal("expected an error for a two-row bvec file")
	}
}

func TestReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.json")
	if err := os.WriteFile(path, []byte(`{"EchoTime": 0.00296, "ImageType": ["ORIGINAL", "PRIMARY"]}`), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := ReadJSON(path)
	if err != nil {
		t.Fatal(err)
	}
	if got["EchoTime"] != 0.00296 {
		t.Fatalf("EchoTime: %v", got["EchoTime"])
	}
}

func TestReadHeaderRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.nii")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xff}, 400), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadHeader(path); !errors.Is(err, ErrNotNIfTI) {
		t.Fatalf("expected ErrNotNIfTI, got %v", err)
	}

	short := filepath.Join(t.TempDir(), "short.nii")
	if err := os.WriteFile(short, []byte("tiny"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadHeader(short); !errors.Is(err, ErrNotNIfTI) {
		t.Fatalf("expected ErrNotNIfTI, got %v", err)
	}
}

func rampVolume() volume {
	return volume{
		dims: [4]int{4, 3, 2, 1},
		at: func(x, y, z, t int) float64 {
			return float64(x + 4*y + 12*z)
		},
	}
}

func TestVolumeStats(t *testing.T) {
	got := rampVolume().stats()

	if got.N != 24 {
		t.Fatalf("expected 24 voxels, got %d", got.N)
	}
	if got.Min != 0 || got.Max != 23 {
		t.Errorf("range: %v..%v", got.Min, got.Max)
	}
	if math.Abs(got.Mean-11.5) > 1e-9 {
		t.Errorf("mean: %v", got.Mean)
	}
	if got.StandardDeviation <= 0 {
		t.Errorf("standard deviation: %v", got.StandardDeviation)
	}
}

func TestVolumeSlice(t *testing.T) {
	img := rampVolume().slice(1, 0)

	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 3 {
		t.Fatalf("bounds: %v", img.Bounds())
	}

	// The brightest voxel (x=3, y=2) lands in the top row.
	if r, _, _, _ := img.At(3, 0).RGBA(); r != math.MaxUint16 {
		t.Errorf("expected full intensity at the top right, got %d", r)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
}

func TestWindow(t *testing.T) {
	cases := []struct {
		in, max float64
		want    uint16
	}{
		{-5, 10, 0},
		{0, 10, 0},
		{10, 10, math.MaxUint16},
		{20, 10, math.MaxUint16},
		{5, 0, 0},
	}
	for _, c := range cases {
		if got := window(c.in, c.max); got != c.want {
			t.Errorf("window(%v, %v) = %d, want %d", c.in, c.max, got, c.want)
		}
	}
}
