package niftiio

import (
	"image"
	"image/color"
	"io"
	"math"

	"github.com/carbocation/pfx"
	"github.com/carbocation/runningvariance"
	"github.com/disintegration/imaging"
)

// volume is the voxel access that the stats and snapshot code needs.
type volume struct {
	dims [4]int
	at   func(x, y, z, t int) float64
}

func loadVolume(path string, fn func(volume) error) error {
	return withUncompressed(path, func(local string) error {
		if err := checkMagic(local); err != nil {
			return err
		}

		img, err := safelyNiftiParse(local, true)
		if err != nil {
			return pfx.Err(err)
		}

		dims := img.GetDims()
		v := volume{
			dims: [4]int{dims[0], dims[1], dims[2], dims[3]},
			at:   func(x, y, z, t int) float64 { return float64(img.GetAt(x, y, z, t)) },
		}
		if v.dims[3] < 1 {
			v.dims[3] = 1
		}

		return fn(v)
	})
}

// VoxelStats summarizes the intensities of every voxel.
type VoxelStats struct {
	N                 int64
	Mean              float64
	StandardDeviation float64
	Min               float64
	Max               float64
}

// Stats reads the whole image and summarizes its intensities.
func Stats(path string) (VoxelStats, error) {
	var out VoxelStats
	err := loadVolume(path, func(v volume) error {
		out = v.stats()
		return nil
	})

	return out, err
}

func (v volume) stats() VoxelStats {
	rs := runningvariance.NewRunningStat()
	out := VoxelStats{Min: math.Inf(1), Max: math.Inf(-1)}

	for t := 0; t < v.dims[3]; t++ {
		for z := 0; z < v.dims[2]; z++ {
			for y := 0; y < v.dims[1]; y++ {
				for x := 0; x < v.dims[0]; x++ {
					val := v.at(x, y, z, t)
					rs.Push(val)
					out.Min = math.Min(out.Min, val)
					out.Max = math.Max(out.Max, val)
				}
			}
		}
	}

	out.N = int64(rs.N)
	if out.N == 0 {
		out.Min, out.Max = 0, 0
		return out
	}
	out.Mean = rs.Mean()
	out.StandardDeviation = rs.StandardDeviation()

	return out
}

// Snapshot writes the middle axial slice of the first volume as a PNG,
// scaled to width pixels. Intensities are windowed to the slice maximum.
func Snapshot(path string, w io.Writer, width int) error {
	return loadVolume(path, func(v volume) error {
		img := v.slice(v.dims[2]/2, 0)
		if width > 0 && width != img.Bounds().Dx() {
			return pfx.Err(imaging.Encode(w, imaging.Resize(img, width, 0, imaging.NearestNeighbor), imaging.PNG))
		}
		return pfx.Err(imaging.Encode(w, img, imaging.PNG))
	})
}

// slice renders one axial plane with anterior at the top.
func (v volume) slice(z, t int) image.Image {
	xm, ym := v.dims[0], v.dims[1]
	out := image.NewGray16(image.Rect(0, 0, xm, ym))

	maxIntensity := 0.0
	for x := 0; x < xm; x++ {
		for y := 0; y < ym; y++ {
			maxIntensity = math.Max(maxIntensity, v.at(x, y, z, t))
		}
	}

	for x := 0; x < xm; x++ {
		for y := 0; y < ym; y++ {
			out.SetGray16(x, ym-1-y, color.Gray16{Y: window(v.at(x, y, z, t), maxIntensity)})
		}
	}

	return out
}

func window(intensity, maxIntensity float64) uint16 {
	if intensity <= 0 || maxIntensity <= 0 {
		return 0
	}
	if intensity >= maxIntensity {
		return math.MaxUint16
	}

	return uint16(float64(math.MaxUint16) * intensity / maxIntensity)
}
