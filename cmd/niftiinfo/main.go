// niftiinfo prints the dimensions and voxel sizes of .nii and .nii.gz files,
// optionally with intensity statistics, the dcm2niix sidecar fields, and a
// PNG snapshot of the middle axial slice.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/carbocation/mriflow/compileinfo"
	_ "github.com/carbocation/mriflow/compileinfoprint"
	"github.com/carbocation/mriflow/niftiio"
	log "github.com/sirupsen/logrus"
)

func main() {
	var stats, sidecar, version bool
	var pngDir string
	var width int
	flag.BoolVar(&stats, "stats", false, "Also print voxel intensity statistics. Reads the whole image.")
	flag.BoolVar(&sidecar, "sidecar", false, "Also print the fields of the JSON sidecar beside each file, if any.")
	flag.StringVar(&pngDir, "png", "", "(Optional) Folder where a PNG of each file's middle axial slice is written, named {file}.png.")
	flag.IntVar(&width, "width", 0, "Width in pixels of the PNG snapshots. If 0, the native width is kept.")
	flag.BoolVar(&version, "version", false, "Print the build information and exit.")
	flag.Parse()

	if version {
		fmt.Println(compileinfo.Get())
		return
	}

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: niftiinfo [flags] file.nii.gz ...")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if pngDir != "" {
		if err := os.MkdirAll(pngDir, 0755); err != nil {
			log.Fatalln(err)
		}
	}

	failed := false
	for _, path := range flag.Args() {
		if err := describe(path, stats, sidecar, pngDir, width); err != nil {
			log.WithField("file", path).Errorln(err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func describe(path string, stats, sidecar bool, pngDir string, width int) error {
	info, err := niftiio.ReadHeader(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", path, info)

	if stats {
		vs, err := niftiio.Stats(path)
		if err != nil {
			return err
		}
		fmt.Printf("\tvoxels=%d mean=%g sd=%g min=%g max=%g\n", vs.N, vs.Mean, vs.StandardDeviation, vs.Min, vs.Max)
	}

	jsonPath := niftiio.TrimExt(path) + ".json"
	if _, err := os.Stat(jsonPath); sidecar && err == nil {
		fields, err := niftiio.ReadJSON(jsonPath)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("\t%s=%v\n", k, fields[k])
		}
	}

	if pngDir != "" {
		out := filepath.Join(pngDir, filepath.Base(niftiio.TrimExt(path))+".png")
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		if err := niftiio.Snapshot(path, f, width); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	return nil
}
